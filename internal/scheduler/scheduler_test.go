package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lapser/internal/capture"
	"lapser/internal/events"
	"lapser/internal/jobs"
	"lapser/internal/models"
	"lapser/internal/settings"
	"lapser/internal/weather"
	"lapser/internal/workflow"
)

type stubCapturer struct {
	mu    sync.Mutex
	calls int
}

func (s *stubCapturer) CaptureFrame(ctx context.Context, camera *models.Camera, outputPath string, st capture.Settings) capture.Outcome {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return capture.Outcome{Success: false, Error: err.Error()}
	}
	if err := os.WriteFile(outputPath, []byte("frame"), 0644); err != nil {
		return capture.Outcome{Success: false, Error: err.Error()}
	}
	return capture.Outcome{Success: true}
}

func (s *stubCapturer) TestConnection(ctx context.Context, camera *models.Camera) capture.ConnectionResult {
	return capture.ConnectionResult{Success: true}
}

func (s *stubCapturer) captureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestScheduler(t *testing.T) (*CaptureScheduler, *gorm.DB, *stubCapturer) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	// Captures run on goroutines; a single connection serializes them the
	// way Postgres row locks would.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatal(err)
	}

	capturer := &stubCapturer{}
	coordinator := jobs.NewCoordinator(db, settings.NewProvider(db),
		jobs.NewThumbnailQueue(db), jobs.NewVideoQueue(db))
	orch := workflow.NewOrchestrator(db, capturer, workflow.AcceptAllPolicy{},
		coordinator, events.NewHub(db), weather.NewDBProvider(db), t.TempDir(), time.UTC)

	sched := NewCaptureScheduler(db, orch, nil, coordinator, time.Second)
	return sched, db, capturer
}

func createCampaign(t *testing.T, db *gorm.DB, name, status string, interval int) (models.Camera, models.Timelapse) {
	t.Helper()
	camera := models.Camera{Name: name, RTSPURL: "rtsp://" + name + "/stream"}
	if err := db.Create(&camera).Error; err != nil {
		t.Fatal(err)
	}
	tl := models.Timelapse{
		CameraID:               camera.ID,
		Status:                 status,
		StartDate:              time.Now().Add(-time.Hour),
		CaptureIntervalSeconds: interval,
	}
	if err := db.Create(&tl).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Model(&camera).Update("active_timelapse_id", tl.ID).Error; err != nil {
		t.Fatal(err)
	}
	return camera, tl
}

func waitForImages(t *testing.T, db *gorm.DB, timelapseID uint, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var n int64
		db.Model(&models.Image{}).Where("timelapse_id = ?", timelapseID).Count(&n)
		if n >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d images on timelapse %d", want, timelapseID)
}

func waitIdle(t *testing.T, sched *CaptureScheduler) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sched.mu.Lock()
		busy := false
		for _, inFlight := range sched.inFlight {
			busy = busy || inFlight
		}
		sched.mu.Unlock()
		if !busy {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for captures to settle")
}

func TestTickCapturesRunningCamerasOnly(t *testing.T) {
	sched, db, capturer := newTestScheduler(t)
	_, running := createCampaign(t, db, "front", models.TimelapseStatusRunning, 60)
	_, paused := createCampaign(t, db, "back", models.TimelapseStatusPaused, 60)

	sched.tick()
	waitForImages(t, db, running.ID, 1)
	waitIdle(t, sched)

	var pausedImages int64
	db.Model(&models.Image{}).Where("timelapse_id = ?", paused.ID).Count(&pausedImages)
	if pausedImages != 0 {
		t.Errorf("paused timelapse captured %d images, want 0", pausedImages)
	}
	if got := capturer.captureCount(); got != 1 {
		t.Errorf("expected 1 capture, got %d", got)
	}
}

func TestTickHonorsCaptureInterval(t *testing.T) {
	sched, db, capturer := newTestScheduler(t)
	_, tl := createCampaign(t, db, "front", models.TimelapseStatusRunning, 300)

	sched.tick()
	waitForImages(t, db, tl.ID, 1)
	waitIdle(t, sched)

	// Inside the interval the camera is not due again.
	sched.tick()
	time.Sleep(50 * time.Millisecond)
	if got := capturer.captureCount(); got != 1 {
		t.Errorf("expected capture to wait out the interval, got %d captures", got)
	}

	// Pushing the last capture past the interval makes it due.
	sched.mu.Lock()
	for id := range sched.lastCapture {
		sched.lastCapture[id] = time.Now().Add(-301 * time.Second)
	}
	sched.mu.Unlock()
	sched.tick()
	waitForImages(t, db, tl.ID, 2)
}
