package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lapser/internal/capture"
	"lapser/internal/detection"
	"lapser/internal/events"
	"lapser/internal/jobs"
	"lapser/internal/models"
	"lapser/internal/settings"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatal(err)
	}
	return db
}

// fakeCapturer writes a small file on success so file-size stat and discard
// deletion have something real to work on.
type fakeCapturer struct {
	fail    bool
	errMsg  string
	content []byte
	calls   int
}

func (f *fakeCapturer) CaptureFrame(ctx context.Context, camera *models.Camera, outputPath string, s capture.Settings) capture.Outcome {
	f.calls++
	if f.fail {
		return capture.Outcome{Success: false, Error: f.errMsg}
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return capture.Outcome{Success: false, Error: err.Error()}
	}
	content := f.content
	if content == nil {
		content = []byte("jpegdata")
	}
	if err := os.WriteFile(outputPath, content, 0644); err != nil {
		return capture.Outcome{Success: false, Error: err.Error()}
	}
	return capture.Outcome{Success: true, Metadata: map[string]interface{}{"transport": "tcp"}}
}

func (f *fakeCapturer) TestConnection(ctx context.Context, camera *models.Camera) capture.ConnectionResult {
	return capture.ConnectionResult{Success: !f.fail}
}

// scriptedQuality returns one Result per Evaluate call, in order. The last
// entry repeats if called more often.
type scriptedQuality struct {
	results []detection.Result
	policy  detection.ScoringPolicy
	calls   int
}

func (s *scriptedQuality) Evaluate(imagePath string, useHeavy bool) detection.Result {
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	return s.results[i]
}

func (s *scriptedQuality) Policy() detection.ScoringPolicy { return s.policy }

type panickyQuality struct{}

func (panickyQuality) Evaluate(string, bool) detection.Result { panic("scorer blew up") }
func (panickyQuality) Policy() detection.ScoringPolicy        { return detection.DefaultScoringPolicy() }

type testEnv struct {
	db       *gorm.DB
	camera   models.Camera
	tl       models.Timelapse
	capturer *fakeCapturer
	hub      *events.Hub
	thumbQ   *jobs.ThumbnailQueue
}

func newTestEnv(t *testing.T, quality QualityPolicy, capturer *fakeCapturer) (*Orchestrator, *testEnv) {
	t.Helper()
	db := newTestDB(t)

	env := &testEnv{db: db, capturer: capturer}
	env.camera = models.Camera{Name: "garden", RTSPURL: "rtsp://cam/stream"}
	if err := db.Create(&env.camera).Error; err != nil {
		t.Fatal(err)
	}
	env.tl = models.Timelapse{
		CameraID:  env.camera.ID,
		Status:    models.TimelapseStatusRunning,
		StartDate: time.Now().Add(-time.Hour),
	}
	if err := db.Create(&env.tl).Error; err != nil {
		t.Fatal(err)
	}

	env.thumbQ = jobs.NewThumbnailQueue(db)
	coordinator := jobs.NewCoordinator(db, settings.NewProvider(db), env.thumbQ, jobs.NewVideoQueue(db))
	env.hub = events.NewHub(db)

	orch := NewOrchestrator(db, capturer, quality, coordinator, env.hub,
		noWeather{}, t.TempDir(), time.UTC)
	return orch, env
}

type noWeather struct{}

func (noWeather) GetLatestWeather() *models.WeatherSnapshot { return nil }

func cleanQuality() *scriptedQuality {
	return &scriptedQuality{
		results: []detection.Result{{FinalScore: 10}},
		policy:  detection.DefaultScoringPolicy(),
	}
}

func TestCaptureWorkflowSuccess(t *testing.T) {
	capturer := &fakeCapturer{content: []byte("frame-bytes")}
	orch, env := newTestEnv(t, cleanQuality(), capturer)

	result := orch.ExecuteCaptureWorkflow(context.Background(), env.camera.ID, env.tl.ID, nil)
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Error)
	}
	if result.ImageID == nil {
		t.Fatal("expected an image id")
	}
	if result.FileSize != int64(len("frame-bytes")) {
		t.Errorf("expected file size %d, got %d", len("frame-bytes"), result.FileSize)
	}

	var img models.Image
	if err := env.db.First(&img, *result.ImageID).Error; err != nil {
		t.Fatal(err)
	}
	if img.DayNumber != 1 {
		t.Errorf("expected day number 1, got %d", img.DayNumber)
	}
	if img.IsFlagged {
		t.Error("clean frame must not be flagged")
	}
	if _, err := os.Stat(img.FilePath); err != nil {
		t.Errorf("captured frame missing on disk: %v", err)
	}

	var tl models.Timelapse
	env.db.First(&tl, env.tl.ID)
	if tl.ImageCount != 1 {
		t.Errorf("expected image_count 1, got %d", tl.ImageCount)
	}

	// One thumbnail job queued for the new image.
	job, err := env.thumbQ.GetNextJob()
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ImageID != img.ID {
		t.Fatalf("expected thumbnail job for image %d, got %+v", img.ID, job)
	}

	// Success event persisted.
	var event models.Event
	if err := env.db.Where("event_type = ?", events.TypeImageCaptured).First(&event).Error; err != nil {
		t.Error("expected an image_captured event")
	}

	// Camera failure streak reset.
	var camera models.Camera
	env.db.First(&camera, env.camera.ID)
	if camera.ConsecutiveFailures != 0 || camera.DegradedModeActive {
		t.Errorf("expected healthy camera, got %+v", camera)
	}
}

func TestCaptureWorkflowFlagsCorruptButKeeps(t *testing.T) {
	quality := &scriptedQuality{
		// Above the corruption threshold, below auto-discard.
		results: []detection.Result{{FinalScore: 60, FailedChecks: []string{detection.CheckBrightness, detection.CheckContrast}}},
		policy:  detection.DefaultScoringPolicy(),
	}
	orch, env := newTestEnv(t, quality, &fakeCapturer{})

	result := orch.ExecuteCaptureWorkflow(context.Background(), env.camera.ID, env.tl.ID, nil)
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Error)
	}

	var img models.Image
	if err := env.db.First(&img, *result.ImageID).Error; err != nil {
		t.Fatal(err)
	}
	if !img.IsFlagged {
		t.Error("expected flagged image")
	}
	if img.CorruptionScore != 60 {
		t.Errorf("expected score 60 recorded, got %d", img.CorruptionScore)
	}

	var entry models.CorruptionLog
	if err := env.db.Where("action_taken = ?", "flagged").First(&entry).Error; err != nil {
		t.Error("expected a flagged corruption log entry")
	}
}

func TestCaptureWorkflowDiscardRetriesOnce(t *testing.T) {
	quality := &scriptedQuality{
		results: []detection.Result{
			// First attempt: unreadable frame, retryable.
			{FinalScore: 100, FailedChecks: []string{detection.CheckImageLoad}, IsCorrupted: true},
			// Retry: decodes but still beyond auto-discard, not retryable.
			{FinalScore: 80, FailedChecks: []string{detection.CheckBrightness}, IsCorrupted: true},
		},
		policy: detection.DefaultScoringPolicy(),
	}
	capturer := &fakeCapturer{}
	orch, env := newTestEnv(t, quality, capturer)

	result := orch.ExecuteCaptureWorkflow(context.Background(), env.camera.ID, env.tl.ID, nil)
	if result.Success {
		t.Fatal("expected failure after discard and failed retry")
	}
	if capturer.calls != 2 {
		t.Errorf("expected exactly one retry (2 captures), got %d", capturer.calls)
	}

	// No image row survives a discard.
	var n int64
	env.db.Model(&models.Image{}).Count(&n)
	if n != 0 {
		t.Errorf("expected no image rows, found %d", n)
	}

	// Both discards logged, one as retried, one as discarded.
	var retried, discarded int64
	env.db.Model(&models.CorruptionLog{}).Where("action_taken = ?", "retried").Count(&retried)
	env.db.Model(&models.CorruptionLog{}).Where("action_taken = ?", "discarded").Count(&discarded)
	if retried != 1 || discarded != 1 {
		t.Errorf("expected 1 retried + 1 discarded log, got %d/%d", retried, discarded)
	}

	var tl models.Timelapse
	env.db.First(&tl, env.tl.ID)
	if tl.GlitchCount != 2 {
		t.Errorf("expected glitch_count 2, got %d", tl.GlitchCount)
	}
	if tl.ImageCount != 0 {
		t.Errorf("expected image_count 0, got %d", tl.ImageCount)
	}
}

func TestCaptureWorkflowValidation(t *testing.T) {
	orch, env := newTestEnv(t, cleanQuality(), &fakeCapturer{})

	result := orch.ExecuteCaptureWorkflow(context.Background(), 9999, env.tl.ID, nil)
	if result.Success || result.Error != "camera not found" {
		t.Errorf("expected camera not found, got %+v", result)
	}

	result = orch.ExecuteCaptureWorkflow(context.Background(), env.camera.ID, 9999, nil)
	if result.Success || result.Error != "timelapse not found" {
		t.Errorf("expected timelapse not found, got %+v", result)
	}

	// Ownership mismatch.
	other := models.Camera{Name: "roof", RTSPURL: "rtsp://other"}
	if err := env.db.Create(&other).Error; err != nil {
		t.Fatal(err)
	}
	result = orch.ExecuteCaptureWorkflow(context.Background(), other.ID, env.tl.ID, nil)
	if result.Success {
		t.Error("expected failure for timelapse owned by another camera")
	}
}

func TestCaptureFailureTracksDegradedMode(t *testing.T) {
	capturer := &fakeCapturer{fail: true, errMsg: "connection refused"}
	orch, env := newTestEnv(t, cleanQuality(), capturer)

	for i := 0; i < degradedModeThreshold; i++ {
		result := orch.ExecuteCaptureWorkflow(context.Background(), env.camera.ID, env.tl.ID, nil)
		if result.Success {
			t.Fatal("expected capture failure")
		}
	}

	var camera models.Camera
	env.db.First(&camera, env.camera.ID)
	if camera.ConsecutiveFailures != degradedModeThreshold {
		t.Errorf("expected %d consecutive failures, got %d", degradedModeThreshold, camera.ConsecutiveFailures)
	}
	if !camera.DegradedModeActive {
		t.Error("expected degraded mode after failure streak")
	}

	var n int64
	env.db.Model(&models.Event{}).Where("event_type = ?", events.TypeCaptureFailed).Count(&n)
	if n != int64(degradedModeThreshold) {
		t.Errorf("expected %d failure events, got %d", degradedModeThreshold, n)
	}

	// One success clears the streak.
	capturer.fail = false
	result := orch.ExecuteCaptureWorkflow(context.Background(), env.camera.ID, env.tl.ID, nil)
	if !result.Success {
		t.Fatalf("expected recovery, got %q", result.Error)
	}
	env.db.First(&camera, env.camera.ID)
	if camera.ConsecutiveFailures != 0 || camera.DegradedModeActive {
		t.Errorf("expected reset streak, got %+v", camera)
	}
}

func TestCaptureWorkflowRecoversFromPanic(t *testing.T) {
	orch, env := newTestEnv(t, panickyQuality{}, &fakeCapturer{})

	result := orch.ExecuteCaptureWorkflow(context.Background(), env.camera.ID, env.tl.ID, nil)
	if result.Success {
		t.Fatal("expected structured failure from panic")
	}
	if result.Error != "internal error during evaluating" {
		t.Errorf("unexpected error %q", result.Error)
	}

	var camera models.Camera
	env.db.First(&camera, env.camera.ID)
	if camera.ConsecutiveFailures != 1 {
		t.Errorf("panic should count as a camera failure, got %d", camera.ConsecutiveFailures)
	}
}

func TestDayNumber(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatal(err)
	}
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, loc)

	tests := []struct {
		capturedAt time.Time
		want       int
	}{
		{time.Date(2026, 3, 1, 23, 59, 0, 0, loc), 1},
		{time.Date(2026, 3, 2, 0, 1, 0, 0, loc), 2},
		{time.Date(2026, 3, 2, 13, 0, 0, 0, loc), 2},
		{time.Date(2026, 3, 4, 8, 0, 0, 0, loc), 4},
		// March 8 2026 is the spring-forward date in New York; the 23h local
		// day must still count as a full calendar day.
		{time.Date(2026, 3, 8, 12, 0, 0, 0, loc), 8},
		{time.Date(2026, 3, 9, 0, 30, 0, 0, loc), 9},
		{time.Date(2026, 3, 9, 12, 0, 0, 0, loc), 9},
		// Clock skew before the start date clamps to day 1.
		{time.Date(2026, 2, 28, 12, 0, 0, 0, loc), 1},
	}
	for _, tt := range tests {
		if got := DayNumber(start, tt.capturedAt, loc); got != tt.want {
			t.Errorf("DayNumber(%v) = %d, want %d", tt.capturedAt, got, tt.want)
		}
	}

	// The boundary follows the configured location, not UTC: 23:00 New York
	// on March 1 is already March 2 in UTC but must still be day 1.
	utcView := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	if got := DayNumber(start, utcView, loc); got != 1 {
		t.Errorf("expected local-date day 1 for %v, got %d", utcView, got)
	}
}
