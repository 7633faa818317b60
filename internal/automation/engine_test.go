package automation

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lapser/internal/jobs"
	"lapser/internal/models"
	"lapser/internal/settings"
)

func newTestEngine(t *testing.T, loc *time.Location) (*Engine, *gorm.DB, *jobs.VideoQueue) {
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
	provider := settings.NewProvider(db)
	videoQ := jobs.NewVideoQueue(db)
	coordinator := jobs.NewCoordinator(db, provider, jobs.NewThumbnailQueue(db), videoQ)
	engine := NewEngine(db, coordinator, provider, loc, time.Minute)
	return engine, db, videoQ
}

func TestShouldFireNow(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatal(err)
	}
	engine, _, _ := newTestEngine(t, loc)

	// 08:00 Berlin is 06:00 UTC in summer.
	utc := time.Date(2026, 7, 6, 6, 0, 30, 0, time.UTC) // a Monday

	tests := []struct {
		name string
		tl   models.Timelapse
		want bool
	}{
		{"daily match", models.Timelapse{ScheduleType: "daily", ScheduleTime: "08:00"}, true},
		{"daily wrong minute", models.Timelapse{ScheduleType: "daily", ScheduleTime: "08:01"}, false},
		{"daily matches utc time only in local zone", models.Timelapse{ScheduleType: "daily", ScheduleTime: "06:00"}, false},
		{"weekly matching weekday", models.Timelapse{ScheduleType: "weekly", ScheduleTime: "08:00", ScheduleWeekday: "monday"}, true},
		{"weekly wrong weekday", models.Timelapse{ScheduleType: "weekly", ScheduleTime: "08:00", ScheduleWeekday: "friday"}, false},
		{"no schedule time", models.Timelapse{ScheduleType: "daily"}, false},
		{"unknown schedule type", models.Timelapse{ScheduleType: "hourly", ScheduleTime: "08:00"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := engine.ShouldFireNow(&tt.tl, utc); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMilestoneCatchUp(t *testing.T) {
	engine, db, videoQ := newTestEngine(t, time.UTC)

	// Image count jumped past two thresholds without jobs on record, for
	// example after downtime.
	tl := models.Timelapse{
		CameraID:            1,
		Status:              models.TimelapseStatusRunning,
		AutomationMode:      models.AutomationMilestone,
		MilestoneThresholds: "10,50,100",
		ImageCount:          60,
	}
	if err := db.Create(&tl).Error; err != nil {
		t.Fatal(err)
	}

	engine.RunCycle(time.Now())

	n, _ := videoQ.CountByStatus(models.JobStatusPending)
	if n != 2 {
		t.Fatalf("expected jobs for thresholds 10 and 50, got %d", n)
	}

	// A second cycle must not duplicate them.
	engine.RunCycle(time.Now())
	n, _ = videoQ.CountByStatus(models.JobStatusPending)
	if n != 2 {
		t.Errorf("second cycle duplicated milestone jobs: %d", n)
	}

	var counts []int
	var rows []models.VideoGenerationJob
	db.Order("milestone_count").Find(&rows)
	for _, r := range rows {
		if r.MilestoneCount != nil {
			counts = append(counts, *r.MilestoneCount)
		}
	}
	if len(counts) != 2 || counts[0] != 10 || counts[1] != 50 {
		t.Errorf("unexpected milestone counts %v", counts)
	}
}

func TestScheduledFiresOncePerPeriod(t *testing.T) {
	engine, db, videoQ := newTestEngine(t, time.UTC)

	// Schedule for the current minute so the idempotence window, which
	// compares against real insertion timestamps, lines up with the cycle.
	inWindow := time.Now().UTC()
	tl := models.Timelapse{
		CameraID:       1,
		Status:         models.TimelapseStatusRunning,
		AutomationMode: models.AutomationScheduled,
		ScheduleType:   "daily",
		ScheduleTime:   inWindow.Format("15:04"),
	}
	if err := db.Create(&tl).Error; err != nil {
		t.Fatal(err)
	}

	engine.RunCycle(inWindow)
	n, _ := videoQ.CountByStatus(models.JobStatusPending)
	if n != 1 {
		t.Fatalf("expected one scheduled job, got %d", n)
	}

	// The automation cycle runs more than once inside the schedule minute.
	engine.RunCycle(inWindow.Add(20 * time.Second))
	n, _ = videoQ.CountByStatus(models.JobStatusPending)
	if n != 1 {
		t.Errorf("repeat cycle in the same period duplicated the job: %d", n)
	}

	// Outside the window nothing fires.
	engine.RunCycle(inWindow.Add(time.Hour))
	n, _ = videoQ.CountByStatus(models.JobStatusPending)
	if n != 1 {
		t.Errorf("out-of-window cycle queued a job: %d", n)
	}
}

func TestPausedTimelapsesAreSkipped(t *testing.T) {
	engine, db, videoQ := newTestEngine(t, time.UTC)

	tl := models.Timelapse{
		CameraID:            1,
		Status:              models.TimelapseStatusPaused,
		AutomationMode:      models.AutomationMilestone,
		MilestoneThresholds: "10",
		ImageCount:          20,
	}
	if err := db.Create(&tl).Error; err != nil {
		t.Fatal(err)
	}

	engine.RunCycle(time.Now())
	n, _ := videoQ.CountByStatus(models.JobStatusPending)
	if n != 0 {
		t.Errorf("paused timelapse must not trigger, got %d jobs", n)
	}
}

func TestPerCaptureThrottle(t *testing.T) {
	engine, db, videoQ := newTestEngine(t, time.UTC)

	camera := models.Camera{Name: "garden", RTSPURL: "rtsp://x"}
	if err := db.Create(&camera).Error; err != nil {
		t.Fatal(err)
	}
	tl := models.Timelapse{
		CameraID:       camera.ID,
		Status:         models.TimelapseStatusRunning,
		AutomationMode: models.AutomationPerCapture,
	}
	if err := db.Create(&tl).Error; err != nil {
		t.Fatal(err)
	}

	// No previous video: fires.
	res := engine.TriggerPerCapture(&camera, &tl)
	if !res.Success || res.JobID == nil {
		t.Fatalf("expected per-capture job, got %+v", res)
	}

	// Recent video: throttled.
	recent := time.Now().Add(-5 * time.Minute)
	camera.LastVideoAt = &recent
	res = engine.TriggerPerCapture(&camera, &tl)
	if !res.Success || res.Reason != "throttled" {
		t.Errorf("expected throttled skip, got %+v", res)
	}

	// Past the throttle window: fires again.
	old := time.Now().Add(-45 * time.Minute)
	camera.LastVideoAt = &old
	res = engine.TriggerPerCapture(&camera, &tl)
	if !res.Success || res.JobID == nil {
		t.Errorf("expected job past throttle window, got %+v", res)
	}

	n, _ := videoQ.CountByStatus(models.JobStatusPending)
	if n != 2 {
		t.Errorf("expected 2 per-capture jobs, got %d", n)
	}

	// Wrong mode is a no-op.
	tl.AutomationMode = models.AutomationManual
	res = engine.TriggerPerCapture(&camera, &tl)
	if !res.Success || res.Reason != "not_per_capture_mode" {
		t.Errorf("expected mode skip, got %+v", res)
	}
}
