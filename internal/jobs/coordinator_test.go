package jobs

import (
	"errors"
	"testing"
	"time"

	"lapser/internal/models"
	"lapser/internal/settings"
)

type fakeAuthority struct {
	accept     bool
	thumbCalls int
	videoCalls int
}

func (f *fakeAuthority) ScheduleImmediateThumbnailGeneration(imageID uint, priority string) bool {
	f.thumbCalls++
	return f.accept
}

func (f *fakeAuthority) ScheduleImmediateVideoGeneration(timelapseID uint, settingsJSON, priority string) bool {
	f.videoCalls++
	return f.accept
}

func (f *fakeAuthority) ScheduleImmediateOverlayGeneration(imageID uint, priority string) bool {
	return f.accept
}

type fakeLegacy struct {
	nextID uint
	err    error
	calls  int
}

func (f *fakeLegacy) QueueThumbnail(imageID uint, priority string) (uint, error) {
	f.calls++
	return f.nextID, f.err
}

func (f *fakeLegacy) QueueVideo(timelapseID uint, triggerType, priority, settingsJSON string) (uint, error) {
	f.calls++
	return f.nextID, f.err
}

func (f *fakeLegacy) QueueOverlay(imageID uint, priority string) (uint, error) {
	f.calls++
	return f.nextID, f.err
}

func newTestCoordinator(t *testing.T) (*Coordinator, *settings.Provider, *ThumbnailQueue, *VideoQueue) {
	t.Helper()
	db := newTestDB(t)
	provider := settings.NewProvider(db)
	thumbQ := NewThumbnailQueue(db)
	videoQ := NewVideoQueue(db)
	return NewCoordinator(db, provider, thumbQ, videoQ), provider, thumbQ, videoQ
}

func TestThumbnailCoordinationDisabled(t *testing.T) {
	coord, provider, thumbQ, _ := newTestCoordinator(t)
	if err := provider.SetSetting(settings.KeyThumbnailGenerationEnabled, "false"); err != nil {
		t.Fatal(err)
	}

	result := coord.CoordinateThumbnailJob(1, models.JobPriorityHigh)
	if result.Success {
		t.Error("expected failure when thumbnail generation is disabled")
	}
	if result.Reason != "thumbnail_generation_disabled" {
		t.Errorf("unexpected reason %q", result.Reason)
	}

	n, _ := thumbQ.CountByStatus(models.JobStatusPending)
	if n != 0 {
		t.Errorf("no job row should be created when disabled, found %d", n)
	}
}

func TestThumbnailCoordinationDirectQueue(t *testing.T) {
	coord, _, thumbQ, _ := newTestCoordinator(t)

	result := coord.CoordinateThumbnailJob(7, models.JobPriorityHigh)
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if result.Method != MethodDirectQueue {
		t.Errorf("expected method %q, got %q", MethodDirectQueue, result.Method)
	}
	if result.JobID == nil {
		t.Fatal("direct queue insertion must report a job id")
	}

	job, err := thumbQ.GetNextJob()
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != *result.JobID {
		t.Fatalf("expected queued job %d, got %+v", *result.JobID, job)
	}
	if job.ImageID != 7 || job.Priority != models.JobPriorityHigh || job.JobType != "single" {
		t.Errorf("unexpected job row: %+v", job)
	}
}

func TestAuthorityIsPreferredTier(t *testing.T) {
	coord, _, thumbQ, _ := newTestCoordinator(t)
	authority := &fakeAuthority{accept: true}
	legacy := &fakeLegacy{nextID: 99}
	coord.WithAuthority(authority).WithLegacyPipeline(legacy)

	result := coord.CoordinateThumbnailJob(1, models.JobPriorityMedium)
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Error)
	}
	if result.Method != MethodScheduler {
		t.Errorf("expected method %q, got %q", MethodScheduler, result.Method)
	}
	if authority.thumbCalls != 1 {
		t.Errorf("authority should be called once, got %d", authority.thumbCalls)
	}
	if legacy.calls != 0 {
		t.Error("legacy tier must not run when the authority is wired")
	}
	n, _ := thumbQ.CountByStatus(models.JobStatusPending)
	if n != 0 {
		t.Error("direct queue must not run when the authority accepted")
	}
}

func TestWiredAuthorityFailureIsFinal(t *testing.T) {
	coord, _, thumbQ, _ := newTestCoordinator(t)
	coord.WithAuthority(&fakeAuthority{accept: false}).WithLegacyPipeline(&fakeLegacy{nextID: 5})

	// A configured tier's verdict ends the chain; only unwired tiers are
	// skipped over.
	result := coord.CoordinateThumbnailJob(1, models.JobPriorityMedium)
	if result.Success {
		t.Error("expected failure when the wired authority rejects")
	}
	if result.Method != MethodScheduler {
		t.Errorf("expected method %q, got %q", MethodScheduler, result.Method)
	}
	n, _ := thumbQ.CountByStatus(models.JobStatusPending)
	if n != 0 {
		t.Error("no fallback insert should happen after an authority verdict")
	}
}

func TestLegacyTierWhenNoAuthority(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t)
	legacy := &fakeLegacy{nextID: 42}
	coord.WithLegacyPipeline(legacy)

	result := coord.CoordinateVideoJob(3, "manual", models.JobPriorityHigh, "", nil)
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Error)
	}
	if result.Method != MethodLegacy {
		t.Errorf("expected method %q, got %q", MethodLegacy, result.Method)
	}
	if result.JobID == nil || *result.JobID != 42 {
		t.Errorf("expected legacy job id 42, got %v", result.JobID)
	}
}

func TestLegacyErrorSurfaces(t *testing.T) {
	coord, _, _, _ := newTestCoordinator(t)
	coord.WithLegacyPipeline(&fakeLegacy{err: errors.New("pipeline down")})

	result := coord.CoordinateOverlayJob(1, models.JobPriorityLow)
	if result.Success {
		t.Error("expected failure from erroring legacy tier")
	}
	if result.Method != MethodLegacy {
		t.Errorf("expected method %q, got %q", MethodLegacy, result.Method)
	}
	if result.Error != "pipeline down" {
		t.Errorf("expected propagated error, got %q", result.Error)
	}
}

func TestOverlayRidesThumbnailQueue(t *testing.T) {
	coord, _, thumbQ, _ := newTestCoordinator(t)

	result := coord.CoordinateOverlayJob(8, models.JobPriorityLow)
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Error)
	}
	job, err := thumbQ.GetNextJob()
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.JobType != "overlay" {
		t.Fatalf("expected overlay job type, got %+v", job)
	}
}

func TestMilestoneFiresOnceOnExactCount(t *testing.T) {
	coord, _, _, videoQ := newTestCoordinator(t)
	tl := models.Timelapse{
		CameraID:            1,
		Status:              models.TimelapseStatusRunning,
		AutomationMode:      models.AutomationMilestone,
		MilestoneThresholds: "10,50,100",
	}
	if err := coord.db.Create(&tl).Error; err != nil {
		t.Fatal(err)
	}

	// Off-threshold counts do nothing.
	result := coord.EvaluateVideoAutomationTriggers(tl.ID, 9)
	if !result.Success || result.Reason != "no_milestone_reached" {
		t.Errorf("unexpected result at count 9: %+v", result)
	}

	// Exact hit queues one milestone job.
	result = coord.EvaluateVideoAutomationTriggers(tl.ID, 50)
	if !result.Success || result.JobID == nil {
		t.Fatalf("expected milestone job at count 50, got %+v", result)
	}
	var job models.VideoGenerationJob
	if err := coord.db.First(&job, *result.JobID).Error; err != nil {
		t.Fatal(err)
	}
	if job.TriggerType != models.AutomationMilestone || job.MilestoneCount == nil || *job.MilestoneCount != 50 {
		t.Errorf("unexpected milestone job row: %+v", job)
	}

	// Re-evaluating the same threshold is idempotent.
	result = coord.EvaluateVideoAutomationTriggers(tl.ID, 50)
	if !result.Success || result.Reason != "milestone_already_generated" {
		t.Errorf("expected idempotent skip, got %+v", result)
	}
	n, _ := videoQ.CountByStatus(models.JobStatusPending)
	if n != 1 {
		t.Errorf("expected exactly one milestone job, found %d", n)
	}
}

func TestPerCaptureIsNotCoordinatedHere(t *testing.T) {
	coord, _, _, videoQ := newTestCoordinator(t)
	tl := models.Timelapse{
		CameraID:       1,
		Status:         models.TimelapseStatusRunning,
		AutomationMode: models.AutomationPerCapture,
	}
	if err := coord.db.Create(&tl).Error; err != nil {
		t.Fatal(err)
	}

	result := coord.EvaluateVideoAutomationTriggers(tl.ID, 5)
	if !result.Success || result.Reason != "per_capture_handled_by_scheduler" {
		t.Errorf("unexpected result: %+v", result)
	}
	n, _ := videoQ.CountByStatus(models.JobStatusPending)
	if n != 0 {
		t.Error("per-capture evaluation must not queue jobs")
	}
}

type fixedSchedule struct{ fire bool }

func (f fixedSchedule) ShouldFireNow(tl *models.Timelapse, now time.Time) bool { return f.fire }

func (f fixedSchedule) PeriodStart(tl *models.Timelapse, now time.Time) time.Time {
	return now.Add(-time.Hour)
}

func TestScheduledDelegatesToEvaluator(t *testing.T) {
	coord, _, _, videoQ := newTestCoordinator(t)
	tl := models.Timelapse{
		CameraID:       1,
		Status:         models.TimelapseStatusRunning,
		AutomationMode: models.AutomationScheduled,
		ScheduleType:   "daily",
		ScheduleTime:   "08:00",
	}
	if err := coord.db.Create(&tl).Error; err != nil {
		t.Fatal(err)
	}

	coord.WithScheduleEvaluator(fixedSchedule{fire: false})
	result := coord.EvaluateVideoAutomationTriggers(tl.ID, 5)
	if !result.Success || result.Reason != "outside_schedule_window" {
		t.Errorf("unexpected result outside window: %+v", result)
	}

	coord.WithScheduleEvaluator(fixedSchedule{fire: true})
	result = coord.EvaluateVideoAutomationTriggers(tl.ID, 5)
	if !result.Success || result.JobID == nil {
		t.Fatalf("expected scheduled job, got %+v", result)
	}
	n, _ := videoQ.CountByStatus(models.JobStatusPending)
	if n != 1 {
		t.Errorf("expected one scheduled job, found %d", n)
	}
}

func TestScheduledFiresOncePerPeriodViaCoordinator(t *testing.T) {
	coord, _, _, videoQ := newTestCoordinator(t)
	tl := models.Timelapse{
		CameraID:       1,
		Status:         models.TimelapseStatusRunning,
		AutomationMode: models.AutomationScheduled,
		ScheduleType:   "daily",
		ScheduleTime:   "08:00",
	}
	if err := coord.db.Create(&tl).Error; err != nil {
		t.Fatal(err)
	}
	coord.WithScheduleEvaluator(fixedSchedule{fire: true})

	// A short capture interval lands several captures inside the firing
	// minute; only the first may queue a video.
	result := coord.EvaluateVideoAutomationTriggers(tl.ID, 5)
	if !result.Success || result.JobID == nil {
		t.Fatalf("expected scheduled job on first evaluation, got %+v", result)
	}
	result = coord.EvaluateVideoAutomationTriggers(tl.ID, 6)
	if !result.Success || result.Reason != "scheduled_already_generated" {
		t.Errorf("unexpected result on second evaluation: %+v", result)
	}
	n, _ := videoQ.CountByStatus(models.JobStatusPending)
	if n != 1 {
		t.Errorf("expected one scheduled job per period, found %d", n)
	}
}

func TestCancelPendingJobsScoped(t *testing.T) {
	coord, _, thumbQ, videoQ := newTestCoordinator(t)
	db := coord.db

	cam := models.Camera{Name: "garden", RTSPURL: "rtsp://x"}
	if err := db.Create(&cam).Error; err != nil {
		t.Fatal(err)
	}
	tl := models.Timelapse{CameraID: cam.ID, Status: models.TimelapseStatusRunning}
	if err := db.Create(&tl).Error; err != nil {
		t.Fatal(err)
	}
	img := models.Image{CameraID: cam.ID, TimelapseID: tl.ID, FilePath: "frames/a.jpg", DayNumber: 1}
	if err := db.Create(&img).Error; err != nil {
		t.Fatal(err)
	}

	thumbID, _ := thumbQ.AddJob(img.ID, models.JobPriorityMedium, "")
	videoID, _ := videoQ.AddJob(tl.ID, "manual", models.JobPriorityMedium, "", nil)

	result := coord.CancelPendingJobs(0, tl.ID, "")
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected cancel errors: %v", result.Errors)
	}
	if result.ThumbnailsCancelled != 1 || result.VideosCancelled != 1 {
		t.Errorf("unexpected cancel counts: %+v", result)
	}

	var thumbJob models.ThumbnailGenerationJob
	db.First(&thumbJob, thumbID)
	if thumbJob.Status != models.JobStatusCancelled {
		t.Errorf("thumbnail job not cancelled: %s", thumbJob.Status)
	}
	var videoJob models.VideoGenerationJob
	db.First(&videoJob, videoID)
	if videoJob.Status != models.JobStatusCancelled {
		t.Errorf("video job not cancelled: %s", videoJob.Status)
	}
}

func TestParseMilestones(t *testing.T) {
	got := ParseMilestones(" 10, 50,abc, 100 ,")
	want := []int{10, 50, 100}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %d, want %d", i, got[i], want[i])
		}
	}
	if ParseMilestones("") != nil {
		t.Error("empty input should parse to nil")
	}
}
