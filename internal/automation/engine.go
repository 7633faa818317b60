// Package automation evaluates when timelapse videos should be generated
// without anyone asking: image-count milestones, daily/weekly schedules, and
// throttled per-capture generation. All idempotence guards are database
// queries, never in-memory state, so restarts cannot double-fire.
package automation

import (
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"lapser/internal/jobs"
	"lapser/internal/models"
	"lapser/internal/settings"
)

const defaultPerCaptureThrottleMinutes = 30

// Engine drives trigger evaluation cycles.
type Engine struct {
	db          *gorm.DB
	coordinator *jobs.Coordinator
	settings    *settings.Provider
	loc         *time.Location
	interval    time.Duration
	shutdown    chan bool
}

func NewEngine(db *gorm.DB, coordinator *jobs.Coordinator, provider *settings.Provider, loc *time.Location, interval time.Duration) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		db:          db,
		coordinator: coordinator,
		settings:    provider,
		loc:         loc,
		interval:    interval,
		shutdown:    make(chan bool),
	}
}

func (e *Engine) Start() {
	slog.Info("Starting video automation engine", "cycle", e.interval)
	go e.loop()
}

func (e *Engine) Stop() {
	e.shutdown <- true
}

func (e *Engine) loop() {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.RunCycle(time.Now())
		case <-e.shutdown:
			slog.Info("Video automation engine shutting down")
			return
		}
	}
}

// RunCycle evaluates milestone and scheduled triggers for every running
// timelapse. Per-capture triggers are not evaluated here; the scheduler
// calls TriggerPerCapture after each capture completes.
func (e *Engine) RunCycle(now time.Time) {
	var running []models.Timelapse
	err := e.db.Where("status = ? AND automation_mode IN ?",
		models.TimelapseStatusRunning,
		[]string{models.AutomationMilestone, models.AutomationScheduled}).
		Find(&running).Error
	if err != nil {
		slog.Error("Failed to list automated timelapses", "error", err)
		return
	}

	for i := range running {
		tl := &running[i]
		switch tl.AutomationMode {
		case models.AutomationMilestone:
			e.checkMilestones(tl)
		case models.AutomationScheduled:
			e.checkSchedule(tl, now)
		}
	}
}

// checkMilestones fires for each configured threshold the timelapse has
// reached without a job on record. The engine's scan uses >= so a threshold
// missed by the per-capture equality path is still caught; the existing-job
// query keeps it to one job per threshold either way.
func (e *Engine) checkMilestones(tl *models.Timelapse) {
	for _, threshold := range jobs.ParseMilestones(tl.MilestoneThresholds) {
		if tl.ImageCount < threshold {
			continue
		}
		var existing int64
		err := e.db.Model(&models.VideoGenerationJob{}).
			Where("timelapse_id = ? AND trigger_type = ? AND milestone_count = ?",
				tl.ID, models.AutomationMilestone, threshold).
			Count(&existing).Error
		if err != nil {
			slog.Error("Milestone idempotence query failed", "timelapse_id", tl.ID, "error", err)
			return
		}
		if existing > 0 {
			continue
		}
		t := threshold
		res := e.coordinator.CoordinateVideoJob(tl.ID, models.AutomationMilestone, models.JobPriorityMedium, "", &t)
		if res.Success {
			slog.Info("Milestone trigger fired",
				"timelapse_id", tl.ID,
				"threshold", threshold,
				"image_count", tl.ImageCount,
				"method", res.Method)
		}
	}
}

// checkSchedule fires at most once per schedule period.
func (e *Engine) checkSchedule(tl *models.Timelapse, now time.Time) {
	if !e.ShouldFireNow(tl, now) {
		return
	}
	periodStart := e.PeriodStart(tl, now)
	var existing int64
	err := e.db.Model(&models.VideoGenerationJob{}).
		Where("timelapse_id = ? AND trigger_type = ? AND created_at >= ?",
			tl.ID, models.AutomationScheduled, periodStart).
		Count(&existing).Error
	if err != nil {
		slog.Error("Schedule idempotence query failed", "timelapse_id", tl.ID, "error", err)
		return
	}
	if existing > 0 {
		return
	}
	res := e.coordinator.CoordinateVideoJob(tl.ID, models.AutomationScheduled, models.JobPriorityMedium, "", nil)
	if res.Success {
		slog.Info("Scheduled trigger fired", "timelapse_id", tl.ID, "method", res.Method)
	}
}

// ShouldFireNow implements jobs.ScheduleEvaluator: minute-granularity match
// of the configured wall time in the configured timezone.
func (e *Engine) ShouldFireNow(tl *models.Timelapse, now time.Time) bool {
	if tl.ScheduleTime == "" {
		return false
	}
	local := now.In(e.loc)
	if local.Format("15:04") != tl.ScheduleTime {
		return false
	}
	switch tl.ScheduleType {
	case "daily":
		return true
	case "weekly":
		return strings.EqualFold(local.Weekday().String(), tl.ScheduleWeekday)
	default:
		return false
	}
}

// PeriodStart is the start of the current schedule period (local midnight
// for daily, the most recent local midnight of the configured weekday for
// weekly) used by the once-per-period idempotence queries.
func (e *Engine) PeriodStart(tl *models.Timelapse, now time.Time) time.Time {
	local := now.In(e.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.loc)
	if tl.ScheduleType != "weekly" {
		return midnight
	}
	for i := 0; i < 7; i++ {
		day := midnight.AddDate(0, 0, -i)
		if strings.EqualFold(day.Weekday().String(), tl.ScheduleWeekday) {
			return day
		}
	}
	return midnight
}

// TriggerPerCapture queues a video after a capture, throttled per camera.
// Inside the throttle window the trigger is silently skipped.
func (e *Engine) TriggerPerCapture(camera *models.Camera, tl *models.Timelapse) jobs.CoordinationResult {
	if tl.AutomationMode != models.AutomationPerCapture {
		return jobs.CoordinationResult{Success: true, Reason: "not_per_capture_mode"}
	}
	throttle := time.Duration(e.settings.GetInt(
		settings.KeyPerCaptureThrottleMinutes, defaultPerCaptureThrottleMinutes)) * time.Minute
	if camera.LastVideoAt != nil && time.Since(*camera.LastVideoAt) < throttle {
		return jobs.CoordinationResult{Success: true, Reason: "throttled"}
	}
	return e.coordinator.CoordinateVideoJob(tl.ID, models.AutomationPerCapture, models.JobPriorityLow, "", nil)
}
