package jobs

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"lapser/internal/models"
	"lapser/internal/settings"
)

// Routing methods, tagged on every coordination result so telemetry can tell
// which tier served a request.
const (
	MethodScheduler   = "scheduler"
	MethodLegacy      = "legacy_pipeline"
	MethodDirectQueue = "direct_queue"
)

// SchedulerAuthority is the preferred routing target when wired: the
// scheduler decides when work runs, the pipelines only say how.
type SchedulerAuthority interface {
	ScheduleImmediateThumbnailGeneration(imageID uint, priority string) bool
	ScheduleImmediateVideoGeneration(timelapseID uint, settingsJSON, priority string) bool
	ScheduleImmediateOverlayGeneration(imageID uint, priority string) bool
}

// LegacyPipeline is the middle fallback tier, kept for partial deployments
// that still run the old enqueue path.
type LegacyPipeline interface {
	QueueThumbnail(imageID uint, priority string) (uint, error)
	QueueVideo(timelapseID uint, triggerType, priority, settingsJSON string) (uint, error)
	QueueOverlay(imageID uint, priority string) (uint, error)
}

// ScheduleEvaluator decides whether a scheduled timelapse should fire now
// and where its current schedule period begins. Implemented by the
// automation engine; an interface here keeps the import direction one-way.
type ScheduleEvaluator interface {
	ShouldFireNow(tl *models.Timelapse, now time.Time) bool
	PeriodStart(tl *models.Timelapse, now time.Time) time.Time
}

// CoordinationResult is the structured outcome of one routing attempt.
// Coordination never raises; failures degrade the capture, not fail it.
type CoordinationResult struct {
	Success bool   `json:"success"`
	JobID   *uint  `json:"job_id,omitempty"`
	Method  string `json:"method,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Coordinator decides which background jobs to create and where to route
// them. Authority and legacy tiers are optional; the direct queue insert is
// always available.
type Coordinator struct {
	db        *gorm.DB
	settings  *settings.Provider
	thumbQ    *ThumbnailQueue
	videoQ    *VideoQueue
	authority SchedulerAuthority
	legacy    LegacyPipeline
	schedule  ScheduleEvaluator
}

func NewCoordinator(db *gorm.DB, provider *settings.Provider, thumbQ *ThumbnailQueue, videoQ *VideoQueue) *Coordinator {
	return &Coordinator{
		db:       db,
		settings: provider,
		thumbQ:   thumbQ,
		videoQ:   videoQ,
	}
}

// WithAuthority wires the optional scheduler tier.
func (c *Coordinator) WithAuthority(a SchedulerAuthority) *Coordinator {
	c.authority = a
	return c
}

// WithLegacyPipeline wires the optional legacy tier.
func (c *Coordinator) WithLegacyPipeline(l LegacyPipeline) *Coordinator {
	c.legacy = l
	return c
}

// WithScheduleEvaluator wires scheduled-trigger evaluation.
func (c *Coordinator) WithScheduleEvaluator(e ScheduleEvaluator) *Coordinator {
	c.schedule = e
	return c
}

// route is one tier in the fallback chain. A nil result means "not wired,
// try the next tier"; a non-nil result ends the chain either way.
type route struct {
	method string
	try    func() *CoordinationResult
}

func (c *Coordinator) runChain(jobKind string, chain []route) CoordinationResult {
	for _, r := range chain {
		res := r.try()
		if res == nil {
			continue
		}
		res.Method = r.method
		if res.Success {
			slog.Info("Coordinated background job",
				"kind", jobKind,
				"method", r.method,
				"job_id", derefJobID(res.JobID))
		} else {
			slog.Warn("Job coordination tier failed",
				"kind", jobKind,
				"method", r.method,
				"error", res.Error)
		}
		return *res
	}
	return CoordinationResult{Success: false, Error: fmt.Sprintf("no routing tier available for %s", jobKind)}
}

// CoordinateThumbnailJob routes thumbnail generation for a new image. The
// global enabled flag short-circuits before any tier runs.
func (c *Coordinator) CoordinateThumbnailJob(imageID uint, priority string) CoordinationResult {
	if !c.settings.GetBool(settings.KeyThumbnailGenerationEnabled, true) {
		return CoordinationResult{Success: false, Reason: "thumbnail_generation_disabled"}
	}

	chain := []route{
		{MethodScheduler, func() *CoordinationResult {
			if c.authority == nil {
				return nil
			}
			ok := c.authority.ScheduleImmediateThumbnailGeneration(imageID, priority)
			if !ok {
				return &CoordinationResult{Success: false, Error: "scheduler rejected thumbnail request"}
			}
			return &CoordinationResult{Success: true}
		}},
		{MethodLegacy, func() *CoordinationResult {
			if c.legacy == nil {
				return nil
			}
			id, err := c.legacy.QueueThumbnail(imageID, priority)
			if err != nil {
				return &CoordinationResult{Success: false, Error: err.Error()}
			}
			return &CoordinationResult{Success: true, JobID: &id}
		}},
		{MethodDirectQueue, func() *CoordinationResult {
			id, err := c.thumbQ.AddJob(imageID, priority, "single")
			if err != nil {
				return &CoordinationResult{Success: false, Error: err.Error()}
			}
			return &CoordinationResult{Success: true, JobID: &id}
		}},
	}
	return c.runChain("thumbnail", chain)
}

// CoordinateVideoJob routes video generation for a timelapse.
func (c *Coordinator) CoordinateVideoJob(timelapseID uint, triggerType, priority, settingsJSON string, milestoneCount *int) CoordinationResult {
	chain := []route{
		{MethodScheduler, func() *CoordinationResult {
			if c.authority == nil {
				return nil
			}
			ok := c.authority.ScheduleImmediateVideoGeneration(timelapseID, settingsJSON, priority)
			if !ok {
				return &CoordinationResult{Success: false, Error: "scheduler rejected video request"}
			}
			return &CoordinationResult{Success: true}
		}},
		{MethodLegacy, func() *CoordinationResult {
			if c.legacy == nil {
				return nil
			}
			id, err := c.legacy.QueueVideo(timelapseID, triggerType, priority, settingsJSON)
			if err != nil {
				return &CoordinationResult{Success: false, Error: err.Error()}
			}
			return &CoordinationResult{Success: true, JobID: &id}
		}},
		{MethodDirectQueue, func() *CoordinationResult {
			id, err := c.videoQ.AddJob(timelapseID, triggerType, priority, settingsJSON, milestoneCount)
			if err != nil {
				return &CoordinationResult{Success: false, Error: err.Error()}
			}
			return &CoordinationResult{Success: true, JobID: &id}
		}},
	}
	return c.runChain("video", chain)
}

// CoordinateOverlayJob routes overlay generation. Overlays ride the
// thumbnail job table with a distinct job type.
func (c *Coordinator) CoordinateOverlayJob(imageID uint, priority string) CoordinationResult {
	chain := []route{
		{MethodScheduler, func() *CoordinationResult {
			if c.authority == nil {
				return nil
			}
			ok := c.authority.ScheduleImmediateOverlayGeneration(imageID, priority)
			if !ok {
				return &CoordinationResult{Success: false, Error: "scheduler rejected overlay request"}
			}
			return &CoordinationResult{Success: true}
		}},
		{MethodLegacy, func() *CoordinationResult {
			if c.legacy == nil {
				return nil
			}
			id, err := c.legacy.QueueOverlay(imageID, priority)
			if err != nil {
				return &CoordinationResult{Success: false, Error: err.Error()}
			}
			return &CoordinationResult{Success: true, JobID: &id}
		}},
		{MethodDirectQueue, func() *CoordinationResult {
			id, err := c.thumbQ.AddJob(imageID, priority, "overlay")
			if err != nil {
				return &CoordinationResult{Success: false, Error: err.Error()}
			}
			return &CoordinationResult{Success: true, JobID: &id}
		}},
	}
	return c.runChain("overlay", chain)
}

// EvaluateVideoAutomationTriggers checks whether the timelapse's automation
// mode wants a video after a capture landed imageCount.
//
// Milestones fire on exact equality: the capture loop increments the count by
// one per capture, so every threshold is landed on exactly once.
// Per-capture mode is deliberately not handled here; that trigger belongs to
// the scheduler that runs after capture completion.
func (c *Coordinator) EvaluateVideoAutomationTriggers(timelapseID uint, imageCount int) CoordinationResult {
	var tl models.Timelapse
	if err := c.db.First(&tl, timelapseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return CoordinationResult{Success: false, Error: "timelapse not found"}
		}
		return CoordinationResult{Success: false, Error: err.Error()}
	}

	switch tl.AutomationMode {
	case models.AutomationMilestone:
		return c.evaluateMilestone(&tl, imageCount)
	case models.AutomationScheduled:
		return c.evaluateScheduled(&tl)
	case models.AutomationPerCapture:
		return CoordinationResult{Success: true, Reason: "per_capture_handled_by_scheduler"}
	default:
		return CoordinationResult{Success: true, Reason: "automation_disabled"}
	}
}

func (c *Coordinator) evaluateMilestone(tl *models.Timelapse, imageCount int) CoordinationResult {
	for _, threshold := range ParseMilestones(tl.MilestoneThresholds) {
		if imageCount != threshold {
			continue
		}
		// Idempotence guard: one job per exact threshold per timelapse.
		var existing int64
		if err := c.db.Model(&models.VideoGenerationJob{}).
			Where("timelapse_id = ? AND trigger_type = ? AND milestone_count = ?",
				tl.ID, models.AutomationMilestone, threshold).
			Count(&existing).Error; err != nil {
			return CoordinationResult{Success: false, Error: err.Error()}
		}
		if existing > 0 {
			return CoordinationResult{Success: true, Reason: "milestone_already_generated"}
		}
		t := threshold
		return c.CoordinateVideoJob(tl.ID, models.AutomationMilestone, models.JobPriorityMedium, "", &t)
	}
	return CoordinationResult{Success: true, Reason: "no_milestone_reached"}
}

func (c *Coordinator) evaluateScheduled(tl *models.Timelapse) CoordinationResult {
	if c.schedule == nil {
		return CoordinationResult{Success: false, Reason: "schedule_evaluator_not_configured"}
	}
	now := time.Now()
	if !c.schedule.ShouldFireNow(tl, now) {
		return CoordinationResult{Success: true, Reason: "outside_schedule_window"}
	}
	// Idempotence guard: captures can land more than once inside the firing
	// minute, but the period gets at most one job.
	var existing int64
	if err := c.db.Model(&models.VideoGenerationJob{}).
		Where("timelapse_id = ? AND trigger_type = ? AND created_at >= ?",
			tl.ID, models.AutomationScheduled, c.schedule.PeriodStart(tl, now)).
		Count(&existing).Error; err != nil {
		return CoordinationResult{Success: false, Error: err.Error()}
	}
	if existing > 0 {
		return CoordinationResult{Success: true, Reason: "scheduled_already_generated"}
	}
	return c.CoordinateVideoJob(tl.ID, models.AutomationScheduled, models.JobPriorityMedium, "", nil)
}

// JobStatusSummary aggregates queue state for one scope.
type JobStatusSummary struct {
	ThumbnailCounts map[string]int64 `json:"thumbnail_counts"`
	VideoCounts     map[string]int64 `json:"video_counts"`
}

// TrackJobStatus summarizes job counts, optionally scoped to one camera or
// one timelapse (zero means unscoped).
func (c *Coordinator) TrackJobStatus(cameraID, timelapseID uint) (JobStatusSummary, error) {
	summary := JobStatusSummary{
		ThumbnailCounts: make(map[string]int64),
		VideoCounts:     make(map[string]int64),
	}
	statuses := []string{
		models.JobStatusPending, models.JobStatusProcessing,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled,
	}
	for _, status := range statuses {
		tq := c.db.Model(&models.ThumbnailGenerationJob{}).Where("status = ?", status)
		vq := c.db.Model(&models.VideoGenerationJob{}).Where("status = ?", status)
		if timelapseID != 0 {
			tq = tq.Joins("JOIN images ON images.id = thumbnail_generation_jobs.image_id").
				Where("images.timelapse_id = ?", timelapseID)
			vq = vq.Where("timelapse_id = ?", timelapseID)
		} else if cameraID != 0 {
			tq = tq.Joins("JOIN images ON images.id = thumbnail_generation_jobs.image_id").
				Where("images.camera_id = ?", cameraID)
			vq = vq.Joins("JOIN timelapses ON timelapses.id = video_generation_jobs.timelapse_id").
				Where("timelapses.camera_id = ?", cameraID)
		}
		var n int64
		if err := tq.Count(&n).Error; err != nil {
			return summary, err
		}
		summary.ThumbnailCounts[status] = n
		if err := vq.Count(&n).Error; err != nil {
			return summary, err
		}
		summary.VideoCounts[status] = n
	}
	return summary, nil
}

// CancelResult aggregates a bulk cancellation; partial failures are counted,
// not raised.
type CancelResult struct {
	ThumbnailsCancelled int64    `json:"thumbnails_cancelled"`
	VideosCancelled     int64    `json:"videos_cancelled"`
	Errors              []string `json:"errors,omitempty"`
}

// CancelPendingJobs force-cancels pending and processing jobs in a scope.
// jobType may be "thumbnail", "video" or "" for both.
func (c *Coordinator) CancelPendingJobs(cameraID, timelapseID uint, jobType string) CancelResult {
	var result CancelResult
	active := []string{models.JobStatusPending, models.JobStatusProcessing}

	if jobType == "" || jobType == "thumbnail" {
		q := c.db.Model(&models.ThumbnailGenerationJob{}).Where("status IN ?", active)
		if timelapseID != 0 {
			q = q.Where("image_id IN (?)",
				c.db.Model(&models.Image{}).Select("id").Where("timelapse_id = ?", timelapseID))
		} else if cameraID != 0 {
			q = q.Where("image_id IN (?)",
				c.db.Model(&models.Image{}).Select("id").Where("camera_id = ?", cameraID))
		}
		res := q.Update("status", models.JobStatusCancelled)
		if res.Error != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("thumbnail cancel: %v", res.Error))
		} else {
			result.ThumbnailsCancelled = res.RowsAffected
		}
	}

	if jobType == "" || jobType == "video" {
		q := c.db.Model(&models.VideoGenerationJob{}).Where("status IN ?", active)
		if timelapseID != 0 {
			q = q.Where("timelapse_id = ?", timelapseID)
		} else if cameraID != 0 {
			q = q.Where("timelapse_id IN (?)",
				c.db.Model(&models.Timelapse{}).Select("id").Where("camera_id = ?", cameraID))
		}
		res := q.Update("status", models.JobStatusCancelled)
		if res.Error != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("video cancel: %v", res.Error))
		} else {
			result.VideosCancelled = res.RowsAffected
		}
	}
	return result
}

// ParseMilestones parses the comma-separated threshold list, dropping
// malformed entries.
func ParseMilestones(raw string) []int {
	if raw == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n <= 0 {
			continue
		}
		out = append(out, n)
	}
	return out
}

func derefJobID(id *uint) uint {
	if id == nil {
		return 0
	}
	return *id
}
