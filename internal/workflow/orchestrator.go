// Package workflow conducts the capture pipeline: validate, capture,
// evaluate, persist, coordinate background jobs, broadcast. The orchestrator
// is the error boundary of the whole system; the scheduler loop above it
// never sees an exception, only structured results.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"

	"lapser/internal/capture"
	"lapser/internal/detection"
	"lapser/internal/events"
	"lapser/internal/jobs"
	"lapser/internal/models"
	"lapser/internal/weather"
)

// Pipeline states, in order of a clean run. FAILED is reachable from any of
// them.
const (
	StateValidating   = "validating"
	StateCapturing    = "capturing"
	StateEvaluating   = "evaluating"
	StateDiscarding   = "discarding"
	StateRetrying     = "retrying"
	StatePersisting   = "persisting"
	StateCoordinating = "coordinating_jobs"
	StateBroadcasting = "broadcasting"
	StateDone         = "done"
	StateFailed       = "failed"
)

// ContextKeyIsRetry marks a workflow invocation as the one allowed retry
// after a quality discard.
const ContextKeyIsRetry = "is_retry"

// Camera failure streak before degraded mode is flagged.
const degradedModeThreshold = 5

// CaptureResult is the structured outcome of one workflow run.
type CaptureResult struct {
	Success   bool                   `json:"success"`
	ImageID   *uint                  `json:"image_id,omitempty"`
	ImagePath string                 `json:"image_path,omitempty"`
	FileSize  int64                  `json:"file_size,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// QualityPolicy decides what a captured frame is worth. The real scorer is
// the default; AcceptAllPolicy reproduces the historical bypass explicitly.
type QualityPolicy interface {
	Evaluate(imagePath string, useHeavy bool) detection.Result
	Policy() detection.ScoringPolicy
}

// AcceptAllPolicy marks every frame clean without looking at it. Kept as a
// named, swappable policy so disabling evaluation is a wiring decision, not
// dead code.
type AcceptAllPolicy struct{}

func (AcceptAllPolicy) Evaluate(string, bool) detection.Result {
	return detection.Result{FinalScore: 0, IsCorrupted: false}
}

func (AcceptAllPolicy) Policy() detection.ScoringPolicy {
	return detection.DefaultScoringPolicy()
}

// Orchestrator runs capture workflows. All collaborators are injected; the
// orchestrator owns only sequencing and the error boundary.
type Orchestrator struct {
	db          *gorm.DB
	capturer    capture.FrameCapturer
	quality     QualityPolicy
	coordinator *jobs.Coordinator
	bus         events.Bus
	weather     weather.Provider
	dataDir     string
	loc         *time.Location
}

func NewOrchestrator(db *gorm.DB, capturer capture.FrameCapturer, quality QualityPolicy, coordinator *jobs.Coordinator, bus events.Bus, weatherProvider weather.Provider, dataDir string, loc *time.Location) *Orchestrator {
	if loc == nil {
		loc = time.UTC
	}
	return &Orchestrator{
		db:          db,
		capturer:    capturer,
		quality:     quality,
		coordinator: coordinator,
		bus:         bus,
		weather:     weatherProvider,
		dataDir:     dataDir,
		loc:         loc,
	}
}

// ExecuteCaptureWorkflow runs one capture attempt end to end. It never
// panics through to the caller: a scheduler loop depends on that for
// liveness.
func (o *Orchestrator) ExecuteCaptureWorkflow(ctx context.Context, cameraID, timelapseID uint, wctx map[string]interface{}) (result CaptureResult) {
	if wctx == nil {
		wctx = make(map[string]interface{})
	}
	state := StateValidating
	logger := slog.With("camera_id", cameraID, "timelapse_id", timelapseID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Capture workflow panicked", "state", state, "panic", r)
			o.markCameraFailure(cameraID)
			result = CaptureResult{Success: false, Error: fmt.Sprintf("internal error during %s", state)}
		}
	}()

	// Validate prerequisites. Existence only: the scheduler already decided
	// this capture should happen, we just guard against dangling references.
	camera, tl, err := o.validate(cameraID, timelapseID)
	if err != nil {
		logger.Warn("Capture validation failed", "error", err)
		return CaptureResult{Success: false, Error: err.Error()}
	}

	// Capture.
	state = StateCapturing
	capturedAt := time.Now()
	outputPath := o.framePath(camera, tl, capturedAt)
	outcome := o.capturer.CaptureFrame(ctx, camera, outputPath, capture.DefaultSettings())
	if !outcome.Success {
		o.markCameraFailure(cameraID)
		o.broadcastFailure(camera, tl, outcome.Error)
		return CaptureResult{Success: false, Error: outcome.Error, Metadata: outcome.Metadata}
	}

	// Evaluate quality.
	state = StateEvaluating
	quality := o.quality.Evaluate(outputPath, camera.UseHeavyDetection)
	policy := o.quality.Policy()

	// Discard handling: delete the file and, when allowed, retry exactly
	// once.
	if policy.ShouldAutoDiscard(quality.FinalScore) {
		state = StateDiscarding
		os.Remove(outputPath)
		isRetry, _ := wctx[ContextKeyIsRetry].(bool)

		action := "discarded"
		if policy.RetryOnDiscard && !isRetry && retryableDiscard(quality) {
			action = "retried"
		}
		o.logCorruption(camera, nil, quality, action)
		o.db.Model(tl).Update("glitch_count", gorm.Expr("glitch_count + 1"))

		if action == "retried" {
			state = StateRetrying
			logger.Info("Discarded corrupt frame, retrying capture", "score", quality.FinalScore)
			wctx[ContextKeyIsRetry] = true
			return o.ExecuteCaptureWorkflow(ctx, cameraID, timelapseID, wctx)
		}
		logger.Warn("Discarded corrupt frame", "score", quality.FinalScore, "failed_checks", quality.FailedChecks)
		return CaptureResult{
			Success: false,
			Error:   fmt.Sprintf("frame discarded: corruption score %d >= %d", quality.FinalScore, policy.AutoDiscardThreshold),
		}
	}

	// Persist. Day boundaries follow the configured timezone, not UTC.
	state = StatePersisting
	flagged := policy.IsCorrupted(quality.FinalScore)
	img, err := o.persistImage(camera, tl, outputPath, capturedAt, quality, flagged)
	if err != nil {
		// The frame stays on disk for manual recovery; only quality
		// discards delete files.
		logger.Error("Failed to persist image record", "error", err, "path", outputPath)
		o.markCameraFailure(cameraID)
		return CaptureResult{Success: false, Error: fmt.Sprintf("failed to persist image: %v", err), ImagePath: outputPath}
	}
	action := "saved"
	if flagged {
		action = "flagged"
	}
	o.logCorruption(camera, &img.ID, quality, action)

	// Coordinate background jobs. A failed coordination degrades the
	// capture (no thumbnail) but never fails it. Video triggering is not
	// done here; the scheduler authority owns that after completion.
	state = StateCoordinating
	coordRes := o.coordinator.CoordinateThumbnailJob(img.ID, models.JobPriorityMedium)

	// Broadcast, best effort.
	state = StateBroadcasting
	imageCount := o.currentImageCount(tl.ID)
	o.bus.CreateEvent(events.TypeImageCaptured, map[string]interface{}{
		"image_id":     img.ID,
		"camera_id":    camera.ID,
		"timelapse_id": tl.ID,
		"day_number":   img.DayNumber,
		"image_count":  imageCount,
	}, events.PriorityNormal, "capture_workflow")

	state = StateDone
	o.markCameraSuccess(cameraID)
	logger.Info("Capture workflow completed",
		"image_id", img.ID,
		"day_number", img.DayNumber,
		"score", quality.FinalScore,
		"flagged", flagged)

	return CaptureResult{
		Success:   true,
		ImageID:   &img.ID,
		ImagePath: img.FilePath,
		FileSize:  img.FileSize,
		Metadata: map[string]interface{}{
			"corruption_score": quality.FinalScore,
			"is_flagged":       flagged,
			"day_number":       img.DayNumber,
			"image_count":      imageCount,
			"thumbnail_job":    coordRes,
			"capture_metadata": outcome.Metadata,
		},
	}
}

var (
	errCameraNotFound    = errors.New("camera not found")
	errTimelapseNotFound = errors.New("timelapse not found")
)

func (o *Orchestrator) validate(cameraID, timelapseID uint) (*models.Camera, *models.Timelapse, error) {
	var camera models.Camera
	if err := o.db.First(&camera, cameraID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, errCameraNotFound
		}
		return nil, nil, fmt.Errorf("failed to load camera: %w", err)
	}
	var tl models.Timelapse
	if err := o.db.First(&tl, timelapseID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, errTimelapseNotFound
		}
		return nil, nil, fmt.Errorf("failed to load timelapse: %w", err)
	}
	if tl.CameraID != camera.ID {
		return nil, nil, fmt.Errorf("timelapse %d does not belong to camera %d", timelapseID, cameraID)
	}
	return &camera, &tl, nil
}

func (o *Orchestrator) framePath(camera *models.Camera, tl *models.Timelapse, capturedAt time.Time) string {
	filename := fmt.Sprintf("capture_%s.jpg", capturedAt.In(o.loc).Format("20060102_150405"))
	return filepath.Join(o.dataDir, "frames",
		fmt.Sprintf("camera-%d", camera.ID),
		fmt.Sprintf("timelapse-%d", tl.ID),
		filename)
}

func (o *Orchestrator) persistImage(camera *models.Camera, tl *models.Timelapse, path string, capturedAt time.Time, quality detection.Result, flagged bool) (*models.Image, error) {
	var fileSize int64
	if info, err := os.Stat(path); err == nil {
		fileSize = info.Size()
	}

	img := models.Image{
		CameraID:        camera.ID,
		TimelapseID:     tl.ID,
		FilePath:        path,
		Filename:        filepath.Base(path),
		CapturedAt:      capturedAt,
		DayNumber:       DayNumber(tl.StartDate, capturedAt, o.loc),
		CorruptionScore: quality.FinalScore,
		IsFlagged:       flagged,
		FileSize:        fileSize,
	}

	// Weather is best effort; absence is normal.
	if snap := o.weather.GetLatestWeather(); snap != nil {
		img.WeatherTemperature = &snap.Temperature
		img.WeatherConditions = &snap.Conditions
		img.WeatherIcon = &snap.Icon
	}

	if err := o.db.Create(&img).Error; err != nil {
		return nil, err
	}
	o.db.Model(tl).Update("image_count", gorm.Expr("image_count + 1"))
	return &img, nil
}

func (o *Orchestrator) currentImageCount(timelapseID uint) int {
	var tl models.Timelapse
	if err := o.db.First(&tl, timelapseID).Error; err != nil {
		return 0
	}
	return tl.ImageCount
}

func (o *Orchestrator) logCorruption(camera *models.Camera, imageID *uint, quality detection.Result, action string) {
	entry := models.CorruptionLog{
		CameraID:         camera.ID,
		ImageID:          imageID,
		CorruptionScore:  quality.FinalScore,
		FastScore:        quality.FastScore,
		HeavyScore:       quality.HeavyScore,
		FailedChecks:     strings.Join(quality.FailedChecks, ","),
		ActionTaken:      action,
		ProcessingTimeMs: int(quality.ProcessingTime.Milliseconds()),
	}
	if err := o.db.Create(&entry).Error; err != nil {
		slog.Error("Failed to write corruption log", "camera_id", camera.ID, "error", err)
	}
}

// retryableDiscard reports whether the discard reason category permits a
// retry. A frame that failed to load at all is worth one more grab; a frame
// that decoded but scored badly usually reflects scene conditions a retry
// seconds later will reproduce.
func retryableDiscard(quality detection.Result) bool {
	for _, check := range quality.FailedChecks {
		if check == detection.CheckImageLoad || check == detection.CheckFileSize {
			return true
		}
	}
	// Multiple simultaneous content failures look like a transient stream
	// glitch rather than a stable scene.
	return len(quality.FailedChecks) >= 3
}

func (o *Orchestrator) markCameraFailure(cameraID uint) {
	res := o.db.Model(&models.Camera{}).Where("id = ?", cameraID).
		Update("consecutive_failures", gorm.Expr("consecutive_failures + 1"))
	if res.Error != nil {
		slog.Error("Failed to record camera failure", "camera_id", cameraID, "error", res.Error)
		return
	}
	o.db.Model(&models.Camera{}).
		Where("id = ? AND consecutive_failures >= ?", cameraID, degradedModeThreshold).
		Update("degraded_mode_active", true)
}

func (o *Orchestrator) markCameraSuccess(cameraID uint) {
	o.db.Model(&models.Camera{}).Where("id = ?", cameraID).
		Updates(map[string]interface{}{
			"consecutive_failures": 0,
			"degraded_mode_active": false,
		})
}

func (o *Orchestrator) broadcastFailure(camera *models.Camera, tl *models.Timelapse, errMsg string) {
	o.bus.CreateEvent(events.TypeCaptureFailed, map[string]interface{}{
		"camera_id":    camera.ID,
		"timelapse_id": tl.ID,
		"error":        errMsg,
	}, events.PriorityHigh, "capture_workflow")
}

// DayNumber is 1-based and computed on local calendar dates in loc: every
// capture on the start date is day 1 regardless of time of day.
func DayNumber(startDate, capturedAt time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	start := startDate.In(loc)
	captured := capturedAt.In(loc)
	// Anchor both calendar dates in UTC so DST transitions cannot shorten a
	// local day below 24h and shift the count.
	startDay := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	capDay := time.Date(captured.Year(), captured.Month(), captured.Day(), 0, 0, 0, 0, time.UTC)
	days := int(capDay.Sub(startDay).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return days + 1
}
