package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"lapser/internal/events"
	"lapser/internal/jobs"
	"lapser/internal/models"
	"lapser/internal/video"
)

// VideoProcessor renders one claimed video job.
type VideoProcessor struct {
	db    *gorm.DB
	queue *jobs.VideoQueue
	gen   *video.Generator
	bus   events.Bus
}

func NewVideoProcessor(db *gorm.DB, queue *jobs.VideoQueue, gen *video.Generator, bus events.Bus) *VideoProcessor {
	return &VideoProcessor{db: db, queue: queue, gen: gen, bus: bus}
}

func (p *VideoProcessor) ProcessClaimed(ctx context.Context, job *models.VideoGenerationJob) bool {
	logger := slog.With("job_id", job.ID, "timelapse_id", job.TimelapseID, "trigger", job.TriggerType)
	start := time.Now()

	var tl models.Timelapse
	err := p.db.First(&tl, job.TimelapseID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Info("Cancelling orphaned video job")
		p.queue.CancelJob(job.ID)
		return true
	}
	if err != nil {
		p.failAndMaybeRetry(job, fmt.Sprintf("failed to load timelapse: %v", err), logger)
		return false
	}

	var camera models.Camera
	if err := p.db.First(&camera, tl.CameraID).Error; err != nil {
		p.failAndMaybeRetry(job, fmt.Sprintf("failed to load camera: %v", err), logger)
		return false
	}

	settings := video.ResolveSettings(&camera, &tl, job.Settings)
	key, err := p.gen.Generate(ctx, &tl, settings)
	if err != nil {
		p.failAndMaybeRetry(job, err.Error(), logger)
		p.bus.CreateEvent(events.TypeVideoFailed, map[string]interface{}{
			"timelapse_id": tl.ID,
			"job_id":       job.ID,
			"error":        err.Error(),
		}, events.PriorityNormal, "video_worker")
		return false
	}

	elapsed := time.Since(start)
	if !p.queue.CompleteJob(job.ID, key, int(elapsed.Milliseconds())) {
		logger.Info("Video job was cancelled mid-run")
		return true
	}
	now := time.Now()
	p.db.Model(&camera).Update("last_video_at", now)

	p.bus.CreateEvent(events.TypeVideoReady, map[string]interface{}{
		"timelapse_id": tl.ID,
		"camera_id":    camera.ID,
		"job_id":       job.ID,
		"video_path":   key,
		"trigger":      job.TriggerType,
	}, events.PriorityNormal, "video_worker")

	logger.Info("Video job completed", "key", key, "elapsed", elapsed)
	return true
}

func (p *VideoProcessor) failAndMaybeRetry(job *models.VideoGenerationJob, msg string, logger *slog.Logger) {
	logger.Warn("Video job failed", "error", msg, "retry_count", job.RetryCount)
	if !p.queue.FailJob(job.ID, msg) {
		return
	}
	if job.RetryCount < maxJobRetries {
		delay := time.Duration(retryDelayMinutes*(job.RetryCount+1)) * time.Minute
		p.queue.ScheduleRetry(job.ID, delay)
	}
}

// VideoWorker polls the video queue under a concurrency cap. The cap is a
// row count over status=processing, so it holds across processes.
type VideoWorker struct {
	queue         *jobs.VideoQueue
	processor     *VideoProcessor
	interval      time.Duration
	maxConcurrent int64
	shutdown      chan bool
}

func NewVideoWorker(queue *jobs.VideoQueue, processor *VideoProcessor, interval time.Duration, maxConcurrent int) *VideoWorker {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &VideoWorker{
		queue:         queue,
		processor:     processor,
		interval:      interval,
		maxConcurrent: int64(maxConcurrent),
		shutdown:      make(chan bool),
	}
}

func (w *VideoWorker) Start() {
	slog.Info("Starting video worker", "poll_interval", w.interval, "max_concurrent", w.maxConcurrent)
	go w.loop()
}

func (w *VideoWorker) Stop() {
	w.shutdown <- true
}

func (w *VideoWorker) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.claimOne()
		case <-w.shutdown:
			slog.Info("Video worker shutting down")
			return
		}
	}
}

// claimOne claims at most one job per cycle, and only below the cap.
func (w *VideoWorker) claimOne() {
	active, err := w.queue.CountProcessing()
	if err != nil {
		slog.Error("Failed to count active video jobs", "error", err)
		return
	}
	if active >= w.maxConcurrent {
		return // at capacity, no-op this cycle
	}

	job, err := w.queue.GetNextJob()
	if err != nil {
		slog.Error("Failed to poll video queue", "error", err)
		return
	}
	if job == nil {
		return
	}
	if !w.queue.StartJob(job.ID) {
		return
	}
	go w.processor.ProcessClaimed(context.Background(), job)
}
