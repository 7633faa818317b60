// Package workers runs the background side of the pipeline: queue-polling
// loops, River workers, stuck-job reclaim and retention cleanup. Workers
// coordinate exclusively through conditional updates on the job tables, so
// any number of processes can run the same loops.
package workers

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"lapser/internal/events"
	"lapser/internal/jobs"
	"lapser/internal/models"
	"lapser/internal/thumbnails"
)

const (
	maxJobRetries     = 3
	retryDelayMinutes = 2
)

// ThumbnailProcessor does the actual work for one claimed thumbnail job.
// Shared by the polling worker and the River worker so both paths have
// identical semantics.
type ThumbnailProcessor struct {
	db    *gorm.DB
	queue *jobs.ThumbnailQueue
	gen   *thumbnails.Generator
	bus   events.Bus
}

func NewThumbnailProcessor(db *gorm.DB, queue *jobs.ThumbnailQueue, gen *thumbnails.Generator, bus events.Bus) *ThumbnailProcessor {
	return &ThumbnailProcessor{db: db, queue: queue, gen: gen, bus: bus}
}

// ProcessClaimed runs a job the caller has already transitioned to
// processing. Returns false when the job failed and may be retried.
func (p *ThumbnailProcessor) ProcessClaimed(job *models.ThumbnailGenerationJob) bool {
	logger := slog.With("job_id", job.ID, "image_id", job.ImageID, "job_type", job.JobType)
	start := time.Now()

	var img models.Image
	err := p.db.First(&img, job.ImageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Target was deleted after the job was queued. Orphaned jobs are
		// skippable, not errors.
		logger.Info("Cancelling orphaned thumbnail job")
		p.queue.CancelJob(job.ID)
		return true
	}
	if err != nil {
		p.failAndMaybeRetry(job, fmt.Sprintf("failed to load image: %v", err), logger)
		return false
	}

	result, err := p.gen.Generate(img.FilePath)
	if err != nil {
		p.failAndMaybeRetry(job, err.Error(), logger)
		return false
	}

	updates := map[string]interface{}{
		"thumbnail_path": result.ThumbnailPath,
		"small_path":     result.SmallPath,
	}
	if err := p.db.Model(&img).Updates(updates).Error; err != nil {
		p.failAndMaybeRetry(job, fmt.Sprintf("failed to record paths: %v", err), logger)
		return false
	}
	p.db.Model(&models.Timelapse{}).Where("id = ?", img.TimelapseID).
		Updates(map[string]interface{}{
			"thumbnail_count": gorm.Expr("thumbnail_count + 1"),
			"small_count":     gorm.Expr("small_count + 1"),
		})

	elapsed := time.Since(start)
	if !p.queue.CompleteJob(job.ID, int(elapsed.Milliseconds())) {
		// Cancelled while we worked; leave the artifacts, stop here.
		logger.Info("Thumbnail job was cancelled mid-run")
		return true
	}

	p.bus.CreateEvent(events.TypeThumbnailReady, map[string]interface{}{
		"image_id":     img.ID,
		"timelapse_id": img.TimelapseID,
		"camera_id":    img.CameraID,
	}, events.PriorityLow, "thumbnail_worker")

	logger.Info("Thumbnail job completed", "elapsed", elapsed)
	return true
}

func (p *ThumbnailProcessor) failAndMaybeRetry(job *models.ThumbnailGenerationJob, msg string, logger *slog.Logger) {
	logger.Warn("Thumbnail job failed", "error", msg, "retry_count", job.RetryCount)
	if !p.queue.FailJob(job.ID, msg) {
		return // cancelled underneath us
	}
	if job.RetryCount < maxJobRetries {
		delay := time.Duration(retryDelayMinutes*(job.RetryCount+1)) * time.Minute
		p.queue.ScheduleRetry(job.ID, delay)
	}
}

// thumbnailSource is the slice of the queue the polling loop needs.
type thumbnailSource interface {
	GetNextJob() (*models.ThumbnailGenerationJob, error)
	StartJob(id uint) bool
}

// ThumbnailWorker polls the queue and feeds the processor.
type ThumbnailWorker struct {
	queue     thumbnailSource
	processor *ThumbnailProcessor
	interval  time.Duration
	shutdown  chan bool
}

func NewThumbnailWorker(queue thumbnailSource, processor *ThumbnailProcessor, interval time.Duration) *ThumbnailWorker {
	return &ThumbnailWorker{
		queue:     queue,
		processor: processor,
		interval:  interval,
		shutdown:  make(chan bool),
	}
}

// Start begins the polling loop.
func (w *ThumbnailWorker) Start() {
	slog.Info("Starting thumbnail worker", "poll_interval", w.interval)
	go w.loop()
}

func (w *ThumbnailWorker) Stop() {
	w.shutdown <- true
}

func (w *ThumbnailWorker) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.drainQueue()
		case <-w.shutdown:
			slog.Info("Thumbnail worker shutting down")
			return
		}
	}
}

// drainQueue claims and processes jobs until the queue is empty this cycle.
func (w *ThumbnailWorker) drainQueue() {
	for {
		job, err := w.queue.GetNextJob()
		if err != nil {
			slog.Error("Failed to poll thumbnail queue", "error", err)
			return
		}
		if job == nil {
			return
		}
		if !w.queue.StartJob(job.ID) {
			// Lost race or transient claim failure. A failed claim can leave
			// the job pending, so looping again would spin on the same row;
			// end the cycle and let the next tick retry.
			return
		}
		w.processor.ProcessClaimed(job)
	}
}
