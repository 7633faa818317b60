package workers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"
	"gorm.io/gorm"

	"lapser/internal/jobs"
	"lapser/internal/models"
)

// River workers claim the same queue rows as the polling loops, through the
// same conditional updates, so a River deployment and a polling deployment
// can coexist without double-processing.

// ThumbnailRiverWorker processes immediate thumbnail requests.
type ThumbnailRiverWorker struct {
	river.WorkerDefaults[jobs.ThumbnailJobArgs]
	db        *gorm.DB
	queue     *jobs.ThumbnailQueue
	processor *ThumbnailProcessor
}

func NewThumbnailRiverWorker(db *gorm.DB, queue *jobs.ThumbnailQueue, processor *ThumbnailProcessor) *ThumbnailRiverWorker {
	return &ThumbnailRiverWorker{db: db, queue: queue, processor: processor}
}

func (w *ThumbnailRiverWorker) Work(ctx context.Context, job *river.Job[jobs.ThumbnailJobArgs]) error {
	logger := slog.With("worker", "river", "job_id", job.ID, "queue_job_id", job.Args.QueueJobID)

	if !w.queue.StartJob(job.Args.QueueJobID) {
		// Row already claimed, finished or cancelled elsewhere.
		logger.Info("Queue row not claimable, skipping")
		return nil
	}
	var row models.ThumbnailGenerationJob
	if err := w.db.First(&row, job.Args.QueueJobID).Error; err != nil {
		return fmt.Errorf("queue row %d vanished after claim: %w", job.Args.QueueJobID, err)
	}
	if !w.processor.ProcessClaimed(&row) {
		return fmt.Errorf("thumbnail job %d failed", row.ID)
	}
	return nil
}

// VideoRiverWorker processes immediate video requests.
type VideoRiverWorker struct {
	river.WorkerDefaults[jobs.VideoJobArgs]
	db        *gorm.DB
	queue     *jobs.VideoQueue
	processor *VideoProcessor
}

func NewVideoRiverWorker(db *gorm.DB, queue *jobs.VideoQueue, processor *VideoProcessor) *VideoRiverWorker {
	return &VideoRiverWorker{db: db, queue: queue, processor: processor}
}

func (w *VideoRiverWorker) Work(ctx context.Context, job *river.Job[jobs.VideoJobArgs]) error {
	logger := slog.With("worker", "river", "job_id", job.ID, "queue_job_id", job.Args.QueueJobID)

	if !w.queue.StartJob(job.Args.QueueJobID) {
		logger.Info("Queue row not claimable, skipping")
		return nil
	}
	var row models.VideoGenerationJob
	if err := w.db.First(&row, job.Args.QueueJobID).Error; err != nil {
		return fmt.Errorf("queue row %d vanished after claim: %w", job.Args.QueueJobID, err)
	}
	if !w.processor.ProcessClaimed(ctx, &row) {
		return fmt.Errorf("video job %d failed", row.ID)
	}
	return nil
}

// OverlayRiverWorker processes immediate overlay requests. Overlays reuse
// the thumbnail processor; the job type on the row distinguishes them.
type OverlayRiverWorker struct {
	river.WorkerDefaults[jobs.OverlayJobArgs]
	db        *gorm.DB
	queue     *jobs.ThumbnailQueue
	processor *ThumbnailProcessor
}

func NewOverlayRiverWorker(db *gorm.DB, queue *jobs.ThumbnailQueue, processor *ThumbnailProcessor) *OverlayRiverWorker {
	return &OverlayRiverWorker{db: db, queue: queue, processor: processor}
}

func (w *OverlayRiverWorker) Work(ctx context.Context, job *river.Job[jobs.OverlayJobArgs]) error {
	if !w.queue.StartJob(job.Args.QueueJobID) {
		return nil
	}
	var row models.ThumbnailGenerationJob
	if err := w.db.First(&row, job.Args.QueueJobID).Error; err != nil {
		return fmt.Errorf("queue row %d vanished after claim: %w", job.Args.QueueJobID, err)
	}
	if !w.processor.ProcessClaimed(&row) {
		return fmt.Errorf("overlay job %d failed", row.ID)
	}
	return nil
}
