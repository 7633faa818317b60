// Package jobs holds the persistent job queues and the coordinator that
// routes background work into them. Queue rows are the only shared mutable
// state between the capture pipeline and the worker pool; every status
// transition is a guarded conditional update and a zero-rows-affected result
// means another worker won the race, never an error.
package jobs

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"lapser/internal/models"
)

// priorityOrder sorts high before medium before low; within one priority the
// queue is FIFO on created_at. Enforced in the query, not by insertion order.
const priorityOrder = "CASE priority WHEN 'high' THEN 0 WHEN 'medium' THEN 1 ELSE 2 END"

// ThumbnailQueue is the persistent queue over thumbnail_generation_jobs.
type ThumbnailQueue struct {
	db *gorm.DB
}

func NewThumbnailQueue(db *gorm.DB) *ThumbnailQueue {
	return &ThumbnailQueue{db: db}
}

// AddJob inserts a pending job and returns its id.
func (q *ThumbnailQueue) AddJob(imageID uint, priority, jobType string) (uint, error) {
	if priority == "" {
		priority = models.JobPriorityMedium
	}
	if jobType == "" {
		jobType = "single"
	}
	job := models.ThumbnailGenerationJob{
		ImageID:  imageID,
		Priority: priority,
		Status:   models.JobStatusPending,
		JobType:  jobType,
	}
	if err := q.db.Create(&job).Error; err != nil {
		return 0, err
	}
	return job.ID, nil
}

// GetNextJob returns the next eligible pending job, or nil when the queue is
// drained. Retried jobs have created_at pushed into the future, so the
// eligibility filter doubles as the retry delay.
func (q *ThumbnailQueue) GetNextJob() (*models.ThumbnailGenerationJob, error) {
	var job models.ThumbnailGenerationJob
	err := q.db.
		Where("status = ? AND created_at <= ?", models.JobStatusPending, time.Now()).
		Order(priorityOrder).
		Order("created_at ASC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// StartJob claims a pending job. False means another worker got there first.
func (q *ThumbnailQueue) StartJob(id uint) bool {
	now := time.Now()
	res := q.db.Model(&models.ThumbnailGenerationJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusPending).
		Updates(map[string]interface{}{
			"status":     models.JobStatusProcessing,
			"started_at": now,
		})
	return res.Error == nil && res.RowsAffected == 1
}

// CompleteJob finishes a processing job. False means the job was cancelled or
// otherwise moved underneath us; the caller must stop touching it.
func (q *ThumbnailQueue) CompleteJob(id uint, processingMs int) bool {
	now := time.Now()
	res := q.db.Model(&models.ThumbnailGenerationJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":             models.JobStatusCompleted,
			"completed_at":       now,
			"processing_time_ms": processingMs,
		})
	return res.Error == nil && res.RowsAffected == 1
}

// FailJob marks a processing job failed with an error message.
func (q *ThumbnailQueue) FailJob(id uint, errMsg string) bool {
	now := time.Now()
	res := q.db.Model(&models.ThumbnailGenerationJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":        models.JobStatusFailed,
			"completed_at":  now,
			"error_message": errMsg,
		})
	return res.Error == nil && res.RowsAffected == 1
}

// ScheduleRetry resets a failed job to pending with its created_at pushed
// forward, which both delays eligibility and demotes it within its priority.
func (q *ThumbnailQueue) ScheduleRetry(id uint, delay time.Duration) bool {
	res := q.db.Model(&models.ThumbnailGenerationJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusFailed).
		Updates(map[string]interface{}{
			"status":        models.JobStatusPending,
			"error_message": "",
			"retry_count":   gorm.Expr("retry_count + 1"),
			"created_at":    time.Now().Add(delay),
		})
	return res.Error == nil && res.RowsAffected == 1
}

// CancelJob forces a pending or processing job to cancelled. A worker mid-run
// discovers this when its own conditional update affects zero rows.
func (q *ThumbnailQueue) CancelJob(id uint) bool {
	res := q.db.Model(&models.ThumbnailGenerationJob{}).
		Where("id = ? AND status IN ?", id, []string{models.JobStatusPending, models.JobStatusProcessing}).
		Update("status", models.JobStatusCancelled)
	return res.Error == nil && res.RowsAffected == 1
}

// CleanupOldJobs hard-deletes terminal jobs older than the cutoff. Pending
// and processing rows are never auto-deleted.
func (q *ThumbnailQueue) CleanupOldJobs(olderThan time.Time) (int64, error) {
	res := q.db.Unscoped().
		Where("status IN ? AND updated_at < ?", terminalStatuses(), olderThan).
		Delete(&models.ThumbnailGenerationJob{})
	return res.RowsAffected, res.Error
}

// CountByStatus reports queue depth for one status.
func (q *ThumbnailQueue) CountByStatus(status string) (int64, error) {
	var n int64
	err := q.db.Model(&models.ThumbnailGenerationJob{}).Where("status = ?", status).Count(&n).Error
	return n, err
}

// VideoQueue is the persistent queue over video_generation_jobs.
type VideoQueue struct {
	db *gorm.DB
}

func NewVideoQueue(db *gorm.DB) *VideoQueue {
	return &VideoQueue{db: db}
}

// AddJob inserts a pending video job. milestoneCount is non-nil only for
// milestone-triggered jobs and backs the idempotence query.
func (q *VideoQueue) AddJob(timelapseID uint, triggerType, priority, settings string, milestoneCount *int) (uint, error) {
	if priority == "" {
		priority = models.JobPriorityMedium
	}
	job := models.VideoGenerationJob{
		TimelapseID:    timelapseID,
		TriggerType:    triggerType,
		Priority:       priority,
		Status:         models.JobStatusPending,
		Settings:       settings,
		MilestoneCount: milestoneCount,
	}
	if err := q.db.Create(&job).Error; err != nil {
		return 0, err
	}
	return job.ID, nil
}

func (q *VideoQueue) GetNextJob() (*models.VideoGenerationJob, error) {
	var job models.VideoGenerationJob
	err := q.db.
		Where("status = ? AND created_at <= ?", models.JobStatusPending, time.Now()).
		Order(priorityOrder).
		Order("created_at ASC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *VideoQueue) StartJob(id uint) bool {
	now := time.Now()
	res := q.db.Model(&models.VideoGenerationJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusPending).
		Updates(map[string]interface{}{
			"status":     models.JobStatusProcessing,
			"started_at": now,
		})
	return res.Error == nil && res.RowsAffected == 1
}

func (q *VideoQueue) CompleteJob(id uint, videoPath string, processingMs int) bool {
	now := time.Now()
	res := q.db.Model(&models.VideoGenerationJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":             models.JobStatusCompleted,
			"completed_at":       now,
			"video_path":         videoPath,
			"processing_time_ms": processingMs,
		})
	return res.Error == nil && res.RowsAffected == 1
}

func (q *VideoQueue) FailJob(id uint, errMsg string) bool {
	now := time.Now()
	res := q.db.Model(&models.VideoGenerationJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":        models.JobStatusFailed,
			"completed_at":  now,
			"error_message": errMsg,
		})
	return res.Error == nil && res.RowsAffected == 1
}

func (q *VideoQueue) ScheduleRetry(id uint, delay time.Duration) bool {
	res := q.db.Model(&models.VideoGenerationJob{}).
		Where("id = ? AND status = ?", id, models.JobStatusFailed).
		Updates(map[string]interface{}{
			"status":        models.JobStatusPending,
			"error_message": "",
			"retry_count":   gorm.Expr("retry_count + 1"),
			"created_at":    time.Now().Add(delay),
		})
	return res.Error == nil && res.RowsAffected == 1
}

func (q *VideoQueue) CancelJob(id uint) bool {
	res := q.db.Model(&models.VideoGenerationJob{}).
		Where("id = ? AND status IN ?", id, []string{models.JobStatusPending, models.JobStatusProcessing}).
		Update("status", models.JobStatusCancelled)
	return res.Error == nil && res.RowsAffected == 1
}

func (q *VideoQueue) CleanupOldJobs(olderThan time.Time) (int64, error) {
	res := q.db.Unscoped().
		Where("status IN ? AND updated_at < ?", terminalStatuses(), olderThan).
		Delete(&models.VideoGenerationJob{})
	return res.RowsAffected, res.Error
}

// CountProcessing backs the max-concurrency gate. Deriving the count from
// rows keeps it correct across process boundaries; an in-memory semaphore
// would not be.
func (q *VideoQueue) CountProcessing() (int64, error) {
	var n int64
	err := q.db.Model(&models.VideoGenerationJob{}).
		Where("status = ?", models.JobStatusProcessing).Count(&n).Error
	return n, err
}

func (q *VideoQueue) CountByStatus(status string) (int64, error) {
	var n int64
	err := q.db.Model(&models.VideoGenerationJob{}).Where("status = ?", status).Count(&n).Error
	return n, err
}

func terminalStatuses() []string {
	return []string{models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled}
}
