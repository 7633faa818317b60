package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"lapser/internal/models"
)

// ThumbnailJobArgs is the River payload for immediate thumbnail generation.
// QueueJobID references the queue row the worker claims; the row, not the
// River job, is the source of truth for status.
type ThumbnailJobArgs struct {
	QueueJobID uint `json:"queue_job_id"`
	ImageID    uint `json:"image_id"`
}

func (ThumbnailJobArgs) Kind() string { return "thumbnail_generation" }

// VideoJobArgs is the River payload for immediate video generation.
type VideoJobArgs struct {
	QueueJobID  uint `json:"queue_job_id"`
	TimelapseID uint `json:"timelapse_id"`
}

func (VideoJobArgs) Kind() string { return "video_generation" }

// OverlayJobArgs is the River payload for immediate overlay generation.
type OverlayJobArgs struct {
	QueueJobID uint `json:"queue_job_id"`
	ImageID    uint `json:"image_id"`
}

func (OverlayJobArgs) Kind() string { return "overlay_generation" }

// RiverAuthority implements SchedulerAuthority on a River client. Each
// schedule call creates the persistent queue row first, then a River job
// that will claim that row; the River attempt and a polling worker racing on
// the same row resolve through the row's conditional update.
type RiverAuthority struct {
	client *river.Client[pgx.Tx]
	thumbQ *ThumbnailQueue
	videoQ *VideoQueue
}

func NewRiverAuthority(client *river.Client[pgx.Tx], thumbQ *ThumbnailQueue, videoQ *VideoQueue) *RiverAuthority {
	return &RiverAuthority{client: client, thumbQ: thumbQ, videoQ: videoQ}
}

func riverQueueFor(priority string) string {
	if priority == models.JobPriorityHigh {
		return "high_priority"
	}
	return river.QueueDefault
}

func (a *RiverAuthority) ScheduleImmediateThumbnailGeneration(imageID uint, priority string) bool {
	jobID, err := a.thumbQ.AddJob(imageID, priority, "single")
	if err != nil {
		slog.Error("Failed to create thumbnail queue row", "image_id", imageID, "error", err)
		return false
	}
	return a.insert(ThumbnailJobArgs{QueueJobID: jobID, ImageID: imageID}, priority)
}

func (a *RiverAuthority) ScheduleImmediateVideoGeneration(timelapseID uint, settingsJSON, priority string) bool {
	jobID, err := a.videoQ.AddJob(timelapseID, "immediate", priority, settingsJSON, nil)
	if err != nil {
		slog.Error("Failed to create video queue row", "timelapse_id", timelapseID, "error", err)
		return false
	}
	return a.insert(VideoJobArgs{QueueJobID: jobID, TimelapseID: timelapseID}, priority)
}

func (a *RiverAuthority) ScheduleImmediateOverlayGeneration(imageID uint, priority string) bool {
	jobID, err := a.thumbQ.AddJob(imageID, priority, "overlay")
	if err != nil {
		slog.Error("Failed to create overlay queue row", "image_id", imageID, "error", err)
		return false
	}
	return a.insert(OverlayJobArgs{QueueJobID: jobID, ImageID: imageID}, priority)
}

func (a *RiverAuthority) insert(args river.JobArgs, priority string) bool {
	opts := &river.InsertOpts{
		MaxAttempts: 3,
		Queue:       riverQueueFor(priority),
		UniqueOpts: river.UniqueOpts{
			ByArgs:   true,
			ByPeriod: 1 * time.Minute,
		},
	}
	res, err := a.client.Insert(context.Background(), args, opts)
	if err != nil {
		slog.Error("Failed to enqueue River job", "kind", args.Kind(), "error", err)
		return false
	}
	if res.UniqueSkippedAsDuplicate {
		slog.Info("River job deduplicated", "kind", args.Kind())
	}
	return riverJobSchedulable(res.Job)
}

// riverJobSchedulable reports whether the inserted job will actually run.
// Cancelled or discarded states mean the scheduler took the request but will
// never execute it, which callers must treat as a rejection.
func riverJobSchedulable(job *rivertype.JobRow) bool {
	if job == nil {
		return false
	}
	switch job.State {
	case rivertype.JobStateCancelled, rivertype.JobStateDiscarded:
		return false
	default:
		return true
	}
}
