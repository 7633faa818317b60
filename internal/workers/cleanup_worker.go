package workers

import (
	"archive/tar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"gorm.io/gorm"

	"lapser/internal/jobs"
	"lapser/internal/models"
	"lapser/internal/settings"
	"lapser/internal/storage"
)

// CleanupWorker enforces retention: terminal jobs past the window are
// hard-deleted, images of completed timelapses are bundled to artifact
// storage before deletion, and audit tables are trimmed. Pending and
// processing jobs are never touched.
type CleanupWorker struct {
	db           *gorm.DB
	thumbQ       *jobs.ThumbnailQueue
	videoQ       *jobs.VideoQueue
	store        storage.Storage
	settings     *settings.Provider
	jobRetention time.Duration
	interval     time.Duration
	shutdown     chan bool
}

func NewCleanupWorker(db *gorm.DB, thumbQ *jobs.ThumbnailQueue, videoQ *jobs.VideoQueue, store storage.Storage, provider *settings.Provider, jobRetention, interval time.Duration) *CleanupWorker {
	return &CleanupWorker{
		db:           db,
		thumbQ:       thumbQ,
		videoQ:       videoQ,
		store:        store,
		settings:     provider,
		jobRetention: jobRetention,
		interval:     interval,
		shutdown:     make(chan bool),
	}
}

func (w *CleanupWorker) Start() {
	slog.Info("Starting cleanup worker", "interval", w.interval, "job_retention", w.jobRetention)
	go w.loop()
}

func (w *CleanupWorker) Stop() {
	w.shutdown <- true
}

func (w *CleanupWorker) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunCleanup()
		case <-w.shutdown:
			slog.Info("Cleanup worker shutting down")
			return
		}
	}
}

// RunCleanup executes one full retention pass.
func (w *CleanupWorker) RunCleanup() {
	cutoff := time.Now().Add(-w.jobRetention)

	if n, err := w.thumbQ.CleanupOldJobs(cutoff); err != nil {
		slog.Error("Failed to clean thumbnail jobs", "error", err)
	} else if n > 0 {
		slog.Info("Cleaned up old thumbnail jobs", "count", n)
	}
	if n, err := w.videoQ.CleanupOldJobs(cutoff); err != nil {
		slog.Error("Failed to clean video jobs", "error", err)
	} else if n > 0 {
		slog.Info("Cleaned up old video jobs", "count", n)
	}

	w.archiveExpiredImages()

	// Audit tables follow the job retention window, doubled.
	auditCutoff := time.Now().Add(-2 * w.jobRetention)
	w.db.Unscoped().Where("created_at < ?", auditCutoff).Delete(&models.Event{})
	w.db.Unscoped().Where("created_at < ?", auditCutoff).Delete(&models.CorruptionLog{})
}

// archiveExpiredImages bundles the frames of completed timelapses older than
// the image retention window into a tar.zst in artifact storage, then
// deletes the rows and files. The bundle keeps manual recovery possible.
func (w *CleanupWorker) archiveExpiredImages() {
	retentionDays := w.settings.GetInt(settings.KeyImageRetentionDays, 0)
	if retentionDays <= 0 {
		return // retention disabled
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	var expired []models.Timelapse
	err := w.db.Where("status = ? AND updated_at < ?", models.TimelapseStatusCompleted, cutoff).
		Find(&expired).Error
	if err != nil {
		slog.Error("Failed to find expired timelapses", "error", err)
		return
	}

	for _, tl := range expired {
		if err := w.archiveTimelapse(&tl); err != nil {
			slog.Error("Failed to archive expired timelapse", "timelapse_id", tl.ID, "error", err)
			continue
		}
	}
}

func (w *CleanupWorker) archiveTimelapse(tl *models.Timelapse) error {
	var images []models.Image
	if err := w.db.Where("timelapse_id = ?", tl.ID).Order("captured_at ASC").Find(&images).Error; err != nil {
		return err
	}

	if len(images) > 0 {
		key := fmt.Sprintf("retention/timelapse-%d.tar.zst", tl.ID)
		if err := w.writeBundle(key, images); err != nil {
			return err
		}
		slog.Info("Archived expired timelapse frames",
			"timelapse_id", tl.ID,
			"frames", len(images),
			"key", key)
	}

	for _, img := range images {
		os.Remove(img.FilePath)
		if img.ThumbnailPath != nil {
			os.Remove(*img.ThumbnailPath)
		}
		if img.SmallPath != nil {
			os.Remove(*img.SmallPath)
		}
	}
	if err := w.db.Unscoped().Where("timelapse_id = ?", tl.ID).Delete(&models.Image{}).Error; err != nil {
		return err
	}
	return w.db.Unscoped().Delete(tl).Error
}

func (w *CleanupWorker) writeBundle(key string, images []models.Image) error {
	dst, err := w.store.Writer(key)
	if err != nil {
		return fmt.Errorf("failed to open bundle writer: %w", err)
	}
	defer dst.Close()

	zw, err := zstd.NewWriter(dst)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	for _, img := range images {
		if err := addFileToTar(tw, img.FilePath, img.Filename); err != nil {
			// A frame missing on disk is not worth failing the bundle.
			slog.Warn("Skipping unreadable frame in retention bundle",
				"image_id", img.ID, "path", img.FilePath, "error", err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
