package workers

import (
	"log/slog"
	"time"

	"gorm.io/gorm"

	"lapser/internal/models"
)

// StuckJobMonitor reclaims processing jobs whose worker died mid-run. A row
// stuck in processing past the staleness window is conditionally failed and,
// under the retry limit, rescheduled; the guard on the prior status means a
// worker that is merely slow loses nothing but its completion update.
type StuckJobMonitor struct {
	db        *gorm.DB
	staleness time.Duration
	interval  time.Duration
	shutdown  chan bool
}

func NewStuckJobMonitor(db *gorm.DB) *StuckJobMonitor {
	return &StuckJobMonitor{
		db:        db,
		staleness: 15 * time.Minute,
		interval:  5 * time.Minute,
		shutdown:  make(chan bool),
	}
}

func (m *StuckJobMonitor) Start() {
	slog.Info("Starting stuck job monitor", "staleness", m.staleness)
	go m.loop()
}

func (m *StuckJobMonitor) Stop() {
	m.shutdown <- true
}

func (m *StuckJobMonitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reclaim()
		case <-m.shutdown:
			slog.Info("Stuck job monitor shutting down")
			return
		}
	}
}

func (m *StuckJobMonitor) reclaim() {
	cutoff := time.Now().Add(-m.staleness)

	for _, model := range []interface{}{&models.ThumbnailGenerationJob{}, &models.VideoGenerationJob{}} {
		// Fail stale processing rows; under the retry limit they go
		// straight back to pending with a bumped retry count.
		failed := m.db.Model(model).
			Where("status = ? AND started_at < ?", models.JobStatusProcessing, cutoff).
			Updates(map[string]interface{}{
				"status":        models.JobStatusFailed,
				"error_message": "reclaimed: no progress past staleness window",
			})
		if failed.Error != nil {
			slog.Error("Failed to reclaim stuck jobs", "error", failed.Error)
			continue
		}
		if failed.RowsAffected > 0 {
			slog.Warn("Reclaimed stuck jobs", "count", failed.RowsAffected)
		}

		requeued := m.db.Model(model).
			Where("status = ? AND error_message = ? AND retry_count < ?",
				models.JobStatusFailed, "reclaimed: no progress past staleness window", maxJobRetries).
			Updates(map[string]interface{}{
				"status":        models.JobStatusPending,
				"error_message": "",
				"retry_count":   gorm.Expr("retry_count + 1"),
			})
		if requeued.Error == nil && requeued.RowsAffected > 0 {
			slog.Info("Requeued reclaimed jobs", "count", requeued.RowsAffected)
		}
	}
}
