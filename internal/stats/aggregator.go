// Package stats exposes read-side rollups for dashboards. No writes happen
// here; every number is a thin aggregate query.
package stats

import (
	"time"

	"gorm.io/gorm"

	"lapser/internal/models"
)

type CameraStats struct {
	CameraID            uint    `json:"camera_id"`
	Name                string  `json:"name"`
	ImageCount          int64   `json:"image_count"`
	FlaggedCount        int64   `json:"flagged_count"`
	FlaggedRatio        float64 `json:"flagged_ratio"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	DegradedModeActive  bool    `json:"degraded_mode_active"`
}

type QueueStats struct {
	Thumbnails map[string]int64 `json:"thumbnails"`
	Videos     map[string]int64 `json:"videos"`
}

type AutomationStats struct {
	TriggerCounts map[string]int64 `json:"trigger_counts"`
	VideosLast24h int64            `json:"videos_last_24h"`
}

type Aggregator struct {
	db *gorm.DB
}

func NewAggregator(db *gorm.DB) *Aggregator {
	return &Aggregator{db: db}
}

func (a *Aggregator) CameraStats() ([]CameraStats, error) {
	var cameras []models.Camera
	if err := a.db.Find(&cameras).Error; err != nil {
		return nil, err
	}
	out := make([]CameraStats, 0, len(cameras))
	for _, c := range cameras {
		var total, flagged int64
		if err := a.db.Model(&models.Image{}).Where("camera_id = ?", c.ID).Count(&total).Error; err != nil {
			return nil, err
		}
		if err := a.db.Model(&models.Image{}).Where("camera_id = ? AND is_flagged = ?", c.ID, true).Count(&flagged).Error; err != nil {
			return nil, err
		}
		cs := CameraStats{
			CameraID:            c.ID,
			Name:                c.Name,
			ImageCount:          total,
			FlaggedCount:        flagged,
			ConsecutiveFailures: c.ConsecutiveFailures,
			DegradedModeActive:  c.DegradedModeActive,
		}
		if total > 0 {
			cs.FlaggedRatio = float64(flagged) / float64(total)
		}
		out = append(out, cs)
	}
	return out, nil
}

type statusCount struct {
	Status string
	N      int64
}

func (a *Aggregator) QueueStats() (*QueueStats, error) {
	qs := &QueueStats{
		Thumbnails: make(map[string]int64),
		Videos:     make(map[string]int64),
	}
	var rows []statusCount
	if err := a.db.Model(&models.ThumbnailGenerationJob{}).
		Select("status, count(*) as n").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		qs.Thumbnails[r.Status] = r.N
	}
	rows = rows[:0]
	if err := a.db.Model(&models.VideoGenerationJob{}).
		Select("status, count(*) as n").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		qs.Videos[r.Status] = r.N
	}
	return qs, nil
}

func (a *Aggregator) AutomationStats() (*AutomationStats, error) {
	out := &AutomationStats{TriggerCounts: make(map[string]int64)}
	var rows []struct {
		TriggerType string
		N           int64
	}
	if err := a.db.Model(&models.VideoGenerationJob{}).
		Select("trigger_type, count(*) as n").Group("trigger_type").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		out.TriggerCounts[r.TriggerType] = r.N
	}
	cutoff := time.Now().Add(-24 * time.Hour)
	if err := a.db.Model(&models.VideoGenerationJob{}).
		Where("status = ? AND updated_at >= ?", models.JobStatusCompleted, cutoff).
		Count(&out.VideosLast24h).Error; err != nil {
		return nil, err
	}
	return out, nil
}
