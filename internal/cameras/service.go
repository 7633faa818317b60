// Package cameras owns camera and timelapse lifecycle. The one invariant
// everything else leans on: a camera has at most one running-or-paused
// timelapse, and Camera.ActiveTimelapseID points at it.
package cameras

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"lapser/internal/models"
)

// Capture interval bounds, seconds.
const (
	MinCaptureInterval = 30
	MaxCaptureInterval = 86400
)

var (
	ErrCameraNotFound    = errors.New("camera not found")
	ErrTimelapseNotFound = errors.New("timelapse not found")
	ErrTimelapseActive   = errors.New("camera already has an active timelapse")
	ErrInvalidInterval   = fmt.Errorf("capture interval must be between %d and %d seconds", MinCaptureInterval, MaxCaptureInterval)
	ErrInvalidTransition = errors.New("invalid timelapse status transition")
)

// Service mediates lifecycle transitions.
type Service struct {
	db  *gorm.DB
	loc *time.Location
}

func NewService(db *gorm.DB, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{db: db, loc: loc}
}

// NewTimelapseOptions carries the caller-tunable fields for a new campaign.
type NewTimelapseOptions struct {
	CaptureIntervalSeconds int
	AutomationMode         string
	MilestoneThresholds    string
	ScheduleType           string
	ScheduleTime           string
	ScheduleWeekday        string
}

// StartNewTimelapse creates and activates a running timelapse. Fails when
// the camera already has one active.
func (s *Service) StartNewTimelapse(cameraID uint, opts NewTimelapseOptions) (*models.Timelapse, error) {
	if opts.CaptureIntervalSeconds < MinCaptureInterval || opts.CaptureIntervalSeconds > MaxCaptureInterval {
		return nil, ErrInvalidInterval
	}
	if opts.AutomationMode == "" {
		opts.AutomationMode = models.AutomationManual
	}

	var tl *models.Timelapse
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var camera models.Camera
		if err := tx.First(&camera, cameraID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCameraNotFound
			}
			return err
		}
		if camera.ActiveTimelapseID != nil {
			return ErrTimelapseActive
		}

		now := time.Now().In(s.loc)
		tl = &models.Timelapse{
			CameraID:               cameraID,
			Status:                 models.TimelapseStatusRunning,
			StartDate:              time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc),
			CaptureIntervalSeconds: opts.CaptureIntervalSeconds,
			AutomationMode:         opts.AutomationMode,
			MilestoneThresholds:    opts.MilestoneThresholds,
			ScheduleType:           opts.ScheduleType,
			ScheduleTime:           opts.ScheduleTime,
			ScheduleWeekday:        opts.ScheduleWeekday,
		}
		if err := tx.Create(tl).Error; err != nil {
			return err
		}
		return tx.Model(&camera).Update("active_timelapse_id", tl.ID).Error
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Started new timelapse", "camera_id", cameraID, "timelapse_id", tl.ID)
	return tl, nil
}

// PauseTimelapse moves running to paused. The camera keeps its active
// reference; a paused campaign still blocks a new one.
func (s *Service) PauseTimelapse(timelapseID uint) error {
	return s.transition(timelapseID, models.TimelapseStatusRunning, models.TimelapseStatusPaused)
}

// ResumeTimelapse moves paused back to running.
func (s *Service) ResumeTimelapse(timelapseID uint) error {
	return s.transition(timelapseID, models.TimelapseStatusPaused, models.TimelapseStatusRunning)
}

// CompleteTimelapse finishes a running or paused campaign and clears the
// camera's active reference, making it eligible for retention cleanup.
func (s *Service) CompleteTimelapse(timelapseID uint) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var tl models.Timelapse
		if err := tx.First(&tl, timelapseID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTimelapseNotFound
			}
			return err
		}
		res := tx.Model(&models.Timelapse{}).
			Where("id = ? AND status IN ?", timelapseID,
				[]string{models.TimelapseStatusRunning, models.TimelapseStatusPaused}).
			Update("status", models.TimelapseStatusCompleted)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInvalidTransition
		}
		return tx.Model(&models.Camera{}).
			Where("id = ? AND active_timelapse_id = ?", tl.CameraID, timelapseID).
			Update("active_timelapse_id", nil).Error
	})
}

func (s *Service) transition(timelapseID uint, from, to string) error {
	res := s.db.Model(&models.Timelapse{}).
		Where("id = ? AND status = ?", timelapseID, from).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		s.db.Model(&models.Timelapse{}).Where("id = ?", timelapseID).Count(&n)
		if n == 0 {
			return ErrTimelapseNotFound
		}
		return ErrInvalidTransition
	}
	return nil
}

// ActiveTimelapse returns the camera's active campaign, or nil.
func (s *Service) ActiveTimelapse(cameraID uint) (*models.Timelapse, error) {
	var camera models.Camera
	if err := s.db.First(&camera, cameraID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCameraNotFound
		}
		return nil, err
	}
	if camera.ActiveTimelapseID == nil {
		return nil, nil
	}
	var tl models.Timelapse
	if err := s.db.First(&tl, *camera.ActiveTimelapseID).Error; err != nil {
		return nil, err
	}
	return &tl, nil
}
