package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"lapser/internal/cameras"
	"lapser/internal/jobs"
	"lapser/internal/models"
)

type startTimelapseRequest struct {
	CaptureIntervalSeconds int    `json:"capture_interval_seconds" validate:"required,min=30,max=86400"`
	AutomationMode         string `json:"automation_mode" validate:"omitempty,oneof=manual per_capture milestone scheduled"`
	MilestoneThresholds    string `json:"milestone_thresholds"`
	ScheduleType           string `json:"schedule_type" validate:"omitempty,oneof=daily weekly"`
	ScheduleTime           string `json:"schedule_time" validate:"omitempty,len=5"`
	ScheduleWeekday        string `json:"schedule_weekday"`
}

func StartTimelapse(c *gin.Context, svc *cameras.Service) {
	cameraID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req startTimelapseRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if err := validate.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tl, err := svc.StartNewTimelapse(cameraID, cameras.NewTimelapseOptions{
		CaptureIntervalSeconds: req.CaptureIntervalSeconds,
		AutomationMode:         req.AutomationMode,
		MilestoneThresholds:    req.MilestoneThresholds,
		ScheduleType:           req.ScheduleType,
		ScheduleTime:           req.ScheduleTime,
		ScheduleWeekday:        req.ScheduleWeekday,
	})
	if err != nil {
		switch {
		case errors.Is(err, cameras.ErrCameraNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, cameras.ErrTimelapseActive), errors.Is(err, cameras.ErrInvalidInterval):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start timelapse"})
		}
		return
	}
	c.JSON(http.StatusCreated, tl)
}

func PauseTimelapse(c *gin.Context, svc *cameras.Service) {
	lifecycleTransition(c, svc.PauseTimelapse)
}

func ResumeTimelapse(c *gin.Context, svc *cameras.Service) {
	lifecycleTransition(c, svc.ResumeTimelapse)
}

func CompleteTimelapse(c *gin.Context, svc *cameras.Service) {
	lifecycleTransition(c, svc.CompleteTimelapse)
}

func lifecycleTransition(c *gin.Context, fn func(uint) error) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := fn(id); err != nil {
		switch {
		case errors.Is(err, cameras.ErrTimelapseNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, cameras.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func GetTimelapse(c *gin.Context, db *gorm.DB) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var tl models.Timelapse
	if err := db.First(&tl, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Timelapse not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		}
		return
	}
	c.JSON(http.StatusOK, tl)
}

// TriggerVideo queues a manual video generation run through the coordinator,
// so the response carries the method that actually accepted the job.
func TriggerVideo(c *gin.Context, db *gorm.DB, coord *jobs.Coordinator) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var tl models.Timelapse
	if err := db.First(&tl, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Timelapse not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		}
		return
	}
	var req struct {
		Priority string `json:"priority"`
		Settings string `json:"settings"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
	}
	if req.Priority == "" {
		req.Priority = models.JobPriorityHigh
	}
	result := coord.CoordinateVideoJob(tl.ID, "manual", req.Priority, req.Settings, nil)
	if !result.Success {
		c.JSON(http.StatusConflict, gin.H{"reason": result.Reason, "method": result.Method})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": result.JobID, "method": result.Method})
}

func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return uint(id), true
}
