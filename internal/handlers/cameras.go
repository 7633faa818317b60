package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"lapser/internal/capture"
	"lapser/internal/models"
)

var validate = validator.New()

type cameraRequest struct {
	Name              string  `json:"name" validate:"required,min=1,max=128"`
	RTSPURL           string  `json:"rtsp_url" validate:"required,min=1"`
	UseHeavyDetection bool    `json:"use_heavy_detection"`
	VideoFramerate    *int    `json:"video_framerate" validate:"omitempty,min=1,max=120"`
	VideoQuality      *string `json:"video_quality" validate:"omitempty,oneof=low medium high"`
}

func ListCameras(c *gin.Context, db *gorm.DB) {
	var cameras []models.Camera
	if err := db.Order("id").Find(&cameras).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	c.JSON(http.StatusOK, cameras)
}

func GetCamera(c *gin.Context, db *gorm.DB) {
	camera, ok := loadCamera(c, db)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, camera)
}

func CreateCamera(c *gin.Context, db *gorm.DB) {
	var req cameraRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if err := validate.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	camera := models.Camera{
		Name:              req.Name,
		RTSPURL:           req.RTSPURL,
		UseHeavyDetection: req.UseHeavyDetection,
		VideoFramerate:    req.VideoFramerate,
		VideoQuality:      req.VideoQuality,
	}
	if err := db.Create(&camera).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create camera"})
		return
	}
	c.JSON(http.StatusCreated, camera)
}

func UpdateCamera(c *gin.Context, db *gorm.DB) {
	camera, ok := loadCamera(c, db)
	if !ok {
		return
	}
	var req cameraRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if err := validate.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updates := map[string]interface{}{
		"name":                req.Name,
		"rtsp_url":            req.RTSPURL,
		"use_heavy_detection": req.UseHeavyDetection,
		"video_framerate":     req.VideoFramerate,
		"video_quality":       req.VideoQuality,
	}
	if err := db.Model(camera).Updates(updates).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update camera"})
		return
	}
	c.JSON(http.StatusOK, camera)
}

// TestCameraConnection probes the RTSP stream without persisting anything.
func TestCameraConnection(c *gin.Context, db *gorm.DB, capturer capture.FrameCapturer) {
	camera, ok := loadCamera(c, db)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	start := time.Now()
	result := capturer.TestConnection(ctx, camera)
	if result.ResponseTimeMs == 0 {
		result.ResponseTimeMs = time.Since(start).Milliseconds()
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{
		"success":          result.Success,
		"response_time_ms": result.ResponseTimeMs,
		"error":            result.Error,
	})
}

func loadCamera(c *gin.Context, db *gorm.DB) (*models.Camera, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid camera id"})
		return nil, false
	}
	var camera models.Camera
	if err := db.First(&camera, uint(id)).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Camera not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		}
		return nil, false
	}
	return &camera, true
}
