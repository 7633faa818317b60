package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"lapser/internal/jobs"
)

func JobStatus(c *gin.Context, coord *jobs.Coordinator) {
	cameraID := queryID(c, "camera_id")
	timelapseID := queryID(c, "timelapse_id")
	summary, err := coord.TrackJobStatus(cameraID, timelapseID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func CancelJobs(c *gin.Context, coord *jobs.Coordinator) {
	var req struct {
		CameraID    uint   `json:"camera_id"`
		TimelapseID uint   `json:"timelapse_id"`
		JobType     string `json:"job_type"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	result := coord.CancelPendingJobs(req.CameraID, req.TimelapseID, req.JobType)
	status := http.StatusOK
	if len(result.Errors) > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, result)
}

func queryID(c *gin.Context, name string) uint {
	id, err := strconv.ParseUint(c.Query(name), 10, 32)
	if err != nil {
		return 0
	}
	return uint(id)
}
