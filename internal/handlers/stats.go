package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"lapser/internal/stats"
)

func Stats(c *gin.Context, agg *stats.Aggregator) {
	cameraStats, err := agg.CameraStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	queueStats, err := agg.QueueStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	automationStats, err := agg.AutomationStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cameras":    cameraStats,
		"queues":     queueStats,
		"automation": automationStats,
	})
}

func Health(c *gin.Context, db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil || sqlDB.Ping() != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
