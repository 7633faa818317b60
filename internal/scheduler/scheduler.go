// Package scheduler drives periodic frame captures. One loop polls for due
// cameras; captures for a given camera are strictly sequential, while
// different cameras capture concurrently.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"lapser/internal/automation"
	"lapser/internal/jobs"
	"lapser/internal/models"
	"lapser/internal/workflow"
)

type CaptureScheduler struct {
	db           *gorm.DB
	orchestrator *workflow.Orchestrator
	engine       *automation.Engine
	coordinator  *jobs.Coordinator
	pollInterval time.Duration

	mu          sync.Mutex
	lastCapture map[uint]time.Time
	inFlight    map[uint]bool

	shutdown chan struct{}
	done     chan struct{}
}

func NewCaptureScheduler(db *gorm.DB, orch *workflow.Orchestrator, engine *automation.Engine, coord *jobs.Coordinator, pollInterval time.Duration) *CaptureScheduler {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	return &CaptureScheduler{
		db:           db,
		orchestrator: orch,
		engine:       engine,
		coordinator:  coord,
		pollInterval: pollInterval,
		lastCapture:  make(map[uint]time.Time),
		inFlight:     make(map[uint]bool),
		shutdown:     make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (s *CaptureScheduler) Start() {
	go s.loop()
	slog.Info("Capture scheduler started", "poll_interval", s.pollInterval)
}

func (s *CaptureScheduler) Stop() {
	close(s.shutdown)
	<-s.done
}

func (s *CaptureScheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

type dueCamera struct {
	CameraID    uint
	TimelapseID uint
	Interval    int
}

func (s *CaptureScheduler) tick() {
	var due []dueCamera
	err := s.db.Model(&models.Timelapse{}).
		Select("timelapses.camera_id as camera_id, timelapses.id as timelapse_id, timelapses.capture_interval_seconds as interval").
		Joins("JOIN cameras ON cameras.active_timelapse_id = timelapses.id").
		Where("timelapses.status = ?", models.TimelapseStatusRunning).
		Scan(&due).Error
	if err != nil {
		slog.Error("Failed to list due cameras", "error", err)
		return
	}

	now := time.Now()
	for _, d := range due {
		s.mu.Lock()
		last := s.lastCapture[d.CameraID]
		busy := s.inFlight[d.CameraID]
		ready := !busy && now.Sub(last) >= time.Duration(d.Interval)*time.Second
		if ready {
			s.inFlight[d.CameraID] = true
		}
		s.mu.Unlock()
		if !ready {
			continue
		}
		go s.capture(d.CameraID, d.TimelapseID)
	}
}

func (s *CaptureScheduler) capture(cameraID, timelapseID uint) {
	defer func() {
		s.mu.Lock()
		s.lastCapture[cameraID] = time.Now()
		s.inFlight[cameraID] = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result := s.orchestrator.ExecuteCaptureWorkflow(ctx, cameraID, timelapseID, nil)
	if !result.Success {
		slog.Warn("Capture cycle failed", "camera_id", cameraID, "timelapse_id", timelapseID, "error", result.Error)
		return
	}

	// Post-capture automation rides the same sequential slot so a camera
	// never evaluates triggers for a capture that is still in flight.
	var camera models.Camera
	var tl models.Timelapse
	if err := s.db.First(&camera, cameraID).Error; err != nil {
		return
	}
	if err := s.db.First(&tl, timelapseID).Error; err != nil {
		return
	}
	if s.engine != nil && tl.AutomationMode == models.AutomationPerCapture {
		res := s.engine.TriggerPerCapture(&camera, &tl)
		if res.Error != "" {
			slog.Error("Per-capture automation failed", "timelapse_id", timelapseID, "error", res.Error)
		}
	}
	if s.coordinator != nil {
		res := s.coordinator.EvaluateVideoAutomationTriggers(timelapseID, tl.ImageCount)
		if res.Error != "" {
			slog.Error("Video trigger evaluation failed", "timelapse_id", timelapseID, "error", res.Error)
		}
	}
}
