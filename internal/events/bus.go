// Package events persists broadcast messages and fans them out to SSE
// subscribers. Event delivery is fire-and-forget: publishing never returns
// an error to the pipeline.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"lapser/internal/models"
)

// Event priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Well-known event types.
const (
	TypeImageCaptured  = "image_captured"
	TypeCaptureFailed  = "capture_failed"
	TypeThumbnailReady = "thumbnail_ready"
	TypeVideoReady     = "video_ready"
	TypeVideoFailed    = "video_failed"
)

// Message is what subscribers receive.
type Message struct {
	EventType string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data"`
	Priority  string                 `json:"priority"`
	Source    string                 `json:"source"`
	EmittedAt time.Time              `json:"emitted_at"`
}

// Bus is the collaborator interface the pipeline publishes through.
type Bus interface {
	CreateEvent(eventType string, data map[string]interface{}, priority, source string)
}

// Hub persists events and distributes them to live subscribers. Slow
// subscribers drop messages rather than block publishers.
type Hub struct {
	db   *gorm.DB
	mu   sync.RWMutex
	subs map[chan Message]struct{}
}

func NewHub(db *gorm.DB) *Hub {
	return &Hub{db: db, subs: make(map[chan Message]struct{})}
}

// CreateEvent stores and broadcasts one event. Failures are logged and
// swallowed; a broken event path must never fail a capture.
func (h *Hub) CreateEvent(eventType string, data map[string]interface{}, priority, source string) {
	if priority == "" {
		priority = PriorityNormal
	}
	msg := Message{
		EventType: eventType,
		Data:      data,
		Priority:  priority,
		Source:    source,
		EmittedAt: time.Now(),
	}

	payload, err := json.Marshal(data)
	if err != nil {
		slog.Error("Failed to encode event payload", "event_type", eventType, "error", err)
		payload = []byte("{}")
	}
	if err := h.db.Create(&models.Event{
		EventType: eventType,
		Data:      string(payload),
		Priority:  priority,
		Source:    source,
	}).Error; err != nil {
		slog.Error("Failed to persist event", "event_type", eventType, "error", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			// Subscriber is not draining; drop instead of blocking.
		}
	}
}

// Subscribe registers a live feed. Callers must call the returned cancel
// function when done.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}
