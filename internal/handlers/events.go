package handlers

import (
	"encoding/json"
	"io"

	"github.com/gin-gonic/gin"

	"lapser/internal/events"
)

// EventStream pushes pipeline events to the browser over SSE. The
// subscription is dropped as soon as the client goes away.
func EventStream(c *gin.Context, hub *events.Hub) {
	ch, cancel := hub.Subscribe()
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case msg, ok := <-ch:
			if !ok {
				return false
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				return true
			}
			c.SSEvent(msg.EventType, string(payload))
			return true
		}
	})
}
