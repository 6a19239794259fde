package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type heartbeatPayload struct {
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

// handleEvents streams connectivity and sync events as server-sent events.
// The current connectivity state is sent first.
func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx)
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(EventConnectivity, connectivityPayload{Online: h.connectivity.Online()})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event := <-stream:
			c.SSEvent(event.Type, event.Data)
			return true
		case tick := <-ticker.C:
			c.SSEvent(eventHeartbeat, heartbeatPayload{Source: eventSource, Timestamp: tick.UTC().Format(time.RFC3339)})
			return true
		}
	})
}
