package server

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	statusEventName    = "status"
	heartbeatEventName = "heartbeat"
	heartbeatInterval  = 25 * time.Second
)

// handleStatusStream pushes sync status snapshots as server-sent events until the client leaves.
func (h *httpHandler) handleStatusStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.engine.Subscribe(ctx)
	defer cleanup()

	current, err := h.engine.Status(ctx)
	if err != nil {
		h.logger.Warn("status stream snapshot failed", zap.Error(err))
		h.respondError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(statusEventName, current)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case status, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(statusEventName, status)
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(heartbeatEventName, gin.H{"timestamp": tick.UTC().Format(time.RFC3339)})
			return true
		}
	})
	h.logger.Debug("status stream ended", zap.Error(ctx.Err()))
}
