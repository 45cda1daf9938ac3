package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type heartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// handleStream relays notifier updates for one topic as server-sent events.
// An empty topic subscribes to every event.
func (h *httpHandler) handleStream(c *gin.Context) {
	topic := strings.TrimSpace(c.Query("topic"))
	if topic == "" {
		topic = realtime.GlobalTopic
	}
	ctx := c.Request.Context()
	subscription, err := h.notifier.Subscribe(ctx, topic)
	if err != nil {
		invalidRequest(c)
		return
	}
	defer subscription.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("stream opened", zap.String("topic", topic))
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-subscription.Events():
			if !ok {
				return false
			}
			c.SSEvent(string(event.Type), event)
			return true
		case now := <-ticker.C:
			c.SSEvent(string(realtime.EventHeartbeat), heartbeatPayload{Timestamp: now.UTC()})
			return true
		}
	})
	h.logger.Debug("stream closed",
		zap.String("topic", topic),
		zap.Uint64("dropped", subscription.Dropped()))
}
