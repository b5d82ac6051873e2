package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/agentq/agentq/internal/common/errors"
	v1 "github.com/agentq/agentq/pkg/api/v1"
)

const (
	// sseKeepalive is how often a comment line is written to hold idle
	// connections open through proxies.
	sseKeepalive = 15 * time.Second

	// streamBuffer is the per-client event buffer. A client that falls this
	// far behind starts losing events rather than blocking the publisher.
	streamBuffer = 64
)

// StreamQueue handles GET /api/queue/stream/:id. It subscribes to the queue's
// event feed and relays every event as an SSE message until the client
// disconnects. The stream outlives individual runs, so a client can watch a
// queue across restarts.
func (h *Handler) StreamQueue(c *gin.Context) {
	queueID := c.Param("id")
	ctx := c.Request.Context()

	if _, err := h.store.LoadQueue(ctx, queueID); err != nil {
		h.respondStoreError(c, err, queueID)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		appErr := apperrors.InternalError("streaming unsupported", nil)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	events := make(chan *v1.QueueEvent, streamBuffer)
	unsubscribe, err := h.store.SubscribeToQueue(ctx, queueID, func(ev *v1.QueueEvent) {
		select {
		case events <- ev:
		default:
			// Slow client; drop rather than stall event delivery.
		}
	})
	if err != nil {
		appErr := apperrors.InternalError("failed to subscribe to queue events", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	defer unsubscribe()

	// The server's write timeout would sever the stream mid-run; this
	// connection is deliberately long-lived.
	rc := http.NewResponseController(c.Writer)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline for sse stream", zap.Error(err))
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	h.logger.Debug("sse stream opened", zap.String("queue_id", queueID))

	if _, err := fmt.Fprintf(c.Writer, "event: connected\ndata: {\"queueId\":%q}\n\n", queueID); err != nil {
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("sse stream closed", zap.String("queue_id", queueID))
			return

		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warn("failed to serialize queue event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()

		case <-keepalive.C:
			if _, err := fmt.Fprint(c.Writer, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
