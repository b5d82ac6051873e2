package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	v1 "github.com/agentq/agentq/pkg/api/v1"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

// StreamQueueWS handles GET /api/queue/ws/:id. It upgrades the connection and
// relays the queue's event feed as JSON messages. Clients only send control
// frames; any data frame is read and discarded.
func (h *Handler) StreamQueueWS(c *gin.Context) {
	queueID := c.Param("id")

	if _, err := h.store.LoadQueue(c.Request.Context(), queueID); err != nil {
		h.respondStoreError(c, err, queueID)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("queue_id", queueID), zap.Error(err))
		return
	}

	events := make(chan *v1.QueueEvent, streamBuffer)
	// The subscription must outlive the HTTP request context: gorilla owns
	// the connection after the upgrade.
	unsubscribe, err := h.store.SubscribeToQueue(context.Background(), queueID, func(ev *v1.QueueEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	if err != nil {
		h.logger.Warn("websocket subscription failed",
			zap.String("queue_id", queueID), zap.Error(err))
		conn.Close()
		return
	}

	h.logger.Debug("websocket stream opened", zap.String("queue_id", queueID))

	done := make(chan struct{})
	go h.wsReadPump(conn, queueID, done)
	h.wsWritePump(conn, events, done)

	unsubscribe()
	conn.Close()
	h.logger.Debug("websocket stream closed", zap.String("queue_id", queueID))
}

// wsReadPump consumes the connection until the client goes away, keeping the
// read deadline fresh off pong frames. Closing done ends the write pump.
func (h *Handler) wsReadPump(conn *websocket.Conn, queueID string, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error",
					zap.String("queue_id", queueID), zap.Error(err))
			}
			return
		}
	}
}

// wsWritePump relays events and pings until the read pump reports the client
// gone or a write fails.
func (h *Handler) wsWritePump(conn *websocket.Conn, events <-chan *v1.QueueEvent, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
