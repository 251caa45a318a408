package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/librisync/librisync/internal/app"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// ProgressWebSocketHandler streams progress events to WebSocket clients
type ProgressWebSocketHandler struct {
	manager *app.DownloadManager
	logger  *zap.Logger
}

// NewProgressWebSocketHandler creates a new WebSocket handler
func NewProgressWebSocketHandler(manager *app.DownloadManager, logger *zap.Logger) *ProgressWebSocketHandler {
	return &ProgressWebSocketHandler{manager: manager, logger: logger}
}

// HandleWebSocket handles GET /api/v1/tasks/progress/ws. An optional task_id
// query filters to one task; otherwise the client sees every task's events.
// Events the client cannot keep up with are dropped, never buffered
// unboundedly.
func (h *ProgressWebSocketHandler) HandleWebSocket(c *gin.Context) {
	taskID := c.Query("task_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket", zap.Error(err))
		return
	}
	defer conn.Close()

	subID, events := h.manager.Subscribe(taskID)
	defer h.manager.Unsubscribe(taskID, subID)

	h.logger.Info("WebSocket client connected",
		zap.String("task_id", taskID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	// Read messages from client (for close detection and ping/pong)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("Failed to marshal progress event", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
