package system

import (
	"time"

	"go-crm-pipeline/internal/features/automation"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"
)

const pingInterval = 30 * time.Second

type WebSocketController struct {
	Hub    *automation.ExecutionHub
	Logger *zap.Logger
}

func NewWebSocketController(hub *automation.ExecutionHub, logger *zap.Logger) *WebSocketController {
	return &WebSocketController{Hub: hub, Logger: logger}
}

// StreamExecutions pushes execution status changes to the client, optionally for one rule
// (?rule_id=). Client messages are ignored; the stream ends when the client disconnects.
func (h *WebSocketController) StreamExecutions(c *websocket.Conn) {
	updates, cancel := h.Hub.Subscribe(c.Query("rule_id"), 64)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := c.WriteJSON(u); err != nil {
				h.Logger.Debug("Execution stream write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
