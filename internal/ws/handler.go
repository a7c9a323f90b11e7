// Package ws streams background process output to WebSocket clients.
// Clients subscribe by process ID; the server polls the process
// registry for new chunks and pushes deltas until the process reaches
// a terminal state.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/terminus-os/backend/internal/exec"
	"github.com/terminus-os/backend/internal/logging"
	"github.com/terminus-os/backend/internal/monitoring"
	"github.com/terminus-os/backend/internal/shared/id"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const pollInterval = 250 * time.Millisecond

// Message is the client-to-server frame.
type Message struct {
	Type      string `json:"type"`
	ProcessID string `json:"process_id,omitempty"`
}

// Handler manages WebSocket connections.
type Handler struct {
	procs   *exec.Registry
	metrics *monitoring.Metrics
	log     *logging.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(procs *exec.Registry, metrics *monitoring.Metrics, log *logging.Logger) *Handler {
	return &Handler{procs: procs, metrics: metrics, log: log}
}

// conn serializes writes; gorilla/websocket allows one concurrent
// writer and each subscription streams from its own goroutine.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(v interface{}) error {
	payload, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// HandleConnection handles WebSocket upgrade and messages.
func (h *Handler) HandleConnection(c *gin.Context) {
	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer wsConn.Close()

	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
		defer h.metrics.WSConnections.Dec()
	}

	connID := uuid.New().String()
	h.log.Debug("websocket client connected", zap.String("conn_id", connID))

	cn := &conn{ws: wsConn}
	cn.send(map[string]interface{}{
		"type":    "system",
		"message": "connected",
		"conn_id": connID,
	})

	// Per-connection subscription cancellation.
	var mu sync.Mutex
	cancels := make(map[string]chan struct{})
	defer func() {
		mu.Lock()
		for _, stop := range cancels {
			close(stop)
		}
		mu.Unlock()
	}()

	for {
		var msg Message
		if err := wsConn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "subscribe":
			if msg.ProcessID == "" {
				cn.send(map[string]interface{}{"type": "error", "message": "process_id required"})
				continue
			}
			mu.Lock()
			if _, exists := cancels[msg.ProcessID]; exists {
				mu.Unlock()
				continue
			}
			stop := make(chan struct{})
			cancels[msg.ProcessID] = stop
			mu.Unlock()
			go h.stream(cn, id.ProcessID(msg.ProcessID), stop)
		case "unsubscribe":
			mu.Lock()
			if stop, exists := cancels[msg.ProcessID]; exists {
				close(stop)
				delete(cancels, msg.ProcessID)
			}
			mu.Unlock()
		case "ping":
			cn.send(map[string]interface{}{"type": "pong"})
		default:
			cn.send(map[string]interface{}{"type": "error", "message": "unknown message type"})
		}
	}
}

// stream polls the registry for new output chunks and pushes them
// until the process reaches a terminal state or the subscription is
// canceled.
func (h *Handler) stream(cn *conn, pid id.ProcessID, stop <-chan struct{}) {
	offset := 0
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		out, err := h.procs.Output(pid, offset)
		if err != nil {
			cn.send(map[string]interface{}{
				"type":       "error",
				"process_id": pid.String(),
				"message":    err.Error(),
			})
			return
		}

		if len(out.Chunks) > 0 {
			offset = out.NextOffset
			if err := cn.send(map[string]interface{}{
				"type":        "output",
				"process_id":  pid.String(),
				"chunks":      out.Chunks,
				"next_offset": out.NextOffset,
				"truncated":   out.Truncated,
			}); err != nil {
				return
			}
		}

		if out.State.Terminal() {
			payload := map[string]interface{}{
				"type":       "exit",
				"process_id": pid.String(),
				"state":      string(out.State),
			}
			if out.ExitCode != nil {
				payload["exit_code"] = *out.ExitCode
			}
			cn.send(payload)
			return
		}

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}
