package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PepeluiMoreno/bdns-etl/internal/broadcast"
	"github.com/PepeluiMoreno/bdns-etl/internal/execution"
	"github.com/PepeluiMoreno/bdns-etl/internal/orchestrator"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsCommand is the only client-to-server message: a resync request.
type wsCommand struct {
	Action string `json:"action"`
}

// snapshotMessage carries a full state resync: the active executions
// plus aggregate statistics.
type snapshotMessage struct {
	Kind       string                 `json:"type"`
	Executions []*execution.Execution `json:"executions"`
	Statistics *execution.Statistics  `json:"statistics"`
}

// WSHandler streams execution events to WebSocket subscribers. Events
// are best-effort; clients can always request a snapshot to resync.
type WSHandler struct {
	service     *orchestrator.Service
	broadcaster *broadcast.Broadcaster
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewWSHandler creates the WebSocket handler.
func NewWSHandler(service *orchestrator.Service, broadcaster *broadcast.Broadcaster, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		service:     service,
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The API is same-origin or reverse-proxied; origin policy
			// is enforced upstream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeHTTP upgrades the connection, sends an initial snapshot and then
// relays broadcast events until the client disconnects.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := h.broadcaster.Subscribe()
	defer unsubscribe()

	resync := make(chan struct{}, 1)
	go h.readLoop(conn, resync)

	if err := h.writeSnapshot(r, conn); err != nil {
		return
	}

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := h.writeJSON(conn, event); err != nil {
				return
			}
		case <-resync:
			if err := h.writeSnapshot(r, conn); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// readLoop consumes client messages; anything but a resync command is
// ignored. When reading fails the connection is being torn down and the
// write side notices on its next write.
func (h *WSHandler) readLoop(conn *websocket.Conn, resync chan<- struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		if cmd.Action == "resync" {
			select {
			case resync <- struct{}{}:
			default:
			}
		}
	}
}

func (h *WSHandler) writeSnapshot(r *http.Request, conn *websocket.Conn) error {
	ctx := r.Context()

	running, err := h.service.ListExecutions(ctx, execution.ListFilter{Status: execution.StatusRunning})
	if err != nil {
		h.logger.Warn("snapshot listing failed", "error", err)
		return err
	}
	stats, err := h.service.GetStatistics(ctx)
	if err != nil {
		h.logger.Warn("snapshot statistics failed", "error", err)
		return err
	}

	return h.writeJSON(conn, snapshotMessage{
		Kind:       execution.EventStatsUpdate,
		Executions: running,
		Statistics: stats,
	})
}

func (h *WSHandler) writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}
