package fanout

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeDeadline = 10 * time.Second

// wsConn adapts a gorilla connection to ClientConn. Gorilla permits one
// concurrent writer, so all sends share a mutex.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) SendJSON(payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.conn.WriteJSON(payload)
}

func (c *wsConn) SendPing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	return c.conn.Close()
}

// Handler upgrades /ws requests, registers the client with the manager, and
// services inbound subscribe/unsubscribe control frames.
type Handler struct {
	manager   *Manager
	authToken string
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// NewHandler builds the websocket endpoint handler. authToken empty
// disables the token check (local development only).
func NewHandler(manager *Manager, authToken string) *Handler {
	return &Handler{
		manager:   manager,
		authToken: authToken,
		logger:    slog.Default().With("component", "fanout.ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local sidecar; the UI connects from a file:// or localhost origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

type controlFrame struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.authToken != "" && r.Header.Get("x-pt-auth-token") != h.authToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	clientID := uuid.NewString()
	conn := &wsConn{conn: raw}

	subscriptions := r.URL.Query()["topic"]
	if err := h.manager.Connect(clientID, conn, subscriptions); err != nil {
		h.logger.Warn("websocket connect rejected", "client_id", clientID, "error", err)
		_ = conn.Close(websocket.ClosePolicyViolation, err.Error())
		return
	}

	raw.SetPongHandler(func(string) error {
		h.manager.MarkClientAlive(clientID, time.Time{})
		return nil
	})

	go h.readLoop(clientID, raw)
}

func (h *Handler) readLoop(clientID string, raw *websocket.Conn) {
	defer h.manager.Disconnect(clientID, websocket.CloseNormalClosure, "client_disconnect")
	for {
		var frame controlFrame
		if err := raw.ReadJSON(&frame); err != nil {
			return
		}
		h.manager.MarkClientAlive(clientID, time.Time{})
		switch frame.Action {
		case "subscribe":
			if _, err := h.manager.Subscribe(clientID, frame.Topics); err != nil {
				h.logger.Warn("subscribe rejected", "client_id", clientID, "error", err)
			}
		case "unsubscribe":
			if _, err := h.manager.Unsubscribe(clientID, frame.Topics); err != nil {
				h.logger.Warn("unsubscribe rejected", "client_id", clientID, "error", err)
			}
		}
	}
}

// RunMaintenance drives flush, heartbeat, and stale eviction until ctx is
// cancelled. The composition root starts it as the fan-out pump.
func (h *Handler) RunMaintenance(stop <-chan struct{}, flushEvery time.Duration) {
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.manager.FlushAll(0)
			h.manager.Heartbeat(time.Time{})
			h.manager.DisconnectStaleClients(time.Time{})
		}
	}
}
