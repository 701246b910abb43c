package realtime

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// Message is the envelope pushed to clients.
type Message struct {
	Event     string      `json:"event"`
	SessionID uint        `json:"session_id"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub tracks websocket connections keyed by session id and fans session
// events out to them. Everything here is best-effort: a session with no
// connection simply polls over HTTP instead.
type Hub struct {
	mu       sync.RWMutex
	sessions map[uint]map[*websocket.Conn]struct{}
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		sessions: make(map[uint]map[*websocket.Conn]struct{}),
		logger:   logger,
	}
}

// NewUpgrader builds the websocket upgrader with origin validation. An empty
// origin list permits everything, which is the development mode.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// Register attaches a connection to a session.
func (h *Hub) Register(sessionID uint, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[*websocket.Conn]struct{})
	}
	h.sessions[sessionID][conn] = struct{}{}
	h.logger.Debug("Websocket registered", "session_id", sessionID, "connections", len(h.sessions[sessionID]))
}

// Unregister detaches a connection. Returns the number of connections the
// session still has, so the caller can decide whether the student is gone.
func (h *Hub) Unregister(sessionID uint, conn *websocket.Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.sessions[sessionID]
	if !ok {
		return 0
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.sessions, sessionID)
		return 0
	}
	return len(conns)
}

// NotifySession pushes an event to every connection of the session. Dead
// connections are dropped on write failure.
func (h *Hub) NotifySession(sessionID uint, event string, payload interface{}) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.sessions[sessionID]))
	for conn := range h.sessions[sessionID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return
	}

	msg := Message{
		Event:     event,
		SessionID: sessionID,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			h.logger.Debug("Websocket write failed, dropping connection",
				"session_id", sessionID, "error", err)
			conn.Close()
			h.Unregister(sessionID, conn)
		}
	}
}

// Close drops every connection for a session, used on terminal status.
func (h *Hub) Close(sessionID uint) {
	h.mu.Lock()
	conns := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()

	for conn := range conns {
		conn.Close()
	}
}
