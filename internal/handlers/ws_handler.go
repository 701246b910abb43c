package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/SAP-F-2025/exam-session-service/internal/models"
	"github.com/SAP-F-2025/exam-session-service/internal/realtime"
	"github.com/SAP-F-2025/exam-session-service/internal/services"
	"github.com/SAP-F-2025/exam-session-service/internal/utils"
)

const (
	wsReadLimit    = 4096
	wsPongWait     = 90 * time.Second
	wsDetachWindow = 10 * time.Second
)

// WSHandler maintains the realtime channel for a session. The server pushes
// time syncs and warnings through the hub; the client's reads double as
// heartbeats. When the last connection of a session drops, the student is
// marked disconnected and the grace window starts.
type WSHandler struct {
	BaseHandler
	sessionService services.SessionService
	hub            *realtime.Hub
	upgrader       websocket.Upgrader
}

func NewWSHandler(
	sessionService services.SessionService,
	hub *realtime.Hub,
	allowedOrigins []string,
	logger utils.Logger,
) *WSHandler {
	return &WSHandler{
		BaseHandler:    NewBaseHandler(logger),
		sessionService: sessionService,
		hub:            hub,
		upgrader:       realtime.NewUpgrader(allowedOrigins),
	}
}

// Connect upgrades the request and attaches the connection to the session.
// @Summary Session websocket
// @Description Realtime channel for time syncs, warnings and forced submissions
// @Tags realtime
// @Param id path uint true "Session ID"
// @Router /ws/sessions/{id} [get]
func (h *WSHandler) Connect(c *gin.Context) {
	identity := requireIdentity(c)
	if identity == nil {
		return
	}
	sessionID := h.parseIDParam(c, "id")
	if sessionID == 0 {
		return
	}

	// Ownership and liveness are checked before the upgrade so the client
	// gets a proper HTTP status instead of a dropped socket.
	session, err := h.sessionService.GetByID(c.Request.Context(), sessionID, identity)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}
	if session.Status != models.SessionInProgress && session.Status != models.SessionPaused {
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Message: "Session is not active",
		})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.LogError(c, err, "Websocket upgrade failed", "session_id", sessionID)
		return
	}

	h.hub.Register(sessionID, conn)
	h.LogRequest(c, "Websocket connected", "session_id", sessionID)

	// Connecting counts as a heartbeat; it resumes a paused session.
	ctx, cancel := context.WithTimeout(context.Background(), wsDetachWindow)
	if _, err := h.sessionService.Heartbeat(ctx, sessionID, identity); err != nil {
		h.logger.Warn("Heartbeat on connect failed", "session_id", sessionID, "error", err)
	}
	cancel()

	go h.readLoop(conn, sessionID, identity)
}

func (h *WSHandler) readLoop(conn *websocket.Conn, sessionID uint, identity *models.Identity) {
	defer h.detach(conn, sessionID, identity)

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))

		// Any client frame is treated as a heartbeat.
		ctx, cancel := context.WithTimeout(context.Background(), wsDetachWindow)
		if _, err := h.sessionService.Heartbeat(ctx, sessionID, identity); err != nil {
			h.logger.Debug("Websocket heartbeat failed", "session_id", sessionID, "error", err)
		}
		cancel()
	}
}

// detach runs when a read loop exits. Only the last connection of a session
// triggers the disconnect path.
func (h *WSHandler) detach(conn *websocket.Conn, sessionID uint, identity *models.Identity) {
	conn.Close()
	if remaining := h.hub.Unregister(sessionID, conn); remaining > 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsDetachWindow)
	defer cancel()
	if err := h.sessionService.MarkDisconnected(ctx, sessionID, identity); err != nil {
		h.logger.Debug("Disconnect mark failed", "session_id", sessionID, "error", err)
	}
}
