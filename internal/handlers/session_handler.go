package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/SAP-F-2025/exam-session-service/internal/middleware"
	"github.com/SAP-F-2025/exam-session-service/internal/models"
	"github.com/SAP-F-2025/exam-session-service/internal/repositories"
	"github.com/SAP-F-2025/exam-session-service/internal/services"
	"github.com/SAP-F-2025/exam-session-service/internal/utils"
)

type SessionHandler struct {
	BaseHandler
	sessionService services.SessionService
	validator      *utils.Validator
}

func NewSessionHandler(
	sessionService services.SessionService,
	validator *utils.Validator,
	logger utils.Logger,
) *SessionHandler {
	return &SessionHandler{
		BaseHandler:    NewBaseHandler(logger),
		sessionService: sessionService,
		validator:      validator,
	}
}

// requireIdentity resolves the authenticated identity or responds 401.
func requireIdentity(c *gin.Context) *models.Identity {
	identity := middleware.GetIdentity(c)
	if identity == nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Message: "User not authenticated",
		})
	}
	return identity
}

// StartSession creates a new exam session for the authenticated student
// @Summary Start session
// @Description Starts a new exam attempt, or returns the caller's active session for the same test
// @Tags sessions
// @Accept json
// @Produce json
// @Param session body services.StartSessionRequest true "Session data"
// @Success 201 {object} services.SessionResponse
// @Success 200 {object} services.SessionResponse "Existing active session returned"
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /sessions/start [post]
func (h *SessionHandler) StartSession(c *gin.Context) {
	identity := requireIdentity(c)
	if identity == nil {
		return
	}

	var req services.StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	h.LogRequest(c, "Starting session", "test_id", req.TestID, "force_new", req.ForceNew)

	session, err := h.sessionService.Start(c.Request.Context(), &req, identity)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	status := http.StatusCreated
	if session.Rejoined {
		status = http.StatusOK
	}
	c.JSON(status, session)
}

// RejoinSession reattaches the student to an existing session
// @Summary Rejoin session
// @Description Resumes a paused or in-progress session, rebuilding the snapshot if it is corrupted
// @Tags sessions
// @Produce json
// @Param id path uint true "Session ID"
// @Success 200 {object} services.SessionResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /sessions/{id}/rejoin [post]
func (h *SessionHandler) RejoinSession(c *gin.Context) {
	identity := requireIdentity(c)
	if identity == nil {
		return
	}
	sessionID := h.parseIDParam(c, "id")
	if sessionID == 0 {
		return
	}

	h.LogRequest(c, "Rejoining session", "session_id", sessionID)

	session, err := h.sessionService.Rejoin(c.Request.Context(), sessionID, identity)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// AbandonSession gives up the session, consuming the attempt
// @Summary Abandon session
// @Description Marks the session abandoned and grades answered questions as-is
// @Tags sessions
// @Produce json
// @Param id path uint true "Session ID"
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /sessions/{id}/abandon [post]
func (h *SessionHandler) AbandonSession(c *gin.Context) {
	identity := requireIdentity(c)
	if identity == nil {
		return
	}
	sessionID := h.parseIDParam(c, "id")
	if sessionID == 0 {
		return
	}

	h.LogRequest(c, "Abandoning session", "session_id", sessionID)

	if err := h.sessionService.Abandon(c.Request.Context(), sessionID, identity); err != nil {
		h.handleServiceError(c, err)
		return
	}

	h.RespondWithSuccess(c, http.StatusOK, "Session abandoned", nil)
}

// GetSession returns the student-facing session state
// @Summary Get session
// @Description Returns the sanitized session state for its owner
// @Tags sessions
// @Produce json
// @Param id path uint true "Session ID"
// @Success 200 {object} services.SessionResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /sessions/{id} [get]
func (h *SessionHandler) GetSession(c *gin.Context) {
	identity := requireIdentity(c)
	if identity == nil {
		return
	}
	sessionID := h.parseIDParam(c, "id")
	if sessionID == 0 {
		return
	}

	session, err := h.sessionService.GetByID(c.Request.Context(), sessionID, identity)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// GetSessionAdmin returns the unsanitized session for staff
// @Summary Get session (admin)
// @Description Returns the full session including the snapshot and grading result
// @Tags sessions
// @Produce json
// @Param id path uint true "Session ID"
// @Success 200 {object} services.AdminSessionResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /sessions/{id}/admin [get]
func (h *SessionHandler) GetSessionAdmin(c *gin.Context) {
	identity := requireIdentity(c)
	if identity == nil {
		return
	}
	sessionID := h.parseIDParam(c, "id")
	if sessionID == 0 {
		return
	}

	session, err := h.sessionService.GetForAdmin(c.Request.Context(), sessionID, identity)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// ListSessions lists sessions visible to the caller
// @Summary List sessions
// @Description Lists sessions; students see their own, staff see their organization's
// @Tags sessions
// @Produce json
// @Param test_id query uint false "Filter by test"
// @Param status query string false "Filter by status"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {object} SuccessResponse
// @Router /sessions [get]
func (h *SessionHandler) ListSessions(c *gin.Context) {
	identity := requireIdentity(c)
	if identity == nil {
		return
	}

	filters := parseSessionFilters(c)
	sessions, total, err := h.sessionService.List(c.Request.Context(), filters, identity)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    total,
		"limit":    filters.Limit,
		"offset":   filters.Offset,
	})
}

// TimeSync returns the authoritative remaining time
// @Summary Time sync
// @Description Returns the server-computed remaining time and server clock
// @Tags sessions
// @Produce json
// @Param id path uint true "Session ID"
// @Success 200 {object} services.TimeSyncResponse
// @Failure 404 {object} ErrorResponse
// @Router /sessions/{id}/time-sync [get]
func (h *SessionHandler) TimeSync(c *gin.Context) {
	identity := requireIdentity(c)
	if identity == nil {
		return
	}
	sessionID := h.parseIDParam(c, "id")
	if sessionID == 0 {
		return
	}

	sync, err := h.sessionService.TimeSync(c.Request.Context(), sessionID, identity)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, sync)
}

// Heartbeat confirms the client is alive, resuming a paused session
// @Summary Heartbeat
// @Description Marks the session connected and resumes its timer if it was paused
// @Tags sessions
// @Produce json
// @Param id path uint true "Session ID"
// @Success 200 {object} services.TimeSyncResponse
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /sessions/{id}/heartbeat [post]
func (h *SessionHandler) Heartbeat(c *gin.Context) {
	identity := requireIdentity(c)
	if identity == nil {
		return
	}
	sessionID := h.parseIDParam(c, "id")
	if sessionID == 0 {
		return
	}

	sync, err := h.sessionService.Heartbeat(c.Request.Context(), sessionID, identity)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, sync)
}

// Disconnect reports that the client is going away
// @Summary Disconnect
// @Description Pauses the session and starts the reconnect grace window
// @Tags sessions
// @Produce json
// @Param id path uint true "Session ID"
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Router /sessions/{id}/disconnect [post]
func (h *SessionHandler) Disconnect(c *gin.Context) {
	identity := requireIdentity(c)
	if identity == nil {
		return
	}
	sessionID := h.parseIDParam(c, "id")
	if sessionID == 0 {
		return
	}

	h.LogRequest(c, "Client disconnect", "session_id", sessionID)

	if err := h.sessionService.MarkDisconnected(c.Request.Context(), sessionID, identity); err != nil {
		h.handleServiceError(c, err)
		return
	}

	h.RespondWithSuccess(c, http.StatusOK, "Disconnect recorded", nil)
}

func parseSessionFilters(c *gin.Context) repositories.SessionFilters {
	filters := repositories.SessionFilters{
		Limit:     20,
		SortBy:    "created_at",
		SortOrder: "desc",
	}

	if testID, err := strconv.ParseUint(c.Query("test_id"), 10, 32); err == nil && testID > 0 {
		id := uint(testID)
		filters.TestID = &id
	}
	if status := c.Query("status"); status != "" {
		s := models.SessionStatus(status)
		filters.Status = &s
	}
	if userID := c.Query("user_id"); userID != "" {
		filters.UserID = &userID
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil && limit > 0 && limit <= 100 {
		filters.Limit = limit
	}
	if offset, err := strconv.Atoi(c.Query("offset")); err == nil && offset >= 0 {
		filters.Offset = offset
	}
	if sortBy := c.Query("sort_by"); sortBy == "created_at" || sortBy == "attempt_number" {
		filters.SortBy = sortBy
	}
	if order := c.Query("sort_order"); order == "asc" || order == "desc" {
		filters.SortOrder = order
	}
	return filters
}
