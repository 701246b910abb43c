package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/SAP-F-2025/exam-session-service/internal/services"
	"github.com/SAP-F-2025/exam-session-service/internal/utils"
)

type NavigationHandler struct {
	BaseHandler
	navigator services.NavigatorService
	validator *utils.Validator
}

func NewNavigationHandler(
	navigator services.NavigatorService,
	validator *utils.Validator,
	logger utils.Logger,
) *NavigationHandler {
	return &NavigationHandler{
		BaseHandler: NewBaseHandler(logger),
		navigator:   navigator,
		validator:   validator,
	}
}

// GetCurrentQuestion returns the question at the session cursor
// @Summary Get current question
// @Description Returns the sanitized question the cursor points at, marking it viewed
// @Tags navigation
// @Produce json
// @Param id path uint true "Session ID"
// @Success 200 {object} services.QuestionView
// @Failure 404 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /sessions/{id}/question [get]
func (h *NavigationHandler) GetCurrentQuestion(c *gin.Context) {
	identity := requireIdentity(c)
	if identity == nil {
		return
	}
	sessionID := h.parseIDParam(c, "id")
	if sessionID == 0 {
		return
	}

	question, err := h.navigator.GetCurrentQuestion(c.Request.Context(), sessionID, identity)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, question)
}

// SubmitAnswer records an answer for the current question
// @Summary Submit answer
// @Description Saves the answer and advances the cursor; a stale question index returns a resync ack instead of an error
// @Tags navigation
// @Accept json
// @Produce json
// @Param id path uint true "Session ID"
// @Param answer body services.SubmitAnswerRequest true "Answer data"
// @Success 200 {object} services.AnswerAck
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /sessions/{id}/answer [post]
func (h *NavigationHandler) SubmitAnswer(c *gin.Context) {
	identity := requireIdentity(c)
	if identity == nil {
		return
	}
	sessionID := h.parseIDParam(c, "id")
	if sessionID == 0 {
		return
	}

	var req services.SubmitAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	if err := h.validator.Validate(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Validation failed",
			Details: err.Error(),
		})
		return
	}

	ack, err := h.navigator.SubmitAnswer(c.Request.Context(), sessionID, &req, identity)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, ack)
}

// SkipQuestion marks the current question skipped
// @Summary Skip question
// @Description Clears any saved answer, marks the question skipped and advances
// @Tags navigation
// @Accept json
// @Produce json
// @Param id path uint true "Session ID"
// @Param skip body services.SkipQuestionRequest true "Skip data"
// @Success 200 {object} services.AnswerAck
// @Failure 422 {object} ErrorResponse
// @Router /sessions/{id}/skip [post]
func (h *NavigationHandler) SkipQuestion(c *gin.Context) {
	identity := requireIdentity(c)
	if identity == nil {
		return
	}
	sessionID := h.parseIDParam(c, "id")
	if sessionID == 0 {
		return
	}

	var req services.SkipQuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	ack, err := h.navigator.SkipQuestion(c.Request.Context(), sessionID, &req, identity)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, ack)
}

// Navigate moves the cursor to another question in the active scope
// @Summary Navigate
// @Description Moves the cursor within the active section or flat question list
// @Tags navigation
// @Accept json
// @Produce json
// @Param id path uint true "Session ID"
// @Param target body services.NavigateRequest true "Navigation target"
// @Success 200 {object} services.QuestionView
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /sessions/{id}/navigate [post]
func (h *NavigationHandler) Navigate(c *gin.Context) {
	identity := requireIdentity(c)
	if identity == nil {
		return
	}
	sessionID := h.parseIDParam(c, "id")
	if sessionID == 0 {
		return
	}

	var req services.NavigateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Message: "Invalid request payload",
			Details: err.Error(),
		})
		return
	}

	question, err := h.navigator.Navigate(c.Request.Context(), sessionID, &req, identity)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, question)
}

// SubmitSection closes the current section permanently
// @Summary Submit section
// @Description Locks the current section and advances to the next one
// @Tags navigation
// @Produce json
// @Param id path uint true "Session ID"
// @Success 200 {object} services.SectionAdvance
// @Failure 409 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /sessions/{id}/section/submit [post]
func (h *NavigationHandler) SubmitSection(c *gin.Context) {
	identity := requireIdentity(c)
	if identity == nil {
		return
	}
	sessionID := h.parseIDParam(c, "id")
	if sessionID == 0 {
		return
	}

	h.LogRequest(c, "Submitting section", "session_id", sessionID)

	advance, err := h.navigator.SubmitSection(c.Request.Context(), sessionID, identity)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, advance)
}

// StartSectionReview enters review mode for the current section
// @Summary Start section review
// @Description Enters review mode; answers can still change until the section is submitted
// @Tags navigation
// @Produce json
// @Param id path uint true "Session ID"
// @Success 200 {object} services.SectionAdvance
// @Failure 422 {object} ErrorResponse
// @Router /sessions/{id}/section/review [post]
func (h *NavigationHandler) StartSectionReview(c *gin.Context) {
	identity := requireIdentity(c)
	if identity == nil {
		return
	}
	sessionID := h.parseIDParam(c, "id")
	if sessionID == 0 {
		return
	}

	advance, err := h.navigator.StartSectionReview(c.Request.Context(), sessionID, identity)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, advance)
}
