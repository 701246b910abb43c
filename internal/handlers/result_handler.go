package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/SAP-F-2025/exam-session-service/internal/services"
	"github.com/SAP-F-2025/exam-session-service/internal/utils"
)

type ResultHandler struct {
	BaseHandler
	gradingService services.GradingService
	exportService  services.ExportService
	validator      *utils.Validator
}

func NewResultHandler(
	gradingService services.GradingService,
	exportService services.ExportService,
	validator *utils.Validator,
	logger utils.Logger,
) *ResultHandler {
	return &ResultHandler{
		BaseHandler:    NewBaseHandler(logger),
		gradingService: gradingService,
		exportService:  exportService,
		validator:      validator,
	}
}

// SubmitSession grades the session and returns the result
// @Summary Submit session
// @Description Grades all answers, computes the final score and closes the session
// @Tags results
// @Accept json
// @Produce json
// @Param id path uint true "Session ID"
// @Param submit body services.SubmitSessionRequest false "Submission options"
// @Success 200 {object} services.ResultResponse
// @Failure 409 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /sessions/{id}/submit [post]
func (h *ResultHandler) SubmitSession(c *gin.Context) {
	identity := requireIdentity(c)
	if identity == nil {
		return
	}
	sessionID := h.parseIDParam(c, "id")
	if sessionID == 0 {
		return
	}

	// Body is optional; an empty submit is a plain non-forced submission.
	req := services.SubmitSessionRequest{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Message: "Invalid request payload",
				Details: err.Error(),
			})
			return
		}
	}

	h.LogRequest(c, "Submitting session", "session_id", sessionID, "force", req.Force)

	result, err := h.gradingService.Submit(c.Request.Context(), sessionID, &req, identity)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetResult returns the grading result of a finished session
// @Summary Get result
// @Description Returns the persisted result for the session owner or staff
// @Tags results
// @Produce json
// @Param id path uint true "Session ID"
// @Success 200 {object} services.ResultResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /sessions/{id}/result [get]
func (h *ResultHandler) GetResult(c *gin.Context) {
	identity := requireIdentity(c)
	if identity == nil {
		return
	}
	sessionID := h.parseIDParam(c, "id")
	if sessionID == 0 {
		return
	}

	result, err := h.gradingService.GetResult(c.Request.Context(), sessionID, identity)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetTestStats returns aggregate attempt statistics for a test
// @Summary Get test stats
// @Description Returns attempt count, pass rate and average score for a test
// @Tags results
// @Produce json
// @Param test_id path uint true "Test ID"
// @Success 200 {object} services.TestStatsResponse
// @Failure 403 {object} ErrorResponse
// @Router /sessions/test/{test_id}/stats [get]
func (h *ResultHandler) GetTestStats(c *gin.Context) {
	identity := requireIdentity(c)
	if identity == nil {
		return
	}
	testID := h.parseIDParam(c, "test_id")
	if testID == 0 {
		return
	}

	stats, err := h.exportService.GetTestStats(c.Request.Context(), testID, identity)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// ExportTestResults streams an Excel workbook of a test's results
// @Summary Export test results
// @Description Builds an xlsx workbook with per-attempt and per-question sheets
// @Tags results
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param test_id path uint true "Test ID"
// @Success 200 {file} binary
// @Failure 403 {object} ErrorResponse
// @Router /sessions/test/{test_id}/export [get]
func (h *ResultHandler) ExportTestResults(c *gin.Context) {
	identity := requireIdentity(c)
	if identity == nil {
		return
	}
	testID := h.parseIDParam(c, "test_id")
	if testID == 0 {
		return
	}

	h.LogRequest(c, "Exporting test results", "test_id", testID)

	export, err := h.exportService.ExportTestResults(c.Request.Context(), testID, identity)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName))
	c.Data(http.StatusOK, export.ContentType, export.Data)
}
