package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/SAP-F-2025/exam-session-service/internal/realtime"
	"github.com/SAP-F-2025/exam-session-service/internal/services"
	"github.com/SAP-F-2025/exam-session-service/internal/utils"
)

type HandlerManager struct {
	sessionHandler    *SessionHandler
	navigationHandler *NavigationHandler
	resultHandler     *ResultHandler
	wsHandler         *WSHandler
}

func NewHandlerManager(
	serviceManager services.ServiceManager,
	hub *realtime.Hub,
	allowedOrigins []string,
	validator *utils.Validator,
	logger utils.Logger,
) *HandlerManager {
	return &HandlerManager{
		sessionHandler:    NewSessionHandler(serviceManager.Session(), validator, logger),
		navigationHandler: NewNavigationHandler(serviceManager.Navigator(), validator, logger),
		resultHandler:     NewResultHandler(serviceManager.Grading(), serviceManager.Export(), validator, logger),
		wsHandler:         NewWSHandler(serviceManager.Session(), hub, allowedOrigins, logger),
	}
}

// SetupRoutes sets up all API routes. authn runs on everything except the
// health check.
func (hm *HandlerManager) SetupRoutes(router *gin.Engine, authn gin.HandlerFunc) {
	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "exam-session-service",
		})
	})

	// API v1 routes
	v1 := router.Group("/api/v1")
	v1.Use(authn)
	{
		sessions := v1.Group("/sessions")
		{
			// Lifecycle
			sessions.POST("/start", hm.sessionHandler.StartSession)
			sessions.GET("", hm.sessionHandler.ListSessions)
			sessions.GET("/:id", hm.sessionHandler.GetSession)
			sessions.GET("/:id/admin", hm.sessionHandler.GetSessionAdmin)
			sessions.POST("/:id/rejoin", hm.sessionHandler.RejoinSession)
			sessions.POST("/:id/abandon", hm.sessionHandler.AbandonSession)

			// Timing and connection state
			sessions.GET("/:id/time-sync", hm.sessionHandler.TimeSync)
			sessions.POST("/:id/heartbeat", hm.sessionHandler.Heartbeat)
			sessions.POST("/:id/disconnect", hm.sessionHandler.Disconnect)

			// Navigation and answers
			sessions.GET("/:id/question", hm.navigationHandler.GetCurrentQuestion)
			sessions.POST("/:id/answer", hm.navigationHandler.SubmitAnswer)
			sessions.POST("/:id/skip", hm.navigationHandler.SkipQuestion)
			sessions.POST("/:id/navigate", hm.navigationHandler.Navigate)
			sessions.POST("/:id/section/submit", hm.navigationHandler.SubmitSection)
			sessions.POST("/:id/section/review", hm.navigationHandler.StartSectionReview)

			// Grading
			sessions.POST("/:id/submit", hm.resultHandler.SubmitSession)
			sessions.GET("/:id/result", hm.resultHandler.GetResult)

			// Instructor-facing aggregates
			sessions.GET("/test/:test_id/stats", hm.resultHandler.GetTestStats)
			sessions.GET("/test/:test_id/export", hm.resultHandler.ExportTestResults)
		}
	}

	// Realtime channel; the auth middleware accepts a token query parameter
	// for browser websocket clients.
	ws := router.Group("/ws")
	ws.Use(authn)
	{
		ws.GET("/sessions/:id", hm.wsHandler.Connect)
	}
}
