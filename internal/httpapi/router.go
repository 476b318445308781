package httpapi

import (
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/wisp/internal/logging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func NewRouter(handler *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	// the agent platform posts lifecycle notifications to the root path,
	// the named route exists for explicit configuration
	router.POST("/", SignatureMiddleware(), handler.HandleLifecycleNotification)
	router.POST("/retell-webhook", SignatureMiddleware(), handler.HandleLifecycleNotification)

	router.POST("/wisp-screen", handler.HandleScreeningRequest)
	router.GET("/health", handler.HandleHealth)

	api := router.Group("/api")
	api.GET("/calls", handler.HandleListCalls)
	api.GET("/calls/active", handler.HandleListActiveCalls)
	api.GET("/calls/:call_id", handler.HandleGetCall)
	api.GET("/stats", handler.HandleGetStats)
	api.GET("/analytics", handler.HandleGetAnalytics)
	api.GET("/transcripts/metrics", handler.HandleGetTranscriptMetrics)

	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startedAt := time.Now()

		c.Next()

		logging.Logger.Info("Request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(startedAt)),
		)
	}
}
