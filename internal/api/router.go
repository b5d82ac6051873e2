package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentq/agentq/internal/common/httpmw"
	"github.com/agentq/agentq/internal/common/logger"
)

const serverName = "agentq"

// NewRouter assembles the gin engine: middleware, operational endpoints, and
// the /api route group.
func NewRouter(h *Handler, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.CORS())
	router.Use(httpmw.OtelTracing(serverName, "/health", "/metrics"))

	// Operational endpoints at root level
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		// Queue collection
		api.POST("/queue", h.CreateQueue)
		api.GET("/queues", h.ListQueues)
		api.GET("/queue/busy-agents", h.BusyAgents)

		// Event streams
		api.GET("/queue/stream/:id", h.StreamQueue)
		api.GET("/queue/ws/:id", h.StreamQueueWS)

		// Single queue operations
		api.GET("/queue/:id", h.GetQueue)
		api.DELETE("/queue/:id", h.DeleteQueue)
		api.POST("/queue/:id/start", h.StartQueue)
		api.POST("/queue/:id/pause", h.PauseQueue)
		api.POST("/queue/:id/resume", h.ResumeQueue)
		api.POST("/queue/:id/tasks/:taskId/retry", h.RetryTask)

		// Worker agent directory
		api.GET("/agents", h.ListAgents)
	}

	return router
}
