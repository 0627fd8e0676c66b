package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/ash/internal/agentcatalog"
	"github.com/kandev/ash/internal/common/config"
	"github.com/kandev/ash/internal/common/logger"
	"github.com/kandev/ash/internal/runner"
	"github.com/kandev/ash/internal/session"
	"github.com/kandev/ash/internal/state"
)

// NewRouter builds the full gin engine: public health, the authenticated
// REST/SSE/websocket surface, and the shared-secret-authenticated internal
// runner surface.
func NewRouter(cfg *config.Config, sessions *session.Service, catalog *agentcatalog.Catalog, runners *runner.Registry, router *runner.Router, store state.Store, log *logger.Logger) *gin.Engine {
	h := New(sessions, catalog, runners, router, store, log)

	engine := gin.New()
	engine.Use(Recovery(log), RequestLogger(log), ErrorHandler(log))

	engine.GET("/health", h.Health)
	engine.GET("/metrics", gin.WrapH(metricsHandler()))

	api := engine.Group("/api")
	api.Use(APIKeyAuth(store, cfg.AuthEnabled()))
	{
		agents := api.Group("/agents")
		agents.POST("", h.DeployAgent)
		agents.GET("", h.ListAgents)
		agents.GET("/:name", h.GetAgent)
		agents.PATCH("/:name", h.RedeployAgent)
		agents.DELETE("/:name", h.DeleteAgent)
		agents.GET("/:name/files", h.ListAgentFiles)
		agents.GET("/:name/files/*path", h.GetAgentFile)

		sessionRoutes := api.Group("/sessions")
		sessionRoutes.POST("", h.CreateSession)
		sessionRoutes.GET("", h.ListSessions)
		sessionRoutes.GET("/:id", h.GetSession)
		sessionRoutes.POST("/:id/pause", h.PauseSession)
		sessionRoutes.POST("/:id/resume", h.ResumeSession)
		sessionRoutes.POST("/:id/stop", h.StopSession)
		sessionRoutes.POST("/:id/fork", h.ForkSession)
		sessionRoutes.DELETE("/:id", h.EndSession)

		sessionRoutes.POST("/:id/messages", h.SendMessage)
		sessionRoutes.GET("/:id/messages", h.ListMessages)
		sessionRoutes.GET("/:id/events", h.ListEvents)
		sessionRoutes.GET("/:id/logs", h.Logs)

		sessionRoutes.GET("/:id/files", h.ListSessionFiles)
		sessionRoutes.GET("/:id/files/*path", h.GetSessionFile)
		sessionRoutes.POST("/:id/files", h.WriteSessionFile)
		sessionRoutes.DELETE("/:id/files/*path", h.DeleteSessionFile)

		sessionRoutes.POST("/:id/exec", h.Exec)
	}

	internal := engine.Group("/api/internal")
	internal.Use(InternalAuth(cfg.InternalSecret))
	{
		internal.POST("/runners/register", h.RegisterRunner)
		internal.POST("/runners/heartbeat", h.HeartbeatRunner)
		internal.GET("/runners", h.ListRunners)
		internal.POST("/sessions/:id/:op", h.InternalSessionOp)
	}

	return engine
}
