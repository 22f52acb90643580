package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetguard/fleetguard/internal/monitor"
	"github.com/fleetguard/fleetguard/pkg/config"
	"github.com/fleetguard/fleetguard/pkg/logging"
)

// NewRouter creates and configures the ops API router
func NewRouter(cfg *config.Config, h *Handlers, health *HealthHandler, sampler *monitor.Sampler, logger *logging.Logger) *gin.Engine {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(RequestIDMiddleware())
	router.Use(LoggingMiddleware(logger, sampler))
	router.Use(ErrorHandlingMiddleware())
	router.Use(CORSMiddleware())

	// Health and metrics stay reachable at every degradation level
	router.GET("/health", health.Check)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	guard := NewDegradationGuard(h.dm)

	v1 := router.Group("/api/v1")
	v1.Use(guard.Middleware())
	{
		v1.POST("/errors", h.ReportError)

		recovery := v1.Group("/recovery")
		{
			recovery.GET("/attempts", h.ListAttempts)
			recovery.GET("/strategies", h.ListStrategies)
		}

		breakers := v1.Group("/breakers")
		{
			breakers.GET("", h.ListBreakers)
			breakers.POST("/:name/reset", h.ResetBreaker)
			breakers.POST("/:name/open", h.ForceOpenBreaker)
			breakers.POST("/:name/close", h.ForceCloseBreaker)
		}

		degradation := v1.Group("/degradation")
		{
			degradation.GET("", h.DegradationStatus)
			degradation.GET("/features/:name", h.CheckFeature)
			degradation.GET("/events", h.ListDegradationEvents)
			degradation.POST("/escalate", h.EscalateDegradation)
			degradation.POST("/recover", h.RecoverDegradation)
		}

		sessions := v1.Group("/sessions")
		{
			sessions.GET("", h.ListSessions)
			sessions.GET("/:id/events", h.SessionEvents)
			sessions.POST("/:id/join", h.JoinSession)
			sessions.POST("/:id/execute", h.ExecuteSession)
			sessions.POST("/:id/abort", h.AbortSession)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}
