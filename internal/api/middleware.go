package api

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fleetguard/fleetguard/internal/degradation"
	"github.com/fleetguard/fleetguard/internal/monitor"
	"github.com/fleetguard/fleetguard/pkg/logging"
)

// RequestIDMiddleware adds a unique request ID to each request
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// LoggingMiddleware logs each request through the structured logger and
// feeds its outcome into the health sampler
func LoggingMiddleware(logger *logging.Logger, sampler *monitor.Sampler) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)
		status := c.Writer.Status()

		if sampler != nil {
			sampler.RecordRequest(duration, status >= http.StatusInternalServerError)
		}

		logger.Info("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", duration.Milliseconds(),
			"request_id", requestID(c),
		)
	}
}

// ErrorHandlingMiddleware recovers from handler panics
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return gin.Recovery()
}

// CORSMiddleware handles cross-origin requests for the ops dashboard
func CORSMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

// DegradationGuard enforces the performance limits of the active degradation
// level: concurrency cap, request body cap, per-request deadline, and a
// per-minute admission budget.
type DegradationGuard struct {
	dm *degradation.Manager

	inflight atomic.Int64

	mu          sync.Mutex
	windowStart time.Time
	admitted    int
}

// NewDegradationGuard creates a guard bound to the degradation manager
func NewDegradationGuard(dm *degradation.Manager) *DegradationGuard {
	return &DegradationGuard{dm: dm, windowStart: time.Now()}
}

func (g *DegradationGuard) admit(limit int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	if now.Sub(g.windowStart) >= time.Minute {
		g.windowStart = now
		g.admitted = 0
	}
	if g.admitted >= limit {
		return false
	}
	g.admitted++
	return true
}

// Middleware returns the enforcement handler
func (g *DegradationGuard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limits := g.dm.Limits()

		if c.Request.ContentLength > limits.MaxRequestBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, APIResponse{
				Success:   false,
				Error:     &APIError{Code: "REQUEST_TOO_LARGE", Message: "request body exceeds the current service limit"},
				Timestamp: time.Now(),
			})
			return
		}

		if !g.admit(limits.RateLimitPerMinute) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, APIResponse{
				Success:   false,
				Error:     &APIError{Code: "RATE_LIMIT_EXCEEDED", Message: "request rate exceeds the current service limit"},
				Timestamp: time.Now(),
			})
			return
		}

		if g.inflight.Add(1) > int64(limits.MaxConcurrentRequests) {
			g.inflight.Add(-1)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, APIResponse{
				Success:   false,
				Error:     &APIError{Code: "OVERLOADED", Message: "concurrent request limit reached"},
				Timestamp: time.Now(),
			})
			return
		}
		defer g.inflight.Add(-1)

		ctx, cancel := context.WithTimeout(c.Request.Context(), limits.RequestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
