package handlers

import (
	"net/http"

	"capproxy/internal/middleware"
	"capproxy/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (h *Handler) SetupRouter(rateLimiter *services.IPRateLimiter) *gin.Engine {
	r := gin.Default()
	r.HandleMethodNotAllowed = true

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	})

	// Middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.CORS(h.cfg.Origins()))
	// Validate already rejected malformed entries.
	trusted, _ := h.cfg.TrustedProxyPrefixes()
	r.Use(middleware.ClientIP(trusted))

	// Routes
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	if rateLimiter != nil {
		api.Use(h.RateLimitMiddleware(rateLimiter))
	}
	{
		api.POST("/events", h.IngestEvents)
		api.POST("/conversions", h.IngestEvents)
	}

	return r
}

// Health reports liveness plus the in-memory table sizes and delivery counters.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"dedup_size": h.dedupService.Size(),
		"deliveries": h.statsService.Totals(),
	})
}
