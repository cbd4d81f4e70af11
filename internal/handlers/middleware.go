package handlers

import (
	"net/http"
	"strconv"
	"time"

	"capproxy/internal/metrics"
	"capproxy/internal/middleware"
	"capproxy/internal/services"

	"github.com/gin-gonic/gin"
)

var retryAfterSeconds = int(services.RateLimitWindow / time.Second)

func (h *Handler) RateLimitMiddleware(limiter *services.IPRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := middleware.GetClientIP(c).Address
		if key == "" {
			key = c.ClientIP()
		}
		if !limiter.Allow(key) {
			metrics.RateLimited.Inc()
			h.logger.Warn("RateLimit: Request rejected", "request_id", middleware.GetRequestID(c), "limit", limiter.Limit())
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded. Please try again later.",
				"retry_after": retryAfterSeconds,
			})
			return
		}
		c.Next()
	}
}
