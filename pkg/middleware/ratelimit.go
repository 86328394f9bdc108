package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/depthbook/pkg/config"
	"github.com/wyfcoding/depthbook/pkg/ratelimit"
)

// RateLimitMiddleware 按客户端 IP 限流，超限返回 429 并带 Retry-After
func RateLimitMiddleware(limiter ratelimit.RateLimiter, cfg config.RateLimitConfig, log *slog.Logger) gin.HandlerFunc {
	limit := ratelimit.Limit{Rate: cfg.Rate, Burst: cfg.Burst}
	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}

		res, err := limiter.Allow(c.Request.Context(), "ratelimit:"+c.ClientIP(), limit)
		if err != nil {
			// 限流器故障时放行
			log.Warn("rate limiter failed, allowing request", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limit.Burst))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

		if !res.Allowed {
			retry := int(math.Ceil(res.RetryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(max(retry, 1)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":        http.StatusTooManyRequests,
				"message":     "too many requests",
				"retry_after": res.RetryAfter.String(),
			})
			return
		}
		c.Next()
	}
}
