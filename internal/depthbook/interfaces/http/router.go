package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/depthbook/internal/depthbook/application"
	"github.com/wyfcoding/depthbook/pkg/config"
	"github.com/wyfcoding/depthbook/pkg/metrics"
	"github.com/wyfcoding/depthbook/pkg/middleware"
	"github.com/wyfcoding/depthbook/pkg/ratelimit"
)

// RouterDeps 组装 HTTP 路由所需的依赖，Limiter 为空时不限流
type RouterDeps struct {
	Handler   *DepthHandler
	Engine    *application.OrderbookEngine
	Metrics   *metrics.Metrics
	Limiter   ratelimit.RateLimiter
	RateLimit config.RateLimitConfig
	Logger    *slog.Logger
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(
		middleware.GinRecoveryMiddleware(d.Logger),
		middleware.GinLoggingMiddleware(d.Logger),
		middleware.GinCORSMiddleware(),
	)
	if d.Metrics != nil {
		r.Use(middleware.GinMetricsMiddleware(d.Metrics))
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	r.GET("/healthz", func(c *gin.Context) {
		if !d.Engine.Accepting() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("")
	if d.Limiter != nil && d.RateLimit.Enabled {
		api.Use(middleware.RateLimitMiddleware(d.Limiter, d.RateLimit, d.Logger))
	}
	d.Handler.RegisterRoutes(api)
	return r
}
