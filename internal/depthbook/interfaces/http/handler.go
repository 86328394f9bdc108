package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/depthbook/internal/depthbook/application"
	"github.com/wyfcoding/depthbook/internal/depthbook/domain"
	"github.com/wyfcoding/depthbook/pkg/logger"
	"github.com/wyfcoding/depthbook/pkg/response"
)

const (
	defaultDepth = 20
	maxDepth     = 1000
)

// DepthHandler 深度引擎的 HTTP 入口
type DepthHandler struct {
	engine        *application.OrderbookEngine
	submitTimeout time.Duration
	logger        *slog.Logger
}

func NewDepthHandler(engine *application.OrderbookEngine, submitTimeout time.Duration, log *slog.Logger) *DepthHandler {
	if submitTimeout <= 0 {
		submitTimeout = 3 * time.Second
	}
	return &DepthHandler{
		engine:        engine,
		submitTimeout: submitTimeout,
		logger:        log.With("module", "depth_http"),
	}
}

func (h *DepthHandler) RegisterRoutes(router *gin.RouterGroup) {
	api := router.Group("/api/v1/depth")
	{
		api.POST("/commands", h.SubmitCommand)
		api.GET("/markets", h.ListMarkets)
		api.GET("/markets/:market_id/snapshot", h.GetSnapshot)
		api.GET("/stats", h.GetStats)
	}
}

// SubmitCommand 提交 place/cancel/modify 命令。默认入队即返回 202，wait=true 时等待应用结果。
func (h *DepthHandler) SubmitCommand(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid request data", err.Error())
		return
	}
	cmd, err := application.DecodeCommand(body)
	if err != nil {
		h.writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	if wait, _ := strconv.ParseBool(c.Query("wait")); !wait {
		if err := h.engine.Send(ctx, cmd); err != nil {
			h.writeError(c, err)
			return
		}
		response.SuccessWithStatus(c, http.StatusAccepted, gin.H{"status": "queued"})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.submitTimeout)
	defer cancel()
	res, err := h.engine.Submit(ctx, cmd)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, res)
}

func (h *DepthHandler) ListMarkets(c *gin.Context) {
	response.Success(c, gin.H{"markets": h.engine.Markets()})
}

// GetSnapshot 读取指定市场的深度快照，depth 默认 20
func (h *DepthHandler) GetSnapshot(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("market_id"), 10, 16)
	if err != nil {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid market_id", err.Error())
		return
	}
	depth, err := strconv.Atoi(c.DefaultQuery("depth", strconv.Itoa(defaultDepth)))
	if err != nil || depth < 0 {
		response.ErrorWithStatus(c, http.StatusBadRequest, "invalid depth parameter", "")
		return
	}
	depth = min(depth, maxDepth)

	snap, err := h.engine.Snapshot(domain.MarketID(id), depth)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, snap)
}

func (h *DepthHandler) GetStats(c *gin.Context) {
	response.Success(c, h.engine.Stats())
}

func (h *DepthHandler) writeError(c *gin.Context, err error) {
	var (
		verr *application.ValidationError
		rerr *application.RoutingError
	)
	switch {
	case errors.As(err, &verr):
		response.ErrorWithCode(c, http.StatusBadRequest, "invalid_command", "invalid command", err.Error())
	case errors.Is(err, domain.ErrInvalidOrder), errors.Is(err, domain.ErrInvalidSide):
		response.ErrorWithCode(c, http.StatusBadRequest, "invalid_command", "invalid command", err.Error())
	case errors.As(err, &rerr):
		response.ErrorWithCode(c, http.StatusNotFound, "unknown_market", "unknown market", err.Error())
	case errors.Is(err, domain.ErrDuplicateOrder):
		response.ErrorWithCode(c, http.StatusConflict, "duplicate_order", "duplicate order", err.Error())
	case errors.Is(err, application.ErrPipelineClosed):
		response.ErrorWithCode(c, http.StatusServiceUnavailable, "pipeline_closed", "engine is shutting down", err.Error())
	case errors.Is(err, application.ErrBackpressure):
		c.Header("Retry-After", "1")
		response.ErrorWithCode(c, http.StatusServiceUnavailable, "backpressure", "ingestion queue is full", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		response.ErrorWithCode(c, http.StatusGatewayTimeout, "timeout", "timed out waiting for result", err.Error())
	default:
		logger.FromContext(c.Request.Context(), h.logger).Error("command failed", "error", err)
		response.ErrorWithStatus(c, http.StatusInternalServerError, "internal error", err.Error())
	}
}
