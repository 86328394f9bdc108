package application

import (
	"errors"
	"fmt"

	"github.com/wyfcoding/depthbook/internal/depthbook/domain"
)

var (
	// ErrBackpressure 队列已满，可重试
	ErrBackpressure = errors.New("ingestion queue is full")
	// ErrPipelineClosed 引擎已停止接收命令，不可重试
	ErrPipelineClosed = errors.New("ingestion pipeline is closed")
	ErrEngineStarted  = errors.New("engine already started")
	ErrApplyPanic     = errors.New("panic while applying command")
)

// RoutingError 命令指向未注册的市场
type RoutingError struct {
	MarketID domain.MarketID
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("unknown market %d", e.MarketID)
}

// ValidationError 命令字段缺失或非法
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid command: %s %s", e.Field, e.Reason)
}

// IsRetryable 只有背压可重试；管道关闭即使同时超时也不可重试
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackpressure) && !errors.Is(err, ErrPipelineClosed)
}
