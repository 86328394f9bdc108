package application

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/wyfcoding/depthbook/internal/depthbook/domain"
)

// DefaultQueueCapacity 默认入站队列容量
const DefaultQueueCapacity = 100_000

// DispatchMode 消费者分派方式
type DispatchMode int

const (
	// DispatchGlobal 单队列单消费者，所有市场的命令全序应用
	DispatchGlobal DispatchMode = iota
	// DispatchPerMarket 每个市场独立队列与消费者。
	// 订单只属于一个市场，同一订单的命令顺序不变；跨市场不再有全序。
	DispatchPerMarket
)

func (m DispatchMode) String() string {
	if m == DispatchPerMarket {
		return "per_market"
	}
	return "global"
}

func ParseDispatchMode(v string) (DispatchMode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "global":
		return DispatchGlobal, nil
	case "per_market", "per-market":
		return DispatchPerMarket, nil
	default:
		return DispatchGlobal, fmt.Errorf("unknown dispatch mode %q", v)
	}
}

type options struct {
	capacity int
	dispatch DispatchMode
	drain    bool
	logger   *slog.Logger
	sink     domain.EventSink
}

func defaultOptions() options {
	return options{
		capacity: DefaultQueueCapacity,
		dispatch: DispatchGlobal,
		drain:    true,
		logger:   slog.Default(),
		sink:     domain.NopSink{},
	}
}

// Option 引擎构造选项
type Option func(*options)

// WithQueueCapacity 每条队列的容量，非正值忽略
func WithQueueCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = n
		}
	}
}

func WithDispatchMode(m DispatchMode) Option {
	return func(o *options) { o.dispatch = m }
}

// WithDrainOnShutdown 关闭时是否处理完已入队命令，默认 true
func WithDrainOnShutdown(drain bool) Option {
	return func(o *options) { o.drain = drain }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithEventSink(s domain.EventSink) Option {
	return func(o *options) {
		if s != nil {
			o.sink = s
		}
	}
}
