package events

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"github.com/sourcegraph/conc"
	"github.com/wyfcoding/depthbook/internal/depthbook/domain"
	"github.com/wyfcoding/depthbook/pkg/mq"
)

// KafkaSinkConfig Kafka 事件输出配置
type KafkaSinkConfig struct {
	Topic string
	// 异步缓冲容量，满了直接丢弃，不阻塞引擎消费者
	BufferSize   int
	WriteTimeout time.Duration
	// 连续失败多少次后熔断
	FailureThreshold uint32
	// 熔断后多久进入半开
	OpenTimeout time.Duration
	// 每次丢弃时回调，可接指标
	OnDrop func()
}

// KafkaSink 异步把事件发布到 Kafka。写入经过熔断器，broker 故障时快速丢弃。
type KafkaSink struct {
	publisher mq.Publisher
	cfg       KafkaSinkConfig
	breaker   *gobreaker.CircuitBreaker
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	buf    chan domain.Event
	wg     conc.WaitGroup

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewKafkaSink(publisher mq.Publisher, cfg KafkaSinkConfig, logger *slog.Logger) *KafkaSink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	logger = logger.With("module", "kafka_event_sink", "topic", cfg.Topic)

	s := &KafkaSink{
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		buf:       make(chan domain.Event, cfg.BufferSize),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kafka-event-sink",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	s.wg.Go(s.loop)
	return s
}

// Publish 非阻塞入缓冲
func (s *KafkaSink) Publish(e domain.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop()
		return
	}
	select {
	case s.buf <- e:
	default:
		s.drop()
	}
}

func (s *KafkaSink) loop() {
	for e := range s.buf {
		_, err := s.breaker.Execute(func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
			defer cancel()
			return nil, s.publisher.SendMessage(ctx, s.cfg.Topic, strconv.Itoa(int(e.MarketID)), e)
		})
		if err == nil {
			s.sent.Add(1)
			continue
		}
		s.drop()
		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			s.logger.Warn("failed to publish event", "event_id", e.ID, "type", e.Type, "error", err)
		}
	}
}

func (s *KafkaSink) drop() {
	s.dropped.Add(1)
	if s.cfg.OnDrop != nil {
		s.cfg.OnDrop()
	}
}

// State 熔断器状态
func (s *KafkaSink) State() gobreaker.State {
	return s.breaker.State()
}

// Sent 已成功发布的事件数
func (s *KafkaSink) Sent() uint64 { return s.sent.Load() }

// Dropped 被丢弃的事件数
func (s *KafkaSink) Dropped() uint64 { return s.dropped.Load() }

// Close 停止接收并刷出缓冲，ctx 结束时放弃等待
func (s *KafkaSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.buf)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
