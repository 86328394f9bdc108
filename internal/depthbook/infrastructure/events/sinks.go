package events

import (
	"log/slog"
	"strconv"

	"github.com/wyfcoding/depthbook/internal/depthbook/domain"
	"github.com/wyfcoding/depthbook/pkg/metrics"
)

// LogSink 把事件写入结构化日志
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("module", "engine_events")}
}

func (s *LogSink) Publish(e domain.Event) {
	args := []any{
		"event_id", e.ID,
		"type", e.Type,
		"action", e.Action,
		"market_id", e.MarketID,
		"order_id", e.OrderID,
	}
	switch e.Type {
	case domain.EventRejected:
		s.logger.Warn("command rejected", append(args, "reason", e.Reason)...)
	case domain.EventLevelEmptied:
		s.logger.Debug("price level emptied", append(args, "side", e.Side.String(), "price", e.Price.String(), "sequence", e.Sequence)...)
	case domain.EventNotFound:
		s.logger.Debug("cancel for unknown order", args...)
	default:
		s.logger.Debug("command applied", append(args, "sequence", e.Sequence)...)
	}
}

// MetricsSink 按类型、动作、市场累计事件数
type MetricsSink struct {
	m *metrics.Metrics
}

func NewMetricsSink(m *metrics.Metrics) *MetricsSink {
	return &MetricsSink{m: m}
}

func (s *MetricsSink) Publish(e domain.Event) {
	s.m.EngineEventsTotal.WithLabelValues(string(e.Type), e.Action, strconv.Itoa(int(e.MarketID))).Inc()
}

// FanoutSink 依次转发给多个 sink
type FanoutSink []domain.EventSink

func NewFanoutSink(sinks ...domain.EventSink) FanoutSink {
	out := make(FanoutSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (f FanoutSink) Publish(e domain.Event) {
	for _, s := range f {
		s.Publish(e)
	}
}
