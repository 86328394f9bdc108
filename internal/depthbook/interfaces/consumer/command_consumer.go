package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/wyfcoding/depthbook/internal/depthbook/application"
	"github.com/wyfcoding/depthbook/pkg/metrics"
	"github.com/wyfcoding/depthbook/pkg/mq"
)

const fetchRetryDelay = 500 * time.Millisecond

// CommandConsumer 从 Kafka 读取 JSON 命令送入引擎。
// 使用阻塞的 Send，队列满时暂停拉取，由 broker 侧积压承担背压。
// 校验或路由失败的消息投递死信后提交，不会重复消费。
type CommandConsumer struct {
	reader  mq.Reader
	engine  *application.OrderbookEngine
	dlq     *mq.DeadLetterQueue
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewCommandConsumer dlq 与 m 均可为空
func NewCommandConsumer(reader mq.Reader, engine *application.OrderbookEngine, dlq *mq.DeadLetterQueue, m *metrics.Metrics, logger *slog.Logger) *CommandConsumer {
	return &CommandConsumer{
		reader:  reader,
		engine:  engine,
		dlq:     dlq,
		metrics: m,
		logger:  logger.With("module", "command_consumer"),
	}
}

// Run 阻塞消费直到 ctx 取消、reader 关闭或引擎停止接收
func (c *CommandConsumer) Run(ctx context.Context) error {
	c.logger.Info("command consumer started")
	defer c.logger.Info("command consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			c.logger.Warn("failed to fetch command", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(fetchRetryDelay):
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			if errors.Is(err, application.ErrPipelineClosed) {
				c.logger.Info("engine stopped accepting commands", "offset", msg.Offset)
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// handle 处理单条消息。返回错误时不提交偏移量，消息在重启后重新投递。
func (c *CommandConsumer) handle(ctx context.Context, msg *mq.Message) error {
	cmd, err := application.DecodeCommand(msg.Value)
	if err != nil {
		c.deadLetter(ctx, msg, "invalid_command", err)
		c.commit(ctx, msg)
		return nil
	}

	err = c.engine.Send(ctx, cmd)
	var rerr *application.RoutingError
	switch {
	case err == nil:
		c.count("accepted")
	case errors.Is(err, application.ErrPipelineClosed):
		return err
	case errors.As(err, &rerr):
		c.deadLetter(ctx, msg, "unknown_market", err)
	case errors.Is(err, application.ErrBackpressure):
		// 只有 ctx 结束时 Send 才会带着背压返回
		return err
	default:
		c.deadLetter(ctx, msg, "rejected", err)
	}
	c.commit(ctx, msg)
	return nil
}

func (c *CommandConsumer) commit(ctx context.Context, msg *mq.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.Warn("failed to commit offset", "partition", msg.Partition, "offset", msg.Offset, "error", err)
	}
}

func (c *CommandConsumer) deadLetter(ctx context.Context, msg *mq.Message, reason string, cause error) {
	c.count(reason)
	c.logger.Warn("command rejected", "reason", reason, "partition", msg.Partition, "offset", msg.Offset, "error", cause)
	if c.dlq == nil {
		return
	}
	if err := c.dlq.Send(ctx, msg, reason, cause); err != nil {
		c.logger.Error("failed to send dead letter", "offset", msg.Offset, "error", err)
		return
	}
	if c.metrics != nil {
		c.metrics.DeadLettersTotal.Inc()
	}
}

func (c *CommandConsumer) count(result string) {
	if c.metrics != nil {
		c.metrics.KafkaCommandsTotal.WithLabelValues(result).Inc()
	}
}
