// Package mq Kafka producer/consumer 封装，基于 segmentio/kafka-go，附带死信队列
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers        []string
	GroupID        string
	SessionTimeout int // 秒
	MaxRetries     int
	RetryBackoff   int // 毫秒
	// 异步写入：WriteMessages 不等待 broker 确认
	Async bool
}

// Publisher 消息发布接口，便于替换为测试实现
type Publisher interface {
	SendMessage(ctx context.Context, topic, key string, value any) error
}

// KafkaProducer Kafka 生产者
type KafkaProducer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewProducer 创建 Kafka 生产者
func NewProducer(cfg KafkaConfig, logger *slog.Logger) *KafkaProducer {
	maxAttempts := cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 100
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		Compression:            kafka.Snappy,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            maxAttempts,
		WriteBackoffMin:        time.Duration(backoff) * time.Millisecond,
		WriteBackoffMax:        time.Duration(backoff*10) * time.Millisecond,
		BatchTimeout:           10 * time.Millisecond,
		Async:                  cfg.Async,
	}

	logger = logger.With("module", "kafka_producer")
	logger.Info("kafka producer created", "brokers", cfg.Brokers)
	return &KafkaProducer{writer: writer, logger: logger}
}

// SendMessage JSON 编码后发送单条消息。同 key 的消息落在同一分区。
func (kp *KafkaProducer) SendMessage(ctx context.Context, topic, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := kp.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	}); err != nil {
		kp.logger.ErrorContext(ctx, "failed to send kafka message", "topic", topic, "key", key, "error", err)
		return err
	}

	kp.logger.DebugContext(ctx, "kafka message sent", "topic", topic, "key", key)
	return nil
}

// Close 关闭生产者，会刷出缓冲中的消息
func (kp *KafkaProducer) Close() error {
	return kp.writer.Close()
}

// Message Kafka 消息
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	Time      time.Time

	raw kafka.Message
}

// UnmarshalPayload 将消息值解析为 JSON
func (m *Message) UnmarshalPayload(dest any) error {
	return json.Unmarshal(m.Value, dest)
}

// Reader 消息读取接口。Fetch 之后需显式 Commit。
type Reader interface {
	FetchMessage(ctx context.Context) (*Message, error)
	CommitMessages(ctx context.Context, msgs ...*Message) error
	Close() error
}

// KafkaConsumer Kafka 消费者，处理成功后再提交偏移量
type KafkaConsumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

// NewConsumer 创建 Kafka 消费者
func NewConsumer(cfg KafkaConfig, topic string, logger *slog.Logger) *KafkaConsumer {
	sessionTimeout := time.Duration(cfg.SessionTimeout) * time.Second
	if sessionTimeout <= 0 {
		sessionTimeout = 10 * time.Second
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        cfg.GroupID,
		SessionTimeout: sessionTimeout,
		StartOffset:    kafka.LastOffset,
		MaxBytes:       10e6, // 10MB
	})

	logger = logger.With("module", "kafka_consumer", "topic", topic)
	logger.Info("kafka consumer created", "brokers", cfg.Brokers, "group_id", cfg.GroupID)
	return &KafkaConsumer{reader: reader, logger: logger}
}

// FetchMessage 读取一条消息，不自动提交
func (kc *KafkaConsumer) FetchMessage(ctx context.Context) (*Message, error) {
	msg, err := kc.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	return &Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Value:     msg.Value,
		Time:      msg.Time,
		raw:       msg,
	}, nil
}

// CommitMessages 提交偏移量
func (kc *KafkaConsumer) CommitMessages(ctx context.Context, msgs ...*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	raws := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		raws = append(raws, m.raw)
	}
	return kc.reader.CommitMessages(ctx, raws...)
}

// Close 关闭消费者
func (kc *KafkaConsumer) Close() error {
	return kc.reader.Close()
}

// DeadLetter 死信消息体
type DeadLetter struct {
	OriginalTopic  string    `json:"original_topic"`
	OriginalKey    string    `json:"original_key"`
	OriginalValue  string    `json:"original_value"`
	OriginalOffset int64     `json:"original_offset"`
	OriginalTime   time.Time `json:"original_time"`
	FailureReason  string    `json:"failure_reason"`
	FailureError   string    `json:"failure_error"`
	FailedAt       time.Time `json:"failed_at"`
}

// DeadLetterQueue 死信队列
type DeadLetterQueue struct {
	publisher Publisher
	topic     string
}

func NewDeadLetterQueue(publisher Publisher, topic string) *DeadLetterQueue {
	return &DeadLetterQueue{publisher: publisher, topic: topic}
}

// Send 把原始消息连同失败原因投递到死信 topic
func (dlq *DeadLetterQueue) Send(ctx context.Context, original *Message, reason string, err error) error {
	letter := DeadLetter{
		OriginalTopic:  original.Topic,
		OriginalKey:    original.Key,
		OriginalValue:  string(original.Value),
		OriginalOffset: original.Offset,
		OriginalTime:   original.Time,
		FailureReason:  reason,
		FailedAt:       time.Now(),
	}
	if err != nil {
		letter.FailureError = err.Error()
	}
	return dlq.publisher.SendMessage(ctx, dlq.topic, original.Key, letter)
}
