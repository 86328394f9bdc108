package consumer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/depthbook/internal/depthbook/application"
	"github.com/wyfcoding/depthbook/internal/depthbook/domain"
	"github.com/wyfcoding/depthbook/pkg/metrics"
	"github.com/wyfcoding/depthbook/pkg/mq"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []*mq.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (*mq.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...*mq.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type recordingPublisher struct {
	mu      sync.Mutex
	letters []mq.DeadLetter
}

func (p *recordingPublisher) SendMessage(_ context.Context, _ string, _ string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.letters = append(p.letters, value.(mq.DeadLetter))
	return nil
}

func (p *recordingPublisher) reasons() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, l := range p.letters {
		out = append(out, l.FailureReason)
	}
	return out
}

func message(offset int64, v any) *mq.Message {
	var data []byte
	switch t := v.(type) {
	case string:
		data = []byte(t)
	default:
		data, _ = json.Marshal(t)
	}
	return &mq.Message{Topic: "depth.commands", Offset: offset, Key: "1", Value: data}
}

func newEngine(t *testing.T, start bool) *application.OrderbookEngine {
	t.Helper()
	e, err := application.NewOrderbookEngine([]domain.MarketID{1})
	require.NoError(t, err)
	if start {
		require.NoError(t, e.Start())
	}
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCommandConsumerFeedsEngineAndDeadLetters(t *testing.T) {
	engine := newEngine(t, true)
	reader := &fakeReader{msgs: []*mq.Message{
		message(0, `{"action":"place","market_id":1,"order_id":1,"side":"buy","price":"10","size":"1"}`),
		message(1, `{broken`),
		message(2, `{"action":"cancel","market_id":7,"order_id":1}`),
		message(3, `{"action":"place","market_id":1,"order_id":2,"side":"sell","price":"11","size":"3"}`),
	}}
	pub := &recordingPublisher{}
	m := metrics.New("depthbook_consumer_test")
	c := NewCommandConsumer(reader, engine, mq.NewDeadLetterQueue(pub, "depth.commands.dlq"), m, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 4 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{0, 1, 2, 3}, reader.commits())
	assert.Equal(t, []string{"invalid_command", "unknown_market"}, pub.reasons())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DeadLettersTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.KafkaCommandsTotal.WithLabelValues("accepted")))

	require.Eventually(t, func() bool {
		book, _ := engine.Orderbook(1)
		return book.Len() == 2
	}, time.Second, time.Millisecond)
}

func TestCommandConsumerStopsWhenPipelineClosed(t *testing.T) {
	engine := newEngine(t, true)
	require.NoError(t, engine.Shutdown(context.Background()))

	reader := &fakeReader{msgs: []*mq.Message{
		message(5, application.CancelCommand(1, 1)),
	}}
	c := NewCommandConsumer(reader, engine, nil, nil, discard())

	require.NoError(t, c.Run(context.Background()))
	// 未应用的消息不提交，重启后重新投递
	assert.Empty(t, reader.commits())
}

func TestCommandConsumerStopsOnCancelUnderBackpressure(t *testing.T) {
	// 未启动的引擎，容量 1：第二条阻塞在 Send
	e, err := application.NewOrderbookEngine([]domain.MarketID{1}, application.WithQueueCapacity(1))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	reader := &fakeReader{msgs: []*mq.Message{
		message(0, application.CancelCommand(1, 1)),
		message(1, application.CancelCommand(1, 2)),
	}}
	c := NewCommandConsumer(reader, e, nil, nil, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []int64{0}, reader.commits())
}
