package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/depthbook/internal/depthbook/domain"
)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Publish(e domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) ofType(t domain.EventType) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func place(market domain.MarketID, id domain.OrderID, side domain.Side, price, size string) Command {
	return PlaceCommand(market, id, side, dec(price), dec(size), int64(id))
}

func newStartedEngine(t *testing.T, markets []domain.MarketID, opts ...Option) *OrderbookEngine {
	t.Helper()
	e, err := NewOrderbookEngine(markets, opts...)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func TestNewOrderbookEngine_RejectsBadMarketSets(t *testing.T) {
	_, err := NewOrderbookEngine(nil)
	assert.Error(t, err)

	_, err = NewOrderbookEngine([]domain.MarketID{1, 2, 1})
	assert.Error(t, err)

	e, err := NewOrderbookEngine([]domain.MarketID{3, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, []domain.MarketID{1, 2, 3}, e.Markets())
}

func TestEngine_SubmitAppliesInOrder(t *testing.T) {
	sink := &recordingSink{}
	e := newStartedEngine(t, []domain.MarketID{1}, WithEventSink(sink))
	ctx := context.Background()

	res, err := e.Submit(ctx, place(1, 1, domain.SideBuy, "100", "5"))
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res.Status)
	assert.Equal(t, uint64(1), res.Sequence)

	res, err = e.Submit(ctx, CancelCommand(1, 1))
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res.Status)
	assert.Equal(t, uint64(2), res.Sequence)
	assert.True(t, res.LevelRemoved)

	res, err = e.Submit(ctx, CancelCommand(1, 1))
	require.NoError(t, err, "not found is not an error")
	assert.Equal(t, ResultNotFound, res.Status)

	snap, err := e.Snapshot(1, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Sequence)
	assert.Empty(t, snap.Bids)

	assert.Len(t, sink.ofType(domain.EventAccepted), 2)
	assert.Len(t, sink.ofType(domain.EventNotFound), 1)
	emptied := sink.ofType(domain.EventLevelEmptied)
	require.Len(t, emptied, 1)
	assert.True(t, emptied[0].Price.Equal(dec("100")))

	st := e.Stats()
	assert.Equal(t, uint64(2), st.Applied)
	assert.Equal(t, uint64(1), st.NotFound)
	assert.True(t, st.Accepting)
}

func TestEngine_ModifyCountsOnce(t *testing.T) {
	e := newStartedEngine(t, []domain.MarketID{1})
	ctx := context.Background()

	_, err := e.Submit(ctx, place(1, 1, domain.SideBuy, "100", "5"))
	require.NoError(t, err)
	res, err := e.Submit(ctx, ModifyCommand(1, 1, domain.SideBuy, dec("101"), dec("4"), 9))
	require.NoError(t, err)
	assert.True(t, res.Replaced)
	assert.Equal(t, uint64(2), res.Sequence)

	book, ok := e.Orderbook(1)
	require.True(t, ok)
	o, ok := book.Lookup(1)
	require.True(t, ok)
	assert.True(t, o.Price.Equal(dec("101")))
}

func TestEngine_DuplicatePlaceRejected(t *testing.T) {
	sink := &recordingSink{}
	e := newStartedEngine(t, []domain.MarketID{1}, WithEventSink(sink))
	ctx := context.Background()

	_, err := e.Submit(ctx, place(1, 1, domain.SideBuy, "100", "5"))
	require.NoError(t, err)
	res, err := e.Submit(ctx, place(1, 1, domain.SideSell, "200", "1"))
	require.ErrorIs(t, err, domain.ErrDuplicateOrder)
	assert.Equal(t, ResultRejected, res.Status)

	book, _ := e.Orderbook(1)
	assert.Equal(t, uint64(1), book.Sequence())
	assert.Len(t, sink.ofType(domain.EventRejected), 1)
}

func TestEngine_ValidationAndRouting(t *testing.T) {
	sink := &recordingSink{}
	e := newStartedEngine(t, []domain.MarketID{1}, WithEventSink(sink))
	ctx := context.Background()

	err := e.Send(ctx, Command{Action: ActionPlace, MarketID: 1, OrderID: 1, Side: "buy"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "price", verr.Field)

	err = e.Send(ctx, place(9, 1, domain.SideBuy, "1", "1"))
	var rerr *RoutingError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, domain.MarketID(9), rerr.MarketID)

	_, err = e.Snapshot(9, 5)
	require.ErrorAs(t, err, &rerr)

	assert.Len(t, sink.ofType(domain.EventRejected), 2)
	assert.Equal(t, uint64(2), e.Stats().Rejected)
	assert.False(t, IsRetryable(err))
}

func TestEngine_TrySendBackpressure(t *testing.T) {
	e, err := NewOrderbookEngine([]domain.MarketID{1}, WithQueueCapacity(1))
	require.NoError(t, err)

	require.NoError(t, e.TrySend(place(1, 1, domain.SideBuy, "1", "1")))
	err = e.TrySend(place(1, 2, domain.SideBuy, "1", "1"))
	require.ErrorIs(t, err, ErrBackpressure)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 1, e.QueueLen())
}

func TestEngine_SendTimesOutUnderBackpressure(t *testing.T) {
	e, err := NewOrderbookEngine([]domain.MarketID{1}, WithQueueCapacity(1))
	require.NoError(t, err)
	require.NoError(t, e.Send(context.Background(), place(1, 1, domain.SideBuy, "1", "1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = e.Send(ctx, place(1, 2, domain.SideBuy, "1", "1"))
	require.ErrorIs(t, err, ErrBackpressure)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEngine_ShutdownDrains(t *testing.T) {
	e, err := NewOrderbookEngine([]domain.MarketID{1}, WithQueueCapacity(100))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 1; i <= 50; i++ {
		require.NoError(t, e.Send(ctx, place(1, domain.OrderID(i), domain.SideSell, "10", "1")))
	}
	require.NoError(t, e.Start())
	require.NoError(t, e.Shutdown(ctx))

	book, _ := e.Orderbook(1)
	assert.Equal(t, 50, book.Len())
	assert.Equal(t, uint64(50), e.Stats().Applied)
	assert.False(t, e.Accepting())

	require.ErrorIs(t, e.Send(ctx, CancelCommand(1, 1)), ErrPipelineClosed)
	require.ErrorIs(t, e.Start(), ErrPipelineClosed)
	assert.NoError(t, e.Shutdown(ctx), "shutdown is idempotent")
}

func TestEngine_ShutdownWithoutStartDrainsInline(t *testing.T) {
	e, err := NewOrderbookEngine([]domain.MarketID{1})
	require.NoError(t, err)
	require.NoError(t, e.Send(context.Background(), place(1, 1, domain.SideBuy, "1", "1")))

	require.NoError(t, e.Shutdown(context.Background()))
	book, _ := e.Orderbook(1)
	assert.Equal(t, 1, book.Len())
}

func TestEngine_ShutdownDiscardsWhenNotDraining(t *testing.T) {
	e, err := NewOrderbookEngine([]domain.MarketID{1}, WithDrainOnShutdown(false))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, e.Send(ctx, place(1, domain.OrderID(i), domain.SideBuy, "1", "1")))
	}

	waited := make(chan error, 1)
	go func() {
		_, err := e.Submit(ctx, place(1, 99, domain.SideBuy, "1", "1"))
		waited <- err
	}()
	require.Eventually(t, func() bool { return e.QueueLen() == 4 }, time.Second, time.Millisecond)

	require.NoError(t, e.Shutdown(ctx))
	require.ErrorIs(t, <-waited, ErrPipelineClosed)

	book, _ := e.Orderbook(1)
	assert.Equal(t, 0, book.Len())
	assert.Equal(t, uint64(4), e.Stats().Discarded)
}

func TestEngine_ShutdownReleasesBlockedSender(t *testing.T) {
	e, err := NewOrderbookEngine([]domain.MarketID{1}, WithQueueCapacity(1), WithDrainOnShutdown(false))
	require.NoError(t, err)
	require.NoError(t, e.Send(context.Background(), place(1, 1, domain.SideBuy, "1", "1")))

	blocked := make(chan error, 1)
	go func() {
		blocked <- e.Send(context.Background(), place(1, 2, domain.SideBuy, "1", "1"))
	}()

	select {
	case err := <-blocked:
		t.Fatalf("send returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, e.Shutdown(context.Background()))
	err = <-blocked
	require.ErrorIs(t, err, ErrPipelineClosed)
	assert.False(t, IsRetryable(err))
}

func TestEngine_DoubleStart(t *testing.T) {
	e := newStartedEngine(t, []domain.MarketID{1})
	assert.ErrorIs(t, e.Start(), ErrEngineStarted)
}

func TestEngine_PerMarketDispatchKeepsOrderPerOrder(t *testing.T) {
	markets := []domain.MarketID{1, 2, 3, 4}
	e := newStartedEngine(t, markets, WithDispatchMode(DispatchPerMarket), WithQueueCapacity(64))
	assert.Equal(t, 4, e.Stats().Lanes)

	ctx := context.Background()
	var wg sync.WaitGroup
	for _, m := range markets {
		wg.Add(1)
		go func(m domain.MarketID) {
			defer wg.Done()
			for i := 1; i <= 200; i++ {
				id := domain.OrderID(int(m)*1000 + i)
				assert.NoError(t, e.Send(ctx, place(m, id, domain.SideBuy, fmt.Sprint(100+i%5), "1")))
				assert.NoError(t, e.Send(ctx, ModifyCommand(m, id, domain.SideSell, dec("200"), dec("2"), 0)))
				if i%2 == 0 {
					assert.NoError(t, e.Send(ctx, CancelCommand(m, id)))
				}
			}
		}(m)
	}
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(shutdownCtx))

	for _, m := range markets {
		book, _ := e.Orderbook(m)
		assert.Equal(t, 100, book.Len(), "market %d", m)
		assert.Equal(t, 0, book.LevelCount(domain.SideBuy))
		assert.Equal(t, uint64(200+200+100), book.Sequence())

		lv, ok := book.Level(domain.SideSell, dec("200"))
		require.True(t, ok)
		assert.True(t, lv.Size.Equal(dec("200")))
	}
	assert.Equal(t, uint64(0), e.Stats().Rejected)
}

func TestEngine_GlobalDispatchTotalOrder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []domain.OrderID
	)
	sink := domain.EventSinkFunc(func(ev domain.Event) {
		if ev.Type == domain.EventAccepted {
			mu.Lock()
			seen = append(seen, ev.OrderID)
			mu.Unlock()
		}
	})
	e := newStartedEngine(t, []domain.MarketID{1, 2}, WithEventSink(sink))

	ctx := context.Background()
	for i := 1; i <= 100; i++ {
		require.NoError(t, e.Send(ctx, place(domain.MarketID(1+i%2), domain.OrderID(i), domain.SideBuy, "1", "1")))
	}
	require.NoError(t, e.Shutdown(ctx))

	require.Len(t, seen, 100)
	for i, id := range seen {
		assert.Equal(t, domain.OrderID(i+1), id)
	}
}

func TestEngine_SinkPanicDoesNotChangeResult(t *testing.T) {
	sink := domain.EventSinkFunc(func(ev domain.Event) {
		if ev.OrderID == 7 {
			panic(fmt.Sprintf("sink exploded on %s", ev.Type))
		}
	})
	e := newStartedEngine(t, []domain.MarketID{1}, WithEventSink(sink))
	ctx := context.Background()

	res, err := e.Submit(ctx, place(1, 7, domain.SideBuy, "1", "1"))
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res.Status)
	assert.Equal(t, uint64(1), res.Sequence)

	book, ok := e.Orderbook(1)
	require.True(t, ok)
	_, found := book.Lookup(7)
	assert.True(t, found)

	// 重复挂单在应用时被拒绝，rejected 事件同样让 sink panic
	res, err = e.Submit(ctx, place(1, 7, domain.SideBuy, "2", "1"))
	require.ErrorIs(t, err, domain.ErrDuplicateOrder)
	assert.Equal(t, ResultRejected, res.Status)

	// 撤单清空价位，accepted 与 level_emptied 都会 panic
	res, err = e.Submit(ctx, CancelCommand(1, 7))
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res.Status)
	assert.True(t, res.LevelRemoved)

	res, err = e.Submit(ctx, CancelCommand(1, 7))
	require.NoError(t, err)
	assert.Equal(t, ResultNotFound, res.Status)

	res, err = e.Submit(ctx, place(1, 8, domain.SideSell, "3", "1"))
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res.Status)

	stats := e.Stats()
	assert.Equal(t, uint64(3), stats.Applied)
	assert.Equal(t, uint64(1), stats.Rejected)
	assert.Equal(t, uint64(1), stats.NotFound)
	assert.Equal(t, uint64(5), stats.SinkPanics)
	assert.True(t, stats.Accepting)
}

func TestEngine_ConcurrentReadersDuringIngestion(t *testing.T) {
	e := newStartedEngine(t, []domain.MarketID{1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for ctx.Err() == nil {
				snap, err := e.Snapshot(1, 5)
				if !assert.NoError(t, err) {
					return
				}
				assert.LessOrEqual(t, len(snap.Bids), 5)
			}
		}()
	}

	for i := 1; i <= 500; i++ {
		require.NoError(t, e.Send(context.Background(), place(1, domain.OrderID(i), domain.SideBuy, fmt.Sprint(i%50+1), "1")))
	}
	res, err := e.Submit(context.Background(), CancelCommand(1, 500))
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, res.Status)
	cancel()
	readers.Wait()

	book, _ := e.Orderbook(1)
	assert.Equal(t, 499, book.Len())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("wrap: %w", ErrBackpressure)))
	assert.False(t, IsRetryable(ErrPipelineClosed))
	assert.False(t, IsRetryable(errors.New("other")))
	assert.False(t, IsRetryable(&ValidationError{Field: "side", Reason: "is required"}))
}
