package domain

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAdd(t *testing.T, b *Orderbook, id OrderID, side Side, price, size string) Mutation {
	t.Helper()
	m, err := b.AddOrder(id, side, d(price), d(size), int64(id))
	require.NoError(t, err)
	return m
}

// indexConsistent 反向索引条目与档位成员一一对应
func indexConsistent(t *testing.T, b *Orderbook) {
	t.Helper()
	resting := 0
	for _, s := range []*bookSide{b.bids, b.asks} {
		s.mu.RLock()
		s.levels.Scan(func(key uint64, lvl *PriceLevel) bool {
			var sum decimal.Decimal
			orders := lvl.Orders()
			assert.NotEmpty(t, orders, "empty level left in side %s", s.side)
			for _, o := range orders {
				loc, ok := b.locate(o.ID)
				assert.True(t, ok, "order %d missing from index", o.ID)
				assert.Equal(t, location{side: s.side, key: key}, loc)
				sum = sum.Add(o.Size)
				resting++
			}
			assert.True(t, lvl.TotalSize().Equal(sum), "aggregate %s != %s", lvl.TotalSize(), sum)
			return true
		})
		s.mu.RUnlock()
	}
	assert.Equal(t, resting, b.Len())
}

func TestPriceKeyOrdering(t *testing.T) {
	prices := []string{"0.0001", "0.5", "1", "99.99", "100", "100.01", "123456.789"}
	for i := 1; i < len(prices); i++ {
		lo, hi := d(prices[i-1]), d(prices[i])
		assert.Less(t, priceKey(SideSell, lo), priceKey(SideSell, hi), "asks ascend: %s < %s", lo, hi)
		assert.Greater(t, priceKey(SideBuy, lo), priceKey(SideBuy, hi), "bids descend: %s > %s", hi, lo)
	}
	assert.Equal(t, priceKey(SideBuy, d("100")), priceKey(SideBuy, d("100.000")))
}

func TestOrderbook_AddAdvancesSequence(t *testing.T) {
	b := NewOrderbook(1)
	m1 := mustAdd(t, b, 1, SideBuy, "100", "5")
	m2 := mustAdd(t, b, 2, SideSell, "101", "1")

	assert.Equal(t, uint64(1), m1.Sequence)
	assert.Equal(t, uint64(2), m2.Sequence)
	assert.Equal(t, uint64(2), b.Sequence())
	assert.Equal(t, int64(2), b.LastUpdate())
	indexConsistent(t, b)
}

func TestOrderbook_DuplicateRejectedWithoutStateChange(t *testing.T) {
	b := NewOrderbook(1)
	mustAdd(t, b, 1, SideBuy, "100", "5")
	before := b.Snapshot(10)

	_, err := b.AddOrder(1, SideSell, d("105"), d("1"), 99)
	require.ErrorIs(t, err, ErrDuplicateOrder)

	after := b.Snapshot(10)
	assert.Equal(t, before, after)
	assert.Equal(t, 0, b.LevelCount(SideSell))
	indexConsistent(t, b)
}

func TestOrderbook_InvalidOrderRejected(t *testing.T) {
	b := NewOrderbook(1)
	_, err := b.AddOrder(1, Side(0), d("1"), d("1"), 0)
	require.ErrorIs(t, err, ErrInvalidSide)
	_, err = b.AddOrder(1, SideBuy, d("0"), d("1"), 0)
	require.ErrorIs(t, err, ErrInvalidOrder)
	_, err = b.AddOrder(1, SideBuy, d("1"), d("-1"), 0)
	require.ErrorIs(t, err, ErrInvalidOrder)
	assert.Equal(t, uint64(0), b.Sequence())
}

func TestOrderbook_CancelUnknownIsNoop(t *testing.T) {
	b := NewOrderbook(1)
	mustAdd(t, b, 1, SideBuy, "100", "5")
	before := b.Snapshot(10)

	m, ok := b.CancelOrder(42)
	assert.False(t, ok)
	assert.Equal(t, Mutation{}, m)
	assert.Equal(t, before, b.Snapshot(10))
	assert.Equal(t, uint64(1), b.Sequence())
}

func TestOrderbook_PlaceThenCancelRestoresBook(t *testing.T) {
	b := NewOrderbook(1)
	mustAdd(t, b, 1, SideBuy, "100.0", "5")

	m, ok := b.CancelOrder(1)
	require.True(t, ok)
	assert.Equal(t, uint64(2), m.Sequence)
	require.True(t, m.LevelRemoved())
	assert.Equal(t, SideBuy, m.Emptied.Side)
	assert.True(t, m.Emptied.Price.Equal(d("100")))

	_, exists := b.Level(SideBuy, d("100.0"))
	assert.False(t, exists)
	assert.Equal(t, 0, b.LevelCount(SideBuy))
	assert.Equal(t, 0, b.Len())
	_, found := b.Lookup(1)
	assert.False(t, found)

	snap := b.Snapshot(5)
	assert.Empty(t, snap.Bids)
	assert.Empty(t, snap.Asks)
	assert.True(t, snap.Spread.IsZero())
	// 撤单不刷新时间戳
	assert.Equal(t, int64(1), b.LastUpdate())
}

func TestOrderbook_CancelKeepsNonEmptyLevel(t *testing.T) {
	b := NewOrderbook(1)
	mustAdd(t, b, 1, SideSell, "10", "1")
	mustAdd(t, b, 2, SideSell, "10", "2")

	m, ok := b.CancelOrder(1)
	require.True(t, ok)
	assert.False(t, m.LevelRemoved())

	lv, exists := b.Level(SideSell, d("10"))
	require.True(t, exists)
	assert.True(t, lv.Size.Equal(d("2")))
	assert.Equal(t, 1, lv.OrderCount)
	indexConsistent(t, b)
}

func TestOrderbook_SnapshotOrderingAndSpread(t *testing.T) {
	b := NewOrderbook(7)
	mustAdd(t, b, 1, SideBuy, "99.0", "3")
	mustAdd(t, b, 2, SideBuy, "100.0", "2")
	mustAdd(t, b, 3, SideSell, "101.0", "4")

	snap := b.Snapshot(5)
	assert.Equal(t, MarketID(7), snap.MarketID)
	assert.Equal(t, uint64(3), snap.Sequence)
	assert.Equal(t, int64(3), snap.Timestamp)

	require.Len(t, snap.Bids, 2)
	assert.True(t, snap.Bids[0].Price.Equal(d("100")))
	assert.True(t, snap.Bids[0].Size.Equal(d("2")))
	assert.True(t, snap.Bids[1].Price.Equal(d("99")))
	assert.Equal(t, 1, snap.Bids[1].OrderCount)

	require.Len(t, snap.Asks, 1)
	assert.True(t, snap.Asks[0].Price.Equal(d("101")))
	assert.True(t, snap.Asks[0].Size.Equal(d("4")))

	assert.True(t, snap.Spread.Equal(d("1")), "spread %s", snap.Spread)
}

func TestOrderbook_SnapshotDepthLimit(t *testing.T) {
	b := NewOrderbook(1)
	for i := 1; i <= 10; i++ {
		mustAdd(t, b, OrderID(i), SideSell, decimal.NewFromInt(int64(100+i)).String(), "1")
		mustAdd(t, b, OrderID(100+i), SideBuy, decimal.NewFromInt(int64(i)).String(), "1")
	}

	snap := b.Snapshot(3)
	require.Len(t, snap.Asks, 3)
	assert.True(t, snap.Asks[0].Price.Equal(d("101")))
	assert.True(t, snap.Asks[2].Price.Equal(d("103")))
	require.Len(t, snap.Bids, 3)
	assert.True(t, snap.Bids[0].Price.Equal(d("10")))
	assert.True(t, snap.Bids[2].Price.Equal(d("8")))

	assert.Empty(t, b.Snapshot(0).Bids)
	assert.Len(t, b.Snapshot(50).Asks, 10)
}

func TestOrderbook_SpreadZeroWhenOneSideEmpty(t *testing.T) {
	b := NewOrderbook(1)
	mustAdd(t, b, 1, SideBuy, "50", "1")
	assert.True(t, b.Snapshot(5).Spread.IsZero())
}

func TestOrderbook_ModifyIsSingleMutation(t *testing.T) {
	b := NewOrderbook(1)
	mustAdd(t, b, 1, SideBuy, "100", "5")

	m, err := b.ModifyOrder(1, SideSell, d("105"), d("2"), 77)
	require.NoError(t, err)
	assert.True(t, m.Replaced)
	assert.Equal(t, uint64(2), m.Sequence)
	require.True(t, m.LevelRemoved())
	assert.Equal(t, SideBuy, m.Emptied.Side)

	o, ok := b.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, SideSell, o.Side)
	assert.True(t, o.Size.Equal(d("2")))
	assert.Equal(t, int64(77), b.LastUpdate())
	assert.Equal(t, 0, b.LevelCount(SideBuy))
	indexConsistent(t, b)
}

func TestOrderbook_ModifySamePriceKeepsLevel(t *testing.T) {
	b := NewOrderbook(1)
	mustAdd(t, b, 1, SideBuy, "100", "5")

	m, err := b.ModifyOrder(1, SideBuy, d("100"), d("3"), 2)
	require.NoError(t, err)
	assert.False(t, m.LevelRemoved())

	lv, ok := b.Level(SideBuy, d("100"))
	require.True(t, ok)
	assert.True(t, lv.Size.Equal(d("3")))
	indexConsistent(t, b)
}

func TestOrderbook_ModifyUnknownPlaces(t *testing.T) {
	b := NewOrderbook(1)
	m, err := b.ModifyOrder(9, SideSell, d("5"), d("1"), 0)
	require.NoError(t, err)
	assert.False(t, m.Replaced)
	assert.Equal(t, uint64(1), m.Sequence)
	assert.Equal(t, 1, b.Len())
}

func TestOrderbook_ModifyNeverObservedAbsent(t *testing.T) {
	b := NewOrderbook(1)
	mustAdd(t, b, 1, SideBuy, "100", "1")

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			side := SideBuy
			if i%2 == 0 {
				side = SideSell
			}
			_, err := b.ModifyOrder(1, side, d("100"), d("1"), int64(i))
			assert.NoError(t, err)
		}
		close(done)
	}()

	for {
		select {
		case <-done:
			wg.Wait()
			assert.Equal(t, uint64(2001), b.Sequence())
			return
		default:
		}
		snap := b.Snapshot(1)
		assert.LessOrEqual(t, len(snap.Bids)+len(snap.Asks), 2)
		_, ok := b.Lookup(1)
		assert.True(t, ok, "order observed absent during modify")
	}
}

func TestOrderbook_ConcurrentAddCancelSamePrice(t *testing.T) {
	const n = 500
	b := NewOrderbook(1)

	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(id OrderID) {
			defer wg.Done()
			_, err := b.AddOrder(id, SideBuy, d("100"), d("1"), 0)
			assert.NoError(t, err)
		}(OrderID(i))
	}
	wg.Wait()

	lv, ok := b.Level(SideBuy, d("100"))
	require.True(t, ok)
	assert.Equal(t, n, lv.OrderCount)
	assert.True(t, lv.Size.Equal(decimal.NewFromInt(n)))

	var removed sync.Map
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(id OrderID) {
			defer wg.Done()
			m, ok := b.CancelOrder(id)
			assert.True(t, ok)
			if m.LevelRemoved() {
				removed.Store(id, true)
			}
		}(OrderID(i))
	}
	wg.Wait()

	emptied := 0
	removed.Range(func(_, _ any) bool { emptied++; return true })
	assert.Equal(t, 1, emptied, "exactly one cancel removes the level")
	assert.Equal(t, 0, b.LevelCount(SideBuy))
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, uint64(2*n), b.Sequence())
}

func TestOrderbook_ConcurrentReadersAndWriter(t *testing.T) {
	b := NewOrderbook(1)
	stop := make(chan struct{})

	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			var last uint64
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := b.Snapshot(10)
				assert.GreaterOrEqual(t, snap.Sequence, last, "sequence went backwards")
				last = snap.Sequence
				for i := 1; i < len(snap.Bids); i++ {
					assert.True(t, snap.Bids[i-1].Price.GreaterThan(snap.Bids[i].Price))
				}
				for i := 1; i < len(snap.Asks); i++ {
					assert.True(t, snap.Asks[i-1].Price.LessThan(snap.Asks[i].Price))
				}
			}
		}()
	}

	for i := 1; i <= 1000; i++ {
		id := OrderID(i)
		price := decimal.NewFromInt(int64(90 + i%20))
		side := SideBuy
		if i%20 >= 10 {
			side = SideSell
		}
		_, err := b.AddOrder(id, side, price, d("1"), int64(i))
		require.NoError(t, err)
		if i%3 == 0 {
			b.CancelOrder(id - 1)
		}
	}
	close(stop)
	readers.Wait()
	indexConsistent(t, b)
}

// restingUnderSideLocks 在两侧读锁下同时统计索引条目与档位中的订单数
func restingUnderSideLocks(b *Orderbook) (indexed, held int) {
	b.bids.mu.RLock()
	defer b.bids.mu.RUnlock()
	b.asks.mu.RLock()
	defer b.asks.mu.RUnlock()

	for _, s := range []*bookSide{b.bids, b.asks} {
		s.levels.Scan(func(_ uint64, lvl *PriceLevel) bool {
			held += lvl.OrderCount()
			return true
		})
	}
	b.indexMu.RLock()
	indexed = len(b.index)
	b.indexMu.RUnlock()
	return indexed, held
}

func TestOrderbook_LenMatchesRestingOrdersDuringWrites(t *testing.T) {
	const n = 400
	b := NewOrderbook(1)
	stop := make(chan struct{})
	var started atomic.Int64

	var reader sync.WaitGroup
	reader.Add(1)
	go func() {
		defer reader.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			indexed, held := restingUnderSideLocks(b)
			assert.Equal(t, indexed, held, "index and levels diverge under side locks")
			assert.LessOrEqual(t, int64(b.Len()), started.Load())
		}
	}()

	var writers sync.WaitGroup
	for i := 1; i <= n; i++ {
		writers.Add(1)
		go func(id OrderID) {
			defer writers.Done()
			side := SideBuy
			if id%2 == 0 {
				side = SideSell
			}
			started.Add(1)
			_, err := b.AddOrder(id, side, decimal.NewFromInt(int64(100+id%7)), d("1"), int64(id))
			assert.NoError(t, err)
			if id%3 == 0 {
				_, ok := b.CancelOrder(id)
				assert.True(t, ok)
			}
		}(OrderID(i))
	}
	writers.Wait()
	close(stop)
	reader.Wait()

	assert.Equal(t, n-n/3, b.Len())
	indexConsistent(t, b)
}

func TestOrderbook_CancelRacesModifyAcrossSides(t *testing.T) {
	const rounds = 2000
	b := NewOrderbook(1)
	mustAdd(t, b, 1, SideBuy, "100", "1")

	var (
		wg        sync.WaitGroup
		modified  atomic.Uint64
		cancelled atomic.Uint64
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			side, price := SideBuy, d("99")
			if i%2 == 0 {
				side, price = SideSell, d("101")
			}
			_, err := b.ModifyOrder(1, side, price, d("1"), int64(i))
			if assert.NoError(t, err) {
				modified.Add(1)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if m, ok := b.CancelOrder(1); ok {
				cancelled.Add(1)
				assert.NotZero(t, m.Sequence)
			}
		}
	}()
	wg.Wait()

	indexConsistent(t, b)
	assert.LessOrEqual(t, b.Len(), 1)
	assert.Equal(t, 1+modified.Load()+cancelled.Load(), b.Sequence())
	for _, side := range []Side{SideBuy, SideSell} {
		assert.LessOrEqual(t, b.LevelCount(side), 1)
	}
}
