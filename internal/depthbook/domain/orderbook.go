package domain

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

const btreeDegree = 32

// priceKey 把价格映射为按价格全序的 uint64。
// 先将 IEEE-754 位模式转为无符号全序整数，买盘再按位取反，
// 使得两侧按 key 升序遍历时分别得到买盘降序、卖盘升序。
func priceKey(side Side, price decimal.Decimal) uint64 {
	b := math.Float64bits(price.InexactFloat64())
	if b&(1<<63) != 0 {
		b = ^b
	} else {
		b |= 1 << 63
	}
	if side == SideBuy {
		return ^b
	}
	return b
}

// bookSide 单侧订单簿：有序价格档位 + 独立读写锁
type bookSide struct {
	side   Side
	mu     sync.RWMutex
	levels *btree.Map[uint64, *PriceLevel]
}

func newBookSide(side Side) *bookSide {
	return &bookSide{side: side, levels: btree.NewMap[uint64, *PriceLevel](btreeDegree)}
}

type location struct {
	side Side
	key  uint64
}

// LevelRef 指向某一侧的某个价格档位
type LevelRef struct {
	Side  Side            `json:"side"`
	Price decimal.Decimal `json:"price"`
}

// Mutation 一次成功变更的结果
type Mutation struct {
	Sequence uint64
	// Emptied 非空表示该档位因本次变更被移除
	Emptied *LevelRef
	// Replaced 仅对 ModifyOrder 有意义：true 表示替换了原有挂单，false 表示新挂单
	Replaced bool
}

func (m Mutation) LevelRemoved() bool {
	return m.Emptied != nil
}

// Orderbook 单个市场的被动订单簿，只存储挂单并提供深度视图，不做撮合。
//
// 锁顺序固定为 bids -> asks -> index -> level。
// 结构性变更（档位创建/删除、反向索引增删）持有对应侧的写锁；
// 快照读取按侧分别持有读锁，任何时候都没有覆盖整本簿的锁。
type Orderbook struct {
	marketID MarketID

	bids *bookSide
	asks *bookSide

	indexMu sync.RWMutex
	index   map[OrderID]location

	sequence   atomic.Uint64
	lastUpdate atomic.Int64
}

func NewOrderbook(marketID MarketID) *Orderbook {
	return &Orderbook{
		marketID: marketID,
		bids:     newBookSide(SideBuy),
		asks:     newBookSide(SideSell),
		index:    make(map[OrderID]location),
	}
}

func (b *Orderbook) MarketID() MarketID { return b.marketID }

// Sequence 当前序列号，每次成功变更恰好 +1
func (b *Orderbook) Sequence() uint64 { return b.sequence.Load() }

// LastUpdate 最近一次挂单（AddOrder/ModifyOrder）携带的时间戳
func (b *Orderbook) LastUpdate() int64 { return b.lastUpdate.Load() }

func (b *Orderbook) side(s Side) *bookSide {
	if s == SideBuy {
		return b.bids
	}
	return b.asks
}

func (b *Orderbook) locate(id OrderID) (location, bool) {
	b.indexMu.RLock()
	defer b.indexMu.RUnlock()
	loc, ok := b.index[id]
	return loc, ok
}

// AddOrder 挂单。按需创建档位，登记反向索引，序列号 +1 并记录时间戳。
// 簿内已存在同 ID 时返回 ErrDuplicateOrder 且不改变任何状态。
func (b *Orderbook) AddOrder(id OrderID, side Side, price, size decimal.Decimal, ts int64) (Mutation, error) {
	o, err := NewOrder(id, side, price, size, ts)
	if err != nil {
		return Mutation{}, err
	}

	s := b.side(side)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := b.place(s, o); err != nil {
		return Mutation{}, err
	}
	b.lastUpdate.Store(ts)
	return Mutation{Sequence: b.sequence.Add(1)}, nil
}

// CancelOrder 撤单。订单不存在时返回 false，状态与序列号均不变。
// 档位清空后在同一写锁范围内删除，不会与并发的同价挂单交错。
func (b *Orderbook) CancelOrder(id OrderID) (Mutation, bool) {
	for {
		loc, ok := b.locate(id)
		if !ok {
			return Mutation{}, false
		}

		s := b.side(loc.side)
		s.mu.Lock()
		cur, ok := b.locate(id)
		if !ok {
			s.mu.Unlock()
			return Mutation{}, false
		}
		if cur.side != loc.side {
			// 等锁期间被改到另一侧
			s.mu.Unlock()
			continue
		}

		m, _ := b.remove(s, id, cur.key)
		m.Sequence = b.sequence.Add(1)
		s.mu.Unlock()
		return m, true
	}
}

// ModifyOrder 以同一 ID 撤单再挂单。两侧写锁在整个过程中一直持有，
// 读者看不到订单缺席的中间状态。一次修改序列号只 +1。
// 原订单不存在时直接挂单，Mutation.Replaced 为 false。
func (b *Orderbook) ModifyOrder(id OrderID, side Side, price, size decimal.Decimal, ts int64) (Mutation, error) {
	o, err := NewOrder(id, side, price, size, ts)
	if err != nil {
		return Mutation{}, err
	}

	b.bids.mu.Lock()
	defer b.bids.mu.Unlock()
	b.asks.mu.Lock()
	defer b.asks.mu.Unlock()

	var (
		m    Mutation
		prev Order
	)
	if loc, ok := b.locate(id); ok {
		rm, old := b.remove(b.side(loc.side), id, loc.key)
		m.Emptied = rm.Emptied
		m.Replaced = true
		prev = old
	}

	if err := b.place(b.side(side), o); err != nil {
		if m.Replaced {
			_ = b.place(b.side(prev.Side), prev)
		}
		return Mutation{}, err
	}

	// 新挂单落回刚被清空的档位，该档位实际上仍然存在
	if m.Emptied != nil && priceKey(m.Emptied.Side, m.Emptied.Price) == priceKey(side, price) && m.Emptied.Side == side {
		m.Emptied = nil
	}

	b.lastUpdate.Store(ts)
	m.Sequence = b.sequence.Add(1)
	return m, nil
}

// place 调用方须持有 s 的写锁
func (b *Orderbook) place(s *bookSide, o Order) error {
	key := priceKey(o.Side, o.Price)

	b.indexMu.Lock()
	if _, ok := b.index[o.ID]; ok {
		b.indexMu.Unlock()
		return duplicateError(o.ID)
	}
	b.index[o.ID] = location{side: o.Side, key: key}
	b.indexMu.Unlock()

	lvl, existed := s.levels.Get(key)
	if !existed {
		lvl = NewPriceLevel(o.Price)
		s.levels.Set(key, lvl)
	}
	if err := lvl.Add(o); err != nil {
		b.indexMu.Lock()
		delete(b.index, o.ID)
		b.indexMu.Unlock()
		if !existed {
			s.levels.Delete(key)
		}
		return err
	}
	return nil
}

// remove 调用方须持有 s 的写锁。返回的 Mutation 不含序列号。
func (b *Orderbook) remove(s *bookSide, id OrderID, key uint64) (Mutation, Order) {
	b.indexMu.Lock()
	delete(b.index, id)
	b.indexMu.Unlock()

	var m Mutation
	lvl, ok := s.levels.Get(key)
	if !ok {
		return m, Order{}
	}
	o, _ := lvl.Remove(id)
	if lvl.IsEmpty() {
		s.levels.Delete(key)
		m.Emptied = &LevelRef{Side: s.side, Price: lvl.Price()}
	}
	return m, o
}

// Lookup 通过反向索引查找挂单
// 同时持有两侧读锁，与 ModifyOrder 的跨侧移动互斥。
func (b *Orderbook) Lookup(id OrderID) (Order, bool) {
	b.bids.mu.RLock()
	defer b.bids.mu.RUnlock()
	b.asks.mu.RLock()
	defer b.asks.mu.RUnlock()

	loc, ok := b.locate(id)
	if !ok {
		return Order{}, false
	}
	lvl, ok := b.side(loc.side).levels.Get(loc.key)
	if !ok {
		return Order{}, false
	}
	for _, o := range lvl.Orders() {
		if o.ID == id {
			return o, true
		}
	}
	return Order{}, false
}

// Len 当前挂单总数。持有两侧读锁，与档位中实际挂着的订单数一致。
func (b *Orderbook) Len() int {
	b.bids.mu.RLock()
	defer b.bids.mu.RUnlock()
	b.asks.mu.RLock()
	defer b.asks.mu.RUnlock()
	b.indexMu.RLock()
	defer b.indexMu.RUnlock()
	return len(b.index)
}

// LevelCount 某一侧的档位数
func (b *Orderbook) LevelCount(side Side) int {
	s := b.side(side)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.levels.Len()
}

// Level 返回指定价格的档位视图，不存在时返回 false
func (b *Orderbook) Level(side Side, price decimal.Decimal) (LevelView, bool) {
	s := b.side(side)
	s.mu.RLock()
	defer s.mu.RUnlock()

	lvl, ok := s.levels.Get(priceKey(side, price))
	if !ok {
		return LevelView{}, false
	}
	size, count := lvl.Depth()
	return LevelView{Price: lvl.Price(), Size: size, OrderCount: count}, true
}
