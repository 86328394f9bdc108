package domain

import "github.com/shopspring/decimal"

// LevelView 快照中的单个档位
type LevelView struct {
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	OrderCount int             `json:"order_count"`
}

// Snapshot 订单簿深度视图，买卖两侧均按最优价优先排列
type Snapshot struct {
	MarketID  MarketID        `json:"market_id"`
	Sequence  uint64          `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
	Bids      []LevelView     `json:"bids"`
	Asks      []LevelView     `json:"asks"`
	Spread    decimal.Decimal `json:"spread"`
}

// BestBid 最优买价，买盘为空时返回 false
func (s Snapshot) BestBid() (decimal.Decimal, bool) {
	if len(s.Bids) == 0 {
		return decimal.Zero, false
	}
	return s.Bids[0].Price, true
}

// BestAsk 最优卖价，卖盘为空时返回 false
func (s Snapshot) BestAsk() (decimal.Decimal, bool) {
	if len(s.Asks) == 0 {
		return decimal.Zero, false
	}
	return s.Asks[0].Price, true
}

// Snapshot 生成深度快照。
//
// 读一致性约定：
//   - 每一侧在自己的读锁内读取，读取时刻该侧的档位集合是精确的；
//   - 买卖两侧分别加锁读取，两次读取之间可能夹着一次变更，跨侧不保证线性一致；
//   - 单个档位的数量与订单数在档位锁内成对读取；
//   - 序列号与时间戳在两侧读完之后读取，因此不小于任一侧所反映的变更。
//
// depth <= 0 时两侧均为空。
func (b *Orderbook) Snapshot(depth int) Snapshot {
	snap := Snapshot{
		MarketID: b.marketID,
		Bids:     b.bids.top(depth),
		Asks:     b.asks.top(depth),
		Spread:   decimal.Zero,
	}
	snap.Sequence = b.sequence.Load()
	snap.Timestamp = b.lastUpdate.Load()

	bid, okBid := snap.BestBid()
	ask, okAsk := snap.BestAsk()
	if okBid && okAsk {
		snap.Spread = ask.Sub(bid)
	}
	return snap
}

func (s *bookSide) top(depth int) []LevelView {
	if depth <= 0 {
		return []LevelView{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]LevelView, 0, min(depth, s.levels.Len()))
	s.levels.Scan(func(_ uint64, lvl *PriceLevel) bool {
		size, count := lvl.Depth()
		out = append(out, LevelView{Price: lvl.Price(), Size: size, OrderCount: count})
		return len(out) < depth
	})
	return out
}
