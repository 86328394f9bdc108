package domain

import (
	"fmt"
	"slices"
	"sync"

	"github.com/shopspring/decimal"
)

// PriceLevel 同一价格上的全部挂单及其聚合数量。
// 成员变更与聚合更新在同一把锁内完成，无锁期间 total 恒等于成员 Size 之和。
type PriceLevel struct {
	price decimal.Decimal

	mu     sync.Mutex
	orders map[OrderID]Order
	total  decimal.Decimal
}

func NewPriceLevel(price decimal.Decimal) *PriceLevel {
	return &PriceLevel{
		price:  price,
		orders: make(map[OrderID]Order),
		total:  decimal.Zero,
	}
}

func (l *PriceLevel) Price() decimal.Decimal {
	return l.price
}

// Add 插入订单。同一 ID 已存在时返回 ErrDuplicateOrder，不覆盖。
func (l *PriceLevel) Add(o Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.orders[o.ID]; ok {
		return fmt.Errorf("%w: order %d at level %s", ErrDuplicateOrder, o.ID, l.price)
	}
	l.orders[o.ID] = o
	l.total = l.total.Add(o.Size)
	return nil
}

// Remove 移除并返回订单，不存在时返回 false
func (l *PriceLevel) Remove(id OrderID) (Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[id]
	if !ok {
		return Order{}, false
	}
	delete(l.orders, id)
	l.total = l.total.Sub(o.Size)
	return o, true
}

func (l *PriceLevel) TotalSize() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

func (l *PriceLevel) OrderCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.orders)
}

// Depth 在同一临界区内读取聚合数量与订单数
func (l *PriceLevel) Depth() (decimal.Decimal, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total, len(l.orders)
}

func (l *PriceLevel) IsEmpty() bool {
	return l.OrderCount() == 0
}

// Orders 按订单 ID 升序返回当前成员
func (l *PriceLevel) Orders() []Order {
	l.mu.Lock()
	out := make([]Order, 0, len(l.orders))
	for _, o := range l.orders {
		out = append(out, o)
	}
	l.mu.Unlock()

	slices.SortFunc(out, func(a, b Order) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
