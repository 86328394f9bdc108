package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MarketID 市场标识，在引擎构造时固定
type MarketID uint16

// OrderID 订单标识，全系统唯一
type OrderID uint64

// Side 买卖方向
type Side int8

const (
	SideBuy Side = iota + 1
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Valid 判断方向是否合法
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// ParseSide 解析 "buy" / "sell"，大小写不敏感
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidSide, v)
	}
}

func (s Side) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Side) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseSide(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Order 挂单，不可变值对象。Size 为剩余数量。
type Order struct {
	ID        OrderID         `json:"order_id"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Timestamp int64           `json:"timestamp"`
}

// NewOrder 构造并校验订单
func NewOrder(id OrderID, side Side, price, size decimal.Decimal, ts int64) (Order, error) {
	if !side.Valid() {
		return Order{}, fmt.Errorf("order %d: %w", id, ErrInvalidSide)
	}
	if !price.IsPositive() {
		return Order{}, fmt.Errorf("order %d: %w: price must be positive", id, ErrInvalidOrder)
	}
	if !size.IsPositive() {
		return Order{}, fmt.Errorf("order %d: %w: size must be positive", id, ErrInvalidOrder)
	}
	return Order{ID: id, Side: side, Price: price, Size: size, Timestamp: ts}, nil
}
