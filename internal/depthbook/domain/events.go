package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType 领域事件类型
type EventType string

const (
	EventAccepted     EventType = "accepted"
	EventRejected     EventType = "rejected"
	EventNotFound     EventType = "not_found"
	EventLevelEmptied EventType = "level_emptied"
)

// Event 引擎对外发布的结构化事件
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	MarketID   MarketID        `json:"market_id"`
	OrderID    OrderID         `json:"order_id"`
	Action     string          `json:"action,omitempty"`
	Sequence   uint64          `json:"sequence,omitempty"`
	Side       Side            `json:"side,omitempty"`
	Price      decimal.Decimal `json:"price"`
	Reason     string          `json:"reason,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func NewEvent(typ EventType, market MarketID, order OrderID) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		MarketID:   market,
		OrderID:    order,
		OccurredAt: time.Now(),
	}
}

// EventSink 事件出口。引擎只依赖该接口，不关心具体实现。
// Publish 在消费协程内同步调用，实现方不应阻塞。
type EventSink interface {
	Publish(Event)
}

// EventSinkFunc 函数适配器
type EventSinkFunc func(Event)

func (f EventSinkFunc) Publish(e Event) { f(e) }

// NopSink 丢弃全部事件
type NopSink struct{}

func (NopSink) Publish(Event) {}
