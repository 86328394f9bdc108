package application

import (
	"encoding/json"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/depthbook/internal/depthbook/domain"
)

// Action 命令类型
type Action string

const (
	ActionPlace  Action = "place"
	ActionCancel Action = "cancel"
	ActionModify Action = "modify"
)

// Command 入站命令的线上格式
type Command struct {
	Action    Action              `json:"action"`
	MarketID  domain.MarketID     `json:"market_id"`
	OrderID   domain.OrderID      `json:"order_id"`
	Side      string              `json:"side,omitempty"`
	Price     decimal.NullDecimal `json:"price"`
	Size      decimal.NullDecimal `json:"size"`
	Timestamp int64               `json:"timestamp,omitempty"`
}

func PlaceCommand(market domain.MarketID, id domain.OrderID, side domain.Side, price, size decimal.Decimal, ts int64) Command {
	return Command{
		Action:    ActionPlace,
		MarketID:  market,
		OrderID:   id,
		Side:      side.String(),
		Price:     decimal.NewNullDecimal(price),
		Size:      decimal.NewNullDecimal(size),
		Timestamp: ts,
	}
}

func ModifyCommand(market domain.MarketID, id domain.OrderID, side domain.Side, price, size decimal.Decimal, ts int64) Command {
	cmd := PlaceCommand(market, id, side, price, size, ts)
	cmd.Action = ActionModify
	return cmd
}

func CancelCommand(market domain.MarketID, id domain.OrderID) Command {
	return Command{Action: ActionCancel, MarketID: market, OrderID: id}
}

// DecodeCommand 解析 JSON 命令并校验，失败统一返回 *ValidationError
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, &ValidationError{Field: "body", Reason: err.Error()}
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// Validate 校验必填字段。place/modify 需要合法的 side 以及为正的 price、size。
func (c Command) Validate() error {
	switch c.Action {
	case ActionCancel:
		return nil
	case ActionPlace, ActionModify:
	case "":
		return &ValidationError{Field: "action", Reason: "is required"}
	default:
		return &ValidationError{Field: "action", Reason: "must be one of place, cancel, modify"}
	}

	if c.Side == "" {
		return &ValidationError{Field: "side", Reason: "is required"}
	}
	if _, err := domain.ParseSide(c.Side); err != nil {
		return &ValidationError{Field: "side", Reason: "must be buy or sell"}
	}
	if !c.Price.Valid {
		return &ValidationError{Field: "price", Reason: "is required"}
	}
	if !c.Price.Decimal.IsPositive() {
		return &ValidationError{Field: "price", Reason: "must be positive"}
	}
	if !c.Size.Valid {
		return &ValidationError{Field: "size", Reason: "is required"}
	}
	if !c.Size.Decimal.IsPositive() {
		return &ValidationError{Field: "size", Reason: "must be positive"}
	}
	return nil
}

// side 仅在 Validate 通过后调用
func (c Command) side() domain.Side {
	s, _ := domain.ParseSide(c.Side)
	return s
}
