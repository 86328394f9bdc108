package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateOrder 订单 ID 已在簿中挂单，拒绝覆盖
	ErrDuplicateOrder = errors.New("duplicate order id")
	ErrInvalidSide    = errors.New("invalid side")
	ErrInvalidOrder   = errors.New("invalid order")
)

func duplicateError(id OrderID) error {
	return fmt.Errorf("%w: order %d already resting", ErrDuplicateOrder, id)
}
