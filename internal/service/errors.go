package service

import "errors"

var (
	ErrEmptyCart         = errors.New("cart is empty, nothing to checkout")
	ErrEmailRequired     = errors.New("email is required for checkout")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrNothingToPay      = errors.New("cart total is zero, nothing to pay")
	// ErrOrderNotReady is returned for status events that arrive before the
	// order exists. The gateway redelivers them.
	ErrOrderNotReady = errors.New("order not yet created for transaction")
	// ErrStatusConflict means concurrent updates kept moving the order's status.
	ErrStatusConflict = errors.New("payment status changed concurrently")
)
