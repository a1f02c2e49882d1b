package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrInconsistentStock    = errors.New("inconsistent stock")
	ErrInvalidReference     = errors.New("invalid reference")
	ErrNoOpenShift          = errors.New("no open shift")
	ErrShiftAlreadyOpen     = errors.New("shift already open")
	ErrShiftClosed          = errors.New("shift is not open")
	ErrShiftAlreadyClosed   = errors.New("shift already closed")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidPaymentAmount = errors.New("invalid payment amount")
	ErrInvalidPaymentMethod = errors.New("invalid payment method")
	ErrAlreadyReturned      = errors.New("sale already returned")
	ErrInvalidTransition    = errors.New("invalid shift transition")
	ErrInvalidAdjustment    = errors.New("invalid adjustment")
	ErrCashierOnShift       = errors.New("cashier holds an active shift")
)

// InsufficientStockError carries the shortfall for one product.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

type InconsistentStockError struct {
	EntryID string
	Before  int
	Delta   int
	After   int
}

func (e *InconsistentStockError) Error() string {
	return fmt.Sprintf("inconsistent stock in entry %s: %d%+d != %d", e.EntryID, e.Before, e.Delta, e.After)
}

func (e *InconsistentStockError) Unwrap() error {
	return ErrInconsistentStock
}
