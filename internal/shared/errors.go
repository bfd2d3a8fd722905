// Package shared holds the cross-cutting kernel used by every domain
// package: the command error taxonomy, idempotency bookkeeping and
// pagination metadata.
package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates malformed or out-of-range input. The caller
	// must correct the request and resubmit; nothing is retried here.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates an unknown product, customer, sale or payment id.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates an operation blocked by existing references,
	// e.g. deleting a product that historic sales still point at.
	ErrConflict = errors.New("conflict")
	// ErrOverpayment indicates a payment exceeding the outstanding amount
	// of the targeted sale or customer balance.
	ErrOverpayment = errors.New("overpayment")
	// ErrInsufficientStock is the target for errors.Is checks against
	// InsufficientStockError values.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// InsufficientStockError names the product that blocked a sale and by how
// much the requested quantity exceeds what is on hand.
type InsufficientStockError struct {
	ProductID   string
	ProductName string
	Requested   int64
	Available   int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s (%s): requested %d, available %d",
		e.ProductName, e.ProductID, e.Requested, e.Available)
}

// Is lets errors.Is(err, ErrInsufficientStock) match.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Shortfall reports how many units the sale was short by.
func (e *InsufficientStockError) Shortfall() int64 {
	return e.Requested - e.Available
}
