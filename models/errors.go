package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrCompanyIdRequired is returned when the context lacks a company id.
	ErrCompanyIdRequired = errors.New("company id is required")

	// ErrConversionNotFound means the item's conversion table has no entry for
	// the requested unit (or no smallest-unit entry at all). Not retryable
	// without fixing the item's reference data.
	ErrConversionNotFound = errors.New("unit conversion not found")

	// ErrInvalidConversion means the smallest-unit conversion value is zero or
	// negative, which would make every quantity computation meaningless.
	ErrInvalidConversion = errors.New("invalid unit conversion")

	// ErrInsufficientStock is wrapped by InsufficientStockError; use
	// errors.Is(err, ErrInsufficientStock) at call sites.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrMutationLocked blocks edits/deletes of a mutation whose destination
	// lots have already been consumed downstream.
	ErrMutationLocked = errors.New("mutation has downstream usage and is locked")

	// ErrOrphanedReference is raised when reversing a mutation line whose
	// destination lot row no longer exists. Normal operations should never
	// encounter it if invariants hold; the integrity auditor reports the
	// underlying corruption.
	ErrOrphanedReference = errors.New("orphaned reference")

	ErrorFarmNotFound        = errors.New("farm not found")
	ErrorItemNotFound        = errors.New("item not found")
	ErrorQuantityNotPositive = errors.New("quantity must be greater than zero")
)

// InsufficientStockError carries the item identity and the shortfall in the
// caller's input unit; these are the most common operator-facing failures and
// the message must be actionable without looking at the ledger.
type InsufficientStockError struct {
	ItemId    int
	ItemName  string
	UnitName  string
	Shortfall decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	if e.UnitName != "" {
		return fmt.Sprintf("insufficient stock for %s: short by %s %s", e.ItemName, e.Shortfall.String(), e.UnitName)
	}
	return fmt.Sprintf("insufficient stock for %s: short by %s", e.ItemName, e.Shortfall.String())
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}
