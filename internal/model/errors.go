package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInactiveSettings is returned when a sync runs while deployment is disabled.
	ErrInactiveSettings = errors.New("deployment is not active")

	// ErrMarketDataUnavailable is returned when a price cannot be fetched in time.
	ErrMarketDataUnavailable = errors.New("market data unavailable")

	// ErrInsufficientHistory is returned when fewer closes exist than the MA period.
	ErrInsufficientHistory = errors.New("insufficient price history")

	// ErrStalePlan is returned when a plan no longer matches live prices.
	ErrStalePlan = errors.New("plan is stale, preview again")

	// ErrInsufficientCash is returned when a BUY exceeds available cash.
	ErrInsufficientCash = errors.New("insufficient cash")

	// ErrInsufficientQuantity is returned when a SELL exceeds the held quantity.
	ErrInsufficientQuantity = errors.New("insufficient quantity")

	// ErrConcurrentMutation is returned when a symbol lock cannot be acquired in time.
	ErrConcurrentMutation = errors.New("symbol is busy, retry later")

	// ErrInvalidSettings is returned when settings fail validation.
	ErrInvalidSettings = errors.New("invalid settings")

	// ErrInvalidPlan is returned when a submitted plan is malformed.
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
)

// SymbolError attaches a symbol to one of the sentinel errors above.
type SymbolError struct {
	Symbol string
	Err    error
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Symbol, e.Err)
}

func (e *SymbolError) Unwrap() error { return e.Err }

// NewSymbolError wraps err for sym. An error already attached to sym is
// returned as is.
func NewSymbolError(sym string, err error) error {
	var se *SymbolError
	if errors.As(err, &se) && se.Symbol == sym {
		return err
	}
	return &SymbolError{Symbol: sym, Err: err}
}
