// Package funds enforces cash limits on purchases.
//
// Several executions may run at once (a scheduled sync buying one symbol
// while a rebalance buys another). Each purchase reserves its cost against
// the ledger's cash balance before the trade is applied and releases the
// reservation afterwards, so two concurrent buys can never both spend the
// same dollars.
package funds

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/infinitrader/engine/internal/model"
)

// Budget tracks cash committed to in-flight purchases.
type Budget struct {
	// MinReserve is cash that must stay uninvested after any purchase.
	MinReserve decimal.Decimal

	mu      sync.Mutex
	pending decimal.Decimal
}

// NewBudget creates a budget that keeps minReserve in cash at all times.
func NewBudget(minReserve decimal.Decimal) *Budget {
	if minReserve.IsNegative() {
		minReserve = decimal.Zero
	}
	return &Budget{MinReserve: minReserve}
}

// Reservation is cash held for one purchase until Release is called.
type Reservation struct {
	budget   *Budget
	amount   decimal.Decimal
	released bool
}

// Amount returns the reserved cash.
func (r *Reservation) Amount() decimal.Decimal { return r.amount }

// Release returns the reserved cash to the budget. Safe to call twice.
func (r *Reservation) Release() {
	if r == nil {
		return
	}
	r.budget.mu.Lock()
	defer r.budget.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	r.budget.pending = r.budget.pending.Sub(r.amount)
}

// Check validates a purchase of cost against available cash without
// reserving anything.
func (b *Budget) Check(available, cost decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.check(available, cost)
}

// Reserve validates cost against available cash minus pending reservations
// and holds it. Returns model.ErrInsufficientCash when it does not fit.
func (b *Budget) Reserve(available, cost decimal.Decimal) (*Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.check(available, cost); err != nil {
		return nil, err
	}
	b.pending = b.pending.Add(cost)
	return &Reservation{budget: b, amount: cost}, nil
}

// Pending returns the cash currently reserved by in-flight purchases.
func (b *Budget) Pending() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

func (b *Budget) check(available, cost decimal.Decimal) error {
	free := available.Sub(b.pending).Sub(b.MinReserve)
	if cost.GreaterThan(free) {
		return fmt.Errorf("%w: need %s, free %s (pending %s)",
			model.ErrInsufficientCash, cost.StringFixed(2), free.StringFixed(2), b.pending.StringFixed(2))
	}
	return nil
}
