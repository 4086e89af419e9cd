// Package marketdata supplies live prices and daily close history.
//
// Providers talk to a single upstream source. Guarded adds a circuit breaker,
// rate limiting and a hard per-call deadline on top of any provider, and
// Fetcher fans requests out across symbols with bounded concurrency.
package marketdata

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Provider is the market data source consumed by the cycle tracker, the
// rebalance planner and the execution engine.
type Provider interface {
	// LatestPrice returns the most recent trade price for sym.
	LatestPrice(ctx context.Context, sym string) (decimal.Decimal, error)

	// DailyCloses returns up to n daily closes for sym, oldest first.
	// Fewer than n closes is not an error.
	DailyCloses(ctx context.Context, sym string, n int) ([]decimal.Decimal, error)

	// Name identifies the provider in logs and metrics.
	Name() string
}

// Quote is the market state of one symbol at a point in time.
type Quote struct {
	Symbol    string
	Price     decimal.Decimal
	Closes    []decimal.Decimal
	FetchedAt time.Time

	// PriceErr is set when no live price could be obtained. The symbol is
	// then unusable for valuation.
	PriceErr error
	// HistoryErr is set when the close history could not be fetched. The
	// price may still be valid.
	HistoryErr error
}

// Priced reports whether the quote carries a usable price.
func (q Quote) Priced() bool {
	return q.PriceErr == nil && q.Price.IsPositive()
}
