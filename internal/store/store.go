// Package store defines the persistence interface for the rebalance engine.
// Implementations include PostgreSQL and SQLite (sources of truth), Redis
// (read-through cache), and in-memory (for testing and development).
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/infinitrader/engine/internal/model"
)

// Store is the persistence interface. It covers the settings singleton,
// per-symbol cycle state and the position ledger.
//
// Stores do not lock symbols. Callers that mutate a symbol must hold that
// symbol's lock (see package symlock).
type Store interface {
	// --- Settings ---

	// GetSettings returns the saved settings or model.ErrNotFound.
	GetSettings(ctx context.Context) (*model.UserSettings, error)

	// SaveSettings replaces the settings singleton.
	SaveSettings(ctx context.Context, s *model.UserSettings) error

	// --- Cycles ---

	// ListCycles returns every cycle ordered by symbol.
	ListCycles(ctx context.Context) ([]model.CycleStatus, error)

	// GetCycle returns the cycle for sym or model.ErrNotFound.
	GetCycle(ctx context.Context, sym string) (*model.CycleStatus, error)

	// SaveCycle inserts or replaces the cycle for c.Symbol. A new cycle
	// gets its ID assigned.
	SaveCycle(ctx context.Context, c *model.CycleStatus) error

	// DeleteCycle removes the cycle for sym. Missing cycles are not an error.
	DeleteCycle(ctx context.Context, sym string) error

	// --- Ledger ---

	// InitAccount creates the account with the given cash if none exists.
	InitAccount(ctx context.Context, cash decimal.Decimal) error

	// GetAccount returns the account. An uninitialised ledger has zero cash.
	GetAccount(ctx context.Context) (*model.Account, error)

	// ListPositions returns all non-zero positions ordered by symbol.
	ListPositions(ctx context.Context) ([]model.Position, error)

	// GetPosition returns the position for sym, empty if none is held.
	GetPosition(ctx context.Context, sym string) (*model.Position, error)

	// Snapshot returns the account and all positions read together.
	Snapshot(ctx context.Context) (*model.LedgerSnapshot, error)

	// ApplyTrade atomically writes the position, cash delta, tax lot, trade
	// record and optional cycle of one trade. It rejects mutations that
	// would leave negative cash or a negative quantity.
	ApplyTrade(ctx context.Context, m *model.TradeMutation) error

	// Deposit adds amount to cash and returns the updated account.
	Deposit(ctx context.Context, amount decimal.Decimal) (*model.Account, error)

	// ListTaxLots returns lots, newest first. An empty sym lists every symbol.
	ListTaxLots(ctx context.Context, sym string) ([]model.TaxLot, error)

	// ListTrades returns up to limit trade records, newest first.
	ListTrades(ctx context.Context, limit int) ([]model.TradeRecord, error)

	// SetLastSync records when the last cycle sync ran.
	SetLastSync(ctx context.Context, at time.Time) error

	// Close releases underlying resources.
	Close() error
}

// checkMutation applies the ledger invariants shared by every backend.
func checkMutation(cash decimal.Decimal, m *model.TradeMutation) error {
	if m.Position.Symbol == "" {
		return fmt.Errorf("apply trade: empty symbol")
	}
	if m.Position.Quantity.IsNegative() {
		return model.NewSymbolError(m.Position.Symbol,
			fmt.Errorf("%w: resulting quantity %s", model.ErrInsufficientQuantity, m.Position.Quantity))
	}
	if cash.Add(m.CashDelta).IsNegative() {
		return model.NewSymbolError(m.Position.Symbol,
			fmt.Errorf("%w: cash %s, change %s", model.ErrInsufficientCash, cash.StringFixed(2), m.CashDelta.StringFixed(2)))
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
