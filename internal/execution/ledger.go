package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/infinitrader/engine/internal/metrics"
	"github.com/infinitrader/engine/internal/model"
)

const basisScale int32 = 8

// Fill is one trade to apply to the ledger.
type Fill struct {
	Side     model.Action
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Source   model.TradeSource
}

// Applied describes a trade that landed in the ledger.
type Applied struct {
	Position     model.Position
	RealizedGain decimal.Decimal
	Tax          decimal.Decimal
	Lot          model.TaxLot
	Trade        model.TradeRecord
}

// Tx is the locked view of one symbol handed to WithSymbolLock callbacks.
// It is only valid inside the callback.
type Tx struct {
	ctx context.Context
	e   *Engine
	sym string
}

// Symbol returns the locked symbol.
func (tx *Tx) Symbol() string { return tx.sym }

// Position reads the current position of the locked symbol.
func (tx *Tx) Position() (*model.Position, error) {
	return tx.e.store.GetPosition(tx.ctx, tx.sym)
}

// Cycle reads the cycle of the locked symbol; nil when none exists.
func (tx *Tx) Cycle() (*model.CycleStatus, error) {
	c, err := tx.e.store.GetCycle(tx.ctx, tx.sym)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	return c, err
}

// SaveCycle stores the locked symbol's cycle without touching the ledger.
func (tx *Tx) SaveCycle(c *model.CycleStatus) error {
	return tx.e.store.SaveCycle(tx.ctx, c)
}

// Apply writes f to the ledger as one atomic mutation. BUYs update the
// weighted cost basis and reserve cash first; SELLs realize the gain and
// its tax. cycle, when non-nil, is saved in the same mutation.
func (tx *Tx) Apply(f Fill, cycle *model.CycleStatus) (*Applied, error) {
	e := tx.e
	start := time.Now()

	if f.Side != model.ActionBuy && f.Side != model.ActionSell {
		return nil, fmt.Errorf("%w: cannot apply %s", model.ErrInvalidPlan, f.Side)
	}
	if !f.Quantity.IsPositive() || !f.Price.IsPositive() {
		return nil, fmt.Errorf("%w: quantity %s at %s", model.ErrInvalidPlan, f.Quantity, f.Price)
	}

	pos, err := tx.Position()
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	amount := f.Quantity.Mul(f.Price)

	out := &Applied{Position: *pos, RealizedGain: decimal.Zero, Tax: decimal.Zero}
	out.Position.Symbol = tx.sym
	lotBasis := f.Price
	var cashDelta decimal.Decimal

	switch f.Side {
	case model.ActionBuy:
		acct, err := e.store.GetAccount(tx.ctx)
		if err != nil {
			return nil, err
		}
		res, err := e.budget.Reserve(acct.Cash, amount)
		if err != nil {
			return nil, model.NewSymbolError(tx.sym, err)
		}
		defer res.Release()

		newQty := pos.Quantity.Add(f.Quantity)
		cost := pos.Quantity.Mul(pos.CostBasis).Add(amount)
		out.Position.Quantity = newQty
		out.Position.CostBasis = cost.DivRound(newQty, basisScale)
		cashDelta = amount.Neg()

	case model.ActionSell:
		if f.Quantity.GreaterThan(pos.Quantity) {
			return nil, model.NewSymbolError(tx.sym,
				fmt.Errorf("%w: selling %s, holding %s", model.ErrInsufficientQuantity, f.Quantity, pos.Quantity))
		}
		lotBasis = pos.CostBasis
		out.RealizedGain = f.Price.Sub(pos.CostBasis).Mul(f.Quantity)
		if out.RealizedGain.IsPositive() {
			out.Tax = out.RealizedGain.Mul(e.cfg.TaxRate).Round(2)
		}
		out.Position.Quantity = pos.Quantity.Sub(f.Quantity)
		if out.Position.Quantity.IsZero() {
			out.Position.CostBasis = decimal.Zero
		}
		cashDelta = amount
	}
	out.Position.UpdatedAt = now

	out.Lot = model.TaxLot{
		ID:           uuid.NewString(),
		Symbol:       tx.sym,
		Side:         f.Side,
		Quantity:     f.Quantity,
		Price:        f.Price,
		CostBasis:    lotBasis,
		RealizedGain: out.RealizedGain,
		Tax:          out.Tax,
		Source:       f.Source,
		ExecutedAt:   now,
	}
	out.Trade = model.TradeRecord{
		ID:         uuid.NewString(),
		Symbol:     tx.sym,
		Side:       f.Side,
		Quantity:   f.Quantity,
		Price:      f.Price,
		Amount:     amount,
		Profit:     out.RealizedGain,
		Source:     f.Source,
		ExecutedAt: now,
	}

	if cycle != nil {
		cycle.LastAction = f.Side
		cycle.LastActionAt = &now
	}

	err = e.store.ApplyTrade(tx.ctx, &model.TradeMutation{
		Position:   out.Position,
		CashDelta:  cashDelta,
		Lot:        out.Lot,
		Trade:      out.Trade,
		Cycle:      cycle,
		ExecutedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("apply %s %s: %w", f.Side, tx.sym, err)
	}

	metrics.TradesTotal.WithLabelValues(f.Side.String(), string(f.Source)).Inc()
	metrics.TradeLatency.WithLabelValues(f.Side.String()).Observe(time.Since(start).Seconds())
	e.log.Info().
		Str("symbol", tx.sym).
		Str("side", f.Side.String()).
		Str("qty", f.Quantity.String()).
		Str("price", f.Price.String()).
		Str("source", string(f.Source)).
		Str("realized_gain", out.RealizedGain.String()).
		Msg("trade applied")
	e.publish(model.Event{Type: model.EventTrade, Symbol: tx.sym, At: now, Data: out.Trade})
	return out, nil
}

// WithSymbolLock runs fn while holding sym's ledger lock. All ledger and
// cycle mutations for a symbol go through here, which serializes cycle
// buys against rebalance trades on the same symbol.
func (e *Engine) WithSymbolLock(ctx context.Context, sym string, fn func(tx *Tx) error) error {
	start := time.Now()
	unlock, err := e.locks.Lock(ctx, sym)
	metrics.LockWait.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	defer unlock()
	return fn(&Tx{ctx: ctx, e: e, sym: sym})
}
