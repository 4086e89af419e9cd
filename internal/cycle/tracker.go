// Package cycle stages deployment of the principal into the symbol universe,
// one installment per symbol per sync.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/infinitrader/engine/internal/execution"
	"github.com/infinitrader/engine/internal/metrics"
	"github.com/infinitrader/engine/internal/model"
	"github.com/infinitrader/engine/internal/store"
)

// Config controls installment sizing and the idempotence period.
type Config struct {
	LotSize  decimal.Decimal
	Location *time.Location // calendar day boundaries for repeat syncs
	// TakeProfit sells a running cycle once the price reaches
	// AvgPrice × (1 + TargetRate) and restarts it at day zero.
	TakeProfit bool
}

// SettingsReader returns the current settings.
type SettingsReader interface {
	Get(ctx context.Context) (model.UserSettings, error)
}

// Tracker advances cycles. All buys go through the execution engine's
// locked ledger path so a sync never races a rebalance on the same symbol.
type Tracker struct {
	engine   *execution.Engine
	store    store.Store
	settings SettingsReader
	prices   execution.PriceSource
	cfg      Config
	pub      execution.Publisher
	log      zerolog.Logger
	now      func() time.Time
}

// NewTracker creates a cycle tracker.
func NewTracker(engine *execution.Engine, st store.Store, settings SettingsReader, prices execution.PriceSource, cfg Config, log zerolog.Logger) *Tracker {
	if !cfg.LotSize.IsPositive() {
		cfg.LotSize = decimal.NewFromInt(1)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Tracker{
		engine:   engine,
		store:    st,
		settings: settings,
		prices:   prices,
		cfg:      cfg,
		log:      log.With().Str("component", "cycle").Logger(),
		now:      time.Now,
	}
}

// SetPublisher attaches an event publisher.
func (t *Tracker) SetPublisher(p execution.Publisher) { t.pub = p }

// SetClock overrides the tracker clock.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Status returns the cycle of every symbol in the universe, in settings
// order. Symbols that never advanced are returned at day zero.
func (t *Tracker) Status(ctx context.Context) ([]model.CycleStatus, error) {
	settings, err := t.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	return t.ordered(ctx, settings.Symbols)
}

func (t *Tracker) ordered(ctx context.Context, syms []string) ([]model.CycleStatus, error) {
	stored, err := t.store.ListCycles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	bySym := make(map[string]model.CycleStatus, len(stored))
	for _, c := range stored {
		bySym[c.Symbol] = c
	}
	out := make([]model.CycleStatus, 0, len(syms))
	for _, sym := range syms {
		c, ok := bySym[sym]
		if !ok {
			c = fresh(sym, time.Time{})
		}
		out = append(out, c)
	}
	return out, nil
}

// Advance buys one installment of every active symbol whose cycle is not
// complete and has not advanced yet today. Failures are per symbol: a symbol
// that cannot be priced or afforded is reported FAILED and the rest still
// advance. When every symbol fails the errors are returned joined.
func (t *Tracker) Advance(ctx context.Context) (*model.SyncResult, error) {
	settings, err := t.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	if !settings.IsActive {
		return nil, model.ErrInactiveSettings
	}
	syms := settings.Symbols
	if len(syms) == 0 {
		return nil, fmt.Errorf("%w: no symbols", model.ErrInactiveSettings)
	}

	now := t.now().UTC()
	amount := settings.Principal.
		Div(decimal.NewFromInt(int64(settings.SplitCount))).
		DivRound(decimal.NewFromInt(int64(len(syms))), 8)

	// Prices are fetched before any lock is taken.
	quotes := t.prices.Prices(ctx, syms)

	res := &model.SyncResult{SyncedAt: now}
	var errs []error
	for _, sym := range syms {
		out := model.SyncOutcome{Symbol: sym, Quantity: decimal.Zero, Price: decimal.Zero}
		err := t.engine.WithSymbolLock(ctx, sym, func(tx *execution.Tx) error {
			return t.advanceOne(tx, settings, amount, quotes[sym].Price, quotes[sym].PriceErr, now, &out)
		})
		if err != nil {
			out.Status = model.SyncFailed
			out.Error = err.Error()
			errs = append(errs, err)
			t.log.Warn().Err(err).Str("symbol", sym).Msg("cycle advance failed")
		}
		metrics.CycleAdvances.WithLabelValues(string(out.Status)).Inc()
		res.Outcomes = append(res.Outcomes, out)
	}

	if err := t.store.SetLastSync(ctx, now); err != nil {
		return nil, fmt.Errorf("record sync: %w", err)
	}
	res.Cycles, err = t.ordered(ctx, syms)
	if err != nil {
		return nil, err
	}

	t.log.Info().
		Int("symbols", len(syms)).
		Int("failed", len(errs)).
		Str("installment", amount.StringFixed(2)).
		Msg("sync complete")
	if t.pub != nil {
		t.pub.Publish(model.Event{Type: model.EventSync, At: now, Data: res})
	}

	if len(errs) == len(syms) {
		return res, errors.Join(errs...)
	}
	return res, nil
}

func (t *Tracker) advanceOne(tx *execution.Tx, s model.UserSettings, amount, price decimal.Decimal, priceErr error, now time.Time, out *model.SyncOutcome) error {
	sym := tx.Symbol()
	c, err := tx.Cycle()
	if err != nil {
		return err
	}
	if c == nil {
		c = new(model.CycleStatus)
		*c = fresh(sym, now)
	}

	if c.Completed(s.SplitCount) {
		out.Status = model.SyncCompleted
		return nil
	}
	if c.LastAdvancedAt != nil && t.sameDay(*c.LastAdvancedAt, now) {
		out.Status = model.SyncSkipped
		return nil
	}
	if priceErr != nil {
		return model.NewSymbolError(sym, priceErr)
	}
	if !price.IsPositive() {
		return model.NewSymbolError(sym, model.ErrMarketDataUnavailable)
	}
	if t.cfg.TakeProfit && s.TargetRate.IsPositive() && c.TotalBoughtQty.IsPositive() {
		target := c.AvgPrice.Mul(decimal.NewFromInt(1).Add(s.TargetRate))
		if price.GreaterThanOrEqual(target) {
			return t.takeProfit(tx, c, price, target, now, out)
		}
	}

	qty := amount.Div(price).Div(t.cfg.LotSize).Floor().Mul(t.cfg.LotSize)
	if qty.LessThan(t.cfg.LotSize) {
		qty = t.cfg.LotSize
	}
	cost := qty.Mul(price)

	c.TotalBoughtQty = c.TotalBoughtQty.Add(qty)
	c.TotalInvested = c.TotalInvested.Add(cost)
	c.AvgPrice = c.TotalInvested.DivRound(c.TotalBoughtQty, 8)
	c.CurrentCycleDay++
	at := now
	c.LastAdvancedAt = &at

	if _, err := tx.Apply(execution.Fill{
		Side:     model.ActionBuy,
		Quantity: qty,
		Price:    price,
		Source:   model.SourceCycle,
	}, c); err != nil {
		return err
	}

	out.Status = model.SyncAdvanced
	out.Quantity = qty
	out.Price = price
	t.log.Info().
		Str("symbol", sym).
		Int("day", c.CurrentCycleDay).
		Int("split_count", s.SplitCount).
		Str("qty", qty.String()).
		Str("price", price.String()).
		Msg("cycle advanced")
	return nil
}

// takeProfit sells what the cycle bought, capped at the position actually
// held, and restarts the cycle. No installment is bought on the same day.
func (t *Tracker) takeProfit(tx *execution.Tx, c *model.CycleStatus, price, target decimal.Decimal, now time.Time, out *model.SyncOutcome) error {
	pos, err := tx.Position()
	if err != nil {
		return err
	}
	qty := decimal.Min(c.TotalBoughtQty, pos.Quantity)
	day := c.CurrentCycleDay

	c.CurrentCycleDay = 0
	c.TotalBoughtQty = decimal.Zero
	c.TotalInvested = decimal.Zero
	c.AvgPrice = decimal.Zero
	at := now
	c.LastAdvancedAt = &at

	gain := decimal.Zero
	if qty.IsPositive() {
		applied, err := tx.Apply(execution.Fill{
			Side:     model.ActionSell,
			Quantity: qty,
			Price:    price,
			Source:   model.SourceCycle,
		}, c)
		if err != nil {
			return err
		}
		gain = applied.RealizedGain
	} else if err := tx.SaveCycle(c); err != nil {
		return err
	}

	out.Status = model.SyncTookProfit
	out.Quantity = qty
	out.Price = price
	t.log.Info().
		Str("symbol", tx.Symbol()).
		Int("day", day).
		Str("qty", qty.String()).
		Str("price", price.String()).
		Str("target", target.StringFixed(4)).
		Str("gain", gain.StringFixed(2)).
		Msg("cycle took profit")
	return nil
}

func (t *Tracker) sameDay(a, b time.Time) bool {
	ay, am, ad := a.In(t.cfg.Location).Date()
	by, bm, bd := b.In(t.cfg.Location).Date()
	return ay == by && am == bm && ad == bd
}

func fresh(sym string, at time.Time) model.CycleStatus {
	return model.CycleStatus{
		Symbol:         sym,
		TotalBoughtQty: decimal.Zero,
		AvgPrice:       decimal.Zero,
		TotalInvested:  decimal.Zero,
		CreatedAt:      at,
	}
}
