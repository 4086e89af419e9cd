// Package execution applies rebalance plans to the position ledger.
//
// The engine is the only writer of the ledger. Every trade, whether it comes
// from a rebalance or from a cycle advance, goes through WithSymbolLock and
// Tx.Apply so that a symbol never sees two concurrent mutations.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/infinitrader/engine/internal/funds"
	"github.com/infinitrader/engine/internal/marketdata"
	"github.com/infinitrader/engine/internal/metrics"
	"github.com/infinitrader/engine/internal/model"
	"github.com/infinitrader/engine/internal/store"
	"github.com/infinitrader/engine/internal/symbols"
	"github.com/infinitrader/engine/internal/symlock"
)

// Config controls plan validation and trade accounting.
type Config struct {
	PriceTolerance decimal.Decimal // max relative drift between plan and live price
	MaxPlanAge     time.Duration
	TaxRate        decimal.Decimal
}

// DefaultConfig returns a 2% price tolerance, a 15 minute plan age and a 22% tax rate.
func DefaultConfig() Config {
	return Config{
		PriceTolerance: decimal.NewFromFloat(0.02),
		MaxPlanAge:     15 * time.Minute,
		TaxRate:        decimal.NewFromFloat(0.22),
	}
}

// PriceSource fetches live prices for validation.
type PriceSource interface {
	Prices(ctx context.Context, symbols []string) map[string]marketdata.Quote
}

// Previewer recomputes a plan when the caller does not submit one.
type Previewer interface {
	Preview(ctx context.Context) (*model.RebalancePlan, error)
}

// Publisher receives engine events.
type Publisher interface {
	Publish(ev model.Event)
}

// Engine validates and applies plans.
type Engine struct {
	store   store.Store
	locks   *symlock.Locker
	budget  *funds.Budget
	prices  PriceSource
	preview Previewer
	cfg     Config
	pub     Publisher
	log     zerolog.Logger
	now     func() time.Time
}

// NewEngine creates an execution engine.
func NewEngine(st store.Store, locks *symlock.Locker, budget *funds.Budget, prices PriceSource, preview Previewer, cfg Config, log zerolog.Logger) *Engine {
	if cfg.MaxPlanAge <= 0 {
		cfg.MaxPlanAge = DefaultConfig().MaxPlanAge
	}
	return &Engine{
		store:   st,
		locks:   locks,
		budget:  budget,
		prices:  prices,
		preview: preview,
		cfg:     cfg,
		log:     log.With().Str("component", "execution").Logger(),
		now:     time.Now,
	}
}

// SetPublisher attaches an event publisher. Must be called before serving.
func (e *Engine) SetPublisher(p Publisher) { e.pub = p }

// SetClock overrides the engine clock.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) publish(ev model.Event) {
	if e.pub != nil {
		e.pub.Publish(ev)
	}
}

// Execute validates plan against live prices and, unless dryRun, applies
// every BUY and SELL to the ledger. A nil plan is recomputed first.
//
// Execution is best-effort per symbol: a rejected symbol is reported in the
// outcomes and never rolls back symbols already applied. Whole-plan failures
// (malformed or expired plan) return a REJECTED result together with the
// error. When every actionable item is rejected the per-symbol errors are
// returned joined.
func (e *Engine) Execute(ctx context.Context, plan *model.RebalancePlan, dryRun bool) (*model.ExecutionResult, error) {
	if plan == nil {
		p, err := e.preview.Preview(ctx)
		if err != nil {
			return nil, fmt.Errorf("recompute plan: %w", err)
		}
		plan = p
	}

	now := e.now().UTC()
	res := &model.ExecutionResult{
		ID:         uuid.NewString(),
		Plan:       plan,
		DryRun:     dryRun,
		State:      model.StatePlanned,
		ExecutedAt: now,
	}

	if err := validatePlan(plan, now); err != nil {
		return e.reject(res, err)
	}
	if age := now.Sub(plan.ComputedAt); age > e.cfg.MaxPlanAge {
		return e.reject(res, fmt.Errorf("%w: computed %s ago, limit %s",
			model.ErrStalePlan, age.Truncate(time.Second), e.cfg.MaxPlanAge))
	}

	var actionable []string
	for _, it := range plan.Items {
		if it.Action != model.ActionHold {
			actionable = append(actionable, it.Symbol)
		}
	}
	live := map[string]marketdata.Quote{}
	if len(actionable) > 0 {
		live = e.prices.Prices(ctx, actionable)
	}

	b := &batch{
		outcomes: make([]model.SymbolOutcome, len(plan.Items)),
		errs:     make([]error, len(plan.Items)),
	}
	for i, it := range plan.Items {
		b.outcomes[i] = model.SymbolOutcome{
			Symbol:       it.Symbol,
			Action:       it.Action,
			Quantity:     it.ActionQty,
			Price:        it.CurrentPrice,
			State:        model.StateValidated,
			RealizedGain: decimal.Zero,
			Tax:          decimal.Zero,
		}
		if it.Action == model.ActionHold {
			continue
		}
		q := live[it.Symbol]
		if err := e.checkDrift(it, q); err != nil {
			b.reject(i, err)
			continue
		}
		b.outcomes[i].LivePrice = q.Price
	}
	res.State = model.StateValidated

	if dryRun {
		e.simulate(ctx, b)
	} else {
		e.apply(ctx, b)
	}
	res.Outcomes = b.outcomes

	var errs []error
	applied, pending := 0, 0
	for i, o := range b.outcomes {
		if o.Action == model.ActionHold {
			continue
		}
		pending++
		switch o.State {
		case model.StateApplied:
			applied++
		case model.StateRejected:
			errs = append(errs, b.errs[i])
		}
	}

	var outErr error
	switch {
	case applied > 0:
		res.State = model.StateApplied
		res.Applied = true
	case pending > 0 && len(errs) == pending:
		res.State = model.StateRejected
		outErr = errors.Join(errs...)
		res.Error = outErr.Error()
	default:
		res.State = model.StateValidated
	}

	metrics.Executions.WithLabelValues(mode(dryRun), string(res.State)).Inc()
	e.log.Info().
		Str("execution_id", res.ID).
		Str("plan_id", plan.ID).
		Bool("dry_run", dryRun).
		Str("state", string(res.State)).
		Int("applied", applied).
		Int("rejected", len(errs)).
		Msg("plan executed")
	if !dryRun {
		e.publish(model.Event{Type: model.EventExecution, At: now, Data: res})
	}
	return res, outErr
}

func (e *Engine) reject(res *model.ExecutionResult, err error) (*model.ExecutionResult, error) {
	res.State = model.StateRejected
	res.Error = err.Error()
	metrics.Executions.WithLabelValues(mode(res.DryRun), string(res.State)).Inc()
	e.log.Warn().Err(err).Str("execution_id", res.ID).Msg("plan rejected")
	return res, err
}

func (e *Engine) checkDrift(it model.RebalanceItem, q marketdata.Quote) error {
	if !q.Priced() {
		err := q.PriceErr
		if err == nil {
			err = model.ErrMarketDataUnavailable
		}
		return model.NewSymbolError(it.Symbol, err)
	}
	drift := q.Price.Sub(it.CurrentPrice).Abs().Div(it.CurrentPrice)
	if drift.GreaterThan(e.cfg.PriceTolerance) {
		return model.NewSymbolError(it.Symbol, fmt.Errorf("%w: price moved %s%% (plan %s, live %s)",
			model.ErrStalePlan, drift.Mul(decimal.NewFromInt(100)).StringFixed(2), it.CurrentPrice, q.Price))
	}
	return nil
}

// simulate runs the cash and quantity checks of a live run against a ledger
// snapshot without touching the store.
func (e *Engine) simulate(ctx context.Context, b *batch) {
	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		for _, i := range b.trades() {
			b.reject(i, fmt.Errorf("ledger snapshot: %w", err))
		}
		return
	}
	cash := snap.Account.Cash
	for _, i := range b.trades() {
		o := &b.outcomes[i]
		amount := o.Quantity.Mul(o.LivePrice)
		switch o.Action {
		case model.ActionSell:
			pos := snap.Position(o.Symbol)
			if o.Quantity.GreaterThan(pos.Quantity) {
				b.reject(i, model.NewSymbolError(o.Symbol,
					fmt.Errorf("%w: selling %s, holding %s", model.ErrInsufficientQuantity, o.Quantity, pos.Quantity)))
				continue
			}
			o.RealizedGain = o.LivePrice.Sub(pos.CostBasis).Mul(o.Quantity)
			if o.RealizedGain.IsPositive() {
				o.Tax = o.RealizedGain.Mul(e.cfg.TaxRate).Round(2)
			}
			cash = cash.Add(amount)
		case model.ActionBuy:
			if err := e.budget.Check(cash, amount); err != nil {
				b.reject(i, model.NewSymbolError(o.Symbol, err))
				continue
			}
			cash = cash.Sub(amount)
		}
	}
}

// apply executes validated trades, sells first so proceeds fund buys.
func (e *Engine) apply(ctx context.Context, b *batch) {
	for _, i := range b.trades() {
		o := &b.outcomes[i]
		err := e.WithSymbolLock(ctx, o.Symbol, func(tx *Tx) error {
			cycle, err := tx.Cycle()
			if err != nil {
				return err
			}
			a, err := tx.Apply(Fill{
				Side:     o.Action,
				Quantity: o.Quantity,
				Price:    o.LivePrice,
				Source:   model.SourceRebalance,
			}, cycle)
			if err != nil {
				return err
			}
			o.RealizedGain = a.RealizedGain
			o.Tax = a.Tax
			return nil
		})
		if err != nil {
			b.reject(i, err)
			continue
		}
		o.State = model.StateApplied
	}
}

// batch holds per-item outcomes and the errors behind rejected ones.
type batch struct {
	outcomes []model.SymbolOutcome
	errs     []error
}

func (b *batch) reject(i int, err error) {
	b.outcomes[i].State = model.StateRejected
	b.outcomes[i].Error = err.Error()
	b.errs[i] = err
	metrics.TradeRejections.WithLabelValues(rejectReason(err)).Inc()
}

// trades returns the indexes of validated BUY/SELL outcomes, sells first,
// each group in plan order.
func (b *batch) trades() []int {
	var idx []int
	for i, o := range b.outcomes {
		if o.Action != model.ActionHold && o.State == model.StateValidated {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(x, y int) bool {
		return b.outcomes[idx[x]].Action == model.ActionSell && b.outcomes[idx[y]].Action != model.ActionSell
	})
	return idx
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, model.ErrStalePlan):
		return "stale"
	case errors.Is(err, model.ErrInsufficientCash):
		return "insufficient_cash"
	case errors.Is(err, model.ErrInsufficientQuantity):
		return "insufficient_quantity"
	case errors.Is(err, model.ErrConcurrentMutation):
		return "busy"
	case errors.Is(err, model.ErrMarketDataUnavailable):
		return "market_data"
	}
	return "error"
}

func mode(dryRun bool) string {
	if dryRun {
		return "dry_run"
	}
	return "live"
}

// validatePlan checks a plan's structure before anything else looks at it.
// Custom plans submitted over HTTP go through the same checks.
func validatePlan(p *model.RebalancePlan, now time.Time) error {
	if p.ComputedAt.IsZero() {
		return fmt.Errorf("%w: missing computed_at", model.ErrInvalidPlan)
	}
	if p.ComputedAt.After(now) {
		return fmt.Errorf("%w: computed_at %s is in the future", model.ErrInvalidPlan, p.ComputedAt.UTC().Format(time.RFC3339))
	}
	seen := make(map[string]bool, len(p.Items))
	for _, it := range p.Items {
		sym, err := symbols.Normalize(it.Symbol)
		if err != nil || sym != it.Symbol {
			return fmt.Errorf("%w: bad symbol %q", model.ErrInvalidPlan, it.Symbol)
		}
		if seen[sym] {
			return fmt.Errorf("%w: duplicate symbol %s", model.ErrInvalidPlan, sym)
		}
		seen[sym] = true

		switch it.Action {
		case model.ActionHold:
		case model.ActionBuy, model.ActionSell:
			if it.Action == model.ActionBuy && it.KillSwitch {
				return fmt.Errorf("%w: BUY %s with the kill switch on", model.ErrInvalidPlan, sym)
			}
			if !it.ActionQty.IsPositive() {
				return fmt.Errorf("%w: %s %s needs a positive quantity", model.ErrInvalidPlan, it.Action, sym)
			}
			if !it.CurrentPrice.IsPositive() {
				return fmt.Errorf("%w: %s %s needs a positive price", model.ErrInvalidPlan, it.Action, sym)
			}
		default:
			return fmt.Errorf("%w: unknown action for %s", model.ErrInvalidPlan, sym)
		}
	}
	return nil
}
