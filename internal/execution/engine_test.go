package execution_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinitrader/engine/internal/execution"
	"github.com/infinitrader/engine/internal/funds"
	"github.com/infinitrader/engine/internal/marketdata"
	"github.com/infinitrader/engine/internal/model"
	"github.com/infinitrader/engine/internal/store"
	"github.com/infinitrader/engine/internal/symlock"
)

var now = time.Date(2026, 3, 26, 15, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type stubPreview struct {
	plan  *model.RebalancePlan
	calls int
}

func (s *stubPreview) Preview(context.Context) (*model.RebalancePlan, error) {
	s.calls++
	return s.plan, nil
}

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(t model.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	store   *store.MemoryStore
	prices  *marketdata.Static
	preview *stubPreview
	events  *recorder
	engine  *execution.Engine
}

func newFixture(t *testing.T, cash float64) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.NewMemoryStore(),
		prices:  marketdata.NewStatic(map[string]decimal.Decimal{"TQQQ": d(100), "SOXL": d(50)}),
		preview: &stubPreview{},
		events:  &recorder{},
	}
	require.NoError(t, f.store.InitAccount(context.Background(), d(cash)))
	f.engine = execution.NewEngine(
		f.store,
		symlock.New(time.Second),
		funds.NewBudget(decimal.Zero),
		marketdata.NewFetcher(f.prices, 4, time.Second, 0),
		f.preview,
		execution.DefaultConfig(),
		zerolog.Nop(),
	)
	f.engine.SetClock(func() time.Time { return now })
	f.engine.SetPublisher(f.events)
	return f
}

// hold seeds a position by buying through the engine itself.
func (f *fixture) hold(t *testing.T, sym string, qty, price float64) {
	t.Helper()
	err := f.engine.WithSymbolLock(context.Background(), sym, func(tx *execution.Tx) error {
		_, err := tx.Apply(execution.Fill{Side: model.ActionBuy, Quantity: d(qty), Price: d(price), Source: model.SourceCycle}, nil)
		return err
	})
	require.NoError(t, err)
}

func item(sym string, action model.Action, qty, price float64) model.RebalanceItem {
	return model.RebalanceItem{Symbol: sym, Action: action, ActionQty: d(qty), CurrentPrice: d(price)}
}

func plan(items ...model.RebalanceItem) *model.RebalancePlan {
	return &model.RebalancePlan{ID: "p-1", ComputedAt: now.Add(-time.Minute), Items: items}
}

func TestScenarioD_DryRunLeavesLedgerUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2000)
	f.hold(t, "TQQQ", 10, 100)

	before, err := f.store.Snapshot(ctx)
	require.NoError(t, err)
	lotsBefore, _ := f.store.ListTaxLots(ctx, "")

	p := plan(item("TQQQ", model.ActionSell, 5, 100), item("SOXL", model.ActionBuy, 10, 50))
	res, err := f.engine.Execute(ctx, p, true)
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	assert.False(t, res.Applied)
	assert.Equal(t, model.StateValidated, res.State)
	assert.Same(t, p, res.Plan, "dry run returns the plan unchanged")
	for _, o := range res.Outcomes {
		assert.Equal(t, model.StateValidated, o.State, o.Symbol)
	}

	after, err := f.store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	lotsAfter, _ := f.store.ListTaxLots(ctx, "")
	assert.Len(t, lotsAfter, len(lotsBefore))
	assert.Zero(t, f.events.count(model.EventExecution))
}

func TestDryRun_ReportsWhatLiveWouldReject(t *testing.T) {
	f := newFixture(t, 100)

	p := plan(item("SOXL", model.ActionBuy, 10, 50), item("TQQQ", model.ActionSell, 1, 100))
	res, err := f.engine.Execute(context.Background(), p, true)
	require.Error(t, err)

	assert.Equal(t, model.StateRejected, res.State)
	assert.True(t, errors.Is(err, model.ErrInsufficientCash))
	assert.True(t, errors.Is(err, model.ErrInsufficientQuantity))
}

func TestLive_SellsFundBuys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)
	f.hold(t, "TQQQ", 10, 100)

	// Cash is zero: the BUY only fits after the SELL lands.
	p := plan(item("SOXL", model.ActionBuy, 10, 50), item("TQQQ", model.ActionSell, 5, 100))
	res, err := f.engine.Execute(ctx, p, false)
	require.NoError(t, err)

	assert.True(t, res.Applied)
	assert.Equal(t, model.StateApplied, res.State)
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, "SOXL", res.Outcomes[0].Symbol, "outcomes keep plan order")
	assert.Equal(t, model.StateApplied, res.Outcomes[0].State)
	assert.Equal(t, model.StateApplied, res.Outcomes[1].State)

	snap, err := f.store.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Account.Cash.IsZero(), "cash %s", snap.Account.Cash)
	assert.True(t, snap.Position("TQQQ").Quantity.Equal(d(5)))
	assert.True(t, snap.Position("SOXL").Quantity.Equal(d(10)))
	assert.NotNil(t, snap.Account.LastExecutionAt)
	assert.Equal(t, 1, f.events.count(model.EventExecution))
}

func TestLive_SellRealizesGainAndTaxAndMarksCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)
	f.hold(t, "TQQQ", 10, 100)
	require.NoError(t, f.store.SaveCycle(ctx, &model.CycleStatus{Symbol: "TQQQ", CurrentCycleDay: 3}))
	f.prices.SetPrice("TQQQ", d(150))

	res, err := f.engine.Execute(ctx, plan(item("TQQQ", model.ActionSell, 4, 150)), false)
	require.NoError(t, err)

	o := res.Outcomes[0]
	assert.Equal(t, model.StateApplied, o.State)
	assert.True(t, o.RealizedGain.Equal(d(200)), "gain %s", o.RealizedGain)
	assert.True(t, o.Tax.Equal(d(44)), "tax %s", o.Tax)

	pos, err := f.store.GetPosition(ctx, "TQQQ")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(d(6)))
	assert.True(t, pos.CostBasis.Equal(d(100)), "sells keep the basis")

	lots, err := f.store.ListTaxLots(ctx, "TQQQ")
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.Equal(t, model.ActionSell, lots[0].Side)
	assert.True(t, lots[0].CostBasis.Equal(d(100)))

	cycle, err := f.store.GetCycle(ctx, "TQQQ")
	require.NoError(t, err)
	assert.Equal(t, model.ActionSell, cycle.LastAction)
	require.NotNil(t, cycle.LastActionAt)
	assert.Equal(t, 3, cycle.CurrentCycleDay, "rebalance never advances the cycle")
}

func TestLive_BuyUpdatesWeightedBasis(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10000)
	f.hold(t, "TQQQ", 10, 100)
	f.prices.SetPrice("TQQQ", d(101))

	_, err := f.engine.Execute(ctx, plan(item("TQQQ", model.ActionBuy, 10, 100)), false)
	require.NoError(t, err)

	pos, err := f.store.GetPosition(ctx, "TQQQ")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(d(20)))
	assert.True(t, pos.CostBasis.Equal(d(100.5)), "basis %s", pos.CostBasis)
}

func TestExpiredPlanRejectedBeforeLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)
	before, _ := f.store.Snapshot(ctx)

	p := plan(item("SOXL", model.ActionBuy, 1, 50))
	p.ComputedAt = now.Add(-time.Hour)
	res, err := f.engine.Execute(ctx, p, false)

	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrStalePlan))
	assert.Equal(t, model.StateRejected, res.State)
	assert.Empty(t, res.Outcomes)

	after, _ := f.store.Snapshot(ctx)
	assert.Equal(t, before, after)
}

func TestPriceDrift_RejectsOnlyThatSymbol(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5000)
	f.prices.SetPrice("TQQQ", d(110))

	p := plan(item("TQQQ", model.ActionBuy, 1, 100), item("SOXL", model.ActionBuy, 2, 50))
	res, err := f.engine.Execute(ctx, p, false)
	require.NoError(t, err, "partial success is not an error")

	assert.Equal(t, model.StateApplied, res.State)
	assert.Equal(t, model.StateRejected, res.Outcomes[0].State)
	assert.Contains(t, res.Outcomes[0].Error, "stale")
	assert.Equal(t, model.StateApplied, res.Outcomes[1].State)

	snap, _ := f.store.Snapshot(ctx)
	assert.True(t, snap.Position("TQQQ").Quantity.IsZero())
	assert.True(t, snap.Position("SOXL").Quantity.Equal(d(2)))
}

func TestPriceWithinTolerance_FillsAtLivePrice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5000)
	f.prices.SetPrice("SOXL", d(51))

	res, err := f.engine.Execute(ctx, plan(item("SOXL", model.ActionBuy, 2, 50)), false)
	require.NoError(t, err)
	assert.True(t, res.Outcomes[0].LivePrice.Equal(d(51)))

	acct, _ := f.store.GetAccount(ctx)
	assert.True(t, acct.Cash.Equal(d(4898)), "cash %s", acct.Cash)
}

func TestUnpricedSymbol_Rejected(t *testing.T) {
	f := newFixture(t, 5000)
	f.prices.Fail("SOXL", model.ErrMarketDataUnavailable)

	res, err := f.engine.Execute(context.Background(), plan(item("SOXL", model.ActionBuy, 2, 50)), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrMarketDataUnavailable))
	assert.Equal(t, model.StateRejected, res.State)
}

func TestInsufficientCash_RejectsBuy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)

	res, err := f.engine.Execute(ctx, plan(item("SOXL", model.ActionBuy, 10, 50)), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInsufficientCash))
	assert.Equal(t, model.StateRejected, res.State)
	assert.False(t, res.Applied)

	acct, _ := f.store.GetAccount(ctx)
	assert.True(t, acct.Cash.Equal(d(100)))
}

func TestSellMoreThanHeld_Rejected(t *testing.T) {
	f := newFixture(t, 1000)
	f.hold(t, "TQQQ", 2, 100)

	_, err := f.engine.Execute(context.Background(), plan(item("TQQQ", model.ActionSell, 3, 100)), false)
	assert.True(t, errors.Is(err, model.ErrInsufficientQuantity))
}

func TestHoldOnlyPlan_Validated(t *testing.T) {
	f := newFixture(t, 1000)
	res, err := f.engine.Execute(context.Background(), plan(item("TQQQ", model.ActionHold, 0, 100)), false)
	require.NoError(t, err)
	assert.Equal(t, model.StateValidated, res.State)
	assert.False(t, res.Applied)
}

func TestNilPlan_Recomputed(t *testing.T) {
	f := newFixture(t, 1000)
	f.preview.plan = plan(item("SOXL", model.ActionBuy, 1, 50))

	res, err := f.engine.Execute(context.Background(), nil, true)
	require.NoError(t, err)
	assert.Equal(t, 1, f.preview.calls)
	assert.Equal(t, "p-1", res.Plan.ID)
}

func TestCustomPlan_Validation(t *testing.T) {
	cases := map[string]*model.RebalancePlan{
		"lowercase symbol": plan(item("tqqq", model.ActionBuy, 1, 100)),
		"duplicate":        plan(item("TQQQ", model.ActionBuy, 1, 100), item("TQQQ", model.ActionSell, 1, 100)),
		"zero qty":         plan(item("TQQQ", model.ActionBuy, 0, 100)),
		"zero price":       plan(item("TQQQ", model.ActionSell, 1, 0)),
		"unknown action":   plan(item("TQQQ", model.Action(9), 1, 100)),
		"no timestamp":     {Items: []model.RebalanceItem{item("TQQQ", model.ActionBuy, 1, 100)}},
		"future timestamp": {ComputedAt: now.Add(time.Hour), Items: []model.RebalanceItem{item("TQQQ", model.ActionBuy, 1, 100)}},
		"buy while killed": plan(killed(item("TQQQ", model.ActionBuy, 10, 100))),
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 1000)
			res, err := f.engine.Execute(context.Background(), p, false)
			assert.True(t, errors.Is(err, model.ErrInvalidPlan), "%v", err)
			assert.Equal(t, model.StateRejected, res.State)
			assert.False(t, res.Applied)

			acct, err := f.store.GetAccount(context.Background())
			require.NoError(t, err)
			assert.True(t, acct.Cash.Equal(d(1000)), "ledger untouched, cash %s", acct.Cash)
		})
	}
}

func TestCustomPlan_KillSwitchStillAllowsSell(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)
	f.hold(t, "TQQQ", 5, 100)

	res, err := f.engine.Execute(ctx, plan(killed(item("TQQQ", model.ActionSell, 5, 100))), false)
	require.NoError(t, err)
	assert.Equal(t, model.StateApplied, res.State)

	pos, err := f.store.GetPosition(ctx, "TQQQ")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.IsZero(), "qty %s", pos.Quantity)
}

func killed(it model.RebalanceItem) model.RebalanceItem {
	it.CondPriceUnderMA = true
	it.CondMADown = true
	it.KillSwitch = true
	return it
}

func TestConcurrentBuys_SameSymbolNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.engine.WithSymbolLock(ctx, "TQQQ", func(tx *execution.Tx) error {
				_, err := tx.Apply(execution.Fill{Side: model.ActionBuy, Quantity: d(1), Price: d(100), Source: model.SourceCycle}, nil)
				return err
			})
		}()
	}
	wg.Wait()

	pos, err := f.store.GetPosition(ctx, "TQQQ")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(d(10)), "qty %s", pos.Quantity)
	acct, _ := f.store.GetAccount(ctx)
	assert.True(t, acct.Cash.Equal(d(9000)))
}

func TestConcurrentBuys_AcrossSymbolsNeverOverspend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)
	syms := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K", "L", "M", "N", "O", "P"}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, sym := range syms {
		sym := sym
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.engine.WithSymbolLock(ctx, sym, func(tx *execution.Tx) error {
				_, err := tx.Apply(execution.Fill{Side: model.ActionBuy, Quantity: d(1), Price: d(100), Source: model.SourceRebalance}, nil)
				return err
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	acct, _ := f.store.GetAccount(ctx)
	assert.False(t, acct.Cash.IsNegative())
	assert.LessOrEqual(t, ok, 10)
	assert.True(t, acct.Cash.Equal(d(1000-100*float64(ok))), "cash %s after %d buys", acct.Cash, ok)
}

func TestWithSymbolLock_BusySymbol(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = f.engine.WithSymbolLock(ctx, "TQQQ", func(*execution.Tx) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := f.engine.WithSymbolLock(short, "TQQQ", func(*execution.Tx) error { return nil })
	assert.True(t, errors.Is(err, model.ErrConcurrentMutation))
}
