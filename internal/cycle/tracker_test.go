package cycle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinitrader/engine/internal/cycle"
	"github.com/infinitrader/engine/internal/execution"
	"github.com/infinitrader/engine/internal/funds"
	"github.com/infinitrader/engine/internal/marketdata"
	"github.com/infinitrader/engine/internal/model"
	"github.com/infinitrader/engine/internal/store"
	"github.com/infinitrader/engine/internal/symlock"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type fixedSettings struct{ s model.UserSettings }

func (f *fixedSettings) Get(context.Context) (model.UserSettings, error) { return f.s, nil }

type fixture struct {
	store    *store.MemoryStore
	prices   *marketdata.Static
	settings *fixedSettings
	tracker  *cycle.Tracker
	clock    time.Time
}

func newFixture(t *testing.T, cash float64, s model.UserSettings) *fixture {
	t.Helper()
	return newFixtureWith(t, cash, s, false)
}

func newFixtureWith(t *testing.T, cash float64, s model.UserSettings, takeProfit bool) *fixture {
	t.Helper()
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	f := &fixture{
		store:    store.NewMemoryStore(),
		prices:   marketdata.NewStatic(map[string]decimal.Decimal{"TQQQ": d(100), "SOXL": d(30)}),
		settings: &fixedSettings{s: s},
		// 15:50 in New York.
		clock: time.Date(2026, 3, 2, 20, 50, 0, 0, time.UTC),
	}
	require.NoError(t, f.store.InitAccount(context.Background(), d(cash)))

	fetcher := marketdata.NewFetcher(f.prices, 4, time.Second, 0)
	engine := execution.NewEngine(f.store, symlock.New(time.Second), funds.NewBudget(decimal.Zero),
		fetcher, nil, execution.DefaultConfig(), zerolog.Nop())
	f.tracker = cycle.NewTracker(engine, f.store, f.settings, fetcher,
		cycle.Config{LotSize: decimal.NewFromInt(1), Location: ny, TakeProfit: takeProfit}, zerolog.Nop())
	f.tracker.SetClock(func() time.Time { return f.clock })
	return f
}

func active(principal float64, split int, syms ...string) model.UserSettings {
	return model.UserSettings{Principal: d(principal), SplitCount: split, TargetRate: d(0.1), Symbols: syms, IsActive: true}
}

func TestScenarioA_FirstAdvance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10000, active(10000, 5, "TQQQ"))

	res, err := f.tracker.Advance(ctx)
	require.NoError(t, err)
	require.Len(t, res.Cycles, 1)

	c := res.Cycles[0]
	assert.Equal(t, "TQQQ", c.Symbol)
	assert.Equal(t, 1, c.CurrentCycleDay)
	assert.True(t, c.TotalBoughtQty.Equal(d(20)), "qty %s", c.TotalBoughtQty)
	assert.True(t, c.TotalInvested.Equal(d(2000)))
	assert.True(t, c.AvgPrice.Equal(d(100)))
	assert.Equal(t, model.ActionBuy, c.LastAction)
	assert.Equal(t, model.SyncAdvanced, res.Outcomes[0].Status)

	snap, err := f.store.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Account.Cash.Equal(d(8000)))
	assert.True(t, snap.Position("TQQQ").Quantity.Equal(d(20)))
	require.NotNil(t, snap.Account.LastSyncAt)

	lots, _ := f.store.ListTaxLots(ctx, "TQQQ")
	require.Len(t, lots, 1)
	assert.Equal(t, model.SourceCycle, lots[0].Source)
}

func TestAdvance_SameDayIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10000, active(10000, 5, "TQQQ"))

	_, err := f.tracker.Advance(ctx)
	require.NoError(t, err)

	// 20:50 in New York, already the next day in UTC.
	f.clock = f.clock.Add(5 * time.Hour)
	res, err := f.tracker.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SyncSkipped, res.Outcomes[0].Status)
	assert.Equal(t, 1, res.Cycles[0].CurrentCycleDay)

	acct, _ := f.store.GetAccount(ctx)
	assert.True(t, acct.Cash.Equal(d(8000)), "no double buy")
}

func TestAdvance_NextDayAveragesPrice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10000, active(10000, 5, "TQQQ"))

	_, err := f.tracker.Advance(ctx)
	require.NoError(t, err)

	f.clock = f.clock.Add(24 * time.Hour)
	f.prices.SetPrice("TQQQ", d(80))
	res, err := f.tracker.Advance(ctx)
	require.NoError(t, err)

	c := res.Cycles[0]
	assert.Equal(t, 2, c.CurrentCycleDay)
	assert.True(t, c.TotalBoughtQty.Equal(d(45)), "20 + 25")
	assert.True(t, c.TotalInvested.Equal(d(4000)))
	assert.True(t, c.AvgPrice.Equal(decimal.RequireFromString("88.88888889")), "avg %s", c.AvgPrice)

	// Invariant: invested ≈ qty × avg.
	diff := c.TotalInvested.Sub(c.TotalBoughtQty.Mul(c.AvgPrice)).Abs()
	assert.True(t, diff.LessThan(d(0.001)))
}

func TestAdvance_CompletedCycleUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10000, active(1000, 2, "TQQQ"))

	for i := 0; i < 3; i++ {
		_, err := f.tracker.Advance(ctx)
		require.NoError(t, err)
		f.clock = f.clock.Add(24 * time.Hour)
	}
	res, err := f.tracker.Advance(ctx)
	require.NoError(t, err)

	assert.Equal(t, model.SyncCompleted, res.Outcomes[0].Status)
	assert.Equal(t, 2, res.Cycles[0].CurrentCycleDay)
	assert.True(t, res.Cycles[0].TotalInvested.Equal(d(1000)))
}

func TestAdvance_Inactive(t *testing.T) {
	s := active(10000, 5, "TQQQ")
	s.IsActive = false
	f := newFixture(t, 10000, s)

	_, err := f.tracker.Advance(context.Background())
	assert.True(t, errors.Is(err, model.ErrInactiveSettings))
}

func TestAdvance_UnpricedSymbolIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10000, active(10000, 5, "TQQQ", "SOXL"))
	f.prices.Fail("TQQQ", model.ErrMarketDataUnavailable)

	res, err := f.tracker.Advance(ctx)
	require.NoError(t, err, "one symbol still advanced")

	assert.Equal(t, model.SyncFailed, res.Outcomes[0].Status)
	assert.NotEmpty(t, res.Outcomes[0].Error)
	assert.Equal(t, model.SyncAdvanced, res.Outcomes[1].Status)
	assert.True(t, res.Outcomes[1].Quantity.Equal(d(33)), "floor(1000/30)")

	assert.Equal(t, 0, res.Cycles[0].CurrentCycleDay)
	assert.Equal(t, 1, res.Cycles[1].CurrentCycleDay)
}

func TestAdvance_AllFailedReturnsError(t *testing.T) {
	f := newFixture(t, 10000, active(10000, 5, "TQQQ"))
	f.prices.Fail("TQQQ", model.ErrMarketDataUnavailable)

	res, err := f.tracker.Advance(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrMarketDataUnavailable))
	require.NotNil(t, res)
	assert.Equal(t, model.SyncFailed, res.Outcomes[0].Status)
}

func TestAdvance_SymbolErrorNotWrappedTwice(t *testing.T) {
	f := newFixture(t, 10000, active(10000, 5, "TQQQ"))
	f.prices.Fail("TQQQ", model.NewSymbolError("TQQQ", model.ErrMarketDataUnavailable))

	res, err := f.tracker.Advance(context.Background())
	require.Error(t, err)
	assert.Equal(t, "TQQQ: market data unavailable", res.Outcomes[0].Error)
}

func TestAdvance_MinimumOneLot(t *testing.T) {
	f := newFixture(t, 10000, active(100, 40, "TQQQ"))

	res, err := f.tracker.Advance(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Outcomes[0].Quantity.Equal(d(1)), "2.50 installment still buys one share")
}

func TestAdvance_InsufficientCash(t *testing.T) {
	f := newFixture(t, 50, active(10000, 5, "TQQQ"))

	res, err := f.tracker.Advance(context.Background())
	assert.True(t, errors.Is(err, model.ErrInsufficientCash))
	assert.Equal(t, 0, res.Cycles[0].CurrentCycleDay)
}

func TestStatus_SettingsOrderWithFreshCycles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10000, active(10000, 5, "SOXL", "TQQQ"))
	require.NoError(t, f.store.SaveCycle(ctx, &model.CycleStatus{Symbol: "TQQQ", CurrentCycleDay: 4}))

	list, err := f.tracker.Status(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "SOXL", list[0].Symbol)
	assert.Zero(t, list[0].CurrentCycleDay)
	assert.Equal(t, 4, list[1].CurrentCycleDay)
}

func TestAdvance_TakeProfitSellsAndRestarts(t *testing.T) {
	ctx := context.Background()
	f := newFixtureWith(t, 10000, active(10000, 5, "TQQQ"), true)

	_, err := f.tracker.Advance(ctx)
	require.NoError(t, err)

	// avg 100, target rate 10%: 110 reaches the target.
	f.clock = f.clock.Add(24 * time.Hour)
	f.prices.SetPrice("TQQQ", d(110))
	res, err := f.tracker.Advance(ctx)
	require.NoError(t, err)

	out := res.Outcomes[0]
	assert.Equal(t, model.SyncTookProfit, out.Status)
	assert.True(t, out.Quantity.Equal(d(20)))

	c := res.Cycles[0]
	assert.Equal(t, 0, c.CurrentCycleDay)
	assert.True(t, c.TotalBoughtQty.IsZero())
	assert.True(t, c.TotalInvested.IsZero())
	assert.Equal(t, model.ActionSell, c.LastAction)

	acct, _ := f.store.GetAccount(ctx)
	assert.True(t, acct.Cash.Equal(d(10200)), "8000 + 20 × 110, cash %s", acct.Cash)
	lots, err := f.store.ListTaxLots(ctx, "TQQQ")
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.Equal(t, model.ActionSell, lots[0].Side, "newest first")
	assert.True(t, lots[0].RealizedGain.Equal(d(200)))

	// Next day the cycle starts over with a fresh installment.
	f.clock = f.clock.Add(24 * time.Hour)
	res, err = f.tracker.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SyncAdvanced, res.Outcomes[0].Status)
	assert.Equal(t, 1, res.Cycles[0].CurrentCycleDay)
	assert.True(t, res.Cycles[0].AvgPrice.Equal(d(110)))
}

func TestAdvance_BelowTargetKeepsBuying(t *testing.T) {
	ctx := context.Background()
	f := newFixtureWith(t, 10000, active(10000, 5, "TQQQ"), true)

	_, err := f.tracker.Advance(ctx)
	require.NoError(t, err)

	f.clock = f.clock.Add(24 * time.Hour)
	f.prices.SetPrice("TQQQ", d(109.99))
	res, err := f.tracker.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SyncAdvanced, res.Outcomes[0].Status)
	assert.Equal(t, 2, res.Cycles[0].CurrentCycleDay)
}

func TestAdvance_TakeProfitDisabledKeepsBuying(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10000, active(10000, 5, "TQQQ"))

	_, err := f.tracker.Advance(ctx)
	require.NoError(t, err)

	f.clock = f.clock.Add(24 * time.Hour)
	f.prices.SetPrice("TQQQ", d(150))
	res, err := f.tracker.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SyncAdvanced, res.Outcomes[0].Status)
}

func TestAdvance_TakeProfitWithoutPositionResetsCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixtureWith(t, 10000, active(10000, 5, "TQQQ"), true)
	// The shares were already sold by a rebalance.
	require.NoError(t, f.store.SaveCycle(ctx, &model.CycleStatus{
		Symbol: "TQQQ", CurrentCycleDay: 3, TotalBoughtQty: d(30), AvgPrice: d(50), TotalInvested: d(1500),
	}))

	res, err := f.tracker.Advance(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SyncTookProfit, res.Outcomes[0].Status)
	assert.True(t, res.Outcomes[0].Quantity.IsZero())
	assert.Equal(t, 0, res.Cycles[0].CurrentCycleDay)
	assert.True(t, res.Cycles[0].TotalBoughtQty.IsZero())

	acct, _ := f.store.GetAccount(ctx)
	assert.True(t, acct.Cash.Equal(d(10000)))
}
