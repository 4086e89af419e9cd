package rebalance_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinitrader/engine/internal/marketdata"
	"github.com/infinitrader/engine/internal/model"
	"github.com/infinitrader/engine/internal/rebalance"
	"github.com/infinitrader/engine/internal/store"
)

type fixedSettings model.UserSettings

func (f fixedSettings) Get(context.Context) (model.UserSettings, error) {
	return model.UserSettings(f), nil
}

func TestWeights_Equal(t *testing.T) {
	w, err := rebalance.EqualWeight{}.TargetWeights(settingsFor("A", "B", "C"))
	require.NoError(t, err)
	require.Len(t, w, 3)
	assert.True(t, w["A"].Equal(d(0.33333333)))
}

func TestWeights_FixedIgnoresForeignSymbols(t *testing.T) {
	f := rebalance.FixedWeights{Weights: map[string]decimal.Decimal{"A": d(0.6), "Z": d(0.9)}}
	w, err := f.TargetWeights(settingsFor("A", "B"))
	require.NoError(t, err)
	assert.True(t, w["A"].Equal(d(0.6)))
	assert.True(t, w["B"].IsZero())
}

func TestWeights_FixedRejectsNegative(t *testing.T) {
	f := rebalance.FixedWeights{Weights: map[string]decimal.Decimal{"A": d(-0.1)}}
	_, err := f.TargetWeights(settingsFor("A"))
	assert.Error(t, err)
}

func TestStrategyFor(t *testing.T) {
	assert.Equal(t, "equal", rebalance.StrategyFor(nil).Name())
	assert.Equal(t, "fixed", rebalance.StrategyFor(map[string]decimal.Decimal{"A": d(1)}).Name())
}

func TestService_PreviewReadsLedgerWithoutMutating(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.InitAccount(ctx, d(1000)))

	prices := marketdata.NewStatic(map[string]decimal.Decimal{"TQQQ": d(50)})
	prices.SetCloses("TQQQ", flat(131, 40))
	fetcher := marketdata.NewFetcher(prices, 2, time.Second, 131)

	svc := rebalance.NewService(rebalance.NewPlanner(rebalance.DefaultConfig(), nil),
		st, fixedSettings(settingsFor("TQQQ")), fetcher, zerolog.Nop())

	before, _ := st.Snapshot(ctx)
	plan, err := svc.Preview(ctx)
	require.NoError(t, err)
	after, _ := st.Snapshot(ctx)

	assert.Equal(t, before, after)
	require.Len(t, plan.Items, 1)
	assert.Equal(t, model.ActionBuy, plan.Items[0].Action)
	assert.True(t, plan.Items[0].ActionQty.Equal(d(20)))
	assert.True(t, plan.Items[0].TrendKnown)
	assert.Contains(t, plan.ActionSummary, "1 buy, 0 sell, 0 hold")
}
