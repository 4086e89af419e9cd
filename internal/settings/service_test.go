package settings_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinitrader/engine/internal/model"
	"github.com/infinitrader/engine/internal/settings"
	"github.com/infinitrader/engine/internal/store"
	"github.com/infinitrader/engine/internal/symlock"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newService() (*settings.Service, *store.MemoryStore) {
	st := store.NewMemoryStore()
	return settings.NewService(st, symlock.New(time.Second), zerolog.Nop()), st
}

func valid() model.UserSettings {
	return model.UserSettings{
		Principal:  d(10000),
		SplitCount: 40,
		TargetRate: d(0.1),
		Symbols:    []string{"tqqq", " soxl", "TQQQ"},
		IsActive:   true,
	}
}

func TestGet_DefaultsWhenUnset(t *testing.T) {
	svc, _ := newService()

	got, err := svc.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, got.Principal.Equal(d(10000)))
	assert.Equal(t, 40, got.SplitCount)
	assert.True(t, got.TargetRate.Equal(d(0.1)))
	assert.Equal(t, []string{"TQQQ"}, got.Symbols)
	assert.False(t, got.IsActive)
}

func TestUpdate_NormalizesSymbols(t *testing.T) {
	svc, _ := newService()

	got, err := svc.Update(context.Background(), valid())
	require.NoError(t, err)
	assert.Equal(t, []string{"TQQQ", "SOXL"}, got.Symbols)
	assert.False(t, got.UpdatedAt.IsZero())

	again, err := svc.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, got.Symbols, again.Symbols)
}

func TestUpdate_RejectsInvalid(t *testing.T) {
	svc, _ := newService()

	cases := map[string]func(*model.UserSettings){
		"zero principal":     func(s *model.UserSettings) { s.Principal = decimal.Zero },
		"negative principal": func(s *model.UserSettings) { s.Principal = d(-5) },
		"zero split":         func(s *model.UserSettings) { s.SplitCount = 0 },
		"negative rate":      func(s *model.UserSettings) { s.TargetRate = d(-0.1) },
		"active no symbols":  func(s *model.UserSettings) { s.Symbols = nil },
		"bad ticker":         func(s *model.UserSettings) { s.Symbols = []string{"TQQQ", "not a ticker"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := valid()
			mutate(&in)
			_, err := svc.Update(context.Background(), in)
			assert.True(t, errors.Is(err, model.ErrInvalidSettings), "got %v", err)
		})
	}
}

func TestUpdate_InactiveMayHaveNoSymbols(t *testing.T) {
	svc, _ := newService()
	in := valid()
	in.IsActive = false
	in.Symbols = nil

	_, err := svc.Update(context.Background(), in)
	assert.NoError(t, err)
}

func TestUpdate_RemovedSymbolCycleReset(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()

	_, err := svc.Update(ctx, valid())
	require.NoError(t, err)
	require.NoError(t, st.SaveCycle(ctx, &model.CycleStatus{Symbol: "TQQQ", CurrentCycleDay: 3}))
	require.NoError(t, st.SaveCycle(ctx, &model.CycleStatus{Symbol: "SOXL", CurrentCycleDay: 3}))

	in := valid()
	in.Symbols = []string{"TQQQ"}
	_, err = svc.Update(ctx, in)
	require.NoError(t, err)

	_, err = st.GetCycle(ctx, "SOXL")
	assert.True(t, errors.Is(err, model.ErrNotFound), "removed symbol's cycle should be gone")

	kept, err := st.GetCycle(ctx, "TQQQ")
	require.NoError(t, err)
	assert.Equal(t, 3, kept.CurrentCycleDay)
}

func TestUpdate_BusySymbolBlocksReset(t *testing.T) {
	st := store.NewMemoryStore()
	locks := symlock.New(20 * time.Millisecond)
	svc := settings.NewService(st, locks, zerolog.Nop())
	ctx := context.Background()

	_, err := svc.Update(ctx, valid())
	require.NoError(t, err)

	unlock, err := locks.Lock(ctx, "SOXL")
	require.NoError(t, err)
	defer unlock()

	in := valid()
	in.Symbols = []string{"TQQQ"}
	_, err = svc.Update(ctx, in)
	assert.True(t, errors.Is(err, model.ErrConcurrentMutation))

	saved, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"TQQQ", "SOXL"}, saved.Symbols, "settings unchanged when reset fails")
}
