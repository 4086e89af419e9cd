package rebalance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/infinitrader/engine/internal/marketdata"
	"github.com/infinitrader/engine/internal/metrics"
	"github.com/infinitrader/engine/internal/model"
	"github.com/infinitrader/engine/internal/store"
)

// SettingsReader returns the current settings.
type SettingsReader interface {
	Get(ctx context.Context) (model.UserSettings, error)
}

// QuoteSource fetches quotes with history for a set of symbols.
type QuoteSource interface {
	Snapshot(ctx context.Context, symbols []string) map[string]marketdata.Quote
}

// Service builds previews from live state. Previews read a ledger snapshot
// and never take symbol locks, so they run concurrently with anything.
type Service struct {
	planner  *Planner
	store    store.Store
	settings SettingsReader
	quotes   QuoteSource
	log      zerolog.Logger
	now      func() time.Time
}

// NewService creates a preview service.
func NewService(p *Planner, st store.Store, settings SettingsReader, quotes QuoteSource, log zerolog.Logger) *Service {
	return &Service{
		planner:  p,
		store:    st,
		settings: settings,
		quotes:   quotes,
		log:      log.With().Str("component", "rebalance").Logger(),
		now:      time.Now,
	}
}

// Planner returns the underlying planner.
func (s *Service) Planner() *Planner { return s.planner }

// Preview computes a plan from current settings, ledger and market data.
func (s *Service) Preview(ctx context.Context) (*model.RebalancePlan, error) {
	start := time.Now()
	defer func() { metrics.PlanDuration.Observe(time.Since(start).Seconds()) }()

	settings, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger snapshot: %w", err)
	}

	quotes := s.quotes.Snapshot(ctx, settings.Symbols)
	plan, err := s.planner.Plan(Inputs{
		Settings:   settings,
		Ledger:     *snap,
		Quotes:     quotes,
		ComputedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	metrics.PlansComputed.Inc()
	for _, it := range plan.Items {
		v := 0.0
		if it.KillSwitch {
			v = 1
		}
		metrics.KillSwitch.WithLabelValues(it.Symbol).Set(v)
	}
	for _, issue := range plan.Issues {
		s.log.Warn().Str("symbol", issue.Symbol).Str("reason", issue.Reason).Msg("symbol degraded in plan")
	}
	s.log.Info().Str("plan_id", plan.ID).Str("summary", plan.ActionSummary).Msg("plan computed")
	return plan, nil
}
