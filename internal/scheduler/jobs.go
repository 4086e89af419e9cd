package scheduler

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/infinitrader/engine/internal/model"
)

// Advancer advances cycles.
type Advancer interface {
	Advance(ctx context.Context) (*model.SyncResult, error)
}

// Executor executes rebalance plans.
type Executor interface {
	Execute(ctx context.Context, plan *model.RebalancePlan, dryRun bool) (*model.ExecutionResult, error)
}

// SyncJob advances every active cycle.
type SyncJob struct {
	Tracker Advancer
	Log     zerolog.Logger
}

func (j *SyncJob) Name() string { return "sync" }

// Run advances cycles. Inactive settings are not a failure.
func (j *SyncJob) Run(ctx context.Context) error {
	res, err := j.Tracker.Advance(ctx)
	if errors.Is(err, model.ErrInactiveSettings) {
		j.Log.Info().Msg("deployment inactive, sync skipped")
		return nil
	}
	if err != nil {
		return err
	}
	for _, o := range res.Outcomes {
		j.Log.Info().Str("symbol", o.Symbol).Str("status", string(o.Status)).Str("error", o.Error).Msg("sync outcome")
	}
	return nil
}

// RebalanceJob recomputes and executes a plan. Unless AutoExecute is set
// it only validates it.
type RebalanceJob struct {
	Engine      Executor
	AutoExecute bool
	Log         zerolog.Logger
}

func (j *RebalanceJob) Name() string { return "rebalance" }

func (j *RebalanceJob) Run(ctx context.Context) error {
	res, err := j.Engine.Execute(ctx, nil, !j.AutoExecute)
	if err != nil {
		return err
	}
	j.Log.Info().
		Bool("dry_run", res.DryRun).
		Str("state", string(res.State)).
		Str("summary", res.Plan.ActionSummary).
		Msg("scheduled rebalance finished")
	return nil
}
