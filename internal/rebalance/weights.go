package rebalance

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/infinitrader/engine/internal/model"
)

// WeightStrategy derives target portfolio weights from settings. Weights are
// fractions of total value; whatever they leave unallocated stays in cash.
type WeightStrategy interface {
	TargetWeights(s model.UserSettings) (map[string]decimal.Decimal, error)
	Name() string
}

// EqualWeight spreads the portfolio evenly across the symbol universe.
type EqualWeight struct{}

func (EqualWeight) Name() string { return "equal" }

func (EqualWeight) TargetWeights(s model.UserSettings) (map[string]decimal.Decimal, error) {
	weights := make(map[string]decimal.Decimal, len(s.Symbols))
	if len(s.Symbols) == 0 {
		return weights, nil
	}
	w := decimal.NewFromInt(1).DivRound(decimal.NewFromInt(int64(len(s.Symbols))), weightScale)
	for _, sym := range s.Symbols {
		weights[sym] = w
	}
	return weights, nil
}

// FixedWeights applies an externally supplied weight map. Universe symbols
// missing from the map get zero weight, map entries outside the universe
// are ignored.
type FixedWeights struct {
	Weights map[string]decimal.Decimal
}

func (FixedWeights) Name() string { return "fixed" }

func (f FixedWeights) TargetWeights(s model.UserSettings) (map[string]decimal.Decimal, error) {
	weights := make(map[string]decimal.Decimal, len(s.Symbols))
	sum := decimal.Zero
	for _, sym := range s.Symbols {
		w := f.Weights[sym]
		if w.IsNegative() {
			return nil, fmt.Errorf("weight for %s is negative: %s", sym, w)
		}
		weights[sym] = w
		sum = sum.Add(w)
	}
	if sum.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("weights sum to %s, more than 1", sum)
	}
	return weights, nil
}

// StrategyFor returns FixedWeights when weights are configured and
// EqualWeight otherwise.
func StrategyFor(weights map[string]decimal.Decimal) WeightStrategy {
	if len(weights) == 0 {
		return EqualWeight{}
	}
	return FixedWeights{Weights: weights}
}
