package rebalance

import (
	"github.com/shopspring/decimal"

	"github.com/infinitrader/engine/internal/model"
)

// TrendPolicy reshapes strategy weights once each symbol's trend is known.
// The zero value leaves weights untouched.
type TrendPolicy struct {
	// HalvePerCondition halves a weight once for each trend condition that
	// holds (price under the average, average falling).
	HalvePerCondition bool
	// Hedges drop to zero weight when their kill switch trips.
	Hedges map[string]bool
	// Partners maps a hedge to the symbol whose weight doubles when that
	// hedge is killed and the partner itself is not.
	Partners map[string]string
}

func (t TrendPolicy) enabled() bool {
	return t.HalvePerCondition || len(t.Hedges) > 0
}

// adjust rewrites TargetWt of every priced item with a known trend. When
// doubling pushes the weights past 1 they are scaled back to sum to 1.
func (t TrendPolicy) adjust(items []model.RebalanceItem) {
	if !t.enabled() {
		return
	}
	half := decimal.NewFromFloat(0.5)
	two := decimal.NewFromInt(2)

	killed := make(map[string]bool)
	for i := range items {
		it := &items[i]
		if it.Degraded || !it.TrendKnown {
			continue
		}
		if t.HalvePerCondition {
			if it.CondPriceUnderMA {
				it.TargetWt = it.TargetWt.Mul(half)
			}
			if it.CondMADown {
				it.TargetWt = it.TargetWt.Mul(half)
			}
		}
		if it.KillSwitch && t.Hedges[it.Symbol] {
			it.TargetWt = decimal.Zero
			killed[it.Symbol] = true
		}
	}

	sum := decimal.Zero
	for i := range items {
		it := &items[i]
		if it.Degraded {
			continue
		}
		if !killed[it.Symbol] {
			for hedge, partner := range t.Partners {
				if partner == it.Symbol && killed[hedge] {
					it.TargetWt = it.TargetWt.Mul(two)
				}
			}
		}
		sum = sum.Add(it.TargetWt)
	}

	one := decimal.NewFromInt(1)
	if sum.GreaterThan(one) {
		for i := range items {
			if !items[i].Degraded {
				items[i].TargetWt = items[i].TargetWt.DivRound(sum, weightScale)
			}
		}
	}
}
