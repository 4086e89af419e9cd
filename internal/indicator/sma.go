// Package indicator computes the trend indicators used by the rebalance
// planner's kill switch.
//
// All inputs are daily closes ordered oldest → newest. Sums are computed in
// decimal, so the same closes always yield bit-identical averages and the
// planner stays a pure function of its inputs.
package indicator

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/infinitrader/engine/internal/model"
)

var (
	// ErrInvalidPeriod is returned when period <= 0.
	ErrInvalidPeriod = errors.New("indicator: period must be positive")

	// DefaultPeriod is the moving-average window used by the planner.
	DefaultPeriod = 130

	// Scale is the number of decimal places averages are rounded to.
	Scale int32 = 8
)

// SMA returns the simple moving average of the last period closes.
// Returns model.ErrInsufficientHistory when fewer than period closes exist.
func SMA(closes []decimal.Decimal, period int) (decimal.Decimal, error) {
	if period <= 0 {
		return decimal.Zero, ErrInvalidPeriod
	}
	if len(closes) < period {
		return decimal.Zero, fmt.Errorf("%w: have %d closes, need %d",
			model.ErrInsufficientHistory, len(closes), period)
	}
	return mean(closes[len(closes)-period:]), nil
}

// Trend is the moving-average state of one symbol.
type Trend struct {
	MA         decimal.Decimal // average of the latest period closes
	MAPrev     decimal.Decimal // average of the period closes ending one bar earlier
	PriceUnder bool            // price < MA
	MADown     bool            // MA < MAPrev
}

// KillSwitch reports whether both deterioration signals agree.
// A single bad signal does not freeze buying.
func (t Trend) KillSwitch() bool {
	return t.PriceUnder && t.MADown
}

// MovingAverages returns the current and prior-period SMA.
//
// With exactly period closes there is no prior window; MAPrev equals MA so
// the slope reads flat rather than falling.
func MovingAverages(closes []decimal.Decimal, period int) (ma, prev decimal.Decimal, err error) {
	ma, err = SMA(closes, period)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if len(closes) == period {
		return ma, ma, nil
	}
	prev = mean(closes[len(closes)-period-1 : len(closes)-1])
	return ma, prev, nil
}

// Evaluate computes the full trend state for the given live price.
func Evaluate(price decimal.Decimal, closes []decimal.Decimal, period int) (Trend, error) {
	ma, prev, err := MovingAverages(closes, period)
	if err != nil {
		return Trend{}, err
	}
	return Trend{
		MA:         ma,
		MAPrev:     prev,
		PriceUnder: price.LessThan(ma),
		MADown:     ma.LessThan(prev),
	}, nil
}

func mean(xs []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, x := range xs {
		sum = sum.Add(x)
	}
	return sum.DivRound(decimal.NewFromInt(int64(len(xs))), Scale)
}
