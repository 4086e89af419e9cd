// Package rebalance computes target-weight rebalance plans.
//
// Planner is a pure function of its Inputs: the same settings, ledger
// snapshot, quotes and timestamp always produce an identical plan, ID
// included. Service gathers those inputs from the store and market data.
package rebalance

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/infinitrader/engine/internal/indicator"
	"github.com/infinitrader/engine/internal/marketdata"
	"github.com/infinitrader/engine/internal/model"
)

const (
	weightScale int32 = 8
	qtyScale    int32 = 8
	taxScale    int32 = 2
)

// Config holds planner thresholds.
type Config struct {
	// MinTradeValue suppresses trades worth less than this (in currency).
	MinTradeValue decimal.Decimal
	// TaxRate applied to realized gains of SELL actions.
	TaxRate decimal.Decimal
	// LotSize is the tradable quantity increment.
	LotSize decimal.Decimal
	// MAPeriod is the moving-average window for the kill switch.
	MAPeriod int
	// Trend adjusts strategy weights by trend; zero means no adjustment.
	Trend TrendPolicy
}

// DefaultConfig returns the planner defaults: $10 minimum trade, 22% tax,
// whole shares, 130-day average.
func DefaultConfig() Config {
	return Config{
		MinTradeValue: decimal.NewFromInt(10),
		TaxRate:       decimal.NewFromFloat(0.22),
		LotSize:       decimal.NewFromInt(1),
		MAPeriod:      indicator.DefaultPeriod,
	}
}

// Inputs is everything a plan depends on.
type Inputs struct {
	Settings   model.UserSettings
	Ledger     model.LedgerSnapshot
	Quotes     map[string]marketdata.Quote
	ComputedAt time.Time
}

// Planner turns Inputs into a RebalancePlan.
type Planner struct {
	cfg     Config
	weights WeightStrategy
}

// NewPlanner creates a planner. A nil strategy means EqualWeight.
func NewPlanner(cfg Config, weights WeightStrategy) *Planner {
	if weights == nil {
		weights = EqualWeight{}
	}
	if !cfg.LotSize.IsPositive() {
		cfg.LotSize = decimal.NewFromInt(1)
	}
	if cfg.MAPeriod <= 0 {
		cfg.MAPeriod = indicator.DefaultPeriod
	}
	return &Planner{cfg: cfg, weights: weights}
}

// Config returns the planner configuration.
func (p *Planner) Config() Config { return p.cfg }

// Weights returns the weight strategy.
func (p *Planner) Weights() WeightStrategy { return p.weights }

// Plan computes the rebalance plan for in. It fails only when target
// weights cannot be derived; per-symbol problems degrade that symbol and
// are listed in the plan's issues.
func (p *Planner) Plan(in Inputs) (*model.RebalancePlan, error) {
	weights, err := p.weights.TargetWeights(in.Settings)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidSettings, err)
	}

	plan := &model.RebalancePlan{
		ComputedAt: in.ComputedAt,
		Cash:       in.Ledger.Account.Cash,
		Items:      make([]model.RebalanceItem, 0, len(in.Settings.Symbols)),
	}

	// Pass 1: value holdings at live prices.
	total := plan.Cash
	for _, sym := range in.Settings.Symbols {
		pos := in.Ledger.Position(sym)
		q := in.Quotes[sym]
		item := model.RebalanceItem{
			Symbol:     sym,
			CurrentQty: pos.Quantity,
			CostBasis:  pos.CostBasis,
			BaseWt:     weights[sym],
			TargetWt:   weights[sym],
		}
		if !q.Priced() {
			item.Degraded = true
			plan.Issues = append(plan.Issues, model.PlanIssue{Symbol: sym, Reason: reason(q.PriceErr, "no live price")})
		} else {
			item.CurrentPrice = q.Price
			item.CurrentVal = pos.Quantity.Mul(q.Price)
			total = total.Add(item.CurrentVal)
		}
		plan.Items = append(plan.Items, item)
	}
	plan.TotalValue = total

	// Pass 2: trend, then the weights it implies.
	for i := range plan.Items {
		item := &plan.Items[i]
		if item.Degraded {
			continue
		}
		if issue := p.applyTrend(item, in.Quotes[item.Symbol]); issue != "" {
			plan.Issues = append(plan.Issues, model.PlanIssue{Symbol: item.Symbol, Reason: issue})
		}
	}
	p.cfg.Trend.adjust(plan.Items)

	// Pass 3: targets and decision.
	tax := decimal.Zero
	for i := range plan.Items {
		item := &plan.Items[i]
		if item.Degraded {
			continue
		}
		if total.IsPositive() {
			item.CurrentWt = item.CurrentVal.DivRound(total, weightScale)
		}
		item.TargetVal = item.TargetWt.Mul(total)
		item.TargetQty = item.TargetVal.DivRound(item.CurrentPrice, qtyScale)
		p.decide(item)

		if item.Action == model.ActionSell {
			gain := item.CurrentPrice.Sub(item.CostBasis).Mul(item.ActionQty)
			if gain.IsPositive() {
				tax = tax.Add(gain.Mul(p.cfg.TaxRate))
			}
		}
	}
	plan.EstimatedTax = tax.Round(taxScale)
	plan.Untracked = untracked(in.Settings, in.Ledger)
	plan.ActionSummary = summarize(plan)
	plan.ID = fingerprint(plan)
	return plan, nil
}

// applyTrend fills the moving-average fields. It returns a non-empty issue
// when the trend cannot be determined; the conditions then stay false.
func (p *Planner) applyTrend(item *model.RebalanceItem, q marketdata.Quote) string {
	if q.HistoryErr != nil {
		return reason(q.HistoryErr, "price history unavailable")
	}
	trend, err := indicator.Evaluate(item.CurrentPrice, q.Closes, p.cfg.MAPeriod)
	if err != nil {
		if errors.Is(err, model.ErrInsufficientHistory) {
			return "trend unknown: " + err.Error()
		}
		return err.Error()
	}
	item.TrendKnown = true
	item.MA130 = trend.MA
	item.MA130Prev = trend.MAPrev
	item.CondPriceUnderMA = trend.PriceUnder
	item.CondMADown = trend.MADown
	item.KillSwitch = trend.KillSwitch()
	return ""
}

func (p *Planner) decide(item *model.RebalanceItem) {
	delta := item.TargetQty.Sub(item.CurrentQty)
	item.Action = model.ActionHold
	item.ActionQty = decimal.Zero

	if delta.IsZero() {
		return
	}
	if delta.Abs().Mul(item.CurrentPrice).LessThan(p.cfg.MinTradeValue) {
		return
	}
	if delta.IsPositive() && item.KillSwitch {
		return
	}

	qty := delta.Abs().Div(p.cfg.LotSize).Floor().Mul(p.cfg.LotSize)
	if qty.IsZero() {
		return
	}
	if delta.IsPositive() {
		item.Action = model.ActionBuy
	} else {
		item.Action = model.ActionSell
	}
	item.ActionQty = qty
}

func untracked(s model.UserSettings, ledger model.LedgerSnapshot) []string {
	var out []string
	for sym, pos := range ledger.Positions {
		if pos.Quantity.IsPositive() && !s.HasSymbol(sym) {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

func summarize(plan *model.RebalancePlan) string {
	s := fmt.Sprintf("%d buy, %d sell, %d hold; equity $%s; est. tax $%s",
		plan.Count(model.ActionBuy), plan.Count(model.ActionSell), plan.Count(model.ActionHold),
		plan.TotalValue.StringFixed(2), plan.EstimatedTax.StringFixed(2))

	var killed []string
	for _, it := range plan.Items {
		if it.KillSwitch {
			killed = append(killed, it.Symbol)
		}
	}
	if len(killed) > 0 {
		s += fmt.Sprintf("; kill switch: %v", killed)
	}
	if len(plan.Issues) > 0 {
		s += fmt.Sprintf("; %d degraded", len(plan.Issues))
	}
	return s
}

// fingerprint derives a stable plan ID from the plan contents.
func fingerprint(plan *model.RebalancePlan) string {
	data, err := json.Marshal(struct {
		At    time.Time
		Total string
		Cash  string
		Items []model.RebalanceItem
	}{plan.ComputedAt.UTC(), plan.TotalValue.String(), plan.Cash.String(), plan.Items})
	if err != nil {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, data).String()
}

func reason(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}
