// Package model defines the core domain types shared across the engine.
// All monetary values and quantities use shopspring/decimal. Conversion to
// float64 happens only at the HTTP boundary.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserSettings is the singleton configuration of the deployment strategy.
type UserSettings struct {
	Principal  decimal.Decimal `json:"principal"`
	SplitCount int             `json:"split_count"` // installments the principal is divided into
	TargetRate decimal.Decimal `json:"target_rate"` // fractional take-profit target, e.g. 0.10
	Symbols    []string        `json:"symbols"`     // ordered, de-duplicated universe
	IsActive   bool            `json:"is_active"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// DefaultSettings returns the settings served before the user saves any.
func DefaultSettings() UserSettings {
	return UserSettings{
		Principal:  decimal.NewFromInt(10000),
		SplitCount: 40,
		TargetRate: decimal.NewFromFloat(0.10),
		Symbols:    []string{"TQQQ"},
		IsActive:   false,
	}
}

// HasSymbol reports whether sym is part of the active universe.
func (s UserSettings) HasSymbol(sym string) bool {
	for _, v := range s.Symbols {
		if v == sym {
			return true
		}
	}
	return false
}

// CycleStatus is the staged-deployment state of one symbol.
// Invariant: TotalInvested ≈ TotalBoughtQty × AvgPrice.
type CycleStatus struct {
	ID              int64           `json:"id" db:"id"`
	Symbol          string          `json:"symbol" db:"symbol"`
	CurrentCycleDay int             `json:"current_cycle_day" db:"current_cycle_day"`
	TotalBoughtQty  decimal.Decimal `json:"total_bought_qty" db:"total_bought_qty"`
	AvgPrice        decimal.Decimal `json:"avg_price" db:"avg_price"`
	TotalInvested   decimal.Decimal `json:"total_invested" db:"total_invested"`
	LastAdvancedAt  *time.Time      `json:"last_advanced_at,omitempty" db:"last_advanced_at"`
	LastAction      Action          `json:"last_action" db:"last_action"`
	LastActionAt    *time.Time      `json:"last_action_at,omitempty" db:"last_action_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Completed reports whether every installment of the cycle has been bought.
func (c CycleStatus) Completed(splitCount int) bool {
	return c.CurrentCycleDay >= splitCount
}

// Position is the holding of one symbol in the ledger.
type Position struct {
	Symbol    string          `json:"symbol" db:"symbol"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	CostBasis decimal.Decimal `json:"cost_basis" db:"cost_basis"` // weighted-average price per unit
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// MarketValue returns quantity × price.
func (p Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(price)
}

// Account holds the ledger-wide cash balance and bookkeeping timestamps.
type Account struct {
	Cash            decimal.Decimal `json:"cash"`
	LastExecutionAt *time.Time      `json:"last_execution_at,omitempty"`
	LastSyncAt      *time.Time      `json:"last_sync_at,omitempty"`
}

// LedgerSnapshot is a point-in-time read of the whole ledger. Planning works
// on snapshots and never holds ledger locks.
type LedgerSnapshot struct {
	Account   Account             `json:"account"`
	Positions map[string]Position `json:"positions"`
}

// Position returns the holding for sym, or an empty position.
func (s LedgerSnapshot) Position(sym string) Position {
	if p, ok := s.Positions[sym]; ok {
		return p
	}
	return Position{Symbol: sym}
}

// TaxLot is an immutable record appended for every applied trade.
type TaxLot struct {
	ID           string          `json:"id" db:"id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Side         Action          `json:"side" db:"side"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"`
	CostBasis    decimal.Decimal `json:"cost_basis" db:"cost_basis"`       // basis of the units involved
	RealizedGain decimal.Decimal `json:"realized_gain" db:"realized_gain"` // SELL only
	Tax          decimal.Decimal `json:"tax" db:"tax"`                     // SELL only, never negative
	Source       TradeSource     `json:"source" db:"source"`
	ExecutedAt   time.Time       `json:"executed_at" db:"executed_at"`
}

// TradeRecord is the trade log entry shown to the user.
type TradeRecord struct {
	ID         string          `json:"id" db:"id"`
	Symbol     string          `json:"symbol" db:"symbol"`
	Side       Action          `json:"side" db:"side"`
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	Price      decimal.Decimal `json:"price" db:"price"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Profit     decimal.Decimal `json:"profit" db:"profit"` // SELL only
	Source     TradeSource     `json:"source" db:"source"`
	ExecutedAt time.Time       `json:"executed_at" db:"executed_at"`
}

// TradeSource identifies which flow produced a trade.
type TradeSource string

const (
	SourceCycle     TradeSource = "CYCLE"
	SourceRebalance TradeSource = "REBALANCE"
)

// TradeMutation is everything a single applied trade changes. Stores apply
// it atomically: either all of it lands or none of it does.
type TradeMutation struct {
	Position   Position        // new state of the position
	CashDelta  decimal.Decimal // signed change to account cash
	Lot        TaxLot
	Trade      TradeRecord
	Cycle      *CycleStatus // optional cycle state saved with the trade
	ExecutedAt time.Time
}

// RebalanceItem is the per-symbol snapshot and decision of a plan.
type RebalanceItem struct {
	Symbol           string          `json:"symbol"`
	CurrentQty       decimal.Decimal `json:"current_qty"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	CostBasis        decimal.Decimal `json:"cost_basis"`
	CurrentVal       decimal.Decimal `json:"current_val"`
	CurrentWt        decimal.Decimal `json:"current_wt"`
	BaseWt           decimal.Decimal `json:"base_wt"` // strategy weight before trend adjustment
	TargetWt         decimal.Decimal `json:"target_wt"`
	TargetVal        decimal.Decimal `json:"target_val"`
	TargetQty        decimal.Decimal `json:"target_qty"`
	Action           Action          `json:"action"`
	ActionQty        decimal.Decimal `json:"action_qty"`
	MA130            decimal.Decimal `json:"ma_130"`
	MA130Prev        decimal.Decimal `json:"ma_130_prev"`
	CondPriceUnderMA bool            `json:"cond_price_under_ma"`
	CondMADown       bool            `json:"cond_ma_down"`
	KillSwitch       bool            `json:"kill_switch"`
	TrendKnown       bool            `json:"trend_known"`
	Degraded         bool            `json:"degraded"`
}

// TradeValue returns actionQty × currentPrice.
func (i RebalanceItem) TradeValue() decimal.Decimal {
	return i.ActionQty.Mul(i.CurrentPrice)
}

// PlanIssue records a symbol that was degraded while planning.
type PlanIssue struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// RebalancePlan is an immutable point-in-time rebalance computation.
type RebalancePlan struct {
	ID            string          `json:"id"`
	ComputedAt    time.Time       `json:"computed_at"`
	TotalValue    decimal.Decimal `json:"total_value"`
	Cash          decimal.Decimal `json:"cash"`
	Items         []RebalanceItem `json:"items"`
	EstimatedTax  decimal.Decimal `json:"estimated_tax"`
	ActionSummary string          `json:"action_summary"`
	Issues        []PlanIssue     `json:"issues,omitempty"`
	Untracked     []string        `json:"untracked,omitempty"`
}

// Count returns how many items carry the given action.
func (p RebalancePlan) Count(a Action) int {
	n := 0
	for _, it := range p.Items {
		if it.Action == a {
			n++
		}
	}
	return n
}

// ExecutionState is the lifecycle state of an execution or of one symbol's trade.
type ExecutionState string

const (
	StatePlanned   ExecutionState = "PLANNED"
	StateValidated ExecutionState = "VALIDATED"
	StateApplied   ExecutionState = "APPLIED"
	StateRejected  ExecutionState = "REJECTED"
)

// SymbolOutcome reports what happened to one plan item during execution.
type SymbolOutcome struct {
	Symbol       string          `json:"symbol"`
	Action       Action          `json:"action"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	LivePrice    decimal.Decimal `json:"live_price"`
	State        ExecutionState  `json:"state"`
	RealizedGain decimal.Decimal `json:"realized_gain"`
	Tax          decimal.Decimal `json:"tax"`
	Error        string          `json:"error,omitempty"`
}

// ExecutionResult is the aggregate result of executing a plan. Execution is
// best-effort per symbol: a rejected symbol never rolls back applied ones.
type ExecutionResult struct {
	ID         string          `json:"id"`
	Plan       *RebalancePlan  `json:"plan"`
	DryRun     bool            `json:"dry_run"`
	Applied    bool            `json:"applied"`
	State      ExecutionState  `json:"state"`
	Outcomes   []SymbolOutcome `json:"outcomes"`
	ExecutedAt time.Time       `json:"executed_at"`
	Error      string          `json:"error,omitempty"`
}

// SyncStatus is the per-symbol outcome of one cycle advance.
type SyncStatus string

const (
	SyncAdvanced   SyncStatus = "ADVANCED"
	SyncSkipped    SyncStatus = "SKIPPED"     // already advanced this period
	SyncCompleted  SyncStatus = "COMPLETED"   // cycle day reached split count
	SyncTookProfit SyncStatus = "TAKE_PROFIT" // cycle sold at its target and restarted
	SyncFailed     SyncStatus = "FAILED"
)

// SyncOutcome describes what a sync did to one symbol.
type SyncOutcome struct {
	Symbol   string          `json:"symbol"`
	Status   SyncStatus      `json:"status"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Error    string          `json:"error,omitempty"`
}

// SyncResult is returned by a cycle advance.
type SyncResult struct {
	SyncedAt time.Time     `json:"synced_at"`
	Cycles   []CycleStatus `json:"cycles"`
	Outcomes []SyncOutcome `json:"outcomes"`
}
