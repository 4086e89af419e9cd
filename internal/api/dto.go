package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/infinitrader/engine/internal/model"
	"github.com/infinitrader/engine/internal/symbols"
)

// Money and quantities cross the wire as JSON numbers. Everything inside
// the engine stays decimal.

func f64(d decimal.Decimal) float64 {
	v, _ := d.Float64()
	return v
}

func dec(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// CycleDTO is the dashboard row for one symbol.
type CycleDTO struct {
	ID              int64      `json:"ID"`
	Symbol          string     `json:"Symbol"`
	CurrentCycleDay int        `json:"CurrentCycleDay"`
	SplitCount      int        `json:"SplitCount"`
	TotalBoughtQty  float64    `json:"TotalBoughtQty"`
	AvgPrice        float64    `json:"AvgPrice"`
	TotalInvested   float64    `json:"TotalInvested"`
	TargetPrice     float64    `json:"TargetPrice"` // AvgPrice × (1 + TargetRate)
	LastAction      string     `json:"LastAction,omitempty"`
	LastAdvancedAt  *time.Time `json:"LastAdvancedAt,omitempty"`
	LastActionAt    *time.Time `json:"LastActionAt,omitempty"`
}

func toCycleDTO(c model.CycleStatus, s model.UserSettings) CycleDTO {
	dto := CycleDTO{
		ID:              c.ID,
		Symbol:          c.Symbol,
		CurrentCycleDay: c.CurrentCycleDay,
		SplitCount:      s.SplitCount,
		TotalBoughtQty:  f64(c.TotalBoughtQty),
		AvgPrice:        f64(c.AvgPrice),
		TotalInvested:   f64(c.TotalInvested),
		TargetPrice:     f64(c.AvgPrice.Mul(decimal.NewFromInt(1).Add(s.TargetRate)).Round(4)),
		LastAdvancedAt:  c.LastAdvancedAt,
		LastActionAt:    c.LastActionAt,
	}
	if c.LastActionAt != nil {
		dto.LastAction = c.LastAction.String()
	}
	return dto
}

func toCycleDTOs(cycles []model.CycleStatus, s model.UserSettings) []CycleDTO {
	out := make([]CycleDTO, 0, len(cycles))
	for _, c := range cycles {
		out = append(out, toCycleDTO(c, s))
	}
	return out
}

// SettingsDTO is the settings payload. Symbols is comma separated.
type SettingsDTO struct {
	Principal  float64    `json:"Principal"`
	SplitCount int        `json:"SplitCount"`
	TargetRate float64    `json:"TargetRate"`
	Symbols    string     `json:"Symbols"`
	IsActive   bool       `json:"IsActive"`
	UpdatedAt  *time.Time `json:"UpdatedAt,omitempty"`
}

func toSettingsDTO(s model.UserSettings) SettingsDTO {
	dto := SettingsDTO{
		Principal:  f64(s.Principal),
		SplitCount: s.SplitCount,
		TargetRate: f64(s.TargetRate),
		Symbols:    symbols.Join(s.Symbols),
		IsActive:   s.IsActive,
	}
	if !s.UpdatedAt.IsZero() {
		at := s.UpdatedAt
		dto.UpdatedAt = &at
	}
	return dto
}

func (dto SettingsDTO) toModel() (model.UserSettings, error) {
	var list []string
	if strings.TrimSpace(dto.Symbols) != "" {
		var err error
		list, err = symbols.Parse(dto.Symbols)
		if err != nil {
			return model.UserSettings{}, fmt.Errorf("%w: %v", model.ErrInvalidSettings, err)
		}
	}
	return model.UserSettings{
		Principal:  dec(dto.Principal),
		SplitCount: dto.SplitCount,
		TargetRate: dec(dto.TargetRate),
		Symbols:    list,
		IsActive:   dto.IsActive,
	}, nil
}

// ItemDTO is one rebalance plan row.
type ItemDTO struct {
	Symbol           string  `json:"symbol"`
	CurrentQty       float64 `json:"current_qty"`
	CurrentPrice     float64 `json:"current_price"`
	CostBasis        float64 `json:"cost_basis"`
	CurrentVal       float64 `json:"current_val"`
	CurrentWt        float64 `json:"current_wt"`
	BaseWt           float64 `json:"base_wt"`
	TargetWt         float64 `json:"target_wt"`
	TargetVal        float64 `json:"target_val"`
	TargetQty        float64 `json:"target_qty"`
	Action           string  `json:"action"`
	ActionQty        float64 `json:"action_qty"`
	MA130            float64 `json:"ma_130"`
	MA130Prev        float64 `json:"ma_130_prev"`
	CondPriceUnderMA bool    `json:"cond_price_under_ma"`
	CondMADown       bool    `json:"cond_ma_down"`
	KillSwitch       bool    `json:"kill_switch"`
	TrendKnown       bool    `json:"trend_known"`
	Degraded         bool    `json:"degraded"`
}

// PlanDTO is a rebalance plan on the wire. Clients may post one back to
// execute it as a custom plan.
type PlanDTO struct {
	ID            string            `json:"id"`
	ComputedAt    time.Time         `json:"computed_at"`
	TotalValue    float64           `json:"total_value"`
	Cash          float64           `json:"cash"`
	Items         []ItemDTO         `json:"items"`
	EstimatedTax  float64           `json:"estimated_tax"`
	ActionSummary string            `json:"action_summary"`
	Issues        []model.PlanIssue `json:"issues,omitempty"`
	Untracked     []string          `json:"untracked,omitempty"`
}

func toPlanDTO(p *model.RebalancePlan) *PlanDTO {
	if p == nil {
		return nil
	}
	dto := &PlanDTO{
		ID:            p.ID,
		ComputedAt:    p.ComputedAt,
		TotalValue:    f64(p.TotalValue),
		Cash:          f64(p.Cash),
		Items:         make([]ItemDTO, 0, len(p.Items)),
		EstimatedTax:  f64(p.EstimatedTax),
		ActionSummary: p.ActionSummary,
		Issues:        p.Issues,
		Untracked:     p.Untracked,
	}
	for _, it := range p.Items {
		dto.Items = append(dto.Items, ItemDTO{
			Symbol:           it.Symbol,
			CurrentQty:       f64(it.CurrentQty),
			CurrentPrice:     f64(it.CurrentPrice),
			CostBasis:        f64(it.CostBasis),
			CurrentVal:       f64(it.CurrentVal),
			CurrentWt:        f64(it.CurrentWt),
			BaseWt:           f64(it.BaseWt),
			TargetWt:         f64(it.TargetWt),
			TargetVal:        f64(it.TargetVal),
			TargetQty:        f64(it.TargetQty),
			Action:           it.Action.String(),
			ActionQty:        f64(it.ActionQty),
			MA130:            f64(it.MA130),
			MA130Prev:        f64(it.MA130Prev),
			CondPriceUnderMA: it.CondPriceUnderMA,
			CondMADown:       it.CondMADown,
			KillSwitch:       it.KillSwitch,
			TrendKnown:       it.TrendKnown,
			Degraded:         it.Degraded,
		})
	}
	return dto
}

func (dto *PlanDTO) toModel() (*model.RebalancePlan, error) {
	p := &model.RebalancePlan{
		ID:            dto.ID,
		ComputedAt:    dto.ComputedAt,
		TotalValue:    dec(dto.TotalValue),
		Cash:          dec(dto.Cash),
		Items:         make([]model.RebalanceItem, 0, len(dto.Items)),
		EstimatedTax:  dec(dto.EstimatedTax),
		ActionSummary: dto.ActionSummary,
		Issues:        dto.Issues,
		Untracked:     dto.Untracked,
	}
	for _, it := range dto.Items {
		action, err := model.ParseAction(it.Action)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", model.ErrInvalidPlan, it.Symbol, err)
		}
		p.Items = append(p.Items, model.RebalanceItem{
			Symbol:           it.Symbol,
			CurrentQty:       dec(it.CurrentQty),
			CurrentPrice:     dec(it.CurrentPrice),
			CostBasis:        dec(it.CostBasis),
			CurrentVal:       dec(it.CurrentVal),
			CurrentWt:        dec(it.CurrentWt),
			BaseWt:           dec(it.BaseWt),
			TargetWt:         dec(it.TargetWt),
			TargetVal:        dec(it.TargetVal),
			TargetQty:        dec(it.TargetQty),
			Action:           action,
			ActionQty:        dec(it.ActionQty),
			MA130:            dec(it.MA130),
			MA130Prev:        dec(it.MA130Prev),
			CondPriceUnderMA: it.CondPriceUnderMA,
			CondMADown:       it.CondMADown,
			KillSwitch:       it.KillSwitch,
			TrendKnown:       it.TrendKnown,
			Degraded:         it.Degraded,
		})
	}
	return p, nil
}

// OutcomeDTO is one symbol's execution outcome.
type OutcomeDTO struct {
	Symbol       string  `json:"symbol"`
	Action       string  `json:"action"`
	Quantity     float64 `json:"quantity"`
	Price        float64 `json:"price"`
	LivePrice    float64 `json:"live_price"`
	State        string  `json:"state"`
	RealizedGain float64 `json:"realized_gain"`
	Tax          float64 `json:"tax"`
	Error        string  `json:"error,omitempty"`
}

// ExecutionDTO is the result of an execute call.
type ExecutionDTO struct {
	ID         string       `json:"id"`
	Plan       *PlanDTO     `json:"plan"`
	DryRun     bool         `json:"dry_run"`
	Applied    bool         `json:"applied"`
	State      string       `json:"state"`
	Outcomes   []OutcomeDTO `json:"outcomes"`
	ExecutedAt time.Time    `json:"executed_at"`
	Error      string       `json:"error,omitempty"`
}

func toExecutionDTO(r *model.ExecutionResult) ExecutionDTO {
	dto := ExecutionDTO{
		ID:         r.ID,
		Plan:       toPlanDTO(r.Plan),
		DryRun:     r.DryRun,
		Applied:    r.Applied,
		State:      string(r.State),
		Outcomes:   make([]OutcomeDTO, 0, len(r.Outcomes)),
		ExecutedAt: r.ExecutedAt,
		Error:      r.Error,
	}
	for _, o := range r.Outcomes {
		dto.Outcomes = append(dto.Outcomes, OutcomeDTO{
			Symbol:       o.Symbol,
			Action:       o.Action.String(),
			Quantity:     f64(o.Quantity),
			Price:        f64(o.Price),
			LivePrice:    f64(o.LivePrice),
			State:        string(o.State),
			RealizedGain: f64(o.RealizedGain),
			Tax:          f64(o.Tax),
			Error:        o.Error,
		})
	}
	return dto
}

// SyncDTO is the result of a sync.
type SyncDTO struct {
	Status   string           `json:"status"`
	SyncedAt time.Time        `json:"synced_at"`
	Cycles   []CycleDTO       `json:"cycles"`
	Outcomes []SyncOutcomeDTO `json:"outcomes"`
}

type SyncOutcomeDTO struct {
	Symbol   string  `json:"symbol"`
	Status   string  `json:"status"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	Error    string  `json:"error,omitempty"`
}

func toSyncDTO(r *model.SyncResult, s model.UserSettings) SyncDTO {
	dto := SyncDTO{
		Status:   "synced",
		SyncedAt: r.SyncedAt,
		Cycles:   toCycleDTOs(r.Cycles, s),
		Outcomes: make([]SyncOutcomeDTO, 0, len(r.Outcomes)),
	}
	for _, o := range r.Outcomes {
		dto.Outcomes = append(dto.Outcomes, SyncOutcomeDTO{
			Symbol:   o.Symbol,
			Status:   string(o.Status),
			Quantity: f64(o.Quantity),
			Price:    f64(o.Price),
			Error:    o.Error,
		})
	}
	return dto
}

type PositionDTO struct {
	Symbol    string    `json:"symbol"`
	Quantity  float64   `json:"quantity"`
	CostBasis float64   `json:"cost_basis"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerDTO is the account and its positions.
type LedgerDTO struct {
	Cash            float64       `json:"cash"`
	Positions       []PositionDTO `json:"positions"`
	LastExecutionAt *time.Time    `json:"last_execution_at,omitempty"`
	LastSyncAt      *time.Time    `json:"last_sync_at,omitempty"`
}

func toLedgerDTO(a *model.Account, positions []model.Position) LedgerDTO {
	dto := LedgerDTO{
		Cash:            f64(a.Cash),
		Positions:       make([]PositionDTO, 0, len(positions)),
		LastExecutionAt: a.LastExecutionAt,
		LastSyncAt:      a.LastSyncAt,
	}
	for _, p := range positions {
		dto.Positions = append(dto.Positions, PositionDTO{
			Symbol:    p.Symbol,
			Quantity:  f64(p.Quantity),
			CostBasis: f64(p.CostBasis),
			UpdatedAt: p.UpdatedAt,
		})
	}
	return dto
}

type LotDTO struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	Quantity     float64   `json:"quantity"`
	Price        float64   `json:"price"`
	CostBasis    float64   `json:"cost_basis"`
	RealizedGain float64   `json:"realized_gain"`
	Tax          float64   `json:"tax"`
	Source       string    `json:"source"`
	ExecutedAt   time.Time `json:"executed_at"`
}

func toLotDTOs(lots []model.TaxLot) []LotDTO {
	out := make([]LotDTO, 0, len(lots))
	for _, l := range lots {
		out = append(out, LotDTO{
			ID:           l.ID,
			Symbol:       l.Symbol,
			Side:         l.Side.String(),
			Quantity:     f64(l.Quantity),
			Price:        f64(l.Price),
			CostBasis:    f64(l.CostBasis),
			RealizedGain: f64(l.RealizedGain),
			Tax:          f64(l.Tax),
			Source:       string(l.Source),
			ExecutedAt:   l.ExecutedAt,
		})
	}
	return out
}

type TradeDTO struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Amount     float64   `json:"amount"`
	Profit     float64   `json:"profit"`
	Source     string    `json:"source"`
	ExecutedAt time.Time `json:"executed_at"`
}

func toTradeDTOs(trades []model.TradeRecord) []TradeDTO {
	out := make([]TradeDTO, 0, len(trades))
	for _, t := range trades {
		out = append(out, TradeDTO{
			ID:         t.ID,
			Symbol:     t.Symbol,
			Side:       t.Side.String(),
			Quantity:   f64(t.Quantity),
			Price:      f64(t.Price),
			Amount:     f64(t.Amount),
			Profit:     f64(t.Profit),
			Source:     string(t.Source),
			ExecutedAt: t.ExecutedAt,
		})
	}
	return out
}
