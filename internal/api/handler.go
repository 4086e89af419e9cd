// Package api is the HTTP boundary of the engine: JSON handlers for the
// dashboard, settings, sync and rebalance flows, the ledger views and a
// WebSocket event stream.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/infinitrader/engine/internal/model"
	"github.com/infinitrader/engine/internal/symbols"
)

const maxBody = 1 << 20

// SettingsService reads and writes user settings.
type SettingsService interface {
	Get(ctx context.Context) (model.UserSettings, error)
	Update(ctx context.Context, in model.UserSettings) (model.UserSettings, error)
}

// CycleTracker reports and advances cycles.
type CycleTracker interface {
	Status(ctx context.Context) ([]model.CycleStatus, error)
	Advance(ctx context.Context) (*model.SyncResult, error)
}

// Previewer computes rebalance plans.
type Previewer interface {
	Preview(ctx context.Context) (*model.RebalancePlan, error)
}

// Executor executes rebalance plans.
type Executor interface {
	Execute(ctx context.Context, plan *model.RebalancePlan, dryRun bool) (*model.ExecutionResult, error)
}

// Ledger is the read side of the position ledger plus cash deposits.
type Ledger interface {
	GetAccount(ctx context.Context) (*model.Account, error)
	ListPositions(ctx context.Context) ([]model.Position, error)
	Deposit(ctx context.Context, amount decimal.Decimal) (*model.Account, error)
	ListTaxLots(ctx context.Context, sym string) ([]model.TaxLot, error)
	ListTrades(ctx context.Context, limit int) ([]model.TradeRecord, error)
}

// Deps are the services behind the handlers. Hub is optional.
type Deps struct {
	Settings SettingsService
	Cycles   CycleTracker
	Preview  Previewer
	Executor Executor
	Ledger   Ledger
	Hub      *WSHub
}

// Handler serves the engine's HTTP API.
type Handler struct {
	Deps
	log zerolog.Logger
}

// NewHandler creates a Handler.
func NewHandler(deps Deps, log zerolog.Logger) *Handler {
	return &Handler{Deps: deps, log: log.With().Str("component", "api").Logger()}
}

// RegisterRoutes mounts every endpoint under /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/dashboard", h.GetDashboard)
		r.Get("/settings", h.GetSettings)
		r.Post("/settings", h.UpdateSettings)
		r.Post("/sync", h.TriggerSync)
		r.Get("/rebalance/preview", h.PreviewRebalance)
		r.Post("/rebalance/execute", h.ExecuteRebalance)
		r.Get("/ledger", h.GetLedger)
		r.Post("/ledger/deposit", h.Deposit)
		r.Get("/ledger/lots", h.ListLots)
		r.Get("/trades", h.ListTrades)
		if h.Hub != nil {
			r.Get("/ws", h.Hub.HandleWS)
		}
	})
}

func (h *Handler) publish(ev model.Event) {
	if h.Hub != nil {
		h.Hub.Publish(ev)
	}
}

// GetDashboard handles GET /api/dashboard: one row per symbol in the universe.
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	settings, err := h.Settings.Get(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	cycles, err := h.Cycles.Status(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCycleDTOs(cycles, settings))
}

// GetSettings handles GET /api/settings.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.Settings.Get(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettingsDTO(settings))
}

// UpdateSettings handles POST /api/settings.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var dto SettingsDTO
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	in, err := dto.toModel()
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	saved, err := h.Settings.Update(r.Context(), in)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.publish(model.Event{Type: model.EventSettings, At: saved.UpdatedAt, Data: saved})
	writeJSON(w, http.StatusOK, toSettingsDTO(saved))
}

// TriggerSync handles POST /api/sync.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	settings, err := h.Settings.Get(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	res, err := h.Cycles.Advance(r.Context())
	if err != nil {
		if res != nil {
			dto := toSyncDTO(res, settings)
			dto.Status = "failed"
			h.writeErrResult(w, r, err, dto)
			return
		}
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSyncDTO(res, settings))
}

// PreviewRebalance handles GET /api/rebalance/preview.
func (h *Handler) PreviewRebalance(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Preview.Preview(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(plan))
}

// ExecuteRebalance handles POST /api/rebalance/execute?dry_run=bool. An
// optional JSON body carries a custom plan; without one the plan is
// recomputed.
func (h *Handler) ExecuteRebalance(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if v := r.URL.Query().Get("dry_run"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid dry_run %q", v))
			return
		}
		dryRun = b
	}

	plan, err := readPlan(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	res, err := h.Executor.Execute(r.Context(), plan, dryRun)
	if err != nil {
		if res != nil {
			h.writeErrResult(w, r, err, toExecutionDTO(res))
			return
		}
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExecutionDTO(res))
}

func readPlan(r *http.Request) (*model.RebalancePlan, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidPlan, err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	var dto PlanDTO
	if err := json.Unmarshal(body, &dto); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidPlan, err)
	}
	if len(dto.Items) == 0 {
		return nil, fmt.Errorf("%w: plan must contain at least one item", model.ErrInvalidPlan)
	}
	return dto.toModel()
}

// GetLedger handles GET /api/ledger.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Ledger.GetAccount(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	positions, err := h.Ledger.ListPositions(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerDTO(acct, positions))
}

// DepositRequest is the body of POST /api/ledger/deposit. A negative amount
// withdraws.
type DepositRequest struct {
	Amount float64 `json:"amount"`
}

// Deposit handles POST /api/ledger/deposit.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Amount == 0 {
		writeError(w, http.StatusBadRequest, "amount must be non-zero")
		return
	}
	acct, err := h.Ledger.Deposit(r.Context(), decimal.NewFromFloat(req.Amount))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.log.Info().Float64("amount", req.Amount).Str("cash", acct.Cash.StringFixed(2)).Msg("cash deposited")
	positions, err := h.Ledger.ListPositions(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerDTO(acct, positions))
}

// ListLots handles GET /api/ledger/lots?symbol=.
func (h *Handler) ListLots(w http.ResponseWriter, r *http.Request) {
	sym := r.URL.Query().Get("symbol")
	if sym != "" {
		var err error
		if sym, err = symbols.Normalize(sym); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	lots, err := h.Ledger.ListTaxLots(r.Context(), sym)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLotDTOs(lots))
}

// ListTrades handles GET /api/trades?limit=.
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	trades, err := h.Ledger.ListTrades(r.Context(), limit)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTradeDTOs(trades))
}

// Health handles GET /health.
func Health(service string) http.HandlerFunc {
	started := time.Now()
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"service": service,
			"uptime":  time.Since(started).Round(time.Second).String(),
		})
	}
}
