package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/infinitrader/engine/internal/model"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{model.ErrInactiveSettings, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", model.ErrStalePlan), http.StatusConflict},
		{model.NewSymbolError("TQQQ", model.ErrInsufficientCash), http.StatusUnprocessableEntity},
		{model.ErrInsufficientQuantity, http.StatusUnprocessableEntity},
		{model.NewSymbolError("TQQQ", model.ErrConcurrentMutation), http.StatusServiceUnavailable},
		{model.ErrMarketDataUnavailable, http.StatusBadGateway},
		{model.ErrInsufficientHistory, http.StatusBadGateway},
		{model.ErrInvalidSettings, http.StatusBadRequest},
		{model.ErrInvalidPlan, http.StatusBadRequest},
		{model.ErrNotFound, http.StatusNotFound},
		{errors.Join(model.NewSymbolError("A", model.ErrInsufficientCash)), http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestWriteErr_BusySetsRetryAfter(t *testing.T) {
	h := &Handler{log: zerolog.Nop()}
	w := httptest.NewRecorder()
	h.writeErr(w, httptest.NewRequest(http.MethodPost, "/api/sync", nil),
		model.NewSymbolError("TQQQ", model.ErrConcurrentMutation))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"TQQQ: symbol is busy, retry later"}`, w.Body.String())
}

func TestPlanDTO_RoundTrip(t *testing.T) {
	in := &model.RebalancePlan{
		ID: "p",
		Items: []model.RebalanceItem{{
			Symbol: "TQQQ", Action: model.ActionSell, ActionQty: dec(2), CurrentPrice: dec(101.25),
		}},
	}
	out, err := toPlanDTO(in).toModel()
	assert.NoError(t, err)
	assert.Equal(t, model.ActionSell, out.Items[0].Action)
	assert.True(t, out.Items[0].CurrentPrice.Equal(dec(101.25)))

	bad := toPlanDTO(in)
	bad.Items[0].Action = "SHORT"
	_, err = bad.toModel()
	assert.True(t, errors.Is(err, model.ErrInvalidPlan))
}
