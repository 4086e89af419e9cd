package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/infinitrader/engine/internal/model"
)

// statusFor maps engine errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInactiveSettings), errors.Is(err, model.ErrStalePlan):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientCash), errors.Is(err, model.ErrInsufficientQuantity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrConcurrentMutation):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrMarketDataUnavailable), errors.Is(err, model.ErrInsufficientHistory):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrInvalidSettings), errors.Is(err, model.ErrInvalidPlan):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr writes err with its mapped status. Busy symbols carry a
// Retry-After hint.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	h.writeErrResult(w, r, err, nil)
}

// writeErrResult is writeErr for operations that fail after producing a
// partial result; the result goes out next to the error.
func (h *Handler) writeErrResult(w http.ResponseWriter, r *http.Request, err error, result any) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	if result == nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "result": result})
}
