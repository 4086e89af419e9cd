package model_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infinitrader/engine/internal/model"
)

func TestAction_JSON(t *testing.T) {
	item := struct {
		Action model.Action `json:"action"`
	}{Action: model.ActionSell}

	data, err := json.Marshal(item)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"SELL"}`, string(data))

	var back struct {
		Action model.Action `json:"action"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"action":"buy"}`), &back))
	assert.Equal(t, model.ActionBuy, back.Action)
}

func TestAction_UnknownRejected(t *testing.T) {
	var a model.Action
	err := json.Unmarshal([]byte(`"SHORT"`), &a)
	assert.Error(t, err)

	_, err = model.Action(9).MarshalText()
	assert.Error(t, err)
}

func TestSymbolError_Unwraps(t *testing.T) {
	err := model.NewSymbolError("TQQQ", model.ErrInsufficientCash)

	assert.True(t, errors.Is(err, model.ErrInsufficientCash))
	assert.Equal(t, "TQQQ: insufficient cash", err.Error())

	var se *model.SymbolError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "TQQQ", se.Symbol)
}

func TestCycleStatus_Completed(t *testing.T) {
	c := model.CycleStatus{CurrentCycleDay: 5}
	assert.True(t, c.Completed(5))
	assert.False(t, c.Completed(6))
}
