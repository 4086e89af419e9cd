package model

import (
	"fmt"
	"strings"
)

// Action is the decision attached to a plan item or a trade.
type Action int

const (
	ActionHold Action = iota
	ActionBuy
	ActionSell
)

func (a Action) String() string {
	switch a {
	case ActionHold:
		return "HOLD"
	case ActionBuy:
		return "BUY"
	case ActionSell:
		return "SELL"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// ParseAction parses "BUY", "SELL" or "HOLD" case-insensitively.
func ParseAction(s string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HOLD", "":
		return ActionHold, nil
	case "BUY":
		return ActionBuy, nil
	case "SELL":
		return ActionSell, nil
	}
	return ActionHold, fmt.Errorf("unknown action %q", s)
}

func (a Action) MarshalText() ([]byte, error) {
	switch a {
	case ActionHold, ActionBuy, ActionSell:
		return []byte(a.String()), nil
	}
	return nil, fmt.Errorf("invalid action %d", int(a))
}

func (a *Action) UnmarshalText(b []byte) error {
	v, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
