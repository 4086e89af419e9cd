package model

import "time"

// EventType names a change pushed to live subscribers.
type EventType string

const (
	EventTrade     EventType = "trade"
	EventSync      EventType = "sync"
	EventExecution EventType = "execution"
	EventSettings  EventType = "settings"
)

// Event is a notification about a state change, broadcast over WebSocket.
type Event struct {
	Type   EventType `json:"type"`
	Symbol string    `json:"symbol,omitempty"`
	At     time.Time `json:"at"`
	Data   any       `json:"data,omitempty"`
}
