package engine

import (
	"time"

	"github.com/atmx/convergence-engine/internal/model"
)

// Event types pushed to subscribers.
const (
	EventSignalCreated     = "signal_created"
	EventSignalUpdated     = "signal_updated"
	EventSignalInvalidated = "signal_invalidated"
	EventSignalsExpired    = "signals_expired"
)

// Event is one signal lifecycle transition.
type Event struct {
	Type      string          `json:"type"`
	Signal    *model.Signal   `json:"signal,omitempty"`
	Coin      string          `json:"coin,omitempty"`
	Direction model.Direction `json:"direction,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Count     int             `json:"count,omitempty"`
	At        time.Time       `json:"at"`
}

// Publisher receives lifecycle events. Publish must not block.
type Publisher interface {
	Publish(Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
