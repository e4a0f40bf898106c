// Package adapter defines the contract every engine adapter implements:
// convert one raw engine event into zero or one unified message while
// keeping engine-local state for exactly one session.
package adapter

import (
	"context"
	"encoding/json"

	"github.com/kandev/streambridge/internal/adapter/shared"
	"github.com/kandev/streambridge/internal/unified"
)

// Event is one decoded engine event.
type Event struct {
	Raw    json.RawMessage
	Fields map[string]any
}

// Type returns the event's "type" field.
func (e *Event) Type() string {
	return shared.GetString(e.Fields, "type")
}

// Decode parses one raw line. Errors are *shared.DecodeError.
func Decode(engine unified.Engine, raw []byte) (*Event, error) {
	fields, err := shared.DecodeObject(raw)
	if err != nil {
		return nil, shared.NewDecodeError(string(engine), raw, err)
	}
	return &Event{Raw: json.RawMessage(raw), Fields: fields}, nil
}

// Identity is what an adapter knows about an event's identity before
// converting it. It feeds the dedup fingerprint.
type Identity struct {
	// ID is a stable engine-provided id for this logical event.
	ID string
	// Timestamp is the wire timestamp, verbatim.
	Timestamp string
	// Kind distinguishes events sharing a timestamp.
	Kind string
	// SessionID is set for session-init shaped events to the id they carry.
	SessionID string
}

// UsageReport is the usage information carried by an event. Cumulative is a
// running total for the session; Delta is an explicit per-event amount.
type UsageReport struct {
	Cumulative *unified.Usage
	Delta      *unified.Usage
}

// Result is the outcome of converting one event.
type Result struct {
	// Message is the converted message, nil when the event was filtered.
	Message *unified.Message

	// Merged is set when Message is a previously returned message that this
	// event extended in place.
	Merged bool

	// SessionID is set when the event carried the engine session id.
	SessionID string

	// Init is set for session-init shaped events.
	Init bool

	// Usage is set when the event carried token counts.
	Usage *UsageReport

	// RateLimits is set when the event carried rate limit windows.
	RateLimits *unified.RateLimits

	// TurnEnded is set for turn-completed or turn-failed shaped events.
	TurnEnded bool

	// TurnFailed is set together with TurnEnded for failed turns.
	TurnFailed bool
}

// Adapter converts the events of one engine for one session. Implementations
// are not safe for concurrent use; the session router serializes calls.
type Adapter interface {
	Engine() unified.Engine

	// Identify extracts identity hints used for dedup.
	Identify(ev *Event) Identity

	// Convert maps one event to a Result. It must never panic; an error
	// means the event could not be interpreted and should be dropped.
	Convert(ctx context.Context, ev *Event) (Result, error)

	// TurnState reports where the engine is in its turn lifecycle.
	TurnState() TurnState

	// Reset discards all conversion state.
	Reset()
}
