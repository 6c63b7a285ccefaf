// Package bus distributes pipeline observability events to in-process subscribers
// and to WebSocket observers.
package bus

import (
	"fmt"
	"sync/atomic"
	"time"
)

// EventType identifies what an event reports.
type EventType string

const (
	// Pipeline state machine
	EventStateTransition EventType = "state_transition"

	// Model router
	EventRouterFallback  EventType = "router_fallback"
	EventProviderFailure EventType = "provider_failure"

	// Plugins
	EventPluginInvoked   EventType = "plugin_invoked"
	EventPluginLifecycle EventType = "plugin_lifecycle"

	// Sessions
	EventSessionReaped EventType = "session_reaped"
)

// AllEventTypes lists every event type, in documentation order.
var AllEventTypes = []EventType{
	EventStateTransition,
	EventRouterFallback,
	EventProviderFailure,
	EventPluginInvoked,
	EventPluginLifecycle,
	EventSessionReaped,
}

// Event is one structured observability record.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	// Request tracking
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// State transitions
	State      string `json:"state,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	ErrorKind  string `json:"error_kind,omitempty"`

	// Router context
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// Plugin context
	Plugin string `json:"plugin,omitempty"`

	Details string `json:"details,omitempty"`
}

var eventIDCounter atomic.Uint64

func generateEventID() string {
	return fmt.Sprintf("evt_%d_%d", time.Now().UnixNano(), eventIDCounter.Add(1))
}

// NewEvent creates a new event with the current timestamp and generated ID.
func NewEvent(eventType EventType) Event {
	return Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
	}
}
