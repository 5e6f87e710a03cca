package trackkit

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType categorizes an event.
type EventType string

const (
	// EventTypeView marks a screen or page impression.
	EventTypeView EventType = "view"

	// EventTypeButton marks a button or control interaction.
	EventTypeButton EventType = "button"

	// EventTypeError marks an application error.
	EventTypeError EventType = "error"

	// EventTypeSession marks a session lifecycle transition.
	EventTypeSession EventType = "session"

	// EventTypeCustom marks an application-defined event.
	EventTypeCustom EventType = "custom"
)

// valid reports whether the type is one of the known kinds.
func (t EventType) valid() bool {
	switch t {
	case EventTypeView, EventTypeButton, EventTypeError, EventTypeSession, EventTypeCustom:
		return true
	}
	return false
}

// Priority orders events for delivery. Higher values are delivered
// sooner: critical events bypass batching entirely, high-priority
// events drain through a smaller, faster batch.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the wire name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// priorityForType derives the delivery priority from the event type.
// Errors must reach the collector as fast as possible; session
// transitions ride the high-priority batch; everything else batches
// normally.
func priorityForType(t EventType) Priority {
	switch t {
	case EventTypeError:
		return PriorityCritical
	case EventTypeSession:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Canonical names for session lifecycle events emitted by the session
// manager.
const (
	sessionStartEvent   = "session_start"
	sessionEndEvent     = "session_end"
	sessionTimeoutEvent = "session_timeout"
)

// Event represents a single tracked occurrence plus the identity and
// context it was observed under. Events are value types: once enriched
// and enqueued they are never mutated.
type Event struct {
	// ID is the unique identifier for this event (assigned by the
	// tracker at creation). The ULID timestamp doubles as the FIFO
	// ordering key in the durable queue.
	ID ulid.ULID `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// Name identifies the specific occurrence (e.g. "checkout_tapped").
	Name string `json:"name"`

	// Properties carries application-supplied payload fields. Values
	// are restricted to strings, numbers, bools, and nested maps and
	// lists thereof; Track rejects anything else.
	Properties map[string]any `json:"properties,omitempty"`

	// SessionID is the session the event was observed in, if any.
	SessionID string `json:"session_id,omitempty"`

	// UserID is the identified user, if any.
	UserID string `json:"user_id,omitempty"`

	// DeviceContext carries opaque device metadata stamped at track time.
	DeviceContext map[string]any `json:"device_context,omitempty"`

	// AppContext carries opaque application metadata stamped at track time.
	AppContext map[string]any `json:"app_context,omitempty"`

	// Priority is the derived delivery priority.
	Priority Priority `json:"priority"`
}

// validate checks the event has the fields every pipeline stage relies on.
func (e *Event) validate() error {
	if e.Name == "" {
		return ErrEmptyName
	}
	if !e.Type.valid() {
		return ErrInvalidType
	}
	return nil
}
