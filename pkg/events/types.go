// Package events defines the events an orchestration session emits.
// Every event is designed for JSON serialization so the same values feed the
// JSONL event log, metrics and tracing hooks.
//
// BaseEvent is embedded in every concrete event type.
package events

import "time"

// EventType represents the type of session event.
type EventType string

const (
	// TypeSessionState indicates the session moved between lifecycle states.
	TypeSessionState EventType = "session_state"
	// TypeModuleStart indicates a module began running.
	TypeModuleStart EventType = "module_start"
	// TypeModuleComplete indicates a module returned, successfully or not.
	TypeModuleComplete EventType = "module_complete"
	// TypeToolResult indicates a tool execution produced a result.
	TypeToolResult EventType = "tool_result"
	// TypeHealth carries a periodic health evaluation.
	TypeHealth EventType = "health"
)

// Event is the base interface for all events.
type Event interface {
	EventType() EventType
	Timestamp() time.Time
	SessionID() string
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	Type    EventType `json:"type"`
	Time    time.Time `json:"timestamp"`
	Session string    `json:"session_id"`
}

// EventType returns the type of this event.
func (e BaseEvent) EventType() EventType { return e.Type }

// Timestamp returns when this event occurred.
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// SessionID returns the session that produced this event.
func (e BaseEvent) SessionID() string { return e.Session }

func base(t EventType, session string) BaseEvent {
	return BaseEvent{Type: t, Time: time.Now(), Session: session}
}
