package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConstructorsStampBase(t *testing.T) {
	before := time.Now()

	evs := []Event{
		NewSessionState("s1", "example.com", "created", "tools_resolved", ""),
		NewHealth("s1", "healthy", nil),
		NewModuleStart("s1", "discovery", "discovery", "example.com"),
		NewModuleComplete("s1", "discovery", "discovery", "example.com"),
		NewToolResult("s1"),
	}
	want := []EventType{TypeSessionState, TypeHealth, TypeModuleStart, TypeModuleComplete, TypeToolResult}

	for i, e := range evs {
		assert.Equal(t, want[i], e.EventType())
		assert.Equal(t, "s1", e.SessionID())
		assert.False(t, e.Timestamp().Before(before))
	}
}

func TestEmbeddedBaseSatisfiesEvent(t *testing.T) {
	var e Event = &ToolResultEvent{BaseEvent: BaseEvent{Type: TypeToolResult, Session: "x"}}
	assert.Equal(t, TypeToolResult, e.EventType())

	e = &ModuleCompleteEvent{BaseEvent: BaseEvent{Type: TypeModuleComplete}}
	assert.Equal(t, TypeModuleComplete, e.EventType())
}
