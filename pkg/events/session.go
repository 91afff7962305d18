package events

// SessionStateEvent is emitted on every lifecycle transition.
type SessionStateEvent struct {
	BaseEvent
	Target string `json:"target,omitempty"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// NewSessionState creates a SessionStateEvent.
func NewSessionState(session, target, from, to, reason string) *SessionStateEvent {
	return &SessionStateEvent{
		BaseEvent: base(TypeSessionState, session),
		Target:    target,
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// HealthEvent carries one health evaluation taken while a session runs.
type HealthEvent struct {
	BaseEvent
	Status   string   `json:"status"`
	Warnings []string `json:"warnings,omitempty"`
}

// NewHealth creates a HealthEvent.
func NewHealth(session, status string, warnings []string) *HealthEvent {
	return &HealthEvent{
		BaseEvent: base(TypeHealth, session),
		Status:    status,
		Warnings:  warnings,
	}
}
