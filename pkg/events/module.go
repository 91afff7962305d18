package events

// ModuleStartEvent is emitted when a module begins running.
type ModuleStartEvent struct {
	BaseEvent
	Module     string `json:"module"`
	Capability string `json:"capability"`
	Target     string `json:"target"`
}

// NewModuleStart creates a ModuleStartEvent.
func NewModuleStart(session, module, capability, target string) *ModuleStartEvent {
	return &ModuleStartEvent{
		BaseEvent:  base(TypeModuleStart, session),
		Module:     module,
		Capability: capability,
		Target:     target,
	}
}

// ModuleCompleteEvent is emitted when a module returns.
type ModuleCompleteEvent struct {
	BaseEvent
	Module         string `json:"module"`
	Capability     string `json:"capability"`
	Target         string `json:"target"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
	DurationMs     int64  `json:"duration_ms"`
	TasksStarted   int64  `json:"tasks_started"`
	TasksCompleted int64  `json:"tasks_completed"`
	TasksFailed    int64  `json:"tasks_failed"`
}

// NewModuleComplete creates a ModuleCompleteEvent; callers fill in status,
// error and metrics.
func NewModuleComplete(session, module, capability, target string) *ModuleCompleteEvent {
	return &ModuleCompleteEvent{
		BaseEvent:  base(TypeModuleComplete, session),
		Module:     module,
		Capability: capability,
		Target:     target,
	}
}
