package events

// ToolResultEvent is emitted for every ExecutionResult the executor returns,
// including cache hits.
type ToolResultEvent struct {
	BaseEvent
	Module      string `json:"module,omitempty"`
	Tool        string `json:"tool"`
	Target      string `json:"target"`
	Fingerprint string `json:"fingerprint"`
	Success     bool   `json:"success"`
	ExitCode    int    `json:"exit_code"`
	Attempts    int    `json:"attempts"`
	DurationMs  int64  `json:"duration_ms"`
	Cached      bool   `json:"cached"`
	ErrorKind   string `json:"error_kind,omitempty"`
}

// NewToolResult creates a ToolResultEvent stamped with the session; callers
// fill in the execution fields.
func NewToolResult(session string) *ToolResultEvent {
	return &ToolResultEvent{BaseEvent: base(TypeToolResult, session)}
}
