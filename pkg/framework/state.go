package framework

// State is a session lifecycle state. The string values appear in
// session.json, events, metrics labels and span names.
type State string

const (
	StateCreated       State = "Created"
	StateToolsResolved State = "ToolsResolved"
	StateRunning       State = "Running"
	StateCompleted     State = "Completed"
	StateAborted       State = "Aborted"
)

// transitions lists the legal successor states. Terminal states have none.
var transitions = map[State][]State{
	StateCreated:       {StateToolsResolved, StateAborted},
	StateToolsResolved: {StateRunning, StateAborted},
	StateRunning:       {StateCompleted, StateAborted},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s State) String() string { return string(s) }
