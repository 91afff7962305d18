package framework

import "errors"

// Sentinel errors for session failure modes.
// Callers should use errors.Is() to check for these.
var (
	// ErrIllegalTransition means the requested lifecycle step is not allowed
	// from the current state.
	ErrIllegalTransition = errors.New("framework: illegal state transition")

	// ErrOutputUnwritable means the per-target output tree could not be
	// created or written. The session is aborted.
	ErrOutputUnwritable = errors.New("framework: output directory unwritable")

	// ErrRegistryCorrupt means a module no longer matches what was resolved
	// for it. The session is aborted.
	ErrRegistryCorrupt = errors.New("framework: module registry corrupt")

	// ErrSessionAborted means the session was cancelled while running. It
	// wraps the cancellation cause.
	ErrSessionAborted = errors.New("framework: session aborted")

	// ErrInvalidTarget means the scan target is empty or cannot name a
	// directory.
	ErrInvalidTarget = errors.New("framework: invalid target")

	// ErrModuleNotRunning is returned by CancelModule for a module that is
	// not currently running.
	ErrModuleNotRunning = errors.New("framework: module not running")
)
