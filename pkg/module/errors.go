package module

import "errors"

// Sentinel errors for module registration and resolution.
// Callers should use errors.Is() to check for these.
var (
	// ErrModuleExists means a module with the same name is already registered.
	ErrModuleExists = errors.New("module: already registered")

	// ErrInvalidName means the module name or capability is malformed.
	ErrInvalidName = errors.New("module: invalid name")

	// ErrModuleNotFound means no module is registered under the name.
	ErrModuleNotFound = errors.New("module: not found")

	// ErrModuleUnavailable means a required tool is missing or too old, so the
	// module must not run.
	ErrModuleUnavailable = errors.New("module: unavailable")

	// ErrToolMissing means the executable could not be located.
	ErrToolMissing = errors.New("module: tool not found")

	// ErrToolVersion means the installed tool is older than required.
	ErrToolVersion = errors.New("module: tool version too old")
)
