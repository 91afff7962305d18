package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/naviyanka/lleo/pkg/ratelimit"
	"github.com/naviyanka/lleo/pkg/resource"
)

// Sentinel errors for executor failure modes.
// Callers should use errors.Is() to check for these.
var (
	// ErrAdmissionDenied means the task was refused before any process was
	// spawned. It always wraps ratelimit.ErrRateLimitTimeout or
	// resource.ErrResourceExhausted and is retryable by the caller.
	ErrAdmissionDenied = errors.New("executor: admission denied")

	// ErrToolTimeout means the process exceeded its wall clock and was killed.
	ErrToolTimeout = errors.New("executor: tool timed out")

	// ErrToolExecution means the process ran and exited unsuccessfully, or
	// could not be started.
	ErrToolExecution = errors.New("executor: tool execution failed")

	// ErrToolNotFound means the executable could not be located.
	ErrToolNotFound = errors.New("executor: executable not found")

	// ErrTargetUnreachable means earlier tasks marked the target unreachable.
	ErrTargetUnreachable = errors.New("executor: target marked unreachable")

	// ErrInvalidTask means the task is malformed and was never attempted.
	ErrInvalidTask = errors.New("executor: invalid task")
)

// Kind classifies terminal tool failures.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
	KindCancelled Kind = "cancelled"
)

// AdmissionError reports a refused admission.
type AdmissionError struct {
	Tool   string
	Target string
	Err    error
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("executor: admission denied for %s on %s: %v", e.Tool, e.Target, e.Err)
}

func (e *AdmissionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrAdmissionDenied) true.
func (e *AdmissionError) Is(target error) bool { return target == ErrAdmissionDenied }

// ExecError is the terminal failure of a task after retries.
type ExecError struct {
	Tool        string
	Target      string
	Fingerprint string
	Attempts    int
	ExitCode    int
	Kind        Kind
	Err         error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("executor: %s on %s failed after %d attempt(s) [%s]: %v",
		e.Tool, e.Target, e.Attempts, e.Kind, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is backpressure the caller should retry
// after a pause.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAdmissionDenied) ||
		errors.Is(err, ratelimit.ErrRateLimitTimeout) ||
		errors.Is(err, resource.ErrResourceExhausted)
}

// IsCancelled reports whether err came from the caller's context rather
// than from the tool.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
