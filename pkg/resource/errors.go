package resource

import (
	"errors"
	"fmt"
)

// ErrResourceExhausted matches every *ExhaustedError.
// Callers should use errors.Is() and treat it as a signal to back off.
var ErrResourceExhausted = errors.New("resource: exhausted")

// Resource names reported in ExhaustedError.
const (
	Memory    = "memory"
	Disk      = "disk"
	OpenFiles = "open_files"
	Processes = "processes"
)

// ExhaustedError reports which ceiling refused an admission.
type ExhaustedError struct {
	Resource string
	Limit    float64
	Current  float64
}

func (e *ExhaustedError) Error() string {
	switch e.Resource {
	case Memory, Disk:
		return fmt.Sprintf("resource: %s usage %.1f%% exceeds limit %.1f%%", e.Resource, e.Current, e.Limit)
	default:
		return fmt.Sprintf("resource: %s %.0f exceeds limit %.0f", e.Resource, e.Current, e.Limit)
	}
}

// Is makes errors.Is(err, ErrResourceExhausted) true.
func (e *ExhaustedError) Is(target error) bool { return target == ErrResourceExhausted }
