//go:build !linux

package resource

import "errors"

var errUnsupported = errors.New("resource: system probe not supported on this platform")

type systemProbe struct{}

func newSystemProbe() Probe { return systemProbe{} }

func (systemProbe) MemoryPercent() (float64, error) { return 0, errUnsupported }
func (systemProbe) DiskPercent(string) (float64, error) { return 0, errUnsupported }
func (systemProbe) OpenFiles() (int, error) { return 0, errUnsupported }
func (systemProbe) ProcessRSS() (uint64, error) { return 0, errUnsupported }
