package framework

import (
	"sort"
	"time"

	"github.com/naviyanka/lleo/pkg/executor"
	"github.com/naviyanka/lleo/pkg/health"
	"github.com/naviyanka/lleo/pkg/module"
	"github.com/naviyanka/lleo/pkg/session"
)

// Report summarizes a finished session.
type Report struct {
	SessionID  string         `json:"session_id"`
	Target     string         `json:"target"`
	State      State          `json:"state"`
	Reason     string         `json:"reason,omitempty"`
	OutputDir  string         `json:"output_dir"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	DurationMs int64          `json:"duration_ms"`
	Modules    []ModuleReport `json:"modules"`
	Executor   executor.Stats `json:"executor"`
	Health     health.Report  `json:"health"`
}

// ModuleReport is one module's outcome.
type ModuleReport struct {
	Name       string                 `json:"name"`
	Capability module.Capability      `json:"capability"`
	Status     session.ModuleStatus   `json:"status"`
	Error      string                 `json:"error,omitempty"`
	ResultFile string                 `json:"result_file,omitempty"`
	Missing    []string               `json:"missing,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
	Metrics    module.MetricsSnapshot `json:"metrics"`
}

// Counts tallies modules by status.
func (r *Report) Counts() map[session.ModuleStatus]int {
	out := make(map[session.ModuleStatus]int)
	for _, m := range r.Modules {
		out[m.Status]++
	}
	return out
}

// Module returns the report for name.
func (r *Report) Module(name string) (ModuleReport, bool) {
	for _, m := range r.Modules {
		if m.Name == name {
			return m, true
		}
	}
	return ModuleReport{}, false
}

func sortModules(mods []ModuleReport) {
	sort.Slice(mods, func(i, j int) bool { return mods[i].Name < mods[j].Name })
}
