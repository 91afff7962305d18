// Package session persists the state of one orchestration session to
// session.json under the target's output directory, so an operator (or a
// later run) can see which modules finished, which failed and why.
package session

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/naviyanka/lleo/pkg/defaults"
	"github.com/naviyanka/lleo/pkg/jsonutil"
)

// FormatVersion is written into every session file.
const FormatVersion = "1"

// ErrCorrupt is returned by Load when the file exists but is not a session.
var ErrCorrupt = errors.New("session: corrupt session file")

// ModuleStatus is the lifecycle status of one module within a session.
type ModuleStatus string

const (
	StatusPending     ModuleStatus = "pending"
	StatusRunning     ModuleStatus = "running"
	StatusCompleted   ModuleStatus = "completed"
	StatusFailed      ModuleStatus = "failed"
	StatusCancelled   ModuleStatus = "cancelled"
	StatusUnavailable ModuleStatus = "unavailable"
)

// Terminal reports whether the status can no longer change.
func (s ModuleStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusUnavailable:
		return true
	}
	return false
}

// ModuleRecord is the persisted view of one module.
type ModuleRecord struct {
	Name       string       `json:"name"`
	Capability string       `json:"capability"`
	Status     ModuleStatus `json:"status"`
	StartedAt  time.Time    `json:"started_at,omitzero"`
	FinishedAt time.Time    `json:"finished_at,omitzero"`
	DurationMs int64        `json:"duration_ms,omitzero"`
	Error      string       `json:"error,omitempty"`
	ResultFile string       `json:"result_file,omitempty"`
	Missing    []string     `json:"missing_tools,omitempty"`
}

// Transition records one state change of the session.
type Transition struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// State is the content of session.json.
type State struct {
	Version   string                  `json:"version"`
	ID        string                  `json:"id"`
	Target    string                  `json:"target"`
	State     string                  `json:"state"`
	Reason    string                  `json:"reason,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
	Modules   map[string]ModuleRecord `json:"modules"`
	History   []Transition            `json:"history,omitempty"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	out.Modules = make(map[string]ModuleRecord, len(s.Modules))
	for name, rec := range s.Modules {
		rec.Missing = slices.Clone(rec.Missing)
		out.Modules[name] = rec
	}
	out.History = slices.Clone(s.History)
	return out
}

// ModuleNames returns the recorded module names, sorted.
func (s State) ModuleNames() []string {
	return slices.Sorted(maps.Keys(s.Modules))
}

// NewID returns a fresh session id.
func NewID() string {
	return uuid.NewString()
}

// Store owns the in-memory session state and writes it through to disk on
// every change. A Store with an empty path never touches the filesystem.
type Store struct {
	path string

	mu    sync.Mutex
	state State
}

// New creates a store for a session. Nothing is written until the first
// change or an explicit Save.
func New(path, id, target, initial string) *Store {
	now := time.Now()
	return &Store{
		path: path,
		state: State{
			Version:   FormatVersion,
			ID:        id,
			Target:    target,
			State:     initial,
			CreatedAt: now,
			UpdatedAt: now,
			Modules:   make(map[string]ModuleRecord),
		},
	}
}

// Attach starts persisting to path, recording target, and writes the
// current state including every transition made so far.
func (s *Store) Attach(path, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = path
	if target != "" {
		s.state.Target = target
	}
	return s.saveLocked(time.Now())
}

// Load reads a session file written by a Store.
func Load(path string) (*State, error) {
	var st State
	if err := jsonutil.ReadFile(path, &st); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, path, err)
	}
	if st.ID == "" || st.Version == "" {
		return nil, fmt.Errorf("%w: %s: missing id or version", ErrCorrupt, path)
	}
	if st.Modules == nil {
		st.Modules = make(map[string]ModuleRecord)
	}
	return &st, nil
}

// Path returns where the session is persisted.
func (s *Store) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// ID returns the session id.
func (s *Store) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ID
}

// SetState records a session transition and saves.
func (s *Store) SetState(to, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.state.History = append(s.state.History, Transition{
		From:   s.state.State,
		To:     to,
		At:     now,
		Reason: reason,
	})
	s.state.State = to
	if reason != "" {
		s.state.Reason = reason
	}
	return s.saveLocked(now)
}

// UpdateModule applies fn to the module's record, creating it if needed,
// and saves. Status changes to running stamp StartedAt; terminal statuses
// stamp FinishedAt and DurationMs unless fn already set them.
func (s *Store) UpdateModule(name string, fn func(*ModuleRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.state.Modules[name]
	if !ok {
		rec = ModuleRecord{Name: name, Status: StatusPending}
	}
	prev := rec.Status
	fn(&rec)

	now := time.Now()
	if rec.Status != prev {
		if rec.Status == StatusRunning && rec.StartedAt.IsZero() {
			rec.StartedAt = now
		}
		if rec.Status.Terminal() && rec.FinishedAt.IsZero() {
			rec.FinishedAt = now
			if !rec.StartedAt.IsZero() && rec.DurationMs == 0 {
				rec.DurationMs = now.Sub(rec.StartedAt).Milliseconds()
			}
		}
	}
	s.state.Modules[name] = rec
	return s.saveLocked(now)
}

// Module returns the record for name.
func (s *Store) Module(name string) (ModuleRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.state.Modules[name]
	return rec, ok
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Progress returns the percentage of recorded modules in a terminal status.
func (s *Store) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.state.Modules) == 0 {
		return 0
	}
	done := 0
	for _, rec := range s.state.Modules {
		if rec.Status.Terminal() {
			done++
		}
	}
	return float64(done) / float64(len(s.state.Modules)) * 100
}

// Save writes the current state.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(time.Now())
}

// saveLocked must be called with s.mu held.
func (s *Store) saveLocked(now time.Time) error {
	s.state.UpdatedAt = now
	if s.path == "" {
		return nil
	}
	if err := jsonutil.WriteFile(s.path, s.state, defaults.FilePerm); err != nil {
		return fmt.Errorf("session: save %s: %w", s.path, err)
	}
	return nil
}

// Exists reports whether a session file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
