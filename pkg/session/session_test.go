package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	if a == "" || a == b {
		t.Errorf("expected distinct non-empty ids, got %q and %q", a, b)
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	s := New(path, "id-1", "example.com", "Created")
	if Exists(path) {
		t.Fatal("New must not write")
	}

	if err := s.SetState("ToolsResolved", ""); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if err := s.UpdateModule("discovery", func(r *ModuleRecord) {
		r.Capability = "discovery"
		r.Status = StatusRunning
	}); err != nil {
		t.Fatalf("update module: %v", err)
	}
	if !Exists(path) {
		t.Fatal("session file should exist after a change")
	}

	st, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.ID != "id-1" || st.Target != "example.com" {
		t.Errorf("unexpected identity: %+v", st)
	}
	if st.State != "ToolsResolved" {
		t.Errorf("expected state ToolsResolved, got %s", st.State)
	}
	if len(st.History) != 1 || st.History[0].From != "Created" {
		t.Errorf("expected one Created->ToolsResolved transition, got %+v", st.History)
	}
	rec, ok := st.Modules["discovery"]
	if !ok {
		t.Fatal("discovery record missing")
	}
	if rec.Status != StatusRunning || rec.StartedAt.IsZero() {
		t.Errorf("expected running with start time, got %+v", rec)
	}
}

func TestStore_TerminalStampsFinish(t *testing.T) {
	s := New("", "id", "t", "Running")

	_ = s.UpdateModule("m", func(r *ModuleRecord) { r.Status = StatusRunning })
	time.Sleep(5 * time.Millisecond)
	_ = s.UpdateModule("m", func(r *ModuleRecord) {
		r.Status = StatusFailed
		r.Error = "boom"
	})

	rec, _ := s.Module("m")
	if rec.FinishedAt.IsZero() {
		t.Error("terminal status should stamp FinishedAt")
	}
	if rec.DurationMs < 5 {
		t.Errorf("expected duration >= 5ms, got %d", rec.DurationMs)
	}
	if rec.Error != "boom" {
		t.Errorf("expected error to persist, got %q", rec.Error)
	}
}

func TestStore_UnavailableWithoutStart(t *testing.T) {
	s := New("", "id", "t", "ToolsResolved")
	_ = s.UpdateModule("scan", func(r *ModuleRecord) {
		r.Status = StatusUnavailable
		r.Missing = []string{"nmap"}
	})

	rec, _ := s.Module("scan")
	if rec.DurationMs != 0 {
		t.Errorf("unstarted module should have no duration, got %d", rec.DurationMs)
	}
	if len(rec.Missing) != 1 {
		t.Errorf("expected missing tools recorded, got %v", rec.Missing)
	}
}

func TestStore_Progress(t *testing.T) {
	s := New("", "id", "t", "Running")
	if got := s.Progress(); got != 0 {
		t.Errorf("expected 0 with no modules, got %f", got)
	}

	for _, name := range []string{"a", "b", "c", "d"} {
		_ = s.UpdateModule(name, func(r *ModuleRecord) { r.Status = StatusRunning })
	}
	_ = s.UpdateModule("a", func(r *ModuleRecord) { r.Status = StatusCompleted })
	_ = s.UpdateModule("b", func(r *ModuleRecord) { r.Status = StatusCancelled })

	if got := s.Progress(); got != 50 {
		t.Errorf("expected 50%%, got %f", got)
	}
}

func TestStore_SnapshotIsDeepCopy(t *testing.T) {
	s := New("", "id", "t", "Running")
	_ = s.UpdateModule("m", func(r *ModuleRecord) { r.Missing = []string{"x"} })

	snap := s.Snapshot()
	snap.Modules["m"].Missing[0] = "mutated"
	delete(snap.Modules, "m")

	rec, ok := s.Module("m")
	if !ok || rec.Missing[0] != "x" {
		t.Errorf("snapshot mutation leaked into store: %+v", rec)
	}
	if names := s.Snapshot().ModuleNames(); len(names) != 1 || names[0] != "m" {
		t.Errorf("unexpected module names %v", names)
	}
}

// TestStore_Save_InvalidPath verifies Save returns error for bad path.
func TestStore_Save_InvalidPath(t *testing.T) {
	t.Parallel()

	s := New(filepath.Join(t.TempDir(), "no", "such", "dir", "session.json"), "id", "t", "Created")
	if err := s.Save(); err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.json"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}

	garbage := filepath.Join(dir, "garbage.json")
	if err := os.WriteFile(garbage, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(garbage); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}

	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, []byte(`{"target":"x"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(empty); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt for missing id, got %v", err)
	}
}

func TestStore_ConcurrentUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	s := New(path, "id", "t", "Running")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("m%02d", i)
			_ = s.UpdateModule(name, func(r *ModuleRecord) { r.Status = StatusRunning })
			_ = s.UpdateModule(name, func(r *ModuleRecord) { r.Status = StatusCompleted })
		}(i)
	}
	wg.Wait()

	st, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(st.Modules) != 20 {
		t.Errorf("expected 20 modules persisted, got %d", len(st.Modules))
	}
	for name, rec := range st.Modules {
		if rec.Status != StatusCompleted {
			t.Errorf("%s: expected completed, got %s", name, rec.Status)
		}
	}
}

func TestStore_AttachWritesEarlierHistory(t *testing.T) {
	s := New("", "id-3", "", "Created")
	if err := s.SetState("ToolsResolved", ""); err != nil {
		t.Fatalf("set state without path: %v", err)
	}

	path := filepath.Join(t.TempDir(), "session.json")
	if err := s.Attach(path, "example.org"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if s.Path() != path {
		t.Errorf("expected path %s, got %s", path, s.Path())
	}

	st, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Target != "example.org" || len(st.History) != 1 {
		t.Errorf("expected target and one transition on disk, got %+v", st)
	}
}
