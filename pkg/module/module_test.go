package module

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubModule is a configurable Module for registry tests.
type stubModule struct {
	name       string
	capability Capability
	tools      []ToolRequirement
	run        func(ctx context.Context, env *Env) (Result, error)
}

func (s *stubModule) Name() string { return s.name }
func (s *stubModule) Capability() Capability { return s.capability }
func (s *stubModule) RequiredTools() []ToolRequirement { return s.tools }
func (s *stubModule) Run(ctx context.Context, env *Env) (Result, error) {
	if s.run != nil {
		return s.run(ctx, env)
	}
	return Result{"ok": true}, nil
}

// mapResolver resolves tools from a fixed table and counts probes.
type mapResolver struct {
	mu     sync.Mutex
	tools  map[string]string // name -> version
	probes map[string]int
}

func (r *mapResolver) Resolve(_ context.Context, req ToolRequirement) (ToolRequirement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.probes == nil {
		r.probes = make(map[string]int)
	}
	r.probes[req.Name]++
	v, ok := r.tools[req.Name]
	if !ok {
		return req, ErrToolMissing
	}
	req.Path = "/usr/bin/" + req.Name
	req.Version = v
	if req.MinVersion != "" {
		ok, err := MeetsMinimum(v, req.MinVersion)
		if err != nil || !ok {
			return req, ErrToolVersion
		}
	}
	return req, nil
}

func TestRegistry_Register(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	require.NoError(t, r.Register(&stubModule{name: "discovery", capability: CapDiscovery}))
	err := r.Register(&stubModule{name: "discovery", capability: CapDiscovery})
	assert.ErrorIs(t, err, ErrModuleExists)

	tests := []struct {
		name string
		mod  Module
	}{
		{"nil", nil},
		{"empty name", &stubModule{capability: CapDiscovery}},
		{"upper case", &stubModule{name: "Discovery", capability: CapDiscovery}},
		{"dash", &stubModule{name: "port-scan", capability: CapPortScan}},
		{"bad capability", &stubModule{name: "x", capability: "Bad Cap"}},
		{"unnamed tool", &stubModule{name: "y", capability: CapCustom, tools: []ToolRequirement{{Name: " "}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, r.Register(tt.mod), ErrInvalidName)
		})
	}
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ListAndDescriptors(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	tools := []ToolRequirement{{Name: "subfinder", MinVersion: "2.5.0"}, {Name: "amass"}}
	r.MustRegister(
		&stubModule{name: "port_scan", capability: CapPortScan},
		&stubModule{name: "discovery", capability: CapDiscovery, tools: tools},
	)

	assert.Equal(t, []string{"discovery", "port_scan"}, r.List())

	ds := r.Descriptors()
	require.Len(t, ds, 2)
	assert.Equal(t, "discovery", ds[0].Name)
	assert.Equal(t, CapDiscovery, ds[0].Capability)
	assert.Equal(t, []string{"subfinder", "amass"}, []string{ds[0].Tools[0].Name, ds[0].Tools[1].Name})

	// Descriptors are copies; the module's slice is not shared.
	tools[0].Name = "mutated"
	d, ok := r.Descriptor("discovery")
	require.True(t, ok)
	assert.Equal(t, "subfinder", d.Tools[0].Name)

	m, ok := r.Get("port_scan")
	require.True(t, ok)
	assert.Equal(t, CapPortScan, m.Capability())
	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_MustRegisterPanics(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.MustRegister(&stubModule{name: "a", capability: CapCustom})
	assert.Panics(t, func() { r.MustRegister(&stubModule{name: "a", capability: CapCustom}) })
}

func TestRegistry_Resolve(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.MustRegister(
		&stubModule{name: "discovery", capability: CapDiscovery, tools: []ToolRequirement{
			{Name: "subfinder", MinVersion: "2.5.0"},
			{Name: "amass", MinVersion: "3.19.0"},
		}},
		&stubModule{name: "recon_extra", capability: CapDiscovery, tools: []ToolRequirement{
			{Name: "subfinder", MinVersion: "2.5.0"},
		}},
		&stubModule{name: "port_scan", capability: CapPortScan, tools: []ToolRequirement{{Name: "nmap"}}},
		&stubModule{name: "fuzzing", capability: CapWebFuzzing, tools: []ToolRequirement{{Name: "ffuf", MinVersion: "2.0.0"}}},
	)
	res := &mapResolver{tools: map[string]string{
		"subfinder": "2.6.3",
		"amass":     "3.23.3",
		"ffuf":      "1.5.0",
	}}

	avail, err := r.Resolve(context.Background(), res, nil)
	require.NoError(t, err)

	assert.True(t, avail["discovery"].Available)
	assert.True(t, avail["recon_extra"].Available)
	assert.False(t, avail["port_scan"].Available)
	assert.Equal(t, []string{"nmap"}, avail["port_scan"].Missing)
	assert.False(t, avail["fuzzing"].Available, "old version makes the module unavailable")

	assert.Equal(t, 1, res.probes["subfinder"], "shared tool must be probed once")

	tools, err := r.ResolvedTools("discovery")
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/amass", tools["amass"].Path)
	assert.Equal(t, "2.6.3", tools["subfinder"].Version)

	_, err = r.ResolvedTools("port_scan")
	assert.ErrorIs(t, err, ErrModuleUnavailable)
	_, err = r.ResolvedTools("nope")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

func TestRegistry_ResolveCancelled(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.MustRegister(&stubModule{name: "a", capability: CapCustom, tools: []ToolRequirement{{Name: "x"}}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Resolve(ctx, &mapResolver{}, nil)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	var m Metrics
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.TaskStarted()
			m.TaskFinished(10*time.Millisecond, i%4 != 0)
			m.ObserveMemory(uint64(i) * 1024)
		}(i)
	}
	wg.Wait()

	s := m.Snapshot()
	assert.Equal(t, int64(20), s.TasksStarted)
	assert.Equal(t, int64(15), s.TasksCompleted)
	assert.Equal(t, int64(5), s.TasksFailed)
	assert.Equal(t, int64(200), s.TotalDurationMs)
	assert.Equal(t, uint64(19*1024), s.MemoryHighWater)

	var nilMetrics *Metrics
	assert.Equal(t, MetricsSnapshot{}, nilMetrics.Snapshot())
}

func TestParseVersion(t *testing.T) {
	t.Parallel()
	tests := []struct {
		output string
		want   string
	}{
		{"Current Version: v2.6.3", "2.6.3"},
		{"Nmap version 7.94 ( https://nmap.org )", "7.94"},
		{"findomain 9.0.4\n", "9.0.4"},
		{"ffuf version: 2.1.0-dev", "2.1.0"},
		{"no version here", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseVersion(tt.output), tt.output)
	}
}

func TestMeetsMinimum(t *testing.T) {
	t.Parallel()
	tests := []struct {
		version, minimum string
		want             bool
	}{
		{"2.6.3", "2.5.0", true},
		{"2.5.0", "2.5.0", true},
		{"2.4.9", "2.5.0", false},
		{"7.94", "7.0.0", true},
		{"3.19", "3.19.0", true},
	}
	for _, tt := range tests {
		got, err := MeetsMinimum(tt.version, tt.minimum)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s >= %s", tt.version, tt.minimum)
	}

	_, err := MeetsMinimum("garbage", "1.0.0")
	assert.Error(t, err)
}

func TestErrorResult(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Result{"error": "boom"}, ErrorResult("boom"))
}
