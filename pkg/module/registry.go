package module

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Availability is the resolution outcome for one module.
type Availability struct {
	Available bool              `json:"available"`
	Tools     []ToolRequirement `json:"tools"`
	Missing   []string          `json:"missing,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// Registry holds modules by name. It is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	modules      map[string]Module
	descriptors  map[string]Descriptor
	availability map[string]Availability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		modules:     make(map[string]Module),
		descriptors: make(map[string]Descriptor),
	}
}

// Register adds m. Names must be unique lowercase identifiers.
func (r *Registry) Register(m Module) error {
	if m == nil {
		return fmt.Errorf("%w: nil module", ErrInvalidName)
	}
	name := m.Name()
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if c := m.Capability(); !ValidName(string(c)) {
		return fmt.Errorf("%w: module %q has capability %q", ErrInvalidName, name, c)
	}
	for _, t := range m.RequiredTools() {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("%w: module %q declares an unnamed tool", ErrInvalidName, name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[name]; ok {
		return fmt.Errorf("%w: %s", ErrModuleExists, name)
	}
	r.modules[name] = m
	r.descriptors[name] = Describe(m)
	return nil
}

// MustRegister is Register for init-time wiring; it panics on error.
func (r *Registry) MustRegister(mods ...Module) {
	for _, m := range mods {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
}

// Get returns the module registered under name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Descriptor returns the registration record for name.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// List returns registered module names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.modules))
	for n := range r.modules {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Descriptors returns every descriptor, sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	names := r.List()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(names))
	for _, n := range names {
		out = append(out, r.descriptors[n])
	}
	return out
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

// Resolve resolves every declared tool once and records which modules are
// available. A tool shared by several modules is probed once. A failed tool
// makes only the modules that need it unavailable.
func (r *Registry) Resolve(ctx context.Context, res Resolver, logger *slog.Logger) (map[string]Availability, error) {
	if logger == nil {
		logger = slog.Default()
	}
	type outcome struct {
		req ToolRequirement
		err error
	}
	probed := make(map[string]outcome)

	avail := make(map[string]Availability)
	for _, d := range r.Descriptors() {
		a := Availability{Available: true, Tools: make([]ToolRequirement, 0, len(d.Tools))}
		for _, want := range d.Tools {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			key := want.Name + "@" + want.MinVersion
			o, ok := probed[key]
			if !ok {
				got, err := res.Resolve(ctx, want)
				o = outcome{req: got, err: err}
				probed[key] = o
			}
			if o.err != nil {
				a.Available = false
				a.Missing = append(a.Missing, want.Name)
				if a.Reason == "" {
					a.Reason = o.err.Error()
				}
				a.Tools = append(a.Tools, want)
				continue
			}
			a.Tools = append(a.Tools, o.req)
		}
		if !a.Available {
			logger.Warn("module unavailable",
				slog.String("module", d.Name),
				slog.String("missing", strings.Join(a.Missing, ",")),
				slog.String("reason", a.Reason))
		}
		avail[d.Name] = a
	}

	r.mu.Lock()
	r.availability = avail
	r.mu.Unlock()
	return avail, nil
}

// Availability returns the resolution outcome for name. Before Resolve runs
// it reports false.
func (r *Registry) Availability(name string) (Availability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.availability[name]
	return a, ok
}

// ResolvedTools returns the resolved requirements of an available module,
// keyed by tool name, or ErrModuleUnavailable.
func (r *Registry) ResolvedTools(name string) (map[string]ToolRequirement, error) {
	a, ok := r.Availability(name)
	if !ok {
		if _, registered := r.Get(name); !registered {
			return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
		}
		return nil, fmt.Errorf("%w: %s: tools not resolved", ErrModuleUnavailable, name)
	}
	if !a.Available {
		return nil, fmt.Errorf("%w: %s: %s", ErrModuleUnavailable, name, a.Reason)
	}
	tools := make(map[string]ToolRequirement, len(a.Tools))
	for _, t := range a.Tools {
		tools[t.Name] = t
	}
	return tools, nil
}
