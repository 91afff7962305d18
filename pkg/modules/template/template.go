// Package template builds modules from YAML definitions, so a tool can be
// wired into a session without writing Go. Step arguments are Go text
// templates with the sprig function library.
//
// Example definition:
//
//	name: whatweb
//	capability: web_probing
//	tools:
//	  - name: whatweb
//	    min_version: "0.5.0"
//	steps:
//	  - tool: whatweb
//	    per_host: true
//	    parse: lines
//	    args: ["--color=never", "{{ .Host | lower }}"]
package template

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"gopkg.in/yaml.v3"

	"github.com/naviyanka/lleo/pkg/executor"
	"github.com/naviyanka/lleo/pkg/module"
	"github.com/naviyanka/lleo/pkg/modules/modutil"
)

// ErrInvalidTemplate wraps every definition problem.
var ErrInvalidTemplate = errors.New("template: invalid module definition")

// Output parsing modes for a step.
const (
	ParseNone  = "none"
	ParseLines = "lines"
	ParseJSONL = "jsonl"
)

// Definition is the YAML document.
type Definition struct {
	Name        string                   `yaml:"name"`
	Capability  module.Capability        `yaml:"capability"`
	Description string                   `yaml:"description"`
	Tools       []module.ToolRequirement `yaml:"tools"`
	Steps       []Step                   `yaml:"steps"`
	Concurrency int                      `yaml:"concurrency"`
}

// Step is one tool invocation, or one per host when PerHost is set.
type Step struct {
	Tool    string        `yaml:"tool"`
	Args    []string      `yaml:"args"`
	PerHost bool          `yaml:"per_host"`
	Parse   string        `yaml:"parse"`
	Timeout time.Duration `yaml:"timeout"`

	args []*template.Template
}

// Data is the value step arguments are rendered against.
type Data struct {
	Target    string
	Host      string
	Hosts     []string
	HostsFile string
	OutputDir string
	TempDir   string
}

// StepResult is the normalized output of one rendered invocation.
type StepResult struct {
	Tool   string `json:"tool"`
	Host   string `json:"host,omitempty"`
	Output any    `json:"output,omitempty"`
	Stdout string `json:"stdout_path,omitempty"`
}

// Module runs a Definition.
type Module struct {
	def Definition
}

// Parse decodes and validates a definition.
func Parse(data []byte) (*Module, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTemplate, err)
	}
	if err := def.compile(); err != nil {
		return nil, err
	}
	return &Module{def: def}, nil
}

// Load reads a definition file.
func Load(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// LoadAll reads every path, failing on the first bad definition.
func LoadAll(paths []string) ([]module.Module, error) {
	mods := make([]module.Module, 0, len(paths))
	for _, p := range paths {
		m, err := Load(p)
		if err != nil {
			return nil, err
		}
		mods = append(mods, m)
	}
	return mods, nil
}

func (d *Definition) compile() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidTemplate, fmt.Sprintf(format, args...))
	}

	if !module.ValidName(d.Name) {
		return invalid("name %q must match [a-z][a-z0-9_]*", d.Name)
	}
	if d.Capability == "" {
		d.Capability = module.CapCustom
	}
	if len(d.Steps) == 0 {
		return invalid("%s: at least one step is required", d.Name)
	}

	declared := make([]string, 0, len(d.Tools))
	for _, t := range d.Tools {
		if t.Name == "" {
			return invalid("%s: tool without a name", d.Name)
		}
		declared = append(declared, t.Name)
	}

	for i := range d.Steps {
		s := &d.Steps[i]
		if !slices.Contains(declared, s.Tool) {
			return invalid("%s: step %d uses undeclared tool %q", d.Name, i, s.Tool)
		}
		switch s.Parse {
		case "":
			s.Parse = ParseNone
		case ParseNone, ParseLines, ParseJSONL:
		default:
			return invalid("%s: step %d: unknown parse mode %q", d.Name, i, s.Parse)
		}
		for j, arg := range s.Args {
			tmpl, err := template.New(fmt.Sprintf("%s.%d.%d", d.Name, i, j)).
				Option("missingkey=error").
				Funcs(sprig.TxtFuncMap()).
				Parse(arg)
			if err != nil {
				return invalid("%s: step %d arg %d: %v", d.Name, i, j, err)
			}
			s.args = append(s.args, tmpl)
		}
	}
	return nil
}

func (m *Module) Name() string { return m.def.Name }
func (m *Module) Capability() module.Capability { return m.def.Capability }

func (m *Module) RequiredTools() []module.ToolRequirement {
	return slices.Clone(m.def.Tools)
}

// Description returns the definition's free-text description.
func (m *Module) Description() string { return m.def.Description }

// Run executes the steps in order. A step's invocations run concurrently
// when it is per-host.
func (m *Module) Run(ctx context.Context, env *module.Env) (module.Result, error) {
	hosts := modutil.Hosts(env)
	hostsFile, err := modutil.WriteList(env.TempDir, m.def.Name+"-hosts.txt", hosts)
	if err != nil {
		return nil, err
	}
	base := Data{
		Target:    env.Target,
		Host:      env.Target,
		Hosts:     hosts,
		HostsFile: hostsFile,
		OutputDir: env.OutputDir,
		TempDir:   env.TempDir,
	}

	var (
		runs    modutil.Runs
		results []StepResult
	)
	for i, step := range m.def.Steps {
		invocations := []Data{base}
		if step.PerHost {
			invocations = invocations[:0]
			for _, h := range hosts {
				d := base
				d.Host = h
				invocations = append(invocations, d)
			}
		}

		out := make([]StepResult, len(invocations))
		idx := make([]int, len(invocations))
		for k := range idx {
			idx[k] = k
		}
		err := modutil.Each(ctx, m.def.Concurrency, idx, func(ctx context.Context, k int) {
			data := invocations[k]
			args, err := step.render(data)
			if err != nil {
				runs.Errorf("step %d: %v", i, err)
				return
			}
			task := env.Task(step.Tool, args...)
			if step.Timeout > 0 {
				task.Timeout = step.Timeout
			}
			res, err := env.Exec(ctx, task)
			if !runs.Record(step.Tool, res, err) {
				return
			}
			sr, err := collect(step, data, res)
			if err != nil {
				runs.Errorf("step %d %s: %v", i, step.Tool, err)
				return
			}
			out[k] = sr
		})
		if err != nil {
			return nil, err
		}
		for _, sr := range out {
			if sr.Tool != "" {
				results = append(results, sr)
			}
		}
	}

	if runs.Failed() {
		return nil, fmt.Errorf("%s: every step invocation failed", m.def.Name)
	}
	if results == nil {
		results = []StepResult{}
	}
	return runs.Into(module.Result{
		"module":  m.def.Name,
		"steps":   results,
		"targets": len(hosts),
	}), nil
}

func (s Step) render(data Data) ([]string, error) {
	args := make([]string, 0, len(s.args))
	var buf strings.Builder
	for _, t := range s.args {
		buf.Reset()
		if err := t.Execute(&buf, data); err != nil {
			return nil, err
		}
		args = append(args, buf.String())
	}
	return args, nil
}

func collect(step Step, data Data, res *executor.Result) (StepResult, error) {
	sr := StepResult{Tool: step.Tool, Stdout: res.StdoutPath}
	if step.PerHost {
		sr.Host = data.Host
	}
	switch step.Parse {
	case ParseLines:
		lines, err := modutil.ReadLines(res.StdoutPath)
		if err != nil {
			return sr, err
		}
		sr.Output = lines
	case ParseJSONL:
		items, _, err := modutil.DecodeJSONLines[map[string]any](res.StdoutPath)
		if err != nil {
			return sr, err
		}
		sr.Output = items
	}
	return sr, nil
}
