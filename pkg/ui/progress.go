package ui

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/naviyanka/lleo/pkg/events"
)

// moduleBar is one module's live line.
type moduleBar struct {
	bar    *mpb.Bar
	tools  atomic.Int64
	status atomic.Value // string
}

// Progress draws a spinner line per running module. It is a dispatcher hook:
// module_start adds a line, tool_result bumps its tool count and
// module_complete finishes it with the final status.
type Progress struct {
	p *mpb.Progress

	mu   sync.Mutex
	bars map[string]*moduleBar
}

// NewProgress creates a progress display writing to w.
func NewProgress(w io.Writer) *Progress {
	return &Progress{
		p:    mpb.New(mpb.WithOutput(w), mpb.WithWidth(24)),
		bars: make(map[string]*moduleBar),
	}
}

// EventTypes implements dispatcher.Hook.
func (p *Progress) EventTypes() []events.EventType {
	return []events.EventType{events.TypeModuleStart, events.TypeToolResult, events.TypeModuleComplete}
}

// OnEvent implements dispatcher.Hook.
func (p *Progress) OnEvent(_ context.Context, ev events.Event) error {
	switch e := ev.(type) {
	case *events.ModuleStartEvent:
		p.start(e.Module)
	case *events.ToolResultEvent:
		if mb := p.get(e.Module); mb != nil {
			mb.tools.Add(1)
		}
	case *events.ModuleCompleteEvent:
		if mb := p.get(e.Module); mb != nil {
			mb.status.Store(e.Status)
			mb.bar.SetTotal(-1, true)
		}
	}
	return nil
}

func (p *Progress) start(name string) {
	mb := &moduleBar{}
	mb.status.Store("running")
	mb.bar = p.p.New(0, mpb.SpinnerStyle(),
		mpb.PrependDecorators(
			decor.Name(name, decor.WCSyncSpaceR),
		),
		mpb.AppendDecorators(
			decor.Any(func(decor.Statistics) string {
				return fmt.Sprintf("%d tool runs", mb.tools.Load())
			}, decor.WCSyncSpace),
			decor.Elapsed(decor.ET_STYLE_GO, decor.WCSyncSpace),
			decor.Any(func(decor.Statistics) string {
				return mb.status.Load().(string)
			}, decor.WCSyncSpace),
		),
	)
	p.mu.Lock()
	p.bars[name] = mb
	p.mu.Unlock()
}

func (p *Progress) get(name string) *moduleBar {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bars[name]
}

// Wait finishes any line still open and waits for the final render.
func (p *Progress) Wait() {
	p.mu.Lock()
	for _, mb := range p.bars {
		if !mb.bar.Completed() {
			mb.bar.Abort(false)
		}
	}
	p.mu.Unlock()
	p.p.Wait()
}
