// Package hooks provides the consumers a session wires into its dispatcher:
// the JSONL event log, a Prometheus exporter and an OpenTelemetry exporter.
package hooks

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/naviyanka/lleo/pkg/defaults"
	"github.com/naviyanka/lleo/pkg/dispatcher"
	"github.com/naviyanka/lleo/pkg/events"
	"github.com/naviyanka/lleo/pkg/jsonutil"
)

// Compile-time interface check.
var _ dispatcher.Writer = (*JSONL)(nil)

// JSONL writes events as newline-delimited JSON. Each event is one complete
// JSON object per line, so the log can be tailed and parsed incrementally.
type JSONL struct {
	w       io.Writer
	buf     *bufio.Writer
	mu      sync.Mutex
	types   map[events.EventType]bool
	encoder *jsonutil.LineEncoder
}

// NewJSONL creates a JSONL writer on w. With no types it accepts every event.
// The writer is safe for concurrent use.
func NewJSONL(w io.Writer, types ...events.EventType) *JSONL {
	buf := bufio.NewWriter(w)
	j := &JSONL{
		w:       w,
		buf:     buf,
		encoder: jsonutil.NewLineEncoder(buf),
	}
	if len(types) > 0 {
		j.types = make(map[events.EventType]bool, len(types))
		for _, t := range types {
			j.types[t] = true
		}
	}
	return j
}

// OpenJSONL creates (or appends to) the event log at path.
func OpenJSONL(path string, types ...events.EventType) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), defaults.DirPerm); err != nil {
		return nil, fmt.Errorf("hooks: create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, defaults.FilePerm)
	if err != nil {
		return nil, fmt.Errorf("hooks: open event log: %w", err)
	}
	return NewJSONL(f, types...), nil
}

// Write writes an event as a single JSON line.
func (j *JSONL) Write(event events.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.encoder.Encode(event)
}

// Flush writes buffered lines through to the underlying writer.
func (j *JSONL) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.buf.Flush()
}

// Close flushes and, if the underlying writer implements io.Closer, closes it.
func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.buf.Flush(); err != nil {
		return err
	}
	if closer, ok := j.w.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// SupportsEvent reports whether the event type is logged.
func (j *JSONL) SupportsEvent(t events.EventType) bool {
	return j.types == nil || j.types[t]
}
