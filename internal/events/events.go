// Package events defines the structured event trail written by the engine
// and the sinks that persist or fan it out.
package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"meridian/internal/domain"
)

// Type names an event kind.
type Type string

const (
	RunStarted   Type = "run_started"
	Decision     Type = "decision"
	OrderSubmit  Type = "order_submit"
	OrderUpdate  Type = "order_update"
	CycleSummary Type = "cycle_summary"
	Error        Type = "error"
	RunFinished  Type = "run_finished"
)

// Event is one record of the append-only trail.
type Event struct {
	Time       time.Time      `json:"ts"`
	RunID      string         `json:"run_id"`
	Mode       domain.Mode    `json:"mode"`
	StrategyID string         `json:"strategy_id"`
	Type       Type           `json:"event_type"`
	Payload    map[string]any `json:"payload"`
}

// Sink receives events. Implementations must be safe for use by a single
// writer; the ones in this package are also safe for concurrent use.
type Sink interface {
	Emit(e Event) error
	Close() error
}

// Compile-time interface checks.
var (
	_ Sink = (*JSONLSink)(nil)
	_ Sink = (*MemorySink)(nil)
	_ Sink = MultiSink(nil)
	_ Sink = NopSink{}
)

// ---------------------------------------------------------------------------
// JSONL
// ---------------------------------------------------------------------------

// JSONLSink appends one JSON object per line to a file. Every Emit is
// flushed so the file is complete up to the last event after a crash.
type JSONLSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

// NewJSONLSink opens (or creates) path for appending, creating parent
// directories as needed.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating event directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log %s: %w", path, err)
	}
	return &JSONLSink{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Path returns the file being written.
func (s *JSONLSink) Path() string { return s.path }

// Emit writes e as a single line.
func (s *JSONLSink) Emit(e Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", e.Type, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("event log closed")
	}
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return s.w.Flush()
}

// Close flushes and closes the file. Further Emits fail.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	ferr := s.w.Flush()
	cerr := s.f.Close()
	s.f = nil
	return errors.Join(ferr, cerr)
}

// ReadJSONL loads every event from a JSONL file, skipping blank lines.
func ReadJSONL(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("decoding %s line %d: %w", path, len(out)+1, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// ---------------------------------------------------------------------------
// Fan-out and test sinks
// ---------------------------------------------------------------------------

// MultiSink forwards each event to every sink. Emit and Close attempt all
// sinks and join their errors.
type MultiSink []Sink

// Emit forwards e to every sink.
func (m MultiSink) Emit(e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(Event) error { return nil }
func (NopSink) Close() error     { return nil }

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

// Emit records e.
func (m *MemorySink) Emit(e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Close marks the sink closed.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (m *MemorySink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Events returns a copy of everything emitted so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// OfType returns the emitted events of type t, in order.
func (m *MemorySink) OfType(t Type) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
