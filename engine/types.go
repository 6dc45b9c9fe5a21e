package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrBusy is returned when an invocation is submitted to a shell that is
// still running another one.
var ErrBusy = errors.New("engine: invocation in progress")

// Record is a single structured result: a bag of named, dynamically typed
// fields. Records travel between commands as JSON Lines.
type Record map[string]any

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, inner := range val {
			m[k] = cloneValue(inner)
		}
		return m
	case Record:
		return val.Clone()
	case []any:
		s := make([]any, len(val))
		for i, inner := range val {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return val
	}
}

// EventKind tags the stream an Event belongs to.
type EventKind string

const (
	EventRecord      EventKind = "record"
	EventInformation EventKind = "information"
	EventWarning     EventKind = "warning"
	EventError       EventKind = "error"
	// EventCompleted is always the last event of an invocation.
	EventCompleted EventKind = "completed"
)

// Event is one item of an invocation's output: a record, a diagnostic, or
// the completion marker.
type Event struct {
	Invocation string    `json:"invocation"`
	Kind       EventKind `json:"kind"`
	Record     Record    `json:"record,omitempty"`
	Message    string    `json:"message,omitempty"`
	Cause      string    `json:"cause,omitempty"`
	// Fault is set on EventCompleted when the invocation hit a terminating fault.
	Fault string    `json:"fault,omitempty"`
	Time  time.Time `json:"time"`
}

// Completed builds the completion event for an invocation.
func Completed(invocation string, fault error) Event {
	ev := Event{Invocation: invocation, Kind: EventCompleted, Time: time.Now()}
	if fault != nil {
		ev.Fault = fault.Error()
	}
	return ev
}

// Invocation is a single command submitted to the engine.
type Invocation struct {
	ID   string `json:"id"`
	Body string `json:"body"`
	// Parameters are bound as exported shell variables.
	Parameters map[string]any `json:"parameters,omitempty"`
	// Args become the positional parameters $1..$n.
	Args []string `json:"args,omitempty"`
	// Input is streamed to the invocation's standard input as JSON Lines.
	Input []Record `json:"input,omitempty"`
}

// Sink receives the events of a running invocation.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

// syncSink serializes events coming from concurrent pipeline stages and
// stamps them with the invocation id.
type syncSink struct {
	mu         sync.Mutex
	sink       Sink
	invocation string
}

func (s *syncSink) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ev.Invocation = s.invocation
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink.Emit(ev)
}

func (s *syncSink) record(rec Record) {
	s.emit(Event{Kind: EventRecord, Record: rec})
}

func (s *syncSink) diagnostic(kind EventKind, message, cause string) {
	s.emit(Event{Kind: kind, Message: message, Cause: cause})
}

// DecodeRecord turns one line of command output into a record. JSON objects
// map directly; any other non-blank line is wrapped as {"Value": ...}.
func DecodeRecord(line []byte) (Record, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}
	if line[0] == '{' {
		var rec Record
		if err := json.Unmarshal(line, &rec); err == nil {
			return rec, true
		}
	}
	var v any
	if err := json.Unmarshal(line, &v); err == nil {
		return Record{"Value": v}, true
	}
	return Record{"Value": string(line)}, true
}

// EncodeRecord writes rec as a single JSON line.
func EncodeRecord(w io.Writer, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// lineWriter splits everything written to it into lines and hands each
// complete line to fn. It is safe for concurrent use.
type lineWriter struct {
	mu  sync.Mutex
	buf []byte
	fn  func(line []byte)
}

func newLineWriter(fn func(line []byte)) *lineWriter {
	return &lineWriter{fn: fn}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.fn(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush hands any trailing partial line to fn.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.fn(w.buf)
		w.buf = nil
	}
}
