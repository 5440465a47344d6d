// Package event carries the structured pipeline events emitted by the
// session, the batch runner, the store, and the backup manager.
package event

import (
	"sync"
	"time"
)

// Kind names an event.
type Kind string

const (
	FetchAttempt  Kind = "fetch_attempt"
	FetchRetry    Kind = "fetch_retry"
	FetchFailed   Kind = "fetch_failed"
	NotFound      Kind = "not_found"
	Login         Kind = "login"
	LoginFailed   Kind = "login_failed"
	ParseError    Kind = "parse_error"
	Quarantine    Kind = "quarantine"
	ImageStored   Kind = "image_stored"
	BatchCommit   Kind = "batch_commit"
	BatchRollback Kind = "batch_rollback"
	BackupCreated Kind = "backup_created"
	BackupPruned  Kind = "backup_pruned"
	Link          Kind = "link"
)

// Event is one observable step of a run.
type Event struct {
	Kind    Kind
	Time    time.Time
	Code    string // item code, empty for batch-level events
	Entity  string // "set" or "subcomponent"
	Attempt int
	Count   int
	Elapsed time.Duration
	Detail  string
	Err     error
}

// Sink receives events. Implementations must not block the caller for long.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

type multi []Sink

func (m multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Multi fans out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	switch len(out) {
	case 0:
		return Discard
	case 1:
		return out[0]
	}
	return out
}

// Recorder keeps every event in memory. Tests use it to assert on emissions.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends e.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind k were recorded.
func (r *Recorder) Count(k Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}
