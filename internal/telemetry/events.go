// SPDX-License-Identifier: MIT

package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arbiterhq/arbiter/internal/log"
	"github.com/arbiterhq/arbiter/internal/redact"
)

// Event is one correlated telemetry record. Every event emitted while a turn
// is in flight carries that turn's correlation id; an event without one is a
// bug in the caller.
type Event struct {
	Name          string         `json:"name"`
	CorrelationID string         `json:"correlation_id"`
	SessionID     string         `json:"session_id,omitempty"`
	TurnID        string         `json:"turn_id,omitempty"`
	At            time.Time      `json:"at"`
	Fields        map[string]any `json:"fields,omitempty"`
}

// Sink receives emitted events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(Event)
}

// Emitter fans events out to its sinks after redacting field payloads.
type Emitter struct {
	mu    sync.RWMutex
	sinks []Sink
	clock func() time.Time
}

// NewEmitter constructs an emitter over the given sinks.
func NewEmitter(sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks, clock: time.Now}
}

// AddSink registers an additional sink.
func (e *Emitter) AddSink(s Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// Emit publishes a named event. Correlation identifiers are taken from ctx;
// fields pass through the shared redactor before leaving the process.
func (e *Emitter) Emit(ctx context.Context, name string, fields map[string]any) {
	ev := Event{
		Name:          name,
		CorrelationID: log.CorrelationIDFromContext(ctx),
		SessionID:     log.SessionIDFromContext(ctx),
		TurnID:        log.TurnIDFromContext(ctx),
		At:            e.clock(),
		Fields:        redact.Map(fields),
	}
	e.mu.RLock()
	sinks := e.sinks
	e.mu.RUnlock()
	for _, s := range sinks {
		s.Emit(ev)
	}
}

// LogSink writes events as structured log lines.
type LogSink struct {
	Logger zerolog.Logger
}

// Emit implements Sink.
func (s LogSink) Emit(ev Event) {
	evt := s.Logger.Info().
		Str(log.FieldEvent, ev.Name).
		Str(log.FieldCorrelationID, ev.CorrelationID).
		Time("at", ev.At)
	if ev.SessionID != "" {
		evt = evt.Str(log.FieldSessionID, ev.SessionID)
	}
	if ev.TurnID != "" {
		evt = evt.Str(log.FieldTurnID, ev.TurnID)
	}
	if len(ev.Fields) > 0 {
		evt = evt.Interface("fields", ev.Fields)
	}
	evt.Msg("event")
}

// MemorySink retains the last Cap events. Used by tests and the diagnostics
// endpoint's recent-events tail.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	cap    int
}

// NewMemorySink creates a bounded in-memory sink.
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemorySink{cap: capacity}
}

// Emit implements Sink.
func (s *MemorySink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if len(s.events) > s.cap {
		s.events = s.events[len(s.events)-s.cap:]
	}
}

// Events returns a copy of the retained events, oldest first.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ForCorrelation returns retained events carrying the given correlation id.
func (s *MemorySink) ForCorrelation(id string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.CorrelationID == id {
			out = append(out, ev)
		}
	}
	return out
}
