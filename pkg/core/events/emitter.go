package events

import (
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
)

// Sink consumes emitted events. Write is called with the emitter lock held, so
// implementations must not block; slow backends buffer internally.
type Sink interface {
	Write(Event) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Write(e Event) error { return f(e) }

// Record is the input to Emit.
type Record struct {
	SessionID string
	TurnID    string
	Type      Type
	// Component and Severity default to the registered schema.
	Component Component
	Severity  Severity
	Payload   map[string]any
}

// Emitter validates records, stamps them, and fans them out to sinks in
// emission order.
type Emitter struct {
	clock  clockwork.Clock
	logger *slog.Logger

	mu    sync.Mutex
	sinks []Sink
	seq   map[string]uint64

	rejected atomic.Int64
	late     atomic.Int64
}

// NewEmitter creates an emitter. A nil clock uses the real clock.
func NewEmitter(clock clockwork.Clock, logger *slog.Logger, sinks ...Sink) *Emitter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		clock:  clock,
		logger: logger,
		sinks:  append([]Sink(nil), sinks...),
		seq:    make(map[string]uint64),
	}
}

// AddSink registers an additional sink.
func (e *Emitter) AddSink(s Sink) {
	if s == nil {
		return
	}
	e.mu.Lock()
	e.sinks = append(e.sinks, s)
	e.mu.Unlock()
}

// Emit validates r, assigns ts and a per-session sequence number, and writes
// the event to every sink. Invalid records are rejected and never reach sinks.
func (e *Emitter) Emit(r Record) (Event, error) {
	schema, _ := Lookup(r.Type)
	ev := Event{
		SessionID: r.SessionID,
		TurnID:    r.TurnID,
		Component: r.Component,
		Type:      r.Type,
		Severity:  r.Severity,
		Payload:   maps.Clone(r.Payload),
	}
	if ev.Component == "" {
		ev.Component = schema.Component
	}
	if ev.Severity == "" {
		ev.Severity = schema.Severity
	}
	ev.PII = piiFor(schema, ev.Payload)

	e.mu.Lock()
	defer e.mu.Unlock()

	ev.TS = e.clock.Now().UTC()
	if err := Validate(ev); err != nil {
		e.rejected.Add(1)
		e.logger.Error("event rejected", "event_type", r.Type, "session_id", r.SessionID, "error", err)
		return Event{}, err
	}
	e.seq[ev.SessionID]++
	ev.Seq = e.seq[ev.SessionID]

	for _, s := range e.sinks {
		if err := s.Write(ev); err != nil {
			e.logger.Warn("event sink write failed", "event_type", ev.Type, "session_id", ev.SessionID, "error", err)
		}
	}
	return ev, nil
}

// Forget drops per-session sequence state once a session has ended.
func (e *Emitter) Forget(sessionID string) {
	e.mu.Lock()
	delete(e.seq, sessionID)
	e.mu.Unlock()
}

// Rejected returns the number of records that failed validation.
func (e *Emitter) Rejected() int64 { return e.rejected.Load() }

// Late returns the number of events dropped by sealed turn scopes.
func (e *Emitter) Late() int64 { return e.late.Load() }

// Session returns an emitter bound to one call session.
func (e *Emitter) Session(sessionID string) *SessionEmitter {
	return &SessionEmitter{em: e, sessionID: sessionID}
}

// SessionEmitter emits events for a single call session.
type SessionEmitter struct {
	em        *Emitter
	sessionID string
}

// SessionID returns the bound session id.
func (s *SessionEmitter) SessionID() string { return s.sessionID }

// Emit writes a session-level event.
func (s *SessionEmitter) Emit(t Type, payload map[string]any) error {
	_, err := s.em.Emit(Record{SessionID: s.sessionID, Type: t, Payload: payload})
	return err
}

// EmitAs writes a session-level event attributed to component c.
func (s *SessionEmitter) EmitAs(c Component, t Type, payload map[string]any) error {
	_, err := s.em.Emit(Record{SessionID: s.sessionID, Type: t, Component: c, Payload: payload})
	return err
}

// Turn returns a scope that stamps every event with turnID.
func (s *SessionEmitter) Turn(turnID string) *Scope {
	return &Scope{em: s.em, sessionID: s.sessionID, turnID: turnID}
}

// Scope emits events for one turn. Once sealed, further events are dropped so
// nothing can follow a turn's terminal event.
type Scope struct {
	em        *Emitter
	sessionID string
	turnID    string

	mu     sync.Mutex
	sealed bool
}

// TurnID returns the correlation id stamped on every event.
func (s *Scope) TurnID() string {
	if s == nil {
		return ""
	}
	return s.turnID
}

// Emit writes a turn event attributed to the registered component.
func (s *Scope) Emit(t Type, payload map[string]any) error {
	return s.EmitAs("", t, payload)
}

// EmitAs writes a turn event attributed to component c.
func (s *Scope) EmitAs(c Component, t Type, payload map[string]any) error {
	if s == nil {
		return ErrSealed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		s.em.late.Add(1)
		return ErrSealed
	}
	_, err := s.em.Emit(Record{SessionID: s.sessionID, TurnID: s.turnID, Type: t, Component: c, Payload: payload})
	return err
}

// EmitFinal writes the terminal event and seals the scope atomically.
func (s *Scope) EmitFinal(t Type, payload map[string]any) error {
	if s == nil {
		return ErrSealed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		s.em.late.Add(1)
		return ErrSealed
	}
	s.sealed = true
	_, err := s.em.Emit(Record{SessionID: s.sessionID, TurnID: s.turnID, Type: t, Payload: payload})
	return err
}

// Sealed reports whether the terminal event has been written.
func (s *Scope) Sealed() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}
