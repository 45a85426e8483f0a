// Package turn runs the per-call turn state machine.
//
// An Engine owns one call. Every input (activity, provider outcomes, timer
// firings, playback completion and control commands) is a typed message
// applied by a single goroutine, so turn state is never mutated
// concurrently. Activity and control messages travel on a priority lane that
// is always drained before provider outcomes and timers.
package turn

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Phase is a turn phase.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseAwaitingTranscript Phase = "awaiting_transcript"
	PhaseAwaitingResponse   Phase = "awaiting_response"
	PhaseSpeaking           Phase = "speaking"
	PhaseInterrupted        Phase = "interrupted"
	PhaseFailed             Phase = "failed"
)

// Cause is the termination cause of a turn.
type Cause string

const (
	CauseCompleted      Cause = "completed"
	CauseBargeIn        Cause = "barge_in"
	CauseError          Cause = "error"
	CauseSilenceTimeout Cause = "silence_timeout"
)

var transitions = map[Phase][]Phase{
	PhaseIdle:               {PhaseAwaitingTranscript},
	PhaseAwaitingTranscript: {PhaseAwaitingResponse, PhaseFailed},
	PhaseAwaitingResponse:   {PhaseSpeaking, PhaseFailed},
	PhaseSpeaking:           {PhaseIdle, PhaseInterrupted, PhaseFailed},
	PhaseInterrupted:        {PhaseIdle},
	PhaseFailed:             {PhaseIdle},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Turn is one user-utterance-to-agent-response cycle.
type Turn struct {
	ID string
	// Boundary is the last user audio timestamp that triggered the turn.
	Boundary  time.Time
	StartedAt time.Time
	Mode      string
	Phase     Phase

	Partial    string
	Transcript string
	Response   string

	// ExitPhase records interrupted or failed for turns that left the happy
	// path; it is empty for completed turns.
	ExitPhase Phase
	Cause     Cause
	EndedAt   time.Time
}

// NewID returns a time-ordered turn correlation id.
func NewID() string {
	return "turn_" + ulid.Make().String()
}

// Terminal reports whether the turn has a termination cause.
func (t *Turn) Terminal() bool { return t.Cause != "" }

func (t *Turn) transition(to Phase) error {
	if t.Terminal() {
		return fmt.Errorf("turn %s is terminal (%s)", t.ID, t.Cause)
	}
	if !CanTransition(t.Phase, to) {
		return fmt.Errorf("turn %s: illegal transition %s -> %s", t.ID, t.Phase, to)
	}
	t.Phase = to
	return nil
}

// setTranscript sets the final transcript once.
func (t *Turn) setTranscript(s string) error {
	if t.Transcript != "" {
		return fmt.Errorf("turn %s: transcript already set", t.ID)
	}
	t.Transcript = s
	return nil
}

// setResponse sets the response text once.
func (t *Turn) setResponse(s string) error {
	if t.Response != "" {
		return fmt.Errorf("turn %s: response already set", t.ID)
	}
	t.Response = s
	return nil
}

// finalize walks the turn to idle through the exit phase implied by cause
// and freezes it.
func (t *Turn) finalize(cause Cause, at time.Time) error {
	if t.Terminal() {
		return fmt.Errorf("turn %s already finalized", t.ID)
	}
	switch cause {
	case CauseCompleted:
		if err := t.transition(PhaseIdle); err != nil {
			return err
		}
	case CauseBargeIn:
		if err := t.transition(PhaseInterrupted); err != nil {
			return err
		}
		t.ExitPhase = PhaseInterrupted
		t.Phase = PhaseIdle
	default:
		if err := t.transition(PhaseFailed); err != nil {
			return err
		}
		t.ExitPhase = PhaseFailed
		t.Phase = PhaseIdle
	}
	t.Cause = cause
	t.EndedAt = at
	return nil
}
