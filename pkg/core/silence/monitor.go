// Package silence tracks processing and user silence for a call.
//
// Three timers are managed: the processing timer (work in flight, nothing
// audible yet), the two-stage user timer (reprompt, then close) and the turn
// ceiling that bounds how long a single turn may stay non-terminal. All
// methods and callbacks run on the call's owner goroutine.
package silence

import (
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/vango-go/vai-call/pkg/core/events"
	"github.com/vango-go/vai-call/pkg/core/timer"
)

const (
	KindProcessing = "processing"
	KindUser       = "user"
	KindTurn       = "turn"

	StageAck      = "ack"
	StageReprompt = "reprompt"
	StageClose    = "close"
	StageCeiling  = "ceiling"
	StagePlayback = "playback"

	keyProcessing = "silence.processing"
	keyUser       = "silence.user"
	keyTurn       = "silence.turn"
)

// Thresholds configures the timers.
type Thresholds struct {
	ProcessingAck time.Duration
	Reprompt      time.Duration
	Close         time.Duration
	TurnTimeout   time.Duration
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ProcessingAck: 1500 * time.Millisecond,
		Reprompt:      7 * time.Second,
		Close:         15 * time.Second,
		TurnTimeout:   30 * time.Second,
	}
}

// Validate checks the ordering invariant processing < reprompt < close and
// that the turn ceiling outlasts the processing acknowledgement.
func (t Thresholds) Validate() error {
	var err error
	if t.ProcessingAck <= 0 {
		err = multierr.Append(err, fmt.Errorf("processing ack threshold must be > 0"))
	}
	if t.ProcessingAck >= t.Reprompt {
		err = multierr.Append(err, fmt.Errorf("processing ack threshold (%s) must be < reprompt threshold (%s)", t.ProcessingAck, t.Reprompt))
	}
	if t.Reprompt >= t.Close {
		err = multierr.Append(err, fmt.Errorf("reprompt threshold (%s) must be < close threshold (%s)", t.Reprompt, t.Close))
	}
	if t.TurnTimeout <= t.ProcessingAck {
		err = multierr.Append(err, fmt.Errorf("turn timeout (%s) must be > processing ack threshold (%s)", t.TurnTimeout, t.ProcessingAck))
	}
	return err
}

// Emitter is the event surface used for timer events.
type Emitter interface {
	EmitAs(c events.Component, t events.Type, payload map[string]any) error
}

// Callbacks receive timer firings.
type Callbacks struct {
	// OnProcessingAck runs after delay-acknowledged has been emitted.
	OnProcessingAck func()
	OnReprompt      func()
	OnClose         func()
	OnTurnTimeout   func()
}

// Monitor owns the silence timers of one call.
type Monitor struct {
	th    Thresholds
	sched timer.Scheduler
	call  Emitter
	cb    Callbacks

	// procEmit is the turn scope the processing timer was armed for.
	procEmit  Emitter
	turnEmit  Emitter
	userStage string
}

// New creates a Monitor. call receives events that do not belong to a turn.
func New(th Thresholds, sched timer.Scheduler, call Emitter, cb Callbacks) *Monitor {
	return &Monitor{th: th, sched: sched, call: call, cb: cb}
}

// Thresholds returns the configured thresholds.
func (m *Monitor) Thresholds() Thresholds { return m.th }

// ArmProcessing (re)arms the processing timer for a provider request issued
// on behalf of the turn whose scope is emit.
func (m *Monitor) ArmProcessing(emit Emitter) {
	m.procEmit = emit
	m.sched.Arm(keyProcessing, m.th.ProcessingAck, func() {
		e := m.procEmit
		m.procEmit = nil
		m.emit(e, events.SilenceTimerFired, KindProcessing, StageAck, m.th.ProcessingAck)
		m.write(e, events.DelayAcknowledged, map[string]any{"threshold_ms": m.th.ProcessingAck.Milliseconds()})
		if m.cb.OnProcessingAck != nil {
			m.cb.OnProcessingAck()
		}
	})
	m.emit(emit, events.SilenceTimerArmed, KindProcessing, StageAck, m.th.ProcessingAck)
}

// CancelProcessing cancels the processing timer, if armed.
func (m *Monitor) CancelProcessing() {
	if m.sched.Cancel(keyProcessing) {
		m.write(m.procEmit, events.SilenceTimerCancelled, map[string]any{"kind": KindProcessing})
	}
	m.procEmit = nil
}

// ArmUser starts the user silence timer at its reprompt stage.
func (m *Monitor) ArmUser() {
	m.armUserStage(StageReprompt, m.th.Reprompt, m.th.Reprompt)
}

func (m *Monitor) armUserStage(stage string, wait, threshold time.Duration) {
	m.userStage = stage
	m.sched.Arm(keyUser, wait, func() {
		m.userStage = ""
		m.emit(m.call, events.SilenceTimerFired, KindUser, stage, threshold)
		switch stage {
		case StageReprompt:
			// Continued silence escalates to the close stage; the wait is
			// the remainder so the close fires at the configured threshold.
			m.armUserStage(StageClose, m.th.Close-m.th.Reprompt, m.th.Close)
			if m.cb.OnReprompt != nil {
				m.cb.OnReprompt()
			}
		case StageClose:
			if m.cb.OnClose != nil {
				m.cb.OnClose()
			}
		}
	})
	m.emit(m.call, events.SilenceTimerArmed, KindUser, stage, threshold)
}

// UserStage returns the armed user stage, or "".
func (m *Monitor) UserStage() string { return m.userStage }

// CancelUser cancels the user silence timer, if armed.
func (m *Monitor) CancelUser() {
	if m.sched.Cancel(keyUser) {
		m.write(m.call, events.SilenceTimerCancelled, map[string]any{"kind": KindUser, "stage": m.userStage})
	}
	m.userStage = ""
}

// ArmTurn arms the ceiling for the turn whose scope is emit.
func (m *Monitor) ArmTurn(emit Emitter) {
	m.armTurnStage(emit, StageCeiling, m.th.TurnTimeout)
}

// ArmPlayback replaces the turn ceiling once the response is audible. The
// new deadline is the expected playback length plus TurnTimeout, so only a
// playback that never reports completion trips it.
func (m *Monitor) ArmPlayback(emit Emitter, length time.Duration) {
	if length < 0 {
		length = 0
	}
	m.armTurnStage(emit, StagePlayback, length+m.th.TurnTimeout)
}

func (m *Monitor) armTurnStage(emit Emitter, stage string, wait time.Duration) {
	if m.th.TurnTimeout <= 0 {
		return
	}
	m.turnEmit = emit
	m.sched.Arm(keyTurn, wait, func() {
		e := m.turnEmit
		m.turnEmit = nil
		m.emit(e, events.SilenceTimerFired, KindTurn, stage, wait)
		if m.cb.OnTurnTimeout != nil {
			m.cb.OnTurnTimeout()
		}
	})
}

// CancelTurn cancels the turn ceiling.
func (m *Monitor) CancelTurn() {
	m.sched.Cancel(keyTurn)
	m.turnEmit = nil
}

// Stop cancels every timer without emitting events.
func (m *Monitor) Stop() {
	m.sched.Cancel(keyProcessing)
	m.sched.Cancel(keyUser)
	m.sched.Cancel(keyTurn)
	m.procEmit = nil
	m.turnEmit = nil
	m.userStage = ""
}

func (m *Monitor) emit(e Emitter, t events.Type, kind, stage string, threshold time.Duration) {
	m.write(e, t, map[string]any{
		"kind":         kind,
		"stage":        stage,
		"threshold_ms": threshold.Milliseconds(),
	})
}

func (m *Monitor) write(e Emitter, t events.Type, payload map[string]any) {
	if e == nil {
		e = m.call
	}
	if e == nil {
		return
	}
	_ = e.EmitAs(events.ComponentSilence, t, payload)
}
