// Package barge stops agent playback when the caller starts talking over it.
//
// The monitor is mode independent: it reacts to speech-start activity only,
// never to endpoint decisions. Detection-to-stop latency is measured and
// reported on every interruption; the target window is advisory and is not
// enforced here.
package barge

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vango-go/vai-call/pkg/core/events"
)

// DefaultTarget is the advisory detection-to-stop window.
const DefaultTarget = 100 * time.Millisecond

// Stopper halts audible playback.
type Stopper interface {
	Stop() error
}

// Emitter is the turn-scoped event surface.
type Emitter interface {
	EmitAs(c events.Component, t events.Type, payload map[string]any) error
}

// Result describes one interruption.
type Result struct {
	SpeechStart time.Time
	StoppedAt   time.Time
	Latency     time.Duration
	// StopErr is the sink error, if the stop primitive failed. The turn is
	// interrupted regardless.
	StopErr error
}

// WithinTarget reports whether the stop landed inside target.
func (r Result) WithinTarget(target time.Duration) bool {
	return r.Latency <= target
}

// Monitor issues stop signals for one call.
type Monitor struct {
	clock  clockwork.Clock
	target time.Duration
	logger *slog.Logger

	count int
	worst time.Duration
}

// New creates a Monitor. A zero target uses DefaultTarget.
func New(clock clockwork.Clock, target time.Duration, logger *slog.Logger) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if target <= 0 {
		target = DefaultTarget
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{clock: clock, target: target, logger: logger}
}

// ShouldInterrupt reports whether a speech start must interrupt playback.
func (m *Monitor) ShouldInterrupt(speaking bool) bool {
	return speaking
}

// Interrupt stops sink synchronously and emits barge_in.detected with the
// measured latency. speechStart is the activity timestamp; a zero value means
// detection happened now.
func (m *Monitor) Interrupt(sink Stopper, emit Emitter, speechStart time.Time) Result {
	if speechStart.IsZero() {
		speechStart = m.clock.Now()
	}
	var stopErr error
	if sink != nil {
		stopErr = sink.Stop()
	}
	stopped := m.clock.Now()
	latency := stopped.Sub(speechStart)
	if latency < 0 {
		latency = 0
	}
	res := Result{SpeechStart: speechStart, StoppedAt: stopped, Latency: latency, StopErr: stopErr}

	m.count++
	if latency > m.worst {
		m.worst = latency
	}

	payload := map[string]any{
		"speech_start_ts": speechStart.UnixMilli(),
		"latency_ms":      latency.Milliseconds(),
		"target_ms":       m.target.Milliseconds(),
		"within_target":   res.WithinTarget(m.target),
	}
	if stopErr != nil {
		payload["stop_error"] = stopErr.Error()
	}
	if emit != nil {
		_ = emit.EmitAs(events.ComponentBargeIn, events.BargeInDetected, payload)
	}
	if !res.WithinTarget(m.target) {
		m.logger.Warn("barge-in stop exceeded target", "latency_ms", latency.Milliseconds(), "target_ms", m.target.Milliseconds())
	}
	if stopErr != nil {
		m.logger.Warn("playback stop failed", "error", stopErr)
	}
	return res
}

// Stats returns the number of interruptions and the worst latency seen.
func (m *Monitor) Stats() (count int, worst time.Duration) {
	return m.count, m.worst
}
