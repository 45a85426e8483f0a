package endpoint

import (
	"time"

	"github.com/vango-go/vai-call/pkg/core/events"
	"github.com/vango-go/vai-call/pkg/core/timer"
)

// ActivityKind is a voice-activity transition.
type ActivityKind int

const (
	SpeechStart ActivityKind = iota
	SpeechEnd
	// EOUScore carries a (re)scored completion probability for the open
	// speech-end candidate.
	EOUScore
)

// String returns the wire name of the activity kind.
func (k ActivityKind) String() string {
	switch k {
	case SpeechStart:
		return "speech_start"
	case SpeechEnd:
		return "speech_end"
	case EOUScore:
		return "eou_score"
	default:
		return "unknown"
	}
}

// Activity is one input to the detector.
type Activity struct {
	Kind ActivityKind
	At   time.Time
	// Score is the end-of-utterance completion score, if the model produced one.
	Score *float64
}

// Decision is the ephemeral endpoint decision that may start a turn.
type Decision struct {
	Boundary     time.Time
	Mode         string
	Confidence   *float64
	AppliedDelay time.Duration
	Reason       string
}

const (
	ReasonVAD       = "vad"
	ReasonThreshold = "eou_threshold"
	ReasonMaxWait   = "max_wait"
	// ReasonMaxSpeech closes an utterance whose speech end never arrived.
	ReasonMaxSpeech = "max_speech"

	keyMaxWait   = "endpoint.max_wait"
	keyDelay     = "endpoint.delay"
	keyMaxSpeech = "endpoint.max_speech"
)

// Emitter is the event surface the detector writes to.
type Emitter interface {
	EmitAs(c events.Component, t events.Type, payload map[string]any) error
}

type candidate struct {
	boundary  time.Time
	lastScore *float64
	delaying  bool
}

// Detector turns activity transitions into endpoint decisions. All methods
// must be called from the owning goroutine, the same one that runs the
// scheduler's callbacks.
type Detector struct {
	mode  Mode
	sched timer.Scheduler
	emit  Emitter

	onDecision func(Decision)

	maxSpeech time.Duration
	// capped is set when the max-speech ceiling closed the utterance; the
	// late speech end that follows is dropped.
	capped bool

	speaking   bool
	pending    *candidate
	unconsumed int
}

// NewDetector creates a detector. onDecision is invoked synchronously for
// every decision.
func NewDetector(mode Mode, sched timer.Scheduler, emit Emitter, onDecision func(Decision)) *Detector {
	if mode == nil {
		mode = VADOnly{}
	}
	return &Detector{
		mode:       mode,
		sched:      sched,
		emit:       emit,
		onDecision: onDecision,
	}
}

// LimitSpeech bounds how long one utterance may stay open without a speech
// end. Zero disables the ceiling.
func (d *Detector) LimitSpeech(limit time.Duration) { d.maxSpeech = limit }

// Mode returns the configured mode.
func (d *Detector) Mode() Mode { return d.mode }

// Speaking reports the last observed activity state.
func (d *Detector) Speaking() bool { return d.speaking }

// Pending reports whether a speech-end candidate is awaiting a decision.
func (d *Detector) Pending() bool { return d.pending != nil }

// Observe feeds one activity transition.
func (d *Detector) Observe(a Activity) {
	switch a.Kind {
	case SpeechStart:
		d.speechStart(a)
	case SpeechEnd:
		d.speechEnd(a)
	case EOUScore:
		if d.pending != nil && a.Score != nil {
			d.evaluate(*a.Score)
		}
	}
}

// Consumed tells the detector that downstream processing took one emitted
// decision.
func (d *Detector) Consumed() {
	if d.unconsumed > 0 {
		d.unconsumed--
	}
}

// Reset drops any open candidate and its timers.
func (d *Detector) Reset() {
	d.clearPending()
	d.cancelSpeechLimit()
	d.speaking = false
	d.capped = false
}

func (d *Detector) speechStart(a Activity) {
	if !d.speaking && d.maxSpeech > 0 && d.sched != nil {
		d.sched.Arm(keyMaxSpeech, d.maxSpeech, d.speechLimitReached)
	}
	d.speaking = true
	d.capped = false
	d.emitEvent(events.ActivityStateChanged, map[string]any{
		"state": "speaking",
		"at_ms": a.At.UnixMilli(),
	})
	// The user kept talking: an undecided candidate is abandoned, never an
	// emitted decision.
	d.clearPending()
	if d.unconsumed > 0 {
		d.emitEvent(events.EndpointClipping, map[string]any{
			"pending": d.unconsumed,
			"at_ms":   a.At.UnixMilli(),
		})
	}
}

func (d *Detector) speechEnd(a Activity) {
	d.cancelSpeechLimit()
	if d.capped {
		d.capped = false
		return
	}
	d.speaking = false
	d.emitEvent(events.ActivityStateChanged, map[string]any{
		"state": "silent",
		"at_ms": a.At.UnixMilli(),
	})

	switch m := d.mode.(type) {
	case VADOnly:
		d.decide(Decision{Boundary: a.At, Mode: m.Name(), Reason: ReasonVAD})
	case VADEOU:
		d.clearPending()
		d.pending = &candidate{boundary: a.At}
		d.sched.Arm(keyMaxWait, m.MaxWait, d.maxWaitExpired)
		if a.Score != nil {
			d.evaluate(*a.Score)
		}
	}
}

// speechLimitReached force-closes the open utterance at the current time,
// whatever the mode.
func (d *Detector) speechLimitReached() {
	if !d.speaking {
		return
	}
	now := d.sched.Now()
	d.speaking = false
	d.capped = true
	d.emitEvent(events.ActivityStateChanged, map[string]any{
		"state":  "silent",
		"at_ms":  now.UnixMilli(),
		"forced": true,
	})
	d.clearPending()
	d.decide(Decision{Boundary: now, Mode: d.mode.Name(), Reason: ReasonMaxSpeech})
}

func (d *Detector) cancelSpeechLimit() {
	if d.sched != nil {
		d.sched.Cancel(keyMaxSpeech)
	}
}

func (d *Detector) evaluate(score float64) {
	m, ok := d.mode.(VADEOU)
	if !ok || d.pending == nil || d.pending.delaying {
		return
	}
	s := score
	d.pending.lastScore = &s
	commit := score >= m.Threshold
	decision := "wait"
	if commit {
		decision = "commit"
	}
	d.emitEvent(events.EndpointPrediction, map[string]any{
		"confidence": score,
		"threshold":  m.Threshold,
		"decision":   decision,
	})
	if !commit {
		return
	}
	if m.Delay <= 0 {
		d.commitPending(ReasonThreshold, 0)
		return
	}
	d.pending.delaying = true
	d.emitEvent(events.EndpointAppliedDelay, map[string]any{"ms": m.Delay.Milliseconds()})
	d.sched.Arm(keyDelay, m.Delay, func() {
		d.commitPending(ReasonThreshold, m.Delay)
	})
}

func (d *Detector) maxWaitExpired() {
	if d.pending == nil {
		return
	}
	var applied time.Duration
	if d.pending.delaying {
		applied = d.mode.(VADEOU).Delay
	}
	d.commitPending(ReasonMaxWait, applied)
}

func (d *Detector) commitPending(reason string, applied time.Duration) {
	if d.pending == nil {
		return
	}
	c := d.pending
	d.clearPending()
	d.decide(Decision{
		Boundary:     c.boundary,
		Mode:         d.mode.Name(),
		Confidence:   c.lastScore,
		AppliedDelay: applied,
		Reason:       reason,
	})
}

func (d *Detector) clearPending() {
	if d.pending == nil {
		return
	}
	d.pending = nil
	if d.sched != nil {
		d.sched.Cancel(keyMaxWait)
		d.sched.Cancel(keyDelay)
	}
}

func (d *Detector) decide(dec Decision) {
	d.unconsumed++
	payload := map[string]any{
		"mode":             dec.Mode,
		"boundary_ts":      dec.Boundary.UnixMilli(),
		"reason":           dec.Reason,
		"applied_delay_ms": dec.AppliedDelay.Milliseconds(),
	}
	if dec.Confidence != nil {
		payload["confidence"] = *dec.Confidence
	}
	d.emitEvent(events.EndpointDecision, payload)
	if d.onDecision != nil {
		d.onDecision(dec)
	}
}

func (d *Detector) emitEvent(t events.Type, payload map[string]any) {
	if d.emit == nil {
		return
	}
	_ = d.emit.EmitAs(events.ComponentEndpoint, t, payload)
}
