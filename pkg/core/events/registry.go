// Package events defines the structured event contract shared by every engine
// component: the event-type registry, the immutable Event envelope, the
// emitter that validates and fans events out to sinks, and an in-memory store
// used by the read API.
//
// Every component writes through an Emitter; nothing in the engine reads the
// stream back.
package events

import "sort"

// Type is a stable, dotted event type name.
type Type string

const (
	TurnStarted   Type = "turn.started"
	STTPartial    Type = "stt.partial"
	STTFinal      Type = "stt.final"
	LLMRequest    Type = "llm.request"
	LLMResponse   Type = "llm.response"
	TTSRequest    Type = "tts.request"
	PlaybackStart Type = "playback.started"
	PlaybackStop  Type = "playback.stopped"

	BargeInDetected Type = "barge_in.detected"

	ActivityStateChanged Type = "vad.state_changed"
	EndpointPrediction   Type = "endpoint.prediction"
	EndpointAppliedDelay Type = "endpoint.applied_delay"
	EndpointDecision     Type = "endpoint.decision"
	EndpointClipping     Type = "endpoint.clipping_suspected"

	ProviderRateLimited    Type = "provider.rate_limited"
	ProviderRetryScheduled Type = "provider.retry_scheduled"
	ProviderRequestFailed  Type = "provider.request_failed"

	DelayAcknowledged Type = "ux.delay_acknowledged"
	PhrasePlayed      Type = "ux.phrase_played"

	SilenceTimerArmed     Type = "silence.timer_armed"
	SilenceTimerFired     Type = "silence.timer_fired"
	SilenceTimerCancelled Type = "silence.timer_cancelled"

	CallStarted     Type = "call.started"
	CallConnected   Type = "call.connected"
	CallEnded       Type = "call.ended"
	CommandReceived Type = "control.command_received"
	CommandApplied  Type = "control.command_applied"
	SessionState    Type = "session.state_changed"
)

// Component names the emitting subsystem.
type Component string

const (
	ComponentEndpoint   Component = "endpoint_detector"
	ComponentTurn       Component = "turn_engine"
	ComponentSupervisor Component = "provider_supervisor"
	ComponentSilence    Component = "silence_monitor"
	ComponentBargeIn    Component = "barge_in_monitor"
	ComponentControl    Component = "control_plane"
)

// Severity of an event.
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Schema lists the required payload keys and defaults for one event type.
type Schema struct {
	Component    Component
	Severity     Severity
	RequiresTurn bool
	Required     []string
	// PIIFields lists payload keys that carry caller content.
	PIIFields []string
}

var registry = map[Type]Schema{
	TurnStarted:   {Component: ComponentTurn, Severity: SeverityInfo, RequiresTurn: true, Required: []string{"mode", "boundary_ts"}},
	STTPartial:    {Component: ComponentTurn, Severity: SeverityDebug, RequiresTurn: true, Required: []string{"text"}, PIIFields: []string{"text"}},
	STTFinal:      {Component: ComponentTurn, Severity: SeverityInfo, RequiresTurn: true, Required: []string{"transcript", "provider"}, PIIFields: []string{"transcript"}},
	LLMRequest:    {Component: ComponentTurn, Severity: SeverityInfo, RequiresTurn: true, Required: []string{"provider", "model"}},
	LLMResponse:   {Component: ComponentTurn, Severity: SeverityInfo, RequiresTurn: true, Required: []string{"text", "latency_ms"}, PIIFields: []string{"text"}},
	TTSRequest:    {Component: ComponentTurn, Severity: SeverityDebug, RequiresTurn: true, Required: []string{"provider"}},
	PlaybackStart: {Component: ComponentTurn, Severity: SeverityInfo, RequiresTurn: true, Required: []string{"playback_id"}},
	PlaybackStop:  {Component: ComponentTurn, Severity: SeverityInfo, RequiresTurn: true, Required: []string{"cause"}},

	BargeInDetected: {Component: ComponentBargeIn, Severity: SeverityInfo, RequiresTurn: true, Required: []string{"speech_start_ts", "latency_ms"}},

	ActivityStateChanged: {Component: ComponentEndpoint, Severity: SeverityDebug, Required: []string{"state"}},
	EndpointPrediction:   {Component: ComponentEndpoint, Severity: SeverityDebug, Required: []string{"confidence", "decision"}},
	EndpointAppliedDelay: {Component: ComponentEndpoint, Severity: SeverityDebug, Required: []string{"ms"}},
	EndpointDecision:     {Component: ComponentEndpoint, Severity: SeverityInfo, Required: []string{"mode", "boundary_ts", "reason"}},
	EndpointClipping:     {Component: ComponentEndpoint, Severity: SeverityWarn, Required: []string{"pending"}},

	ProviderRateLimited:    {Component: ComponentSupervisor, Severity: SeverityWarn, RequiresTurn: true, Required: []string{"kind", "provider", "model", "attempt", "backoff_ms"}},
	ProviderRetryScheduled: {Component: ComponentSupervisor, Severity: SeverityWarn, RequiresTurn: true, Required: []string{"kind", "provider", "model", "attempt", "backoff_ms"}},
	ProviderRequestFailed:  {Component: ComponentSupervisor, Severity: SeverityError, RequiresTurn: true, Required: []string{"kind", "provider", "category", "attempts"}},

	DelayAcknowledged: {Component: ComponentSilence, Severity: SeverityInfo, RequiresTurn: true, Required: []string{"threshold_ms"}},
	PhrasePlayed:      {Component: ComponentTurn, Severity: SeverityInfo, Required: []string{"kind"}},

	SilenceTimerArmed:     {Component: ComponentSilence, Severity: SeverityDebug, Required: []string{"kind", "threshold_ms"}},
	SilenceTimerFired:     {Component: ComponentSilence, Severity: SeverityInfo, Required: []string{"kind", "threshold_ms"}},
	SilenceTimerCancelled: {Component: ComponentSilence, Severity: SeverityDebug, Required: []string{"kind"}},

	CallStarted:     {Component: ComponentControl, Severity: SeverityInfo, Required: []string{"direction"}},
	CallConnected:   {Component: ComponentControl, Severity: SeverityInfo},
	CallEnded:       {Component: ComponentTurn, Severity: SeverityInfo, Required: []string{"reason"}},
	CommandReceived: {Component: ComponentControl, Severity: SeverityInfo, Required: []string{"command"}},
	CommandApplied:  {Component: ComponentControl, Severity: SeverityInfo, Required: []string{"command"}},
	SessionState:    {Component: ComponentControl, Severity: SeverityDebug, Required: []string{"from", "to"}},
}

// Lookup returns the schema for t.
func Lookup(t Type) (Schema, bool) {
	s, ok := registry[t]
	return s, ok
}

// Types returns every registered event type in sorted order.
func Types() []Type {
	out := make([]Type, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
