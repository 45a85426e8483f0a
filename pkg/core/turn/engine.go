package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/vango-go/vai-call/pkg/core"
	"github.com/vango-go/vai-call/pkg/core/barge"
	"github.com/vango-go/vai-call/pkg/core/endpoint"
	"github.com/vango-go/vai-call/pkg/core/events"
	"github.com/vango-go/vai-call/pkg/core/llm"
	"github.com/vango-go/vai-call/pkg/core/provider"
	"github.com/vango-go/vai-call/pkg/core/silence"
	"github.com/vango-go/vai-call/pkg/core/timer"
)

const (
	defaultSystemPrompt = "Je bent een vriendelijke telefoonassistent. Antwoord kort en natuurlijk, zonder opmaak, lijstjes of emoji. Schrijf getallen en afkortingen uit zoals je ze uitspreekt."

	urgentQueueSize = 64
	inboxQueueSize  = 256

	keyCloseGrace = "call.close_grace"
)

// Call end reasons.
const (
	ReasonUserSilence       = "user_silence_timeout"
	ReasonProviderExhausted = "provider_exhausted"
	ReasonProviderError     = "provider_error"
	ReasonProcessingTimeout = "processing_timeout"
	ReasonHangup            = "hangup"
	ReasonParticipantLeft   = "participant_left"
	ReasonShutdown          = "shutdown"
)

// CallState is the call session lifecycle state.
type CallState string

const (
	StateCreated   CallState = "created"
	StateConnected CallState = "connected"
	StateEnded     CallState = "ended"
)

var (
	// ErrEnded is returned for commands sent to an ended call.
	ErrEnded = errors.New("call ended")
	// ErrAlreadyConnected is returned when a second transport connects.
	ErrAlreadyConnected = errors.New("call already connected")
)

// Transcriber converts one utterance of audio to text.
type Transcriber interface {
	Name() string
	Model() string
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Completer produces the agent's reply.
type Completer interface {
	Name() string
	Model() string
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// Synthesizer renders text to audio.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Playback is one unit of outbound audio.
type Playback struct {
	ID    string
	Audio []byte
	// Phrase is set for fixed phrases and empty for model responses.
	Phrase PhraseKind
}

// Sink is the transport's playback boundary. Play returns once playback has
// started or failed to start; done is called at most once when the audio
// has finished or was stopped, from any goroutine but never synchronously
// from within Play or Stop.
type Sink interface {
	Play(p Playback, done func(error)) error
	Stop() error
}

// Config tunes an Engine.
type Config struct {
	Endpoint       endpoint.Mode
	Silence        silence.Thresholds
	Retry          map[provider.Kind]provider.Policy
	AttemptTimeout time.Duration
	BargeInTarget  time.Duration
	// Seed drives retry jitter; it is recorded with the call.
	Seed         uint64
	SystemPrompt string
	MaxHistory   int
	Phrases      Phrases
	// CloseGrace bounds how long a closing phrase may delay call end.
	CloseGrace        time.Duration
	PhraseTimeout     time.Duration
	MaxUtteranceBytes int
	// PlaybackBytesPerSecond converts response audio size to its expected
	// playing time.
	PlaybackBytesPerSecond int
	// MaxSpeech bounds one utterance that never reports speech end.
	MaxSpeech time.Duration
}

// Dependencies are the collaborators of an Engine.
type Dependencies struct {
	SessionID string
	Direction string
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Events    *events.Emitter
	STT       Transcriber
	LLM       Completer
	TTS       Synthesizer
	// Hangup is called once, from the engine goroutine, after call.ended. It
	// must not block on the engine.
	Hangup func(reason string)
	Config Config
}

// Snapshot is a read-only view of the call.
type Snapshot struct {
	SessionID string    `json:"session_id"`
	Direction string    `json:"direction"`
	State     CallState `json:"state"`
	Phase     Phase     `json:"phase"`
	TurnID    string    `json:"turn_id,omitempty"`
	Turns     int       `json:"turns"`
	LastCause Cause     `json:"last_cause,omitempty"`
	EndReason string    `json:"end_reason,omitempty"`
	Seed      uint64    `json:"seed"`
}

type message interface{ isMessage() }

type activityMsg struct{ a endpoint.Activity }
type partialMsg struct{ text string }
type outcomeMsg struct {
	turnID string
	out    provider.Outcome
}
type timerMsg struct{ fn func() }
type playbackDoneMsg struct {
	id  string
	err error
}
type phraseAudioMsg struct {
	id    string
	text  string
	audio []byte
	err   error
}
type commandMsg struct {
	name   string
	reason string
	sink   Sink
	result chan error
}

func (activityMsg) isMessage()     {}
func (partialMsg) isMessage()      {}
func (outcomeMsg) isMessage()      {}
func (timerMsg) isMessage()        {}
func (playbackDoneMsg) isMessage() {}
func (phraseAudioMsg) isMessage()  {}
func (commandMsg) isMessage()      {}

type active struct {
	*Turn
	scope  *events.Scope
	ctx    context.Context
	cancel context.CancelFunc

	requestID string
	issuedAt  time.Time

	playbackID      string
	playbackStarted bool
	// consumed is set once the triggering decision's audio is transcribed.
	consumed bool
}

type pendingDecision struct {
	dec     endpoint.Decision
	audio   []byte
	partial string
}

type phrasePlayback struct {
	id       string
	kind     PhraseKind
	category core.Category
	turnID   string
	scope    *events.Scope
	playing  bool
	closing  bool
}

// Engine is the turn state machine of one call.
type Engine struct {
	sessionID string
	direction string
	clock     clockwork.Clock
	logger    *slog.Logger
	events    *events.Emitter
	emit      *events.SessionEmitter
	stt       Transcriber
	llm       Completer
	tts       Synthesizer
	hangup    func(reason string)
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc

	urgent   chan message
	inbox    chan message
	done     chan struct{}
	doneOnce sync.Once

	timers     *timer.Service
	detector   *endpoint.Detector
	silence    *silence.Monitor
	barge      *barge.Monitor
	supervisor *provider.Supervisor
	history    *llm.History

	audioMu sync.Mutex
	audio   []byte

	// Owned by the Run goroutine.
	state       CallState
	sink        Sink
	turn        *active
	queued      []pendingDecision
	partial     string
	phrase      *phrasePlayback
	phraseCache map[string][]byte
	closing     string
	endReason   string
	turns       int
	lastCause   Cause

	snap atomic.Pointer[Snapshot]
}

// New validates deps and builds an Engine in the created state.
func New(deps Dependencies) (*Engine, error) {
	if strings.TrimSpace(deps.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Events == nil {
		return nil, fmt.Errorf("event emitter is required")
	}
	if deps.LLM == nil {
		return nil, fmt.Errorf("llm provider is required")
	}
	if deps.TTS == nil {
		return nil, fmt.Errorf("tts provider is required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Direction == "" {
		deps.Direction = "inbound"
	}
	cfg := deps.Config
	if cfg.Endpoint == nil {
		cfg.Endpoint = endpoint.VADOnly{}
	}
	if cfg.Silence == (silence.Thresholds{}) {
		cfg.Silence = silence.DefaultThresholds()
	}
	if err := cfg.Silence.Validate(); err != nil {
		return nil, fmt.Errorf("silence thresholds: %w", err)
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 20
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = 10 * time.Second
	}
	if cfg.PhraseTimeout <= 0 {
		cfg.PhraseTimeout = 5 * time.Second
	}
	if cfg.MaxUtteranceBytes <= 0 {
		cfg.MaxUtteranceBytes = 2 << 20
	}
	if cfg.PlaybackBytesPerSecond <= 0 {
		cfg.PlaybackBytesPerSecond = 32000
	}
	if cfg.MaxSpeech <= 0 {
		cfg.MaxSpeech = 60 * time.Second
	}
	cfg.Phrases = cfg.Phrases.WithDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	logger := deps.Logger.With("session_id", deps.SessionID)
	e := &Engine{
		sessionID:   deps.SessionID,
		direction:   deps.Direction,
		clock:       deps.Clock,
		logger:      logger,
		events:      deps.Events,
		emit:        deps.Events.Session(deps.SessionID),
		stt:         deps.STT,
		llm:         deps.LLM,
		tts:         deps.TTS,
		hangup:      deps.Hangup,
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		urgent:      make(chan message, urgentQueueSize),
		inbox:       make(chan message, inboxQueueSize),
		done:        make(chan struct{}),
		history:     llm.NewHistory(cfg.MaxHistory),
		state:       StateCreated,
		phraseCache: make(map[string][]byte),
	}
	e.timers = timer.New(deps.Clock, func(fn func()) bool {
		return e.post(e.inbox, timerMsg{fn: fn})
	})
	e.detector = endpoint.NewDetector(cfg.Endpoint, e.timers, e.emit, e.onDecision)
	e.detector.LimitSpeech(cfg.MaxSpeech)
	e.silence = silence.New(cfg.Silence, e.timers, e.emit, silence.Callbacks{
		OnProcessingAck: e.onProcessingAck,
		OnReprompt:      e.onReprompt,
		OnClose:         e.onUserSilenceClose,
		OnTurnTimeout:   e.onTurnTimeout,
	})
	e.barge = barge.New(deps.Clock, cfg.BargeInTarget, logger)
	e.supervisor = provider.NewSupervisor(deps.Clock, logger, provider.Config{
		Policies:       cfg.Retry,
		AttemptTimeout: cfg.AttemptTimeout,
		Seed:           cfg.Seed,
	})
	e.publish()
	return e, nil
}

// SessionID returns the call session id.
func (e *Engine) SessionID() string { return e.sessionID }

// Snapshot returns the latest published view of the call.
func (e *Engine) Snapshot() Snapshot { return *e.snap.Load() }

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Connect attaches the playback sink, marks the call connected and plays the
// greeting.
func (e *Engine) Connect(sink Sink) error {
	if sink == nil {
		return fmt.Errorf("sink is required")
	}
	return e.command(commandMsg{name: "connect", sink: sink})
}

// Hangup ends the call with reason.
func (e *Engine) Hangup(reason string) error {
	if reason == "" {
		reason = ReasonHangup
	}
	return e.command(commandMsg{name: "hangup", reason: reason})
}

// Activity delivers a voice-activity transition on the priority lane.
func (e *Engine) Activity(a endpoint.Activity) bool {
	return e.post(e.urgent, activityMsg{a: a})
}

// Partial delivers an interim transcript produced by the transport.
func (e *Engine) Partial(text string) bool {
	return e.post(e.inbox, partialMsg{text: text})
}

// Audio appends an inbound audio frame to the current utterance buffer.
func (e *Engine) Audio(frame []byte) {
	if len(frame) == 0 {
		return
	}
	e.audioMu.Lock()
	defer e.audioMu.Unlock()
	e.audio = append(e.audio, frame...)
	if over := len(e.audio) - e.cfg.MaxUtteranceBytes; over > 0 {
		e.audio = append(e.audio[:0:0], e.audio[over:]...)
	}
}

func (e *Engine) takeAudio() []byte {
	e.audioMu.Lock()
	defer e.audioMu.Unlock()
	out := e.audio
	e.audio = nil
	return out
}

func (e *Engine) command(c commandMsg) error {
	c.result = make(chan error, 1)
	if !e.post(e.urgent, c) {
		return ErrEnded
	}
	select {
	case err := <-c.result:
		return err
	case <-e.done:
		select {
		case err := <-c.result:
			return err
		default:
			return ErrEnded
		}
	}
}

func (e *Engine) post(lane chan message, m message) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case lane <- m:
		return true
	case <-e.done:
		return false
	}
}

// Run processes messages until the call ends or ctx is cancelled, in which
// case the call ends with reason shutdown.
func (e *Engine) Run(ctx context.Context) error {
	defer e.teardown()
	for e.state != StateEnded {
		select {
		case m := <-e.urgent:
			e.handle(m)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			e.end(ReasonShutdown)
		case m := <-e.urgent:
			e.handle(m)
		case m := <-e.inbox:
			e.handle(m)
		}
	}
	return nil
}

func (e *Engine) teardown() {
	e.timers.CancelAll()
	e.cancel()
	e.doneOnce.Do(func() { close(e.done) })
}

// handle is the single transition function.
func (e *Engine) handle(m message) {
	switch m := m.(type) {
	case activityMsg:
		e.onActivity(m.a)
	case partialMsg:
		e.onPartial(m.text)
	case outcomeMsg:
		e.onOutcome(m)
	case timerMsg:
		m.fn()
	case playbackDoneMsg:
		e.onPlaybackDone(m)
	case phraseAudioMsg:
		e.onPhraseAudio(m)
	case commandMsg:
		e.onCommand(m)
	}
}

func (e *Engine) onCommand(c commandMsg) {
	var err error
	switch c.name {
	case "connect":
		err = e.connect(c.sink)
	case "hangup":
		if e.state == StateEnded {
			err = ErrEnded
			break
		}
		_ = e.emit.Emit(events.CommandApplied, map[string]any{"command": "hangup", "reason": c.reason})
		e.end(c.reason)
	default:
		err = fmt.Errorf("unknown command %q", c.name)
	}
	c.result <- err
}

func (e *Engine) connect(sink Sink) error {
	if e.state != StateCreated {
		return ErrAlreadyConnected
	}
	e.sink = sink
	e.setState(StateConnected)
	_ = e.emit.Emit(events.CallConnected, map[string]any{"direction": e.direction})
	if !e.playPhrase(PhraseGreeting, "", nil) {
		e.silence.ArmUser()
	}
	return nil
}

func (e *Engine) setState(s CallState) {
	prev := e.state
	e.state = s
	_ = e.emit.Emit(events.SessionState, map[string]any{"from": string(prev), "to": string(s)})
	e.publish()
}

func (e *Engine) onActivity(a endpoint.Activity) {
	if e.state != StateConnected || e.closing != "" {
		return
	}
	if a.At.IsZero() {
		a.At = e.clock.Now()
	}
	if a.Kind == endpoint.SpeechStart {
		if at := e.turn; at != nil && e.barge.ShouldInterrupt(at.Phase == PhaseSpeaking) {
			res := e.barge.Interrupt(e.sink, at.scope, a.At)
			e.finishTurn(CauseBargeIn, map[string]any{"barge_in_latency_ms": res.Latency.Milliseconds()})
		}
		e.stopPhrase()
		e.silence.CancelUser()
	}
	e.detector.Observe(a)
}

func (e *Engine) onPartial(text string) {
	if e.state != StateConnected || e.closing != "" {
		return
	}
	e.partial = strings.TrimSpace(text)
}

func (e *Engine) onDecision(dec endpoint.Decision) {
	if e.closing != "" || e.state != StateConnected {
		return
	}
	p := pendingDecision{dec: dec, audio: e.takeAudio(), partial: e.partial}
	e.partial = ""
	if e.turn != nil {
		e.queued = append(e.queued, p)
		e.logger.Debug("endpoint decision queued", "turn_id", e.turn.ID, "queued", len(e.queued))
		return
	}
	e.startTurn(p)
}

func (e *Engine) startTurn(p pendingDecision) {
	now := e.clock.Now()
	t := &Turn{
		ID:        NewID(),
		Boundary:  p.dec.Boundary,
		StartedAt: now,
		Mode:      p.dec.Mode,
		Phase:     PhaseIdle,
		Partial:   p.partial,
	}
	at := &active{Turn: t, scope: e.emit.Turn(t.ID)}
	at.ctx, at.cancel = context.WithCancel(e.ctx)
	if err := t.transition(PhaseAwaitingTranscript); err != nil {
		e.logger.Error("turn start", "error", err)
		return
	}
	e.turn = at
	e.turns++
	e.silence.CancelUser()

	payload := map[string]any{
		"mode":             p.dec.Mode,
		"boundary_ts":      p.dec.Boundary.UnixMilli(),
		"reason":           p.dec.Reason,
		"applied_delay_ms": p.dec.AppliedDelay.Milliseconds(),
	}
	if p.dec.Confidence != nil {
		payload["confidence"] = *p.dec.Confidence
	}
	_ = at.scope.Emit(events.TurnStarted, payload)
	e.silence.ArmTurn(at.scope)
	e.publish()

	if p.partial != "" {
		_ = at.scope.Emit(events.STTPartial, map[string]any{"text": p.partial})
	}
	if e.stt == nil {
		e.onTranscript(at, p.partial, "transport")
		return
	}
	stt := e.stt
	e.issue(at, provider.Request{
		Kind:     provider.KindSTT,
		Provider: stt.Name(),
		Model:    stt.Model(),
		Payload:  p.audio,
		Do: func(ctx context.Context, audio []byte) (any, error) {
			text, err := stt.Transcribe(ctx, audio)
			if err != nil {
				return nil, err
			}
			return text, nil
		},
	})
}

func (e *Engine) issue(at *active, req provider.Request) {
	at.issuedAt = e.clock.Now()
	e.silence.ArmProcessing(at.scope)
	turnID := at.ID
	at.requestID = e.supervisor.Invoke(at.ctx, at.scope, req, func(out provider.Outcome) bool {
		return e.post(e.inbox, outcomeMsg{turnID: turnID, out: out})
	})
}

func (e *Engine) onOutcome(m outcomeMsg) {
	at := e.turn
	if at == nil || at.ID != m.turnID || at.requestID != m.out.RequestID {
		e.logger.Debug("stale provider outcome ignored", "turn_id", m.turnID, "kind", string(m.out.Kind), "state", m.out.State.String())
		return
	}
	switch m.out.State {
	case provider.StateRetrying:
		e.logger.Debug("provider retrying", "turn_id", at.ID, "kind", string(m.out.Kind), "attempt", m.out.Attempt, "backoff_ms", m.out.Backoff.Milliseconds())
		return
	case provider.StateFailed:
		at.requestID = ""
		e.silence.CancelProcessing()
		e.failTurn(m.out.Category, m.out.Err)
		return
	}

	at.requestID = ""
	e.silence.CancelProcessing()
	switch m.out.Kind {
	case provider.KindSTT:
		text, _ := m.out.Result.(string)
		e.onTranscript(at, text, e.stt.Name())
	case provider.KindLLM:
		text, _ := m.out.Result.(string)
		e.onResponse(at, text)
	case provider.KindTTS:
		audio, _ := m.out.Result.([]byte)
		e.startPlayback(at, audio)
	}
}

func (e *Engine) consume(at *active) {
	if at.consumed {
		return
	}
	at.consumed = true
	e.detector.Consumed()
}

func (e *Engine) onTranscript(at *active, text, providerName string) {
	e.consume(at)
	text = strings.TrimSpace(text)
	if text == "" {
		e.finishTurn(CauseError, map[string]any{"reason": "empty_transcript"})
		return
	}
	_ = at.setTranscript(text)
	if err := at.transition(PhaseAwaitingResponse); err != nil {
		e.logger.Error("turn transition", "error", err)
		return
	}
	e.publish()
	_ = at.scope.Emit(events.STTFinal, map[string]any{"transcript": text, "provider": providerName})

	e.history.Append(llm.RoleUser, text)
	req := llm.Request{System: e.cfg.SystemPrompt, Messages: e.history.Messages()}
	payload, err := req.Encode()
	if err != nil {
		e.failTurn(core.CategoryUnknown, core.Classify(e.llm.Name(), err))
		return
	}
	_ = at.scope.Emit(events.LLMRequest, map[string]any{
		"provider":      e.llm.Name(),
		"model":         e.llm.Model(),
		"messages":      len(req.Messages),
		"payload_bytes": len(payload),
	})
	model := e.llm
	e.issue(at, provider.Request{
		Kind:     provider.KindLLM,
		Provider: model.Name(),
		Model:    model.Model(),
		Payload:  payload,
		Do: func(ctx context.Context, body []byte) (any, error) {
			r, err := llm.DecodeRequest(body)
			if err != nil {
				return nil, core.NewInvalidResponseError(model.Name(), err.Error())
			}
			text, err := model.Complete(ctx, r)
			if err != nil {
				return nil, err
			}
			return text, nil
		},
	})
}

func (e *Engine) onResponse(at *active, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		e.failTurn(core.CategoryInvalidResponse, core.NewInvalidResponseError(e.llm.Name(), "empty response"))
		return
	}
	_ = at.setResponse(text)
	_ = at.scope.Emit(events.LLMResponse, map[string]any{
		"text":       text,
		"latency_ms": e.clock.Since(at.issuedAt).Milliseconds(),
	})
	voice := e.tts
	_ = at.scope.Emit(events.TTSRequest, map[string]any{"provider": voice.Name(), "chars": len(text)})
	e.issue(at, provider.Request{
		Kind:     provider.KindTTS,
		Provider: voice.Name(),
		Payload:  []byte(text),
		Do: func(ctx context.Context, body []byte) (any, error) {
			audio, err := voice.Synthesize(ctx, string(body))
			if err != nil {
				return nil, err
			}
			return audio, nil
		},
	})
}

func (e *Engine) startPlayback(at *active, audio []byte) {
	if e.sink == nil {
		e.failTurn(core.CategoryTransportUnavailable, core.NewTransportError("no playback sink attached", nil))
		return
	}
	if len(audio) == 0 {
		e.failTurn(core.CategoryInvalidResponse, core.NewInvalidResponseError(e.tts.Name(), "empty audio"))
		return
	}
	e.stopPhrase()
	id := uuid.NewString()
	if err := e.sink.Play(Playback{ID: id, Audio: audio}, e.playbackDone(id)); err != nil {
		e.failTurn(core.CategoryTransportUnavailable, core.NewTransportError("playback start failed", err))
		return
	}
	at.playbackID = id
	at.playbackStarted = true
	if err := at.transition(PhaseSpeaking); err != nil {
		e.logger.Error("turn transition", "error", err)
	}
	// The reply joins the context only once the caller can hear it.
	e.history.Append(llm.RoleAssistant, at.Response)
	e.silence.ArmPlayback(at.scope, e.playbackLength(len(audio)))
	e.publish()
	_ = at.scope.Emit(events.PlaybackStart, map[string]any{"playback_id": id, "bytes": len(audio)})
}

func (e *Engine) playbackLength(n int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(e.cfg.PlaybackBytesPerSecond)
}

func (e *Engine) playbackDone(id string) func(error) {
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			e.post(e.inbox, playbackDoneMsg{id: id, err: err})
		})
	}
}

func (e *Engine) onPlaybackDone(m playbackDoneMsg) {
	if at := e.turn; at != nil && at.playbackID == m.id && at.Phase == PhaseSpeaking {
		if m.err != nil {
			e.failTurn(core.CategoryTransportUnavailable, core.NewTransportError("playback failed", m.err))
			return
		}
		e.finishTurn(CauseCompleted, nil)
		return
	}
	if ph := e.phrase; ph != nil && ph.id == m.id {
		e.phraseFinished(m.err)
	}
}

// failTurn finalizes the active turn with cause error. Categories that end
// the call close it after the failure phrase; content errors apologise and
// keep the call open.
func (e *Engine) failTurn(category core.Category, cause *core.Error) {
	if e.turn == nil {
		return
	}
	if category == "" {
		category = core.CategoryUnknown
	}
	extra := map[string]any{"category": string(category)}
	if cause != nil {
		extra["error_type"] = string(cause.Type)
		e.logger.Warn("turn failed", "turn_id", e.turn.ID, "category", string(category), "error", cause)
	}
	ends := category.EndsCall()
	if ends {
		e.closing = endReasonFor(category)
	}
	e.finishTurn(CauseError, extra)
	switch {
	case ends:
		e.beginClose(e.closing, PhraseFailure, category)
	case category == core.CategoryTransportUnavailable:
	default:
		e.playPhrase(PhraseFailure, category, nil)
	}
}

func endReasonFor(c core.Category) string {
	if c == core.CategoryProviderExhausted {
		return ReasonProviderExhausted
	}
	return ReasonProviderError
}

// finishTurn finalizes the active turn and emits its terminal event. It then
// starts the next queued turn, or arms the user-silence timer.
func (e *Engine) finishTurn(cause Cause, extra map[string]any) {
	at := e.turn
	if at == nil {
		return
	}
	e.silence.CancelProcessing()
	e.silence.CancelTurn()
	at.cancel()
	e.consume(at)

	now := e.clock.Now()
	if err := at.finalize(cause, now); err != nil {
		e.logger.Error("turn finalize", "turn_id", at.ID, "error", err)
		at.Cause = cause
		at.Phase = PhaseIdle
		at.EndedAt = now
	}
	payload := map[string]any{
		"cause":            string(cause),
		"playback_started": at.playbackStarted,
		"duration_ms":      now.Sub(at.StartedAt).Milliseconds(),
	}
	if at.playbackID != "" {
		payload["playback_id"] = at.playbackID
	}
	for k, v := range extra {
		payload[k] = v
	}
	_ = at.scope.EmitFinal(events.PlaybackStop, payload)
	e.logger.Info("turn finished", "turn_id", at.ID, "cause", string(cause))

	e.turn = nil
	e.lastCause = cause
	e.publish()

	if e.closing != "" || e.state != StateConnected {
		e.queued = nil
		return
	}
	if len(e.queued) > 0 {
		next := e.queued[0]
		e.queued = e.queued[1:]
		e.startTurn(next)
		return
	}
	if cause != CauseBargeIn && !e.detector.Speaking() {
		e.silence.ArmUser()
	}
}

func (e *Engine) onProcessingAck() {
	at := e.turn
	if at == nil || e.closing != "" || at.Phase == PhaseSpeaking {
		return
	}
	e.playPhrase(PhraseProcessingAck, "", at.scope)
}

func (e *Engine) onReprompt() {
	if e.turn != nil || e.closing != "" {
		return
	}
	e.playPhrase(PhraseReprompt, "", nil)
}

func (e *Engine) onUserSilenceClose() {
	if e.turn != nil || e.closing != "" {
		return
	}
	e.beginClose(ReasonUserSilence, PhraseClose, "")
}

func (e *Engine) onTurnTimeout() {
	at := e.turn
	if at == nil || e.closing != "" {
		return
	}
	if at.Phase == PhaseSpeaking {
		// Playback that never reports completion is a transport fault; the
		// turn fails and the caller keeps the line.
		if e.sink != nil {
			_ = e.sink.Stop()
		}
		e.failTurn(core.CategoryTransportUnavailable, core.NewTransportError("playback did not complete", nil))
		return
	}
	e.closing = ReasonProcessingTimeout
	e.finishTurn(CauseSilenceTimeout, map[string]any{"reason": "turn_timeout"})
	e.beginClose(ReasonProcessingTimeout, PhraseFailure, core.CategoryUnknown)
}

// beginClose plays a closing phrase and ends the call when it finishes, or
// after CloseGrace at the latest.
func (e *Engine) beginClose(reason string, kind PhraseKind, category core.Category) {
	e.closing = reason
	e.queued = nil
	e.silence.CancelUser()
	e.silence.CancelProcessing()
	e.timers.Arm(keyCloseGrace, e.cfg.CloseGrace, func() { e.end(reason) })
	if !e.playPhrase(kind, category, nil) {
		e.end(reason)
	}
}

// playPhrase starts a fixed phrase, replacing any phrase already playing. It
// reports false when no phrase can be played at all.
func (e *Engine) playPhrase(kind PhraseKind, category core.Category, scope *events.Scope) bool {
	text := e.cfg.Phrases.Text(kind, category)
	if text == "" || e.sink == nil {
		return false
	}
	e.stopPhrase()
	ph := &phrasePlayback{
		id:       uuid.NewString(),
		kind:     kind,
		category: category,
		scope:    scope,
		closing:  e.closing != "",
	}
	if scope != nil {
		ph.turnID = scope.TurnID()
	}
	e.phrase = ph
	if audio, ok := e.phraseCache[text]; ok {
		e.playPhraseAudio(ph, audio)
		return true
	}
	voice := e.tts
	timeout := e.cfg.PhraseTimeout
	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, timeout)
		defer cancel()
		audio, err := voice.Synthesize(ctx, text)
		e.post(e.inbox, phraseAudioMsg{id: ph.id, text: text, audio: audio, err: err})
	}()
	return true
}

func (e *Engine) onPhraseAudio(m phraseAudioMsg) {
	if m.err == nil && len(m.audio) > 0 {
		e.phraseCache[m.text] = m.audio
	}
	ph := e.phrase
	if ph == nil || ph.id != m.id {
		return
	}
	if m.err != nil || len(m.audio) == 0 {
		e.logger.Warn("phrase synthesis failed", "kind", string(ph.kind), "error", m.err)
		e.phraseFinished(m.err)
		return
	}
	e.playPhraseAudio(ph, m.audio)
}

func (e *Engine) playPhraseAudio(ph *phrasePlayback, audio []byte) {
	if ph.kind == PhraseProcessingAck {
		// An acknowledgement is only useful while its turn is still working.
		if at := e.turn; at == nil || at.ID != ph.turnID || at.Phase == PhaseSpeaking {
			e.phrase = nil
			return
		}
	}
	if err := e.sink.Play(Playback{ID: ph.id, Audio: audio, Phrase: ph.kind}, e.playbackDone(ph.id)); err != nil {
		e.logger.Warn("phrase playback failed", "kind", string(ph.kind), "error", err)
		e.phraseFinished(err)
		return
	}
	ph.playing = true
	payload := map[string]any{"kind": string(ph.kind), "playback_id": ph.id}
	if ph.category != "" {
		payload["category"] = string(ph.category)
	}
	if ph.scope != nil && !ph.scope.Sealed() {
		_ = ph.scope.EmitAs(events.ComponentSilence, events.PhrasePlayed, payload)
		return
	}
	_ = e.emit.Emit(events.PhrasePlayed, payload)
}

func (e *Engine) phraseFinished(err error) {
	ph := e.phrase
	e.phrase = nil
	if ph == nil {
		return
	}
	if ph.closing || e.closing != "" {
		e.end(e.closing)
		return
	}
	if ph.kind == PhraseGreeting && e.turn == nil && !e.detector.Speaking() {
		e.silence.ArmUser()
	}
}

func (e *Engine) stopPhrase() {
	ph := e.phrase
	if ph == nil {
		return
	}
	e.phrase = nil
	if ph.playing && e.sink != nil {
		_ = e.sink.Stop()
	}
}

// end terminates the call. Any active turn is failed first so its terminal
// event precedes call.ended.
func (e *Engine) end(reason string) {
	if e.state == StateEnded {
		return
	}
	if reason == "" {
		reason = ReasonHangup
	}
	if at := e.turn; at != nil {
		if at.Phase == PhaseSpeaking && e.sink != nil {
			_ = e.sink.Stop()
		}
		e.closing = reason
		e.finishTurn(CauseError, map[string]any{"reason": reason})
	}
	if ph := e.phrase; ph != nil && ph.playing && e.sink != nil {
		_ = e.sink.Stop()
	}
	e.phrase = nil
	e.queued = nil
	e.silence.Stop()
	e.timers.CancelAll()
	e.cancel()

	e.endReason = reason
	_ = e.emit.Emit(events.CallEnded, map[string]any{"reason": reason, "turns": e.turns})
	e.setState(StateEnded)
	e.logger.Info("call ended", "reason", reason, "turns", e.turns)
	if e.hangup != nil {
		e.hangup(reason)
	}
}

func (e *Engine) publish() {
	s := &Snapshot{
		SessionID: e.sessionID,
		Direction: e.direction,
		State:     e.state,
		Phase:     PhaseIdle,
		Turns:     e.turns,
		LastCause: e.lastCause,
		EndReason: e.endReason,
		Seed:      e.cfg.Seed,
	}
	if at := e.turn; at != nil {
		s.Phase = at.Phase
		s.TurnID = at.ID
	}
	e.snap.Store(s)
}
