package turn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vango-go/vai-call/pkg/core"
	"github.com/vango-go/vai-call/pkg/core/endpoint"
	"github.com/vango-go/vai-call/pkg/core/events"
	"github.com/vango-go/vai-call/pkg/core/llm"
	"github.com/vango-go/vai-call/pkg/core/provider"
	"github.com/vango-go/vai-call/pkg/core/silence"
)

type fakeSTT struct {
	calls atomic.Int32
	fn    func(ctx context.Context, audio []byte) (string, error)
}

func (f *fakeSTT) Name() string  { return "fake-stt" }
func (f *fakeSTT) Model() string { return "stt-1" }
func (f *fakeSTT) Transcribe(ctx context.Context, audio []byte) (string, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, audio)
	}
	return "hoe laat is het", nil
}

type fakeLLM struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req llm.Request) (string, error)
}

func (f *fakeLLM) Name() string  { return "fake-llm" }
func (f *fakeLLM) Model() string { return "llm-1" }
func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return "Het is negen uur.", nil
}

type fakeTTS struct {
	fn func(ctx context.Context, text string) ([]byte, error)
}

func (f *fakeTTS) Name() string { return "fake-tts" }
func (f *fakeTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if f.fn != nil {
		return f.fn(ctx, text)
	}
	return []byte("pcm:" + text), nil
}

type fakeSink struct {
	mu    sync.Mutex
	plays []Playback
	dones map[string]func(error)
	stops int
}

func newFakeSink() *fakeSink {
	return &fakeSink{dones: make(map[string]func(error))}
}

func (s *fakeSink) Play(p Playback, done func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plays = append(s.plays, p)
	s.dones[p.ID] = done
	return nil
}

func (s *fakeSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *fakeSink) finish(t *testing.T, id string) {
	t.Helper()
	s.mu.Lock()
	done, ok := s.dones[id]
	delete(s.dones, id)
	s.mu.Unlock()
	if !ok {
		t.Fatalf("no playback %q", id)
	}
	done(nil)
}

func (s *fakeSink) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

type harness struct {
	t      *testing.T
	clk    *clockwork.FakeClock
	rec    *events.Recorder
	sink   *fakeSink
	stt    *fakeSTT
	llm    *fakeLLM
	tts    *fakeTTS
	engine *Engine
	hungUp chan string
}

func newHarness(t *testing.T, mutate func(*Dependencies)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clk:    clockwork.NewFakeClockAt(time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)),
		rec:    events.NewRecorder(),
		sink:   newFakeSink(),
		stt:    &fakeSTT{},
		llm:    &fakeLLM{},
		tts:    &fakeTTS{},
		hungUp: make(chan string, 1),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	deps := Dependencies{
		SessionID: "call_test",
		Clock:     h.clk,
		Logger:    logger,
		Events:    events.NewEmitter(h.clk, logger, h.rec),
		STT:       h.stt,
		LLM:       h.llm,
		TTS:       h.tts,
		Hangup:    func(reason string) { h.hungUp <- reason },
		Config: Config{
			Seed: 42,
			Retry: map[provider.Kind]provider.Policy{
				provider.KindSTT: {MaxAttempts: 3, Base: 100 * time.Millisecond, Multiplier: 2, MaxBackoff: time.Second},
				provider.KindLLM: {MaxAttempts: 3, Base: 100 * time.Millisecond, Multiplier: 2, MaxBackoff: time.Second},
				provider.KindTTS: {MaxAttempts: 3, Base: 100 * time.Millisecond, Multiplier: 2, MaxBackoff: time.Second},
			},
		},
	}
	if mutate != nil {
		mutate(&deps)
	}
	e, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.engine = e
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-e.Done()
	})
	return h
}

func (h *harness) wait(typ events.Type, n int) events.Event {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, ok := h.rec.WaitType(ctx, typ, n)
	if !ok {
		h.t.Fatalf("timed out waiting for %s #%d; got %v", typ, n, h.types(""))
	}
	return ev
}

func (h *harness) waitFor(desc string, match func(events.Event) bool) events.Event {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, ok := h.rec.WaitFor(ctx, match)
	if !ok {
		h.t.Fatalf("timed out waiting for %s; got %v", desc, h.types(""))
	}
	return ev
}

// types lists recorded event types, restricted to turnID when set.
func (h *harness) types(turnID string) []events.Type {
	var out []events.Type
	for _, e := range h.rec.Events() {
		if turnID == "" || e.TurnID == turnID {
			out = append(out, e.Type)
		}
	}
	return out
}

// connect attaches the sink and lets the greeting finish.
func (h *harness) connect() {
	h.t.Helper()
	if err := h.engine.Connect(h.sink); err != nil {
		h.t.Fatalf("Connect: %v", err)
	}
	greeting := h.wait(events.PhrasePlayed, 1)
	if greeting.Str("kind") != string(PhraseGreeting) || greeting.TurnID != "" {
		h.t.Fatalf("first phrase=%+v, want session-level greeting", greeting)
	}
	h.sink.finish(h.t, greeting.Str("playback_id"))
	h.waitFor("user timer armed", func(e events.Event) bool {
		return e.Type == events.SilenceTimerArmed && e.Str("kind") == silence.KindUser
	})
}

// processingArmed waits for the processing timer armed after seq.
func (h *harness) processingArmed(after uint64) {
	h.t.Helper()
	h.waitFor("processing timer armed", func(e events.Event) bool {
		return e.Type == events.SilenceTimerArmed && e.Str("kind") == silence.KindProcessing && e.Seq > after
	})
}

// utterance sends speech start, audio and speech end.
func (h *harness) utterance() {
	now := h.clk.Now()
	h.engine.Activity(endpoint.Activity{Kind: endpoint.SpeechStart, At: now})
	h.engine.Audio([]byte{1, 2, 3, 4})
	h.engine.Activity(endpoint.Activity{Kind: endpoint.SpeechEnd, At: now})
}

// advanceUntil steps the fake clock until an event of typ is recorded.
func (h *harness) advanceUntil(typ events.Type, step time.Duration) events.Event {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if evs := h.rec.OfType(typ); len(evs) > 0 {
			return evs[0]
		}
		h.clk.Advance(step)
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("timed out advancing clock until %s; got %v", typ, h.types(""))
	return events.Event{}
}

func (h *harness) assertNoViolations() {
	h.t.Helper()
	if v := events.CheckTurns(h.rec.Events()); len(v) != 0 {
		h.t.Fatalf("turn invariant violations: %v", v)
	}
}

func assertSeq(t *testing.T, got []events.Type, want ...events.Type) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events=%v, want %v", got, want)
		}
	}
}

func TestEngine_HappyPathVADOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.utterance()

	started := h.wait(events.PlaybackStart, 1)
	h.sink.finish(t, started.Str("playback_id"))
	stopped := h.wait(events.PlaybackStop, 1)

	if stopped.Str("cause") != string(CauseCompleted) {
		t.Fatalf("cause=%q, want completed", stopped.Str("cause"))
	}
	if stopped.TurnID != started.TurnID {
		t.Fatalf("playback.stopped turn=%s, want %s", stopped.TurnID, started.TurnID)
	}

	var turnEvents []events.Type
	for _, typ := range h.types(started.TurnID) {
		switch typ {
		case events.SilenceTimerArmed, events.SilenceTimerCancelled:
			continue
		}
		turnEvents = append(turnEvents, typ)
	}
	assertSeq(t, turnEvents,
		events.TurnStarted, events.STTFinal, events.LLMRequest, events.LLMResponse,
		events.TTSRequest, events.PlaybackStart, events.PlaybackStop)

	ts := h.wait(events.TurnStarted, 1)
	if ts.Str("mode") != "vad_only" {
		t.Fatalf("turn mode=%q, want vad_only", ts.Str("mode"))
	}
	if ev := h.wait(events.STTFinal, 1); ev.Str("transcript") != "hoe laat is het" || !ev.PII.ContainsPII {
		t.Fatalf("stt.final=%+v", ev)
	}

	// Completed turns hand over to the user-silence timer.
	h.waitFor("user timer re-armed", func(e events.Event) bool {
		return e.Type == events.SilenceTimerArmed && e.Str("kind") == silence.KindUser && e.Seq > stopped.Seq
	})
	if snap := h.engine.Snapshot(); snap.Phase != PhaseIdle || snap.Turns != 1 || snap.LastCause != CauseCompleted {
		t.Fatalf("snapshot=%+v", snap)
	}
	h.assertNoViolations()
}

func TestEngine_BargeInStopsPlaybackFirst(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.utterance()
	started := h.wait(events.PlaybackStart, 1)
	stopsBefore := h.sink.stopCount()

	h.clk.Advance(50 * time.Millisecond)
	h.engine.Activity(endpoint.Activity{Kind: endpoint.SpeechStart, At: h.clk.Now()})
	stopped := h.wait(events.PlaybackStop, 1)

	if stopped.Str("cause") != string(CauseBargeIn) {
		t.Fatalf("cause=%q, want barge_in", stopped.Str("cause"))
	}
	if h.sink.stopCount() != stopsBefore+1 {
		t.Fatalf("sink stops=%d, want %d", h.sink.stopCount(), stopsBefore+1)
	}
	barge := h.wait(events.BargeInDetected, 1)
	if barge.TurnID != started.TurnID || barge.Seq > stopped.Seq {
		t.Fatalf("barge_in.detected=%+v must precede playback.stopped in the same turn", barge)
	}
	if _, ok := barge.Payload["latency_ms"]; !ok {
		t.Fatalf("barge-in latency not reported")
	}

	// The interrupting speech becomes the next turn.
	h.engine.Activity(endpoint.Activity{Kind: endpoint.SpeechEnd, At: h.clk.Now()})
	next := h.wait(events.TurnStarted, 2)
	if next.TurnID == started.TurnID {
		t.Fatalf("new turn reused correlation id")
	}
	req := h.wait(events.LLMRequest, 2)
	if req.Seq < stopped.Seq {
		t.Fatalf("llm.request for the new turn preceded barge-in stop")
	}
	h.assertNoViolations()
}

func TestEngine_RateLimitExhaustionEndsCall(t *testing.T) {
	h := newHarness(t, nil)
	h.stt.fn = func(ctx context.Context, audio []byte) (string, error) {
		return "", core.NewRateLimitError("fake-stt", "too many requests", 0)
	}
	h.connect()
	h.utterance()

	failed := h.advanceUntil(events.ProviderRequestFailed, 100*time.Millisecond)
	if failed.Str("category") != string(core.CategoryProviderExhausted) {
		t.Fatalf("category=%q, want provider_exhausted", failed.Str("category"))
	}
	if n := h.rec.Count(events.ProviderRetryScheduled); n != 2 {
		t.Fatalf("retry_scheduled=%d, want 2", n)
	}
	if n := h.stt.calls.Load(); n != 3 {
		t.Fatalf("stt attempts=%d, want 3", n)
	}

	stopped := h.wait(events.PlaybackStop, 1)
	if stopped.Str("cause") != string(CauseError) || stopped.Payload["playback_started"] != false {
		t.Fatalf("playback.stopped=%+v, want error without playback", stopped.Payload)
	}
	phrase := h.waitFor("failure phrase", func(e events.Event) bool {
		return e.Type == events.PhrasePlayed && e.Str("kind") == string(PhraseFailure)
	})
	if phrase.TurnID != "" || phrase.Seq < stopped.Seq {
		t.Fatalf("failure phrase=%+v must follow the finalized turn without a turn id", phrase)
	}
	if h.rec.Count(events.LLMRequest) != 0 {
		t.Fatalf("llm must not be called after stt exhaustion")
	}

	h.sink.finish(t, phrase.Str("playback_id"))
	ended := h.wait(events.CallEnded, 1)
	if ended.Str("reason") != ReasonProviderExhausted {
		t.Fatalf("call.ended reason=%q", ended.Str("reason"))
	}
	select {
	case reason := <-h.hungUp:
		if reason != ReasonProviderExhausted {
			t.Fatalf("hangup reason=%q", reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("hangup not requested")
	}
	<-h.engine.Done()
	h.assertNoViolations()
}

func TestEngine_UserSilenceRepromptThenClose(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	h.clk.Advance(7 * time.Second)
	reprompt := h.waitFor("reprompt", func(e events.Event) bool {
		return e.Type == events.PhrasePlayed && e.Str("kind") == string(PhraseReprompt)
	})
	h.sink.finish(t, reprompt.Str("playback_id"))
	h.waitFor("close stage armed", func(e events.Event) bool {
		return e.Type == events.SilenceTimerArmed && e.Str("stage") == silence.StageClose
	})
	if h.rec.Count(events.CallEnded) != 0 {
		t.Fatalf("reprompt must not end the call")
	}

	h.clk.Advance(8 * time.Second)
	closing := h.waitFor("close phrase", func(e events.Event) bool {
		return e.Type == events.PhrasePlayed && e.Str("kind") == string(PhraseClose)
	})
	h.sink.finish(t, closing.Str("playback_id"))
	ended := h.wait(events.CallEnded, 1)
	if ended.Str("reason") != ReasonUserSilence {
		t.Fatalf("reason=%q, want user_silence_timeout", ended.Str("reason"))
	}
	if ended.Seq < closing.Seq {
		t.Fatalf("call.ended before close phrase")
	}
}

func TestEngine_SpeechCancelsUserSilence(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.engine.Activity(endpoint.Activity{Kind: endpoint.SpeechStart, At: h.clk.Now()})
	h.waitFor("user timer cancelled", func(e events.Event) bool {
		return e.Type == events.SilenceTimerCancelled && e.Str("kind") == silence.KindUser
	})
	h.clk.Advance(20 * time.Second)
	time.Sleep(20 * time.Millisecond)
	for _, e := range h.rec.OfType(events.PhrasePlayed) {
		if e.Str("kind") == string(PhraseReprompt) {
			t.Fatalf("reprompt played while the caller was talking")
		}
	}
}

func TestEngine_DecisionsQueueBehindActiveTurn(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, nil)
	var llmCalls atomic.Int32
	h.llm.fn = func(ctx context.Context, req llm.Request) (string, error) {
		if llmCalls.Add(1) == 1 {
			<-release
		}
		return "Prima.", nil
	}
	h.connect()
	h.utterance()
	first := h.wait(events.LLMRequest, 1)

	h.utterance()
	h.wait(events.EndpointDecision, 2)
	time.Sleep(20 * time.Millisecond)
	if n := h.rec.Count(events.TurnStarted); n != 1 {
		t.Fatalf("turn.started=%d while first turn active, want 1", n)
	}
	if snap := h.engine.Snapshot(); snap.TurnID != first.TurnID {
		t.Fatalf("active turn=%s, want %s", snap.TurnID, first.TurnID)
	}

	close(release)
	started := h.wait(events.PlaybackStart, 1)
	h.sink.finish(t, started.Str("playback_id"))
	second := h.wait(events.TurnStarted, 2)
	firstStop := h.wait(events.PlaybackStop, 1)
	if second.Seq < firstStop.Seq {
		t.Fatalf("queued turn started before the first finalized")
	}
	h.assertNoViolations()
}

func TestEngine_HangupCancelsInFlightWork(t *testing.T) {
	h := newHarness(t, nil)
	canceled := make(chan struct{})
	h.llm.fn = func(ctx context.Context, req llm.Request) (string, error) {
		<-ctx.Done()
		close(canceled)
		return "", ctx.Err()
	}
	h.connect()
	h.utterance()
	h.wait(events.LLMRequest, 1)

	if err := h.engine.Hangup(ReasonHangup); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatalf("in-flight llm request not cancelled")
	}
	stopped := h.wait(events.PlaybackStop, 1)
	if stopped.Str("cause") != string(CauseError) || stopped.Str("reason") != ReasonHangup {
		t.Fatalf("playback.stopped=%+v, want error/hangup", stopped.Payload)
	}
	ended := h.wait(events.CallEnded, 1)
	if ended.Str("reason") != ReasonHangup || ended.Seq < stopped.Seq {
		t.Fatalf("call.ended=%+v", ended)
	}
	<-h.engine.Done()
	if err := h.engine.Hangup(ReasonHangup); !errors.Is(err, ErrEnded) {
		t.Fatalf("second Hangup=%v, want ErrEnded", err)
	}
	if snap := h.engine.Snapshot(); snap.State != StateEnded || snap.EndReason != ReasonHangup {
		t.Fatalf("snapshot=%+v", snap)
	}
	if h.rec.Count(events.LLMResponse) != 0 {
		t.Fatalf("no llm.response may follow hangup")
	}
	h.assertNoViolations()
}

func TestEngine_ContentErrorApologisesAndContinues(t *testing.T) {
	h := newHarness(t, nil)
	h.llm.fn = func(ctx context.Context, req llm.Request) (string, error) {
		return "", core.NewInvalidResponseError("fake-llm", "no candidates")
	}
	h.connect()
	h.utterance()

	stopped := h.wait(events.PlaybackStop, 1)
	if stopped.Str("category") != string(core.CategoryInvalidResponse) {
		t.Fatalf("category=%q, want invalid_response", stopped.Str("category"))
	}
	if h.llm.calls.Load() != 1 {
		t.Fatalf("content errors must not be retried, calls=%d", h.llm.calls.Load())
	}
	h.waitFor("apology", func(e events.Event) bool {
		return e.Type == events.PhrasePlayed && e.Str("kind") == string(PhraseFailure)
	})
	if snap := h.engine.Snapshot(); snap.State != StateConnected {
		t.Fatalf("call state=%s, want connected", snap.State)
	}
}

func TestEngine_ProcessingAckDuringSlowResponse(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, nil)
	h.llm.fn = func(ctx context.Context, req llm.Request) (string, error) {
		<-release
		return "Even kijken.", nil
	}
	h.connect()
	h.utterance()
	req := h.wait(events.LLMRequest, 1)
	h.processingArmed(req.Seq)

	h.clk.Advance(1500 * time.Millisecond)
	ack := h.wait(events.DelayAcknowledged, 1)
	if ack.TurnID != req.TurnID {
		t.Fatalf("delay ack turn=%s, want %s", ack.TurnID, req.TurnID)
	}
	phrase := h.waitFor("ack phrase", func(e events.Event) bool {
		return e.Type == events.PhrasePlayed && e.Str("kind") == string(PhraseProcessingAck)
	})
	if phrase.TurnID != req.TurnID {
		t.Fatalf("ack phrase turn=%q, want %s", phrase.TurnID, req.TurnID)
	}
	if snap := h.engine.Snapshot(); snap.Phase != PhaseAwaitingResponse {
		t.Fatalf("phase=%s, ack must not advance the turn", snap.Phase)
	}

	stops := h.sink.stopCount()
	close(release)
	h.wait(events.PlaybackStart, 1)
	if h.sink.stopCount() != stops+1 {
		t.Fatalf("ack phrase not stopped before the response played")
	}
	if n := h.rec.Count(events.DelayAcknowledged); n != 1 {
		t.Fatalf("delay acknowledgements=%d, want 1", n)
	}
	h.assertNoViolations()
}

func TestEngine_TurnCeilingEndsCall(t *testing.T) {
	h := newHarness(t, nil)
	h.llm.fn = func(ctx context.Context, req llm.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	h.connect()
	h.utterance()
	req := h.wait(events.LLMRequest, 1)
	h.processingArmed(req.Seq)

	h.clk.Advance(2 * time.Second)
	h.wait(events.DelayAcknowledged, 1)
	h.clk.Advance(28 * time.Second)

	stopped := h.wait(events.PlaybackStop, 1)
	if stopped.Str("cause") != string(CauseSilenceTimeout) {
		t.Fatalf("cause=%q, want silence_timeout", stopped.Str("cause"))
	}
	phrase := h.waitFor("closing phrase", func(e events.Event) bool {
		return e.Type == events.PhrasePlayed && e.Str("kind") == string(PhraseFailure)
	})
	h.sink.finish(t, phrase.Str("playback_id"))
	ended := h.wait(events.CallEnded, 1)
	if ended.Str("reason") != ReasonProcessingTimeout {
		t.Fatalf("reason=%q, want processing_timeout", ended.Str("reason"))
	}
	h.assertNoViolations()
}

func TestEngine_LongPlaybackOutlivesTurnCeiling(t *testing.T) {
	h := newHarness(t, nil)
	h.tts.fn = func(ctx context.Context, text string) ([]byte, error) {
		if text == "Het is negen uur." {
			// 60s of 16kHz 16-bit audio.
			return make([]byte, 60*32000), nil
		}
		return []byte("pcm:" + text), nil
	}
	h.connect()
	h.utterance()
	started := h.wait(events.PlaybackStart, 1)

	h.clk.Advance(35 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if n := h.rec.Count(events.PlaybackStop); n != 0 {
		t.Fatalf("playback.stopped=%d during a 60s response, want 0; got %v", n, h.types(started.TurnID))
	}

	h.sink.finish(t, started.Str("playback_id"))
	stopped := h.wait(events.PlaybackStop, 1)
	if stopped.Str("cause") != string(CauseCompleted) {
		t.Fatalf("cause=%q, want completed", stopped.Str("cause"))
	}
	if h.rec.Count(events.CallEnded) != 0 {
		t.Fatalf("call ended after a long response")
	}
	h.assertNoViolations()
}

func TestEngine_StalledPlaybackFailsTurnOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.utterance()
	started := h.wait(events.PlaybackStart, 1)
	stops := h.sink.stopCount()

	h.clk.Advance(31 * time.Second)
	stopped := h.wait(events.PlaybackStop, 1)
	if stopped.TurnID != started.TurnID || stopped.Str("cause") != string(CauseError) {
		t.Fatalf("playback.stopped=%+v, want cause error for %s", stopped.Payload, started.TurnID)
	}
	if stopped.Str("category") != string(core.CategoryTransportUnavailable) {
		t.Fatalf("category=%q, want transport_unavailable", stopped.Str("category"))
	}
	if h.sink.stopCount() != stops+1 {
		t.Fatalf("sink stops=%d, want %d", h.sink.stopCount(), stops+1)
	}
	fired := h.waitFor("playback ceiling fired", func(e events.Event) bool {
		return e.Type == events.SilenceTimerFired && e.Str("kind") == silence.KindTurn
	})
	if fired.Str("stage") != silence.StagePlayback {
		t.Fatalf("stage=%q, want playback", fired.Str("stage"))
	}
	if snap := h.engine.Snapshot(); snap.State != StateConnected {
		t.Fatalf("call state=%s, want connected", snap.State)
	}
	h.assertNoViolations()
}

func TestEngine_UnspokenReplyStaysOutOfHistory(t *testing.T) {
	h := newHarness(t, nil)
	reqs := make(chan llm.Request, 2)
	h.llm.fn = func(ctx context.Context, req llm.Request) (string, error) {
		reqs <- req
		return "Het is negen uur.", nil
	}
	h.tts.fn = func(ctx context.Context, text string) ([]byte, error) {
		if text == "Het is negen uur." {
			return nil, core.NewInvalidResponseError("fake-tts", "no audio")
		}
		return []byte("pcm:" + text), nil
	}
	h.connect()
	h.utterance()
	first := h.wait(events.PlaybackStop, 1)
	if first.Str("cause") != string(CauseError) {
		t.Fatalf("cause=%q, want error", first.Str("cause"))
	}
	<-reqs

	h.utterance()
	var second llm.Request
	select {
	case second = <-reqs:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for second llm request; got %v", h.types(""))
	}
	for _, m := range second.Messages {
		if m.Role == llm.RoleAssistant {
			t.Fatalf("messages=%+v, want no assistant reply that was never played", second.Messages)
		}
	}
	if len(second.Messages) != 2 {
		t.Fatalf("messages=%d, want 2 user messages", len(second.Messages))
	}
}

func TestEngine_MaxSpeechStartsTurnWithoutSpeechEnd(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) {
		d.Config.MaxSpeech = 20 * time.Second
	})
	h.connect()
	h.engine.Activity(endpoint.Activity{Kind: endpoint.SpeechStart, At: h.clk.Now()})
	h.engine.Audio([]byte{1, 2, 3, 4})
	h.waitFor("speaking", func(e events.Event) bool {
		return e.Type == events.ActivityStateChanged && e.Str("state") == "speaking"
	})

	h.clk.Advance(20 * time.Second)
	ts := h.wait(events.TurnStarted, 1)
	if ts.Str("reason") != endpoint.ReasonMaxSpeech {
		t.Fatalf("reason=%q, want max_speech", ts.Str("reason"))
	}

	started := h.wait(events.PlaybackStart, 1)
	h.engine.Activity(endpoint.Activity{Kind: endpoint.SpeechEnd, At: h.clk.Now()})
	h.sink.finish(t, started.Str("playback_id"))
	h.wait(events.PlaybackStop, 1)
	time.Sleep(20 * time.Millisecond)
	if n := h.rec.Count(events.TurnStarted); n != 1 {
		t.Fatalf("turns=%d, want 1; the late speech end must not start another", n)
	}
	h.assertNoViolations()
}

func TestEngine_EOUModeWaitsForThreshold(t *testing.T) {
	h := newHarness(t, func(d *Dependencies) {
		d.Config.Endpoint = endpoint.VADEOU{Threshold: 0.6, MaxWait: 1500 * time.Millisecond}
	})
	h.connect()

	low := 0.3
	h.engine.Activity(endpoint.Activity{Kind: endpoint.SpeechStart, At: h.clk.Now()})
	h.engine.Activity(endpoint.Activity{Kind: endpoint.SpeechEnd, At: h.clk.Now(), Score: &low})
	h.wait(events.EndpointPrediction, 1)
	time.Sleep(20 * time.Millisecond)
	if h.rec.Count(events.TurnStarted) != 0 {
		t.Fatalf("turn started below threshold")
	}

	high := 0.9
	h.engine.Activity(endpoint.Activity{Kind: endpoint.EOUScore, Score: &high})
	ts := h.wait(events.TurnStarted, 1)
	if ts.Str("mode") != "vad_eou" || ts.Payload["confidence"] != 0.9 {
		t.Fatalf("turn.started=%+v", ts.Payload)
	}
}

func TestEngine_RejectsSecondConnect(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	if err := h.engine.Connect(newFakeSink()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect=%v, want ErrAlreadyConnected", err)
	}
}

func TestNew_ValidatesDependencies(t *testing.T) {
	em := events.NewEmitter(nil, nil)
	if _, err := New(Dependencies{Events: em, LLM: &fakeLLM{}, TTS: &fakeTTS{}}); err == nil {
		t.Fatalf("expected error without session id")
	}
	if _, err := New(Dependencies{SessionID: "s", Events: em, TTS: &fakeTTS{}}); err == nil {
		t.Fatalf("expected error without llm")
	}
	bad := silence.Thresholds{ProcessingAck: 10 * time.Second, Reprompt: 7 * time.Second, Close: 15 * time.Second, TurnTimeout: 30 * time.Second}
	if _, err := New(Dependencies{SessionID: "s", Events: em, LLM: &fakeLLM{}, TTS: &fakeTTS{}, Config: Config{Silence: bad}}); err == nil {
		t.Fatalf("expected silence ordering error")
	}
}
