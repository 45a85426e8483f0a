// Package provider supervises outbound STT, LLM and TTS requests.
//
// Each logical request runs in its own goroutine with a bounded, seeded
// retry schedule. Outcomes are reported back to the caller as values rather
// than returned, so the turn engine never blocks on a provider.
package provider

import (
	"bytes"
	"context"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/vango-go/vai-call/pkg/core"
	"github.com/vango-go/vai-call/pkg/core/events"
)

// Kind is the request kind.
type Kind string

const (
	KindSTT Kind = "stt"
	KindLLM Kind = "llm"
	KindTTS Kind = "tts"
)

// State is the outcome state.
type State int

const (
	StateSuccess State = iota
	StateRetrying
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSuccess:
		return "success"
	case StateRetrying:
		return "retrying"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Request is one logical provider request. Payload is snapshotted when the
// request is issued and every attempt receives an identical copy.
type Request struct {
	Kind     Kind
	Provider string
	Model    string
	Payload  []byte
	Do       func(ctx context.Context, payload []byte) (any, error)
}

// Outcome reports progress of a request.
type Outcome struct {
	RequestID string
	Kind      Kind
	State     State
	Attempt   int
	Backoff   time.Duration
	Result    any
	Category  core.Category
	Err       *core.Error
}

// Emitter is the turn-scoped event surface.
type Emitter interface {
	EmitAs(c events.Component, t events.Type, payload map[string]any) error
}

// Config configures a Supervisor.
type Config struct {
	Policies       map[Kind]Policy
	AttemptTimeout time.Duration
	// Seed is recorded with the call; jitter for the n-th request of the call
	// derives from (Seed, n).
	Seed uint64
}

// Supervisor issues requests for a single call.
type Supervisor struct {
	clock  clockwork.Clock
	logger *slog.Logger
	cfg    Config

	issued atomic.Uint64
}

// NewSupervisor creates a Supervisor. Missing per-kind policies fall back to
// DefaultPolicy.
func NewSupervisor(clock clockwork.Clock, logger *slog.Logger, cfg Config) *Supervisor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	policies := make(map[Kind]Policy, 3)
	for _, k := range []Kind{KindSTT, KindLLM, KindTTS} {
		p, ok := cfg.Policies[k]
		if !ok || p.Validate() != nil {
			p = DefaultPolicy()
		}
		policies[k] = p
	}
	cfg.Policies = policies
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	return &Supervisor{clock: clock, logger: logger, cfg: cfg}
}

// Seed returns the call seed.
func (s *Supervisor) Seed() uint64 { return s.cfg.Seed }

// Policy returns the effective policy for k.
func (s *Supervisor) Policy(k Kind) Policy { return s.cfg.Policies[k] }

// Invoke starts req and returns its request id immediately. report is called
// from the request goroutine for every retry decision and exactly once with a
// terminal outcome; it returns false when the receiver is gone, which stops
// the request. Cancelling ctx abandons the request without further events.
func (s *Supervisor) Invoke(ctx context.Context, emit Emitter, req Request, report func(Outcome) bool) string {
	id := uuid.NewString()
	stream := s.issued.Add(1)
	payload := bytes.Clone(req.Payload)
	go s.run(ctx, id, stream, emit, req, payload, report)
	return id
}

func (s *Supervisor) run(ctx context.Context, id string, stream uint64, emit Emitter, req Request, payload []byte, report func(Outcome) bool) {
	policy := s.cfg.Policies[req.Kind]
	backoff := policy.Backoff(s.cfg.Seed, stream)
	logger := s.logger.With("request_id", id, "kind", string(req.Kind), "provider", req.Provider)

	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
		res, err := req.Do(actx, bytes.Clone(payload))
		cancel()

		if ctx.Err() != nil {
			report(Outcome{RequestID: id, Kind: req.Kind, State: StateFailed, Attempt: attempt, Category: core.CategoryCanceled})
			return
		}
		if err == nil {
			report(Outcome{RequestID: id, Kind: req.Kind, State: StateSuccess, Attempt: attempt, Result: res})
			return
		}

		perr := classify(req.Provider, err)
		if !perr.IsRetryable() {
			category := core.CategoryFor(perr)
			logger.Warn("provider request failed", "attempt", attempt, "category", string(category), "error", perr)
			s.emitFailed(emit, req, category, attempt, perr)
			report(Outcome{RequestID: id, Kind: req.Kind, State: StateFailed, Attempt: attempt, Category: category, Err: perr})
			return
		}

		delay, stop := backoff.Next()
		if stop {
			logger.Warn("provider retries exhausted", "attempts", attempt, "error", perr)
			s.emitFailed(emit, req, core.CategoryProviderExhausted, attempt, perr)
			report(Outcome{RequestID: id, Kind: req.Kind, State: StateFailed, Attempt: attempt, Category: core.CategoryProviderExhausted, Err: perr})
			return
		}
		delay = withFloor(delay, perr.RetryAfterHintMS())

		payloadFields := map[string]any{
			"kind":       string(req.Kind),
			"provider":   req.Provider,
			"model":      req.Model,
			"attempt":    attempt,
			"backoff_ms": delay.Milliseconds(),
			"error_type": string(perr.Type),
		}
		if perr.Type == core.ErrRateLimit {
			rl := maps.Clone(payloadFields)
			if hint := perr.RetryAfterHintMS(); hint > 0 {
				rl["retry_after_ms"] = hint
			}
			_ = emit.EmitAs(events.ComponentSupervisor, events.ProviderRateLimited, rl)
		}
		_ = emit.EmitAs(events.ComponentSupervisor, events.ProviderRetryScheduled, payloadFields)
		logger.Info("provider retry scheduled", "attempt", attempt, "backoff_ms", delay.Milliseconds())

		if !report(Outcome{RequestID: id, Kind: req.Kind, State: StateRetrying, Attempt: attempt, Backoff: delay, Err: perr}) {
			return
		}

		select {
		case <-ctx.Done():
			report(Outcome{RequestID: id, Kind: req.Kind, State: StateFailed, Attempt: attempt, Category: core.CategoryCanceled})
			return
		case <-s.clock.After(delay):
		}
	}
}

func (s *Supervisor) emitFailed(emit Emitter, req Request, category core.Category, attempts int, perr *core.Error) {
	payload := map[string]any{
		"kind":     string(req.Kind),
		"provider": req.Provider,
		"model":    req.Model,
		"category": string(category),
		"attempts": attempts,
	}
	if perr != nil {
		payload["error_type"] = string(perr.Type)
	}
	_ = emit.EmitAs(events.ComponentSupervisor, events.ProviderRequestFailed, payload)
}

func classify(provider string, err error) *core.Error {
	perr := core.Classify(provider, err)
	if perr.Provider == "" {
		cp := *perr
		cp.Provider = provider
		return &cp
	}
	return perr
}
