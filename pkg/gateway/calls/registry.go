// Package calls owns the set of live call sessions: it creates a turn engine
// per call, routes control commands to it, and drains everything on shutdown.
package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/vango-go/vai-call/pkg/core/events"
	"github.com/vango-go/vai-call/pkg/core/turn"
)

var (
	ErrNotFound = errors.New("call not found")
	ErrDraining = errors.New("server is draining")
	ErrCapacity = errors.New("too many active calls")

	ErrInvalidDirection = errors.New("direction must be inbound or outbound")
	ErrUnknownFlow      = errors.New("unknown flow")
)

// DefaultFlow is the flow of calls created without one.
const DefaultFlow = "default"

// Providers are shared by every call.
type Providers struct {
	// STT may be nil, in which case transport partials are final transcripts.
	STT turn.Transcriber
	LLM turn.Completer
	TTS turn.Synthesizer
}

type Options struct {
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Events    *events.Emitter
	Providers Providers
	// Engine is the per-call engine configuration; Seed is set per call.
	Engine turn.Config
	// Scenarios are the named flows a call may select. A flow absent from
	// the map runs on Engine unchanged only when it is the default flow.
	Scenarios map[string]turn.Scenario
	// DefaultFlow names the flow of calls created without one.
	DefaultFlow string
	// MaxActive bounds concurrently running calls; 0 means unlimited.
	MaxActive int
	// Retained bounds how many ended calls stay queryable.
	Retained int
	// Seed, when set, returns the retry-jitter seed of a new call.
	Seed func() uint64
}

// Call is one registered call session.
type Call struct {
	ID        string
	Direction string
	Flow      string
	Seed      uint64
	CreatedAt time.Time
	Engine    *turn.Engine

	cancel context.CancelFunc

	mu        sync.Mutex
	endedAt   time.Time
	endReason string
}

// Summary is the read-API view of a call.
type Summary struct {
	SessionID string         `json:"session_id"`
	Direction string         `json:"direction"`
	Flow      string         `json:"flow"`
	State     turn.CallState `json:"state"`
	Phase     turn.Phase     `json:"phase"`
	TurnID    string         `json:"turn_id,omitempty"`
	Turns     int            `json:"turns"`
	Seed      uint64         `json:"seed"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	EndReason string         `json:"end_reason,omitempty"`
}

// Summary returns the current view of c.
func (c *Call) Summary() Summary {
	snap := c.Engine.Snapshot()
	s := Summary{
		SessionID: c.ID,
		Direction: c.Direction,
		Flow:      c.Flow,
		State:     snap.State,
		Phase:     snap.Phase,
		TurnID:    snap.TurnID,
		Turns:     snap.Turns,
		Seed:      c.Seed,
		StartedAt: c.CreatedAt,
		EndReason: snap.EndReason,
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.endedAt.IsZero() {
		at := c.endedAt
		s.EndedAt = &at
	}
	if s.EndReason == "" {
		s.EndReason = c.endReason
	}
	return s
}

// Ended reports whether the engine has stopped.
func (c *Call) Ended() bool {
	select {
	case <-c.Engine.Done():
		return true
	default:
		return false
	}
}

// Registry maps session ids to running engines.
type Registry struct {
	opts   Options
	clock  clockwork.Clock
	logger *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	calls    map[string]*Call
	active   int
	ended    []string
	draining bool
	wg       sync.WaitGroup
}

func NewRegistry(opts Options) (*Registry, error) {
	if opts.Events == nil {
		return nil, fmt.Errorf("event emitter is required")
	}
	if opts.Providers.LLM == nil || opts.Providers.TTS == nil {
		return nil, fmt.Errorf("llm and tts providers are required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Retained <= 0 {
		opts.Retained = 500
	}
	if opts.Seed == nil {
		opts.Seed = rand.Uint64
	}
	opts.DefaultFlow = strings.TrimSpace(opts.DefaultFlow)
	if opts.DefaultFlow == "" {
		opts.DefaultFlow = DefaultFlow
	}
	if _, ok := opts.Scenarios[opts.DefaultFlow]; !ok && opts.DefaultFlow != DefaultFlow {
		return nil, fmt.Errorf("default flow %q has no scenario", opts.DefaultFlow)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:       opts,
		clock:      opts.Clock,
		logger:     opts.Logger,
		baseCtx:    ctx,
		baseCancel: cancel,
		calls:      make(map[string]*Call),
	}, nil
}

// Create registers a new call, emits call.started and starts its engine.
// An empty flow selects the default flow.
func (r *Registry) Create(direction, flow string) (*Call, error) {
	direction = strings.ToLower(strings.TrimSpace(direction))
	switch direction {
	case "":
		direction = "inbound"
	case "inbound", "outbound":
	default:
		return nil, ErrInvalidDirection
	}
	flow, sc, err := r.scenario(flow)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return nil, ErrDraining
	}
	if r.opts.MaxActive > 0 && r.active >= r.opts.MaxActive {
		r.mu.Unlock()
		return nil, ErrCapacity
	}
	r.active++
	r.wg.Add(1)
	r.mu.Unlock()

	c, err := r.start(direction, flow, sc)
	if err != nil {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
		r.wg.Done()
		return nil, err
	}
	return c, nil
}

// scenario resolves flow to its name and scenario.
func (r *Registry) scenario(flow string) (string, turn.Scenario, error) {
	flow = strings.TrimSpace(flow)
	if flow == "" {
		flow = r.opts.DefaultFlow
	}
	sc, ok := r.opts.Scenarios[flow]
	if !ok && flow != r.opts.DefaultFlow {
		return "", turn.Scenario{}, fmt.Errorf("%w %q", ErrUnknownFlow, flow)
	}
	return flow, sc, nil
}

func (r *Registry) start(direction, flow string, sc turn.Scenario) (*Call, error) {
	id := "call_" + uuid.NewString()
	seed := r.opts.Seed()
	c := &Call{
		ID:        id,
		Direction: direction,
		Flow:      flow,
		Seed:      seed,
		CreatedAt: r.clock.Now().UTC(),
	}

	cfg := sc.Apply(r.opts.Engine)
	cfg.Seed = seed
	eng, err := turn.New(turn.Dependencies{
		SessionID: id,
		Direction: direction,
		Clock:     r.clock,
		Logger:    r.logger,
		Events:    r.opts.Events,
		STT:       r.opts.Providers.STT,
		LLM:       r.opts.Providers.LLM,
		TTS:       r.opts.Providers.TTS,
		Hangup:    func(reason string) { r.markEnded(c, reason) },
		Config:    cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	c.Engine = eng

	if err := r.opts.Events.Session(id).Emit(events.CallStarted, map[string]any{
		"direction": direction,
		"flow":      flow,
		"seed":      seed,
	}); err != nil {
		return nil, fmt.Errorf("emit call.started: %w", err)
	}

	r.mu.Lock()
	r.calls[id] = c
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(r.baseCtx)
	c.cancel = cancel
	go r.run(ctx, c)

	r.logger.Info("call created", "session_id", id, "direction", direction, "flow", flow, "seed", seed)
	return c, nil
}

func (r *Registry) run(ctx context.Context, c *Call) {
	defer r.wg.Done()
	defer c.cancel()
	if err := c.Engine.Run(ctx); err != nil {
		r.logger.Error("engine stopped", "session_id", c.ID, "error", err)
	}
	r.markEnded(c, c.Engine.Snapshot().EndReason)

	r.mu.Lock()
	r.active--
	r.ended = append(r.ended, c.ID)
	var evict []string
	for len(r.ended) > r.opts.Retained {
		evict = append(evict, r.ended[0])
		r.ended = r.ended[1:]
	}
	for _, id := range evict {
		delete(r.calls, id)
	}
	r.mu.Unlock()

	for _, id := range evict {
		r.opts.Events.Forget(id)
	}
}

// markEnded runs on the engine goroutine; it must not call back into the
// engine.
func (r *Registry) markEnded(c *Call, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.endedAt.IsZero() {
		return
	}
	c.endedAt = r.clock.Now().UTC()
	c.endReason = reason
}

// Get returns a live or retained call.
func (r *Registry) Get(id string) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	return c, ok
}

// List returns summaries of every known call, newest first.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	calls := make([]*Call, 0, len(r.calls))
	for _, c := range r.calls {
		calls = append(calls, c)
	}
	r.mu.Unlock()

	out := make([]Summary, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Hangup records the command and asks the engine to end the call.
func (r *Registry) Hangup(id, reason string) error {
	c, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	if reason == "" {
		reason = turn.ReasonHangup
	}
	_ = r.opts.Events.Session(id).Emit(events.CommandReceived, map[string]any{
		"command": "hangup",
		"reason":  reason,
	})
	if err := c.Engine.Hangup(reason); err != nil {
		return fmt.Errorf("hangup %s: %w", id, err)
	}
	return nil
}

// Active returns the number of running calls.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Drain stops accepting new calls.
func (r *Registry) Drain() {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()
}

// Draining reports whether Drain was called.
func (r *Registry) Draining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// CancelAll ends every running call with reason shutdown.
func (r *Registry) CancelAll() (canceled int) {
	r.mu.Lock()
	var cancels []context.CancelFunc
	for _, c := range r.calls {
		if c.cancel != nil && !c.Ended() {
			cancels = append(cancels, c.cancel)
		}
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every call has ended or ctx is done.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close cancels every call and releases the registry context.
func (r *Registry) Close() {
	r.Drain()
	r.baseCancel()
}
