// Package postgres persists the call event stream into Postgres. Writes are
// queued and inserted in batches off the engine goroutines.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"

	"github.com/vango-go/vai-call/pkg/core/events"
)

const insertEvent = `INSERT INTO call_events
	(session_id, seq, turn_id, ts, component, event_type, severity, contains_pii, payload)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9::jsonb)
ON CONFLICT (session_id, seq) DO NOTHING`

var ErrClosed = errors.New("postgres sink closed")

// Batcher is the part of pgxpool.Pool the sink uses.
type Batcher interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	// Buffer bounds queued events; writes beyond it are dropped and counted.
	Buffer int
	// KeepPII stores transcripts and response text unredacted.
	KeepPII bool
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

// Sink is an events.Sink backed by batched INSERTs.
type Sink struct {
	db   Batcher
	opts Options

	queue   chan events.Event
	flushCh chan chan error
	stop    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	dropped   atomic.Int64
	failed    atomic.Int64
}

func NewSink(db Batcher, opts Options) *Sink {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 10000
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Sink{
		db:      db,
		opts:    opts,
		queue:   make(chan events.Event, opts.Buffer),
		flushCh: make(chan chan error),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

// Write queues e without blocking.
func (s *Sink) Write(e events.Event) error {
	select {
	case <-s.stop:
		return ErrClosed
	default:
	}
	select {
	case s.queue <- e:
		return nil
	default:
		s.dropped.Add(1)
		return fmt.Errorf("postgres sink queue full")
	}
}

// Dropped counts events discarded because the queue was full.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Failed counts events whose batch failed to insert.
func (s *Sink) Failed() int64 { return s.failed.Load() }

// Flush inserts everything queued so far.
func (s *Sink) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.flushCh <- reply:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the writer after inserting what is queued.
func (s *Sink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) loop() {
	defer close(s.done)
	ticker := s.opts.Clock.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]events.Event, 0, s.opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.insert(batch)
		batch = batch[:0]
		return err
	}
	drain := func() {
		for {
			select {
			case e := <-s.queue:
				batch = append(batch, e)
				if len(batch) >= s.opts.BatchSize {
					_ = flush()
				}
			default:
				return
			}
		}
	}

	for {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) >= s.opts.BatchSize {
				_ = flush()
			}
		case <-ticker.Chan():
			_ = flush()
		case reply := <-s.flushCh:
			drain()
			reply <- flush()
		case <-s.stop:
			drain()
			_ = flush()
			return
		}
	}
}

func (s *Sink) insert(batch []events.Event) error {
	b := &pgx.Batch{}
	for _, e := range batch {
		payload := e.Payload
		if !s.opts.KeepPII {
			payload = e.RedactedPayload()
		}
		if payload == nil {
			payload = map[string]any{}
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			s.failed.Add(1)
			s.opts.Logger.Warn("event payload not encodable", "session_id", e.SessionID, "seq", e.Seq, "error", err)
			continue
		}
		b.Queue(insertEvent, e.SessionID, int64(e.Seq), e.TurnID, e.TS, string(e.Component), string(e.Type), string(e.Severity), e.PII.ContainsPII, string(raw))
	}
	if b.Len() == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res := s.db.SendBatch(ctx, b)
	var err error
	for i := 0; i < b.Len(); i++ {
		if _, execErr := res.Exec(); execErr != nil {
			err = execErr
			break
		}
	}
	if cerr := res.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.failed.Add(int64(b.Len()))
		s.opts.Logger.Error("event batch insert failed", "events", b.Len(), "error", err)
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}
