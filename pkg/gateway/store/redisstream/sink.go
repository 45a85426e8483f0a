// Package redisstream forwards call events to a Redis stream so other
// services can consume them with XREAD or consumer groups.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vango-go/vai-call/pkg/core/events"
)

var ErrClosed = errors.New("redis stream sink closed")

// Client is the part of *redis.Client the sink uses.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

type Options struct {
	Stream string
	// MaxLen trims the stream approximately; 0 keeps everything.
	MaxLen int64
	Buffer int
	// WriteTimeout bounds one XADD.
	WriteTimeout time.Duration
	KeepPII      bool
	Logger       *slog.Logger
}

// Sink is an events.Sink that XADDs each event from a background worker.
type Sink struct {
	client Client
	opts   Options

	queue chan events.Event
	stop  chan struct{}
	done  chan struct{}

	closeOnce sync.Once
	dropped   atomic.Int64
	failed    atomic.Int64
}

func NewSink(client Client, opts Options) (*Sink, error) {
	if opts.Stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 10000
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Sink{
		client: client,
		opts:   opts,
		queue:  make(chan events.Event, opts.Buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s, nil
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
		return fmt.Errorf("redis stream sink queue full")
	}
}

func (s *Sink) Dropped() int64 { return s.dropped.Load() }
func (s *Sink) Failed() int64  { return s.failed.Load() }

// Close stops the worker after forwarding what is queued.
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
	for {
		select {
		case e := <-s.queue:
			s.add(e)
		case <-s.stop:
			for {
				select {
				case e := <-s.queue:
					s.add(e)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) add(e events.Event) {
	args, err := s.args(e)
	if err != nil {
		s.failed.Add(1)
		s.opts.Logger.Warn("event not encodable", "session_id", e.SessionID, "seq", e.Seq, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
	defer cancel()
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		s.failed.Add(1)
		s.opts.Logger.Warn("xadd failed", "stream", s.opts.Stream, "session_id", e.SessionID, "seq", e.Seq, "error", err)
	}
}

func (s *Sink) args(e events.Event) (*redis.XAddArgs, error) {
	payload := e.Payload
	if !s.opts.KeepPII {
		payload = e.RedactedPayload()
	}
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &redis.XAddArgs{
		Stream: s.opts.Stream,
		MaxLen: s.opts.MaxLen,
		Approx: s.opts.MaxLen > 0,
		Values: map[string]any{
			"session_id":   e.SessionID,
			"seq":          strconv.FormatUint(e.Seq, 10),
			"turn_id":      e.TurnID,
			"ts":           e.TS.Format(time.RFC3339Nano),
			"component":    string(e.Component),
			"event_type":   string(e.Type),
			"severity":     string(e.Severity),
			"contains_pii": strconv.FormatBool(e.PII.ContainsPII),
			"payload":      string(raw),
		},
	}, nil
}
