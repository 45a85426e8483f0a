// Package ratelimit is an in-process token bucket keyed by client address.
// It guards call creation and hangup; one replica, no shared state.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

type Config struct {
	RPS   float64
	Burst int

	MaxEntries int           // default 10000
	EntryTTL   time.Duration // idle buckets older than this are collected; default 30m
}

// Limiter applies a token bucket per client key. A nil *Limiter allows
// everything.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter int // whole seconds, at least 1 when denied
}

// New returns nil when cfg disables limiting.
func New(cfg Config) *Limiter {
	if cfg.RPS <= 0 || cfg.Burst <= 0 {
		return nil
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{cfg: cfg, buckets: make(map[string]*bucket)}
}

// Allow takes one token from key's bucket at now.
func (l *Limiter) Allow(key string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true}
	}
	if key == "" {
		key = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		l.makeRoom(now)
		b = &bucket{tokens: float64(l.cfg.Burst), last: now}
		l.buckets[key] = b
	}
	if dt := now.Sub(b.last).Seconds(); dt > 0 {
		b.tokens = math.Min(float64(l.cfg.Burst), b.tokens+dt*l.cfg.RPS)
		b.last = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true}
	}
	wait := int(math.Ceil((1 - b.tokens) / l.cfg.RPS))
	return Decision{RetryAfter: max(wait, 1)}
}

// makeRoom keeps the map under MaxEntries: idle buckets go first, then an
// arbitrary one.
func (l *Limiter) makeRoom(now time.Time) {
	if len(l.buckets) < l.cfg.MaxEntries {
		return
	}
	for k, b := range l.buckets {
		if now.Sub(b.last) > l.cfg.EntryTTL {
			delete(l.buckets, k)
		}
	}
	for k := range l.buckets {
		if len(l.buckets) < l.cfg.MaxEntries {
			break
		}
		delete(l.buckets, k)
	}
}
