package provider

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy bounds retries for one request kind.
type Policy struct {
	// MaxAttempts counts the first try, so MaxAttempts=3 allows two retries.
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
	MaxBackoff  time.Duration
	// Jitter is the +/- fraction applied to each computed delay.
	Jitter float64
}

// DefaultPolicy returns the retry policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Base:        200 * time.Millisecond,
		Multiplier:  2,
		MaxBackoff:  5 * time.Second,
		Jitter:      0.2,
	}
}

// Validate checks the policy parameters.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1")
	}
	if p.Base <= 0 {
		return fmt.Errorf("backoff base must be > 0")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1")
	}
	if p.MaxBackoff < p.Base {
		return fmt.Errorf("max backoff must be >= backoff base")
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("jitter must be within [0,1)")
	}
	return nil
}

// Backoff returns the delay schedule for one logical request. The jitter
// source is derived from (seed, stream) only, so the same pair always yields
// the same sequence.
func (p Policy) Backoff(seed, stream uint64) retry.Backoff {
	rng := rand.New(rand.NewPCG(seed, stream))
	var n int
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		d := float64(p.Base) * math.Pow(p.Multiplier, float64(n))
		n++
		if p.Jitter > 0 {
			d *= 1 + p.Jitter*(2*rng.Float64()-1)
		}
		if d > float64(math.MaxInt64) {
			d = float64(math.MaxInt64)
		}
		return time.Duration(d).Round(time.Millisecond), false
	})
	b := retry.WithCappedDuration(p.MaxBackoff, next)
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return retry.WithMaxRetries(uint64(retries), b)
}

// Schedule returns the full delay sequence a request would see if every
// attempt failed without a retry-after hint.
func (p Policy) Schedule(seed, stream uint64) []time.Duration {
	b := p.Backoff(seed, stream)
	var out []time.Duration
	for {
		d, stop := b.Next()
		if stop {
			return out
		}
		out = append(out, d)
	}
}

// withFloor applies a provider retry-after hint as a lower bound.
func withFloor(d time.Duration, retryAfterMS int) time.Duration {
	if retryAfterMS <= 0 {
		return d
	}
	floor := time.Duration(retryAfterMS) * time.Millisecond
	if floor > d {
		return floor
	}
	return d
}
