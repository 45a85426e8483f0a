// Package timer schedules keyed, cancellable callbacks on a clockwork.Clock
// and delivers them through a dispatch function so they execute on the
// owner's goroutine.
package timer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Scheduler is the subset used by engine components.
type Scheduler interface {
	// Arm schedules fn after d under key, replacing any timer with that key.
	Arm(key string, d time.Duration, fn func())
	// Cancel stops the timer under key. It reports whether one was armed.
	Cancel(key string) bool
	// Now returns the scheduler's current time.
	Now() time.Time
}

// Service implements Scheduler. Arm, Cancel and the delivered callbacks must
// all run on the same goroutine; stale firings are discarded by generation.
type Service struct {
	clock    clockwork.Clock
	dispatch func(func()) bool

	mu     sync.Mutex
	gen    uint64
	timers map[string]entry
	closed bool
}

type entry struct {
	gen   uint64
	timer clockwork.Timer
}

// New creates a Service. dispatch hands a callback to the owning goroutine and
// reports false when the owner is gone.
func New(clock clockwork.Clock, dispatch func(func()) bool) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		clock:    clock,
		dispatch: dispatch,
		timers:   make(map[string]entry),
	}
}

// Now returns the clock's current time.
func (s *Service) Now() time.Time { return s.clock.Now() }

// Clock returns the underlying clock.
func (s *Service) Clock() clockwork.Clock { return s.clock }

// Arm implements Scheduler.
func (s *Service) Arm(key string, d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.timers[key]; ok {
		old.timer.Stop()
	}
	s.gen++
	gen := s.gen
	t := s.clock.AfterFunc(d, func() {
		s.dispatch(func() {
			if !s.take(key, gen) {
				return
			}
			fn()
		})
	})
	s.timers[key] = entry{gen: gen, timer: t}
}

// take removes key if it still belongs to gen.
func (s *Service) take(key string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.timers[key]
	if !ok || cur.gen != gen {
		return false
	}
	delete(s.timers, key)
	return true
}

// Cancel implements Scheduler.
func (s *Service) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.timers[key]
	if !ok {
		return false
	}
	cur.timer.Stop()
	delete(s.timers, key)
	return true
}

// Armed reports whether key has a pending timer.
func (s *Service) Armed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

// CancelAll stops every pending timer and refuses new ones. It returns the
// number of timers that were pending.
func (s *Service) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.timers)
	for key, cur := range s.timers {
		cur.timer.Stop()
		delete(s.timers, key)
	}
	s.closed = true
	return n
}
