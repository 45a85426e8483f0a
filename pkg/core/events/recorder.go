package events

import (
	"context"
	"sync"
)

// Recorder is a Sink that keeps every event and lets callers wait for a
// matching one.
type Recorder struct {
	mu      sync.Mutex
	events  []Event
	changed chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{changed: make(chan struct{})}
}

// Write implements Sink.
func (r *Recorder) Write(e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t Type) int {
	return len(r.OfType(t))
}

// WaitFor blocks until an event satisfying match has been recorded or ctx is
// done. It returns the first match.
func (r *Recorder) WaitFor(ctx context.Context, match func(Event) bool) (Event, bool) {
	seen := 0
	for {
		r.mu.Lock()
		for ; seen < len(r.events); seen++ {
			if match(r.events[seen]) {
				e := r.events[seen]
				r.mu.Unlock()
				return e, true
			}
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// WaitType waits for the n-th (1-based) event of type t.
func (r *Recorder) WaitType(ctx context.Context, t Type, n int) (Event, bool) {
	count := 0
	return r.WaitFor(ctx, func(e Event) bool {
		if e.Type != t {
			return false
		}
		count++
		return count >= n
	})
}
