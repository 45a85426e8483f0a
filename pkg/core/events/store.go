package events

import (
	"sync"
)

// Filter selects events from a Store.
type Filter struct {
	SessionID string
	TurnID    string
	Type      Type
	// Limit keeps the most recent N matches; 0 means all retained.
	Limit int
}

// Store is an in-memory Sink that retains a bounded window of events per
// session and supports live subscriptions.
type Store struct {
	perSession  int
	maxSessions int

	mu       sync.Mutex
	sessions map[string][]Event
	order    []string
	subs     map[string]map[*subscription]struct{}
}

type subscription struct {
	ch      chan Event
	dropped int
}

// NewStore creates a store keeping at most perSession events for each of at
// most maxSessions sessions. Oldest sessions are evicted first.
func NewStore(perSession, maxSessions int) *Store {
	if perSession <= 0 {
		perSession = 2000
	}
	if maxSessions <= 0 {
		maxSessions = 1000
	}
	return &Store{
		perSession:  perSession,
		maxSessions: maxSessions,
		sessions:    make(map[string][]Event),
		subs:        make(map[string]map[*subscription]struct{}),
	}
}

// Write implements Sink.
func (s *Store) Write(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, ok := s.sessions[e.SessionID]
	if !ok {
		s.order = append(s.order, e.SessionID)
		for len(s.order) > s.maxSessions {
			evict := s.order[0]
			s.order = s.order[1:]
			delete(s.sessions, evict)
		}
	}
	list = append(list, e)
	if len(list) > s.perSession {
		list = append([]Event(nil), list[len(list)-s.perSession:]...)
	}
	s.sessions[e.SessionID] = list

	for sub := range s.subs[e.SessionID] {
		select {
		case sub.ch <- e:
		default:
			sub.dropped++
		}
	}
	return nil
}

// Query returns matching events in emission order.
func (s *Store) Query(f Filter) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	collect := func(list []Event) {
		for _, e := range list {
			if f.TurnID != "" && e.TurnID != f.TurnID {
				continue
			}
			if f.Type != "" && e.Type != f.Type {
				continue
			}
			out = append(out, e)
		}
	}
	if f.SessionID != "" {
		collect(s.sessions[f.SessionID])
	} else {
		for _, id := range s.order {
			collect(s.sessions[id])
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Subscribe streams future events for sessionID. The returned cancel func
// must be called to release the subscription; it closes the channel.
func (s *Store) Subscribe(sessionID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{ch: make(chan Event, buffer)}

	s.mu.Lock()
	if s.subs[sessionID] == nil {
		s.subs[sessionID] = make(map[*subscription]struct{})
	}
	s.subs[sessionID][sub] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[sessionID], sub)
			if len(s.subs[sessionID]) == 0 {
				delete(s.subs, sessionID)
			}
			s.mu.Unlock()
			close(sub.ch)
		})
	}
}
