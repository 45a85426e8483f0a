package events

import (
	"testing"
	"time"
)

func ev(session, turn string, typ Type, seq uint64) Event {
	return Event{
		TS:        time.Unix(int64(seq), 0).UTC(),
		Seq:       seq,
		SessionID: session,
		TurnID:    turn,
		Component: ComponentTurn,
		Type:      typ,
		Severity:  SeverityInfo,
	}
}

func TestStore_QueryFilters(t *testing.T) {
	st := NewStore(10, 10)
	_ = st.Write(ev("s1", "t1", TurnStarted, 1))
	_ = st.Write(ev("s1", "t1", LLMRequest, 2))
	_ = st.Write(ev("s2", "t9", TurnStarted, 1))
	_ = st.Write(ev("s1", "t2", TurnStarted, 3))

	if got := st.Query(Filter{SessionID: "s1"}); len(got) != 3 {
		t.Fatalf("s1 events=%d, want 3", len(got))
	}
	if got := st.Query(Filter{SessionID: "s1", TurnID: "t1"}); len(got) != 2 {
		t.Fatalf("t1 events=%d, want 2", len(got))
	}
	if got := st.Query(Filter{Type: TurnStarted}); len(got) != 3 {
		t.Fatalf("turn.started across sessions=%d, want 3", len(got))
	}
	got := st.Query(Filter{SessionID: "s1", Limit: 1})
	if len(got) != 1 || got[0].Seq != 3 {
		t.Fatalf("limit=1 got %+v, want newest event", got)
	}
}

func TestStore_BoundsPerSessionAndSessions(t *testing.T) {
	st := NewStore(2, 2)
	for i := uint64(1); i <= 5; i++ {
		_ = st.Write(ev("s1", "", CallConnected, i))
	}
	got := st.Query(Filter{SessionID: "s1"})
	if len(got) != 2 || got[0].Seq != 4 {
		t.Fatalf("retained=%v, want last two", got)
	}

	_ = st.Write(ev("s2", "", CallConnected, 1))
	_ = st.Write(ev("s3", "", CallConnected, 1))
	if got := st.Query(Filter{SessionID: "s1"}); len(got) != 0 {
		t.Fatalf("s1 should be evicted, got %d events", len(got))
	}
}

func TestStore_Subscribe(t *testing.T) {
	st := NewStore(10, 10)
	ch, cancel := st.Subscribe("s1", 4)

	_ = st.Write(ev("s2", "", CallConnected, 1))
	_ = st.Write(ev("s1", "", CallConnected, 1))

	select {
	case got := <-ch:
		if got.SessionID != "s1" {
			t.Fatalf("session=%q, want s1", got.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for subscribed event")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after cancel")
	}
	_ = st.Write(ev("s1", "", CallConnected, 2))
}

func TestCheckTurns(t *testing.T) {
	good := []Event{
		withPayload(ev("s", "t1", TurnStarted, 1), "mode", "boundary_ts"),
		withPayload(ev("s", "t1", LLMRequest, 2), "provider", "model"),
		withPayload(ev("s", "t1", LLMResponse, 3), "text", "latency_ms"),
		withPayload(ev("s", "t1", PlaybackStart, 4), "playback_id"),
		withPayload(ev("s", "t1", PlaybackStop, 5), "cause"),
		withPayload(ev("s", "t2", TurnStarted, 6), "mode", "boundary_ts"),
	}
	if v := CheckTurns(good); len(v) != 0 {
		t.Fatalf("unexpected violations: %v", v)
	}

	bad := []Event{
		withPayload(ev("s", "t1", TurnStarted, 1), "mode", "boundary_ts"),
		withPayload(ev("s", "t2", TurnStarted, 2), "mode", "boundary_ts"),
		withPayload(ev("s", "t1", PlaybackStop, 3), "cause"),
		withPayload(ev("s", "t1", LLMRequest, 4), "provider", "model"),
	}
	v := CheckTurns(bad)
	if len(v) != 2 {
		t.Fatalf("violations=%v, want 2 (overlapping turn, event after stop)", v)
	}
}

func withPayload(e Event, keys ...string) Event {
	e.Payload = make(map[string]any, len(keys))
	for _, k := range keys {
		e.Payload[k] = "x"
	}
	return e
}
