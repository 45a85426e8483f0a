package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vango-go/vai-call/pkg/core/events"
)

func ev(t events.Type, payload map[string]any) events.Event {
	return events.Event{SessionID: "call_1", Type: t, Payload: payload}
}

func TestWrite_DerivesMetricsFromEvents(t *testing.T) {
	m := NewMetrics("", func() int64 { return 2 })

	stream := []events.Event{
		ev(events.CallStarted, map[string]any{"direction": "inbound"}),
		ev(events.CallStarted, map[string]any{"direction": "outbound"}),
		ev(events.ProviderRetryScheduled, map[string]any{"kind": "llm"}),
		ev(events.ProviderRetryScheduled, map[string]any{"kind": "llm"}),
		ev(events.ProviderRequestFailed, map[string]any{"kind": "tts", "category": "provider_exhausted"}),
		ev(events.SilenceTimerFired, map[string]any{"kind": "user", "stage": "reprompt"}),
		ev(events.BargeInDetected, map[string]any{"latency_ms": int64(40)}),
		ev(events.PlaybackStop, map[string]any{"cause": "barge_in"}),
		ev(events.PlaybackStop, map[string]any{"cause": "completed"}),
		ev(events.CallEnded, map[string]any{"reason": "hangup"}),
	}
	for _, e := range stream {
		if err := m.Write(e); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"calls_active", testutil.ToFloat64(m.CallsActive), 1},
		{"calls_ended{hangup}", testutil.ToFloat64(m.CallsEndedTotal.WithLabelValues("hangup")), 1},
		{"retries{llm}", testutil.ToFloat64(m.ProviderRetries.WithLabelValues("llm")), 2},
		{"failures{tts,exhausted}", testutil.ToFloat64(m.ProviderFailures.WithLabelValues("tts", "provider_exhausted")), 1},
		{"silence{user,reprompt}", testutil.ToFloat64(m.SilenceTimersFired.WithLabelValues("user", "reprompt")), 1},
		{"turns{barge_in}", testutil.ToFloat64(m.TurnsTotal.WithLabelValues("barge_in")), 1},
		{"events{call.started}", testutil.ToFloat64(m.EventsTotal.WithLabelValues("call.started")), 2},
		{"events_rejected", testutil.ToFloat64(m.EventsRejectedTotal), 2},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s=%v, want %v", c.name, c.got, c.want)
		}
	}
	if n := testutil.CollectAndCount(m.BargeInLatency); n != 1 {
		t.Fatalf("barge-in histogram series=%d, want 1", n)
	}
}

func TestHandler_ExposesNamespacedMetrics(t *testing.T) {
	m := NewMetrics("", nil)
	_ = m.Write(ev(events.CallStarted, map[string]any{"direction": "inbound"}))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"vai_call_calls_active 1", "vai_call_events_total{type=\"call.started\"} 1"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("missing %q in:\n%s", name, body)
		}
	}
}
