// Package metrics derives Prometheus metrics from the call event stream.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/vai-call/pkg/core/events"
)

// Metrics holds all Prometheus metrics for the call engine. It is an
// events.Sink; every metric is a function of the event stream.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal          *prometheus.CounterVec
	BargeInLatency      prometheus.Histogram
	ProviderRetries     *prometheus.CounterVec
	ProviderFailures    *prometheus.CounterVec
	SilenceTimersFired  *prometheus.CounterVec
	CallsActive         prometheus.Gauge
	CallsEndedTotal     *prometheus.CounterVec
	EventsTotal         *prometheus.CounterVec
	EventsRejectedTotal prometheus.CounterFunc
}

// NewMetrics creates a Metrics instance with every collector registered.
// rejected, when set, is exported as the count of events that failed
// schema validation.
func NewMetrics(namespace string, rejected func() int64) *Metrics {
	if namespace == "" {
		namespace = "vai_call"
	}

	registry := prometheus.NewRegistry()

	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns by terminal cause",
		},
		[]string{"cause"},
	)

	bargeInLatency := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "barge_in_latency_seconds",
			Help:      "Time from caller speech start to playback stop",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1},
		},
	)

	providerRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_retries_total",
			Help:      "Provider retries scheduled",
		},
		[]string{"kind"},
	)

	providerFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_failures_total",
			Help:      "Provider requests that failed terminally",
		},
		[]string{"kind", "category"},
	)

	silenceTimersFired := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "silence_timers_fired_total",
			Help:      "Silence timers that fired",
		},
		[]string{"kind", "stage"},
	)

	callsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_active",
			Help:      "Calls started and not yet ended",
		},
	)

	callsEnded := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_ended_total",
			Help:      "Ended calls by reason",
		},
		[]string{"reason"},
	)

	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events emitted by type",
		},
		[]string{"type"},
	)

	if rejected == nil {
		rejected = func() int64 { return 0 }
	}
	eventsRejected := prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Events dropped for failing schema validation",
		},
		func() float64 { return float64(rejected()) },
	)

	registry.MustRegister(
		turnsTotal,
		bargeInLatency,
		providerRetries,
		providerFailures,
		silenceTimersFired,
		callsActive,
		callsEnded,
		eventsTotal,
		eventsRejected,
	)

	return &Metrics{
		registry:            registry,
		TurnsTotal:          turnsTotal,
		BargeInLatency:      bargeInLatency,
		ProviderRetries:     providerRetries,
		ProviderFailures:    providerFailures,
		SilenceTimersFired:  silenceTimersFired,
		CallsActive:         callsActive,
		CallsEndedTotal:     callsEnded,
		EventsTotal:         eventsTotal,
		EventsRejectedTotal: eventsRejected,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Write records one event.
func (m *Metrics) Write(e events.Event) error {
	m.EventsTotal.WithLabelValues(string(e.Type)).Inc()

	switch e.Type {
	case events.CallStarted:
		m.CallsActive.Inc()
	case events.CallEnded:
		m.CallsActive.Dec()
		m.CallsEndedTotal.WithLabelValues(e.Str("reason")).Inc()
	case events.PlaybackStop:
		// playback.stopped is the terminal event of every turn.
		m.TurnsTotal.WithLabelValues(e.Str("cause")).Inc()
	case events.BargeInDetected:
		m.RecordBargeIn(time.Duration(e.Int("latency_ms")) * time.Millisecond)
	case events.ProviderRetryScheduled:
		m.ProviderRetries.WithLabelValues(e.Str("kind")).Inc()
	case events.ProviderRequestFailed:
		m.ProviderFailures.WithLabelValues(e.Str("kind"), e.Str("category")).Inc()
	case events.SilenceTimerFired:
		m.SilenceTimersFired.WithLabelValues(e.Str("kind"), e.Str("stage")).Inc()
	}
	return nil
}

// RecordBargeIn records one detection-to-stop latency.
func (m *Metrics) RecordBargeIn(latency time.Duration) {
	m.BargeInLatency.Observe(latency.Seconds())
}
