// Package tracing turns the call event stream into OpenTelemetry spans: one
// span per call with one child span per turn. Turn-scoped events become span
// events; payload fields that carry caller content are never attached.
package tracing

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-call/pkg/core/events"
)

const instrumentation = "github.com/vango-go/vai-call/pkg/gateway/tracing"

// NewStdoutProvider builds a tracer provider exporting batched spans as JSON
// to w.
func NewStdoutProvider(w io.Writer, serviceName string) (*sdktrace.TracerProvider, error) {
	if serviceName == "" {
		serviceName = "vai-call"
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("build exporter: %w", err)
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

type callSpans struct {
	ctx   context.Context
	span  trace.Span
	turns map[string]trace.Span
}

// Sink is an events.Sink that maintains call and turn spans.
type Sink struct {
	tracer trace.Tracer

	mu    sync.Mutex
	calls map[string]*callSpans
}

func NewSink(tp trace.TracerProvider) *Sink {
	return &Sink{
		tracer: tp.Tracer(instrumentation),
		calls:  make(map[string]*callSpans),
	}
}

// Write applies one event.
func (s *Sink) Write(e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.call(e)
	switch e.Type {
	case events.CallStarted:
		c.span.SetAttributes(attribute.String("call.direction", e.Str("direction")))
		return nil
	case events.CallEnded:
		for id, ts := range c.turns {
			ts.SetStatus(codes.Error, "call ended mid-turn")
			ts.End(trace.WithTimestamp(e.TS))
			delete(c.turns, id)
		}
		c.span.SetAttributes(
			attribute.String("call.end_reason", e.Str("reason")),
			attribute.Int64("call.turns", e.Int("turns")),
		)
		c.span.End(trace.WithTimestamp(e.TS))
		delete(s.calls, e.SessionID)
		return nil
	}

	target := c.span
	if e.TurnID != "" {
		target = s.turn(c, e)
	}
	target.AddEvent(string(e.Type), trace.WithTimestamp(e.TS), trace.WithAttributes(attributes(e)...))

	switch e.Type {
	case events.ProviderRequestFailed:
		target.SetStatus(codes.Error, e.Str("category"))
	case events.PlaybackStop:
		if ts, ok := c.turns[e.TurnID]; ok {
			ts.SetAttributes(attribute.String("turn.cause", e.Str("cause")))
			ts.End(trace.WithTimestamp(e.TS))
			delete(c.turns, e.TurnID)
		}
	}
	return nil
}

// Close ends every open span; used at shutdown before flushing.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.calls {
		for _, ts := range c.turns {
			ts.End()
		}
		c.span.End()
		delete(s.calls, id)
	}
}

func (s *Sink) call(e events.Event) *callSpans {
	if c, ok := s.calls[e.SessionID]; ok {
		return c
	}
	ctx, span := s.tracer.Start(context.Background(), "call",
		trace.WithTimestamp(e.TS),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("call.session_id", e.SessionID)),
	)
	c := &callSpans{ctx: ctx, span: span, turns: make(map[string]trace.Span)}
	s.calls[e.SessionID] = c
	return c
}

func (s *Sink) turn(c *callSpans, e events.Event) trace.Span {
	if ts, ok := c.turns[e.TurnID]; ok {
		return ts
	}
	_, ts := s.tracer.Start(c.ctx, "turn",
		trace.WithTimestamp(e.TS),
		trace.WithAttributes(attribute.String("turn.id", e.TurnID)),
	)
	c.turns[e.TurnID] = ts
	return ts
}

func attributes(e events.Event) []attribute.KeyValue {
	skip := make(map[string]bool, len(e.PII.Fields))
	for _, f := range e.PII.Fields {
		skip[f] = true
	}
	out := make([]attribute.KeyValue, 0, len(e.Payload)+1)
	out = append(out, attribute.Int64("event.seq", int64(e.Seq)))
	for k, v := range e.Payload {
		if skip[k] {
			continue
		}
		switch v := v.(type) {
		case string:
			out = append(out, attribute.String(k, v))
		case bool:
			out = append(out, attribute.Bool(k, v))
		case int:
			out = append(out, attribute.Int(k, v))
		case int64:
			out = append(out, attribute.Int64(k, v))
		case uint64:
			out = append(out, attribute.Int64(k, int64(v)))
		case float64:
			out = append(out, attribute.Float64(k, v))
		default:
			out = append(out, attribute.String(k, fmt.Sprint(v)))
		}
	}
	return out
}
