package events

import (
	"context"
	"log/slog"
)

// LogSink writes each event as one structured log record.
type LogSink struct {
	Logger *slog.Logger
	// MinSeverity suppresses events below this level. Empty logs everything.
	MinSeverity Severity
}

// Write implements Sink.
func (s LogSink) Write(e Event) error {
	if s.Logger == nil {
		return nil
	}
	level := levelFor(e.Severity)
	if s.MinSeverity != "" && level < levelFor(s.MinSeverity) {
		return nil
	}
	attrs := []slog.Attr{
		slog.Time("ts", e.TS),
		slog.Uint64("seq", e.Seq),
		slog.String("session_id", e.SessionID),
		slog.String("component", string(e.Component)),
		slog.String("event_type", string(e.Type)),
		slog.String("severity", string(e.Severity)),
	}
	if e.TurnID != "" {
		attrs = append(attrs, slog.String("turn_id", e.TurnID))
	}
	if e.PII.ContainsPII {
		attrs = append(attrs, slog.Any("pii", e.PII))
	}
	if len(e.Payload) > 0 {
		payload := e.Payload
		if e.PII.ContainsPII {
			payload = redact(e.Payload, e.PII.Fields)
		}
		attrs = append(attrs, slog.Any("payload", payload))
	}
	s.Logger.LogAttrs(context.Background(), level, "event", attrs...)
	return nil
}

func levelFor(s Severity) slog.Level {
	switch s {
	case SeverityDebug:
		return slog.LevelDebug
	case SeverityWarn:
		return slog.LevelWarn
	case SeverityError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func redact(payload map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	for _, f := range fields {
		if s, ok := out[f].(string); ok {
			out[f+"_length"] = len(s)
		}
		out[f] = "[redacted]"
	}
	return out
}

// RedactedPayload returns the payload with PII fields replaced by a
// placeholder and their length. It returns the payload itself when the
// event carries no caller content.
func (e Event) RedactedPayload() map[string]any {
	if !e.PII.ContainsPII {
		return e.Payload
	}
	return redact(e.Payload, e.PII.Fields)
}
