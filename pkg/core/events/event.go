package events

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PII describes whether an event payload carries caller content.
type PII struct {
	ContainsPII bool     `json:"contains_pii"`
	Fields      []string `json:"fields"`
	Handling    string   `json:"handling"`
}

// Event is an immutable structured record. Sinks must not mutate Payload.
type Event struct {
	TS        time.Time      `json:"ts"`
	Seq       uint64         `json:"seq"`
	SessionID string         `json:"session_id"`
	TurnID    string         `json:"turn_id,omitempty"`
	Component Component      `json:"component"`
	Type      Type           `json:"event_type"`
	Severity  Severity       `json:"severity"`
	PII       PII            `json:"pii"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Str returns a string payload value, or "".
func (e Event) Str(key string) string {
	v, _ := e.Payload[key].(string)
	return v
}

// Int returns an integer payload value, or 0.
func (e Event) Int(key string) int64 {
	switch v := e.Payload[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

var (
	ErrUnknownType = errors.New("unknown event type")
	ErrSealed      = errors.New("turn scope sealed")
)

// ValidationError reports an event that does not satisfy its registered schema.
type ValidationError struct {
	Type    Type
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event %s missing required fields: %s", e.Type, strings.Join(e.Missing, ", "))
}

// Validate checks e against the registry.
func Validate(e Event) error {
	schema, ok := Lookup(e.Type)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	var missing []string
	if e.TS.IsZero() {
		missing = append(missing, "ts")
	}
	if strings.TrimSpace(e.SessionID) == "" {
		missing = append(missing, "session_id")
	}
	if e.Component == "" {
		missing = append(missing, "component")
	}
	if e.Severity == "" {
		missing = append(missing, "severity")
	}
	if schema.RequiresTurn && strings.TrimSpace(e.TurnID) == "" {
		missing = append(missing, "turn_id")
	}
	for _, key := range schema.Required {
		if _, ok := e.Payload[key]; !ok {
			missing = append(missing, "payload."+key)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Type: e.Type, Missing: missing}
	}
	return nil
}

func piiFor(schema Schema, payload map[string]any) PII {
	var fields []string
	for _, key := range schema.PIIFields {
		if _, ok := payload[key]; ok {
			fields = append(fields, key)
		}
	}
	if len(fields) == 0 {
		return PII{Fields: []string{}, Handling: "none"}
	}
	return PII{ContainsPII: true, Fields: fields, Handling: "restricted"}
}
