// Package llm defines the completion request the turn engine sends to a
// language model, plus provider adapters.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation entry.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Request is a completion request. It is encoded once per logical request and
// the same bytes are replayed on every retry.
type Request struct {
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages"`
}

// Encode returns the canonical encoding of r.
func (r Request) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRequest parses an encoded request.
func DecodeRequest(data []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return Request{}, fmt.Errorf("decode llm request: %w", err)
	}
	return r, nil
}

// History is a bounded conversation transcript.
type History struct {
	max  int
	msgs []Message
}

// NewHistory creates a history keeping at most max messages. max <= 0 keeps
// everything.
func NewHistory(max int) *History {
	return &History{max: max}
}

// Append adds a message, dropping the oldest when full. Empty text is ignored.
func (h *History) Append(role Role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	h.msgs = append(h.msgs, Message{Role: role, Text: text})
	if h.max > 0 && len(h.msgs) > h.max {
		h.msgs = append([]Message(nil), h.msgs[len(h.msgs)-h.max:]...)
	}
}

// Messages returns a copy of the history.
func (h *History) Messages() []Message {
	return append([]Message(nil), h.msgs...)
}

// Len returns the number of retained messages.
func (h *History) Len() int { return len(h.msgs) }
