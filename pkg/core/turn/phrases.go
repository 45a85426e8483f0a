package turn

import (
	"strings"

	"github.com/vango-go/vai-call/pkg/core"
)

// PhraseKind names a fixed phrase.
type PhraseKind string

const (
	PhraseGreeting      PhraseKind = "greeting"
	PhraseProcessingAck PhraseKind = "processing_ack"
	PhraseReprompt      PhraseKind = "reprompt"
	PhraseClose         PhraseKind = "close"
	PhraseFailure       PhraseKind = "failure"
)

// Phrases is the fixed, non-technical text spoken outside model responses.
type Phrases struct {
	Greeting      string                   `yaml:"greeting"`
	ProcessingAck string                   `yaml:"processing_ack"`
	Reprompt      string                   `yaml:"reprompt"`
	Close         string                   `yaml:"close"`
	Failure       map[core.Category]string `yaml:"failure"`
	// FailureDefault covers categories without their own phrase.
	FailureDefault string `yaml:"failure_default"`
}

// DefaultPhrases returns the stock Dutch phrases.
func DefaultPhrases() Phrases {
	return Phrases{
		Greeting:      "Hallo, waarmee kan ik je helpen?",
		ProcessingAck: "Momentje, ik denk even mee.",
		Reprompt:      "Ben je er nog?",
		Close:         "Ik hang nu op. Fijne dag!",
		Failure: map[core.Category]string{
			core.CategoryProviderExhausted: "Momentje, het is even druk. Probeer het zo nog eens.",
		},
		FailureDefault: "Sorry, het lukt nu even niet.",
	}
}

// WithDefaults fills empty entries from DefaultPhrases.
func (p Phrases) WithDefaults() Phrases {
	d := DefaultPhrases()
	if strings.TrimSpace(p.Greeting) == "" {
		p.Greeting = d.Greeting
	}
	if strings.TrimSpace(p.ProcessingAck) == "" {
		p.ProcessingAck = d.ProcessingAck
	}
	if strings.TrimSpace(p.Reprompt) == "" {
		p.Reprompt = d.Reprompt
	}
	if strings.TrimSpace(p.Close) == "" {
		p.Close = d.Close
	}
	if strings.TrimSpace(p.FailureDefault) == "" {
		p.FailureDefault = d.FailureDefault
	}
	merged := make(map[core.Category]string, len(d.Failure)+len(p.Failure))
	for k, v := range d.Failure {
		merged[k] = v
	}
	for k, v := range p.Failure {
		if strings.TrimSpace(v) != "" {
			merged[k] = v
		}
	}
	p.Failure = merged
	return p
}

// Text returns the phrase for kind. category only applies to PhraseFailure.
func (p Phrases) Text(kind PhraseKind, category core.Category) string {
	switch kind {
	case PhraseGreeting:
		return p.Greeting
	case PhraseProcessingAck:
		return p.ProcessingAck
	case PhraseReprompt:
		return p.Reprompt
	case PhraseClose:
		return p.Close
	case PhraseFailure:
		if s, ok := p.Failure[category]; ok {
			return s
		}
		return p.FailureDefault
	default:
		return ""
	}
}

// Scenario is a named conversation flow: the prompt the model answers under
// and the greeting that opens the call.
type Scenario struct {
	SystemPrompt string `yaml:"system_prompt"`
	Greeting     string `yaml:"greeting"`
}

// Apply overlays the non-empty fields of s onto c.
func (s Scenario) Apply(c Config) Config {
	if p := strings.TrimSpace(s.SystemPrompt); p != "" {
		c.SystemPrompt = p
	}
	if g := strings.TrimSpace(s.Greeting); g != "" {
		c.Phrases.Greeting = g
	}
	return c
}
