package events

import (
	"fmt"
)

// Violation describes one broken ordering or field-presence rule.
type Violation struct {
	TurnID string `json:"turn_id,omitempty"`
	Seq    uint64 `json:"seq"`
	Rule   string `json:"rule"`
}

func (v Violation) String() string {
	return fmt.Sprintf("turn %s seq %d: %s", v.TurnID, v.Seq, v.Rule)
}

var turnOrder = map[Type]int{
	TurnStarted:   0,
	LLMRequest:    1,
	LLMResponse:   2,
	PlaybackStart: 3,
	PlaybackStop:  4,
}

// CheckTurns audits one session's events (in emission order) against the
// per-turn guarantees: exactly one turn.started, monotonic
// turn.started < llm.request < llm.response < playback.started <
// playback.stopped, exactly one terminal playback.stopped, nothing after it,
// and at most one open turn at a time.
func CheckTurns(evs []Event) []Violation {
	type state struct {
		started bool
		stopped bool
		stage   int
	}
	turns := make(map[string]*state)
	open := ""
	var out []Violation

	add := func(e Event, rule string) {
		out = append(out, Violation{TurnID: e.TurnID, Seq: e.Seq, Rule: rule})
	}

	for _, e := range evs {
		if err := Validate(e); err != nil {
			add(e, err.Error())
		}
		if e.TurnID == "" {
			continue
		}
		st := turns[e.TurnID]
		if st == nil {
			st = &state{stage: -1}
			turns[e.TurnID] = st
		}
		if st.stopped {
			add(e, fmt.Sprintf("%s after playback.stopped", e.Type))
			continue
		}
		if e.Type == TurnStarted {
			if st.started {
				add(e, "duplicate turn.started")
				continue
			}
			if open != "" && open != e.TurnID {
				add(e, fmt.Sprintf("turn started while %s still open", open))
			}
			st.started = true
			open = e.TurnID
		} else if !st.started {
			add(e, fmt.Sprintf("%s before turn.started", e.Type))
		}
		if rank, ok := turnOrder[e.Type]; ok {
			if rank < st.stage {
				add(e, fmt.Sprintf("%s out of order", e.Type))
			}
			if rank > st.stage {
				st.stage = rank
			}
		}
		if e.Type == PlaybackStop {
			st.stopped = true
			if open == e.TurnID {
				open = ""
			}
		}
	}
	return out
}
