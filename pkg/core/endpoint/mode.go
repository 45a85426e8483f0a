// Package endpoint decides when a caller has finished speaking.
//
// The Detector consumes voice-activity transitions and, in vad_eou mode,
// end-of-utterance model scores. It emits an activity-state event on every
// transition and exactly one endpoint decision per confirmed speech end.
package endpoint

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects the decision policy. It is a closed set: VADOnly or VADEOU.
type Mode interface {
	Name() string
	isMode()
}

// VADOnly commits immediately on speech end.
type VADOnly struct{}

func (VADOnly) Name() string { return "vad_only" }
func (VADOnly) isMode()      {}

// VADEOU commits once the end-of-utterance score reaches Threshold, after an
// optional extra Delay. MaxWait bounds how long an inconclusive candidate may
// stay open before the decision is emitted anyway.
type VADEOU struct {
	Threshold float64
	Delay     time.Duration
	MaxWait   time.Duration
}

func (VADEOU) Name() string { return "vad_eou" }
func (VADEOU) isMode()      {}

// Validate checks the mode parameters.
func (m VADEOU) Validate() error {
	if m.Threshold < 0 || m.Threshold > 1 {
		return fmt.Errorf("eou threshold must be within [0,1]")
	}
	if m.Delay < 0 {
		return fmt.Errorf("eou delay must be >= 0")
	}
	if m.MaxWait <= 0 {
		return fmt.Errorf("eou max wait must be > 0")
	}
	if m.MaxWait <= m.Delay {
		return fmt.Errorf("eou max wait must be > eou delay")
	}
	return nil
}

// ParseMode builds a Mode from its configured name.
func ParseMode(name string, eou VADEOU) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "vad_only":
		return VADOnly{}, nil
	case "vad_eou":
		if err := eou.Validate(); err != nil {
			return nil, err
		}
		return eou, nil
	default:
		return nil, fmt.Errorf("unknown endpoint mode %q", name)
	}
}
