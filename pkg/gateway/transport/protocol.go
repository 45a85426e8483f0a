package transport

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Client frame types.
const (
	TypeSpeechStart       = "speech_start"
	TypeSpeechEnd         = "speech_end"
	TypeEOUScore          = "eou_score"
	TypePartialTranscript = "partial_transcript"
	TypeHangup            = "hangup"
)

// Server frame types.
const (
	TypePlaybackStart = "playback_start"
	TypePlaybackStop  = "playback_stop"
	TypeError         = "error"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

type SpeechStart struct {
	Type string `json:"type"`
	TSMS int64  `json:"ts_ms,omitempty"`
}

type SpeechEnd struct {
	Type     string   `json:"type"`
	TSMS     int64    `json:"ts_ms,omitempty"`
	EOUScore *float64 `json:"eou_score,omitempty"`
}

type EOUScore struct {
	Type  string   `json:"type"`
	Score *float64 `json:"score"`
}

type PartialTranscript struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type Hangup struct {
	Type string `json:"type"`
}

type ServerPlaybackStart struct {
	Type       string `json:"type"`
	PlaybackID string `json:"playback_id"`
	Phrase     string `json:"phrase,omitempty"`
	Bytes      int    `json:"bytes"`
}

type ServerPlaybackStop struct {
	Type       string `json:"type"`
	PlaybackID string `json:"playback_id"`
	Reason     string `json:"reason"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}

// DecodeClientMessage parses one client text frame into its typed form.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeSpeechStart:
		var msg SpeechStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid speech_start", "")
		}
		return msg, nil
	case TypeSpeechEnd:
		var msg SpeechEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid speech_end", "")
		}
		if msg.EOUScore != nil && !validScore(*msg.EOUScore) {
			return nil, badRequest("speech_end.eou_score must be within [0,1]", "eou_score")
		}
		return msg, nil
	case TypeEOUScore:
		var msg EOUScore
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid eou_score", "")
		}
		if msg.Score == nil {
			return nil, badRequest("eou_score.score is required", "score")
		}
		if !validScore(*msg.Score) {
			return nil, badRequest("eou_score.score must be within [0,1]", "score")
		}
		return msg, nil
	case TypePartialTranscript:
		var msg PartialTranscript
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid partial_transcript", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("partial_transcript.text is required", "text")
		}
		return msg, nil
	case TypeHangup:
		return Hangup{Type: TypeHangup}, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func validScore(v float64) bool {
	return v >= 0 && v <= 1
}
