// Package stt provides speech-to-text adapters.
package stt

// Options configures transcription of one utterance.
type Options struct {
	Model    string // Provider-specific model (default: "ink-whisper")
	Language string // ISO language code (default: "nl")
	// Encoding is the raw PCM encoding of the utterance audio.
	Encoding   string
	SampleRate int // Audio sample rate in Hz
}

// DefaultOptions returns telephony defaults: 16-bit PCM at 16 kHz, Dutch.
func DefaultOptions() Options {
	return Options{
		Model:      "ink-whisper",
		Language:   "nl",
		Encoding:   "pcm_s16le",
		SampleRate: 16000,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Model == "" {
		o.Model = d.Model
	}
	if o.Language == "" {
		o.Language = d.Language
	}
	if getEncoding(o.Encoding) == "" {
		o.Encoding = d.Encoding
	}
	if o.SampleRate <= 0 {
		o.SampleRate = d.SampleRate
	}
	return o
}

// getEncoding returns the PCM encoding if it is one Cartesia accepts.
func getEncoding(format string) string {
	switch format {
	case "pcm_s16le", "pcm_s32le", "pcm_f16le", "pcm_f32le", "pcm_mulaw", "pcm_alaw":
		return format
	default:
		return ""
	}
}
