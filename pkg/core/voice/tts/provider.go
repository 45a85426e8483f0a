// Package tts provides text-to-speech adapters.
package tts

// Options configures synthesis.
type Options struct {
	Model    string  // Provider-specific model (default: "sonic-3")
	Voice    string  // Voice identifier
	Speed    float64 // Speed multiplier (0.6-1.5)
	Volume   float64 // Volume multiplier (0.5-2.0)
	Emotion  string  // Emotion hint
	Language string  // Language code (default: "nl")
	// Format is "pcm" (raw), "mulaw" (raw 8-bit mu-law) or "wav".
	Format     string
	SampleRate int // Sample rate
}

// DefaultOptions returns telephony defaults: raw 16-bit PCM at 16 kHz, Dutch.
func DefaultOptions() Options {
	return Options{
		Model:      "sonic-3",
		Voice:      defaultVoiceID,
		Language:   "nl",
		Format:     "pcm",
		SampleRate: 16000,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Model == "" {
		o.Model = d.Model
	}
	if o.Voice == "" {
		o.Voice = d.Voice
	}
	if o.Language == "" {
		o.Language = d.Language
	}
	o.Format = getFormat(o.Format)
	if o.SampleRate <= 0 {
		o.SampleRate = d.SampleRate
	}
	return o
}

func getFormat(format string) string {
	switch format {
	case "pcm", "mulaw", "wav":
		return format
	default:
		return "pcm"
	}
}
