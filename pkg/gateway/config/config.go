package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/vango-go/vai-call/pkg/core/endpoint"
	"github.com/vango-go/vai-call/pkg/core/provider"
	"github.com/vango-go/vai-call/pkg/core/silence"
	"github.com/vango-go/vai-call/pkg/core/turn"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	Addr      string
	LogFormat LogFormat

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Control API rate limits per client address; zero disables.
	LimitRPS   float64
	LimitBurst int

	// Call registry.
	MaxActiveCalls int
	EventsPerCall  int
	RetainedCalls  int

	// Media WebSocket (/v1/calls/{id}/media).
	MediaMaxFrameBytes  int64
	MediaWriteTimeout   time.Duration
	MediaPingInterval   time.Duration
	MediaPlaybackChunk  int
	MediaPlaybackPacing time.Duration

	// Providers.
	GeminiAPIKey    string
	GeminiModel     string
	GeminiBaseURL   string
	CartesiaAPIKey  string
	CartesiaBaseURL string
	CartesiaVoice   string
	// STTEnabled selects Cartesia STT; when false the transport's partial
	// transcripts are taken as final.
	STTEnabled      bool
	STTEncoding     string
	TTSFormat       string
	AudioRate       int
	UpstreamTimeout time.Duration

	// Engine tuning; may be overlaid from the YAML file at ConfigFile.
	ConfigFile string
	Engine     Engine

	// Event sinks.
	EventLog       bool
	PostgresDSN    string
	RedisURL       string
	RedisStream    string
	RedisMaxLen    int64
	TracingEnabled bool

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

// Engine is the per-call turn engine tuning.
type Engine struct {
	EndpointMode   string                  `yaml:"endpoint_mode"`
	EOU            EOU                     `yaml:"eou"`
	Silence        Silence                 `yaml:"silence"`
	Retry          map[provider.Kind]Retry `yaml:"retry"`
	AttemptTimeout time.Duration           `yaml:"attempt_timeout"`
	BargeInTarget  time.Duration           `yaml:"barge_in_target"`
	SystemPrompt   string                  `yaml:"system_prompt"`
	MaxHistory     int                     `yaml:"max_history"`
	CloseGrace     time.Duration           `yaml:"close_grace"`
	MaxSpeech      time.Duration           `yaml:"max_speech"`
	Phrases        turn.Phrases            `yaml:"phrases"`
	// PlaybackBytesPerSecond sizes the playback ceiling; zero derives it
	// from the TTS format and sample rate.
	PlaybackBytesPerSecond int `yaml:"playback_bytes_per_second"`
	// Scenarios are the named flows selectable per call.
	Scenarios   map[string]turn.Scenario `yaml:"scenarios"`
	DefaultFlow string                   `yaml:"default_flow"`
}

type EOU struct {
	Threshold float64       `yaml:"threshold"`
	Delay     time.Duration `yaml:"delay"`
	MaxWait   time.Duration `yaml:"max_wait"`
}

type Silence struct {
	ProcessingAck time.Duration `yaml:"processing_ack"`
	Reprompt      time.Duration `yaml:"reprompt"`
	Close         time.Duration `yaml:"close"`
	TurnTimeout   time.Duration `yaml:"turn_timeout"`
}

type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Base        time.Duration `yaml:"base"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	Jitter      float64       `yaml:"jitter"`
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VAI_CALL_ADDR", ":8080"),
		LogFormat:           LogFormat(strings.ToLower(envOr("VAI_CALL_LOG_FORMAT", string(LogFormatText)))),
		CORSAllowedOrigins:  make(map[string]struct{}),
		LimitRPS:            envFloat64Or("VAI_CALL_LIMIT_RPS", 0),
		LimitBurst:          envIntOr("VAI_CALL_LIMIT_BURST", 0),
		MaxActiveCalls:      envIntOr("VAI_CALL_MAX_ACTIVE_CALLS", 100),
		EventsPerCall:       envIntOr("VAI_CALL_EVENTS_PER_CALL", 2000),
		RetainedCalls:       envIntOr("VAI_CALL_RETAINED_CALLS", 500),
		MediaMaxFrameBytes:  envInt64Or("VAI_CALL_MEDIA_MAX_FRAME_BYTES", 64<<10),
		MediaWriteTimeout:   envDurationOr("VAI_CALL_MEDIA_WRITE_TIMEOUT", 5*time.Second),
		MediaPingInterval:   envDurationOr("VAI_CALL_MEDIA_PING_INTERVAL", 20*time.Second),
		MediaPlaybackChunk:  envIntOr("VAI_CALL_MEDIA_PLAYBACK_CHUNK_BYTES", 3200),
		MediaPlaybackPacing: envDurationOr("VAI_CALL_MEDIA_PLAYBACK_PACING", 100*time.Millisecond),
		GeminiAPIKey:        envOr("VAI_CALL_GEMINI_API_KEY", os.Getenv("GEMINI_API_KEY")),
		GeminiModel:         envOr("VAI_CALL_GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiBaseURL:       envOr("VAI_CALL_GEMINI_BASE_URL", ""),
		CartesiaAPIKey:      envOr("VAI_CALL_CARTESIA_API_KEY", os.Getenv("CARTESIA_API_KEY")),
		CartesiaBaseURL:     envOr("VAI_CALL_CARTESIA_BASE_URL", "https://api.cartesia.ai"),
		CartesiaVoice:       envOr("VAI_CALL_CARTESIA_VOICE", ""),
		STTEnabled:          envBoolOr("VAI_CALL_STT_ENABLED", true),
		STTEncoding:         envOr("VAI_CALL_STT_ENCODING", "pcm_s16le"),
		TTSFormat:           envOr("VAI_CALL_TTS_FORMAT", "pcm"),
		AudioRate:           envIntOr("VAI_CALL_AUDIO_SAMPLE_RATE", 16000),
		UpstreamTimeout:     envDurationOr("VAI_CALL_UPSTREAM_TIMEOUT", 30*time.Second),
		ConfigFile:          envOr("VAI_CALL_CONFIG_FILE", ""),
		Engine: Engine{
			EndpointMode: envOr("VAI_CALL_ENDPOINT_MODE", "vad_only"),
			EOU: EOU{
				Threshold: envFloat64Or("VAI_CALL_EOU_THRESHOLD", 0.6),
				Delay:     envDurationOr("VAI_CALL_EOU_DELAY", 0),
				MaxWait:   envDurationOr("VAI_CALL_EOU_MAX_WAIT", 1500*time.Millisecond),
			},
			Silence: Silence{
				ProcessingAck: envDurationOr("VAI_CALL_SILENCE_PROCESSING_ACK", 1500*time.Millisecond),
				Reprompt:      envDurationOr("VAI_CALL_SILENCE_REPROMPT", 7*time.Second),
				Close:         envDurationOr("VAI_CALL_SILENCE_CLOSE", 15*time.Second),
				TurnTimeout:   envDurationOr("VAI_CALL_TURN_TIMEOUT", 30*time.Second),
			},
			Retry: map[provider.Kind]Retry{
				provider.KindSTT: retryFromEnv("STT"),
				provider.KindLLM: retryFromEnv("LLM"),
				provider.KindTTS: retryFromEnv("TTS"),
			},
			AttemptTimeout: envDurationOr("VAI_CALL_ATTEMPT_TIMEOUT", 10*time.Second),
			BargeInTarget:  envDurationOr("VAI_CALL_BARGE_IN_TARGET", 100*time.Millisecond),
			SystemPrompt:   envOr("VAI_CALL_SYSTEM_PROMPT", ""),
			MaxHistory:     envIntOr("VAI_CALL_MAX_HISTORY", 20),
			CloseGrace:     envDurationOr("VAI_CALL_CLOSE_GRACE", 10*time.Second),
			MaxSpeech:      envDurationOr("VAI_CALL_MAX_SPEECH", 60*time.Second),
			DefaultFlow:    envOr("VAI_CALL_SCENARIO", "default"),

			PlaybackBytesPerSecond: envIntOr("VAI_CALL_PLAYBACK_BYTES_PER_SECOND", 0),
		},
		EventLog:            envBoolOr("VAI_CALL_EVENT_LOG", true),
		PostgresDSN:         envOr("VAI_CALL_POSTGRES_DSN", ""),
		RedisURL:            envOr("VAI_CALL_REDIS_URL", ""),
		RedisStream:         envOr("VAI_CALL_REDIS_STREAM", "vai-call:events"),
		RedisMaxLen:         envInt64Or("VAI_CALL_REDIS_MAXLEN", 100000),
		TracingEnabled:      envBoolOr("VAI_CALL_TRACING", false),
		ReadHeaderTimeout:   envDurationOr("VAI_CALL_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:         envDurationOr("VAI_CALL_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod: envDurationOr("VAI_CALL_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("VAI_CALL_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.ConfigFile != "" {
		if err := cfg.overlayFile(cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}
	if cfg.Engine.PlaybackBytesPerSecond == 0 {
		cfg.Engine.PlaybackBytesPerSecond = cfg.playbackBytesPerSecond()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// playbackBytesPerSecond is the byte rate of synthesized audio: one byte per
// sample for mulaw, two for 16-bit PCM.
func (c Config) playbackBytesPerSecond() int {
	if strings.EqualFold(c.TTSFormat, "mulaw") {
		return c.AudioRate
	}
	return c.AudioRate * 2
}

func retryFromEnv(kind string) Retry {
	d := provider.DefaultPolicy()
	prefix := "VAI_CALL_" + kind + "_RETRY_"
	return Retry{
		MaxAttempts: envIntOr(prefix+"MAX_ATTEMPTS", d.MaxAttempts),
		Base:        envDurationOr(prefix+"BASE", d.Base),
		Multiplier:  envFloat64Or(prefix+"MULTIPLIER", d.Multiplier),
		MaxBackoff:  envDurationOr(prefix+"MAX_BACKOFF", d.MaxBackoff),
		Jitter:      envFloat64Or(prefix+"JITTER", d.Jitter),
	}
}

// overlayFile decodes the YAML engine section over the env values. Keys
// absent from the file keep their current value.
func (c *Config) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read VAI_CALL_CONFIG_FILE: %w", err)
	}
	var file struct {
		Engine *Engine `yaml:"engine"`
	}
	file.Engine = &c.Engine
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var err error
	add := func(format string, args ...any) {
		err = multierr.Append(err, fmt.Errorf(format, args...))
	}

	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		add("VAI_CALL_LOG_FORMAT must be one of text|json")
	}
	if c.LimitRPS < 0 || c.LimitBurst < 0 {
		add("VAI_CALL_LIMIT_RPS and VAI_CALL_LIMIT_BURST must be >= 0")
	}
	if c.MaxActiveCalls <= 0 {
		add("VAI_CALL_MAX_ACTIVE_CALLS must be > 0")
	}
	if c.EventsPerCall <= 0 {
		add("VAI_CALL_EVENTS_PER_CALL must be > 0")
	}
	if c.RetainedCalls <= 0 {
		add("VAI_CALL_RETAINED_CALLS must be > 0")
	}
	if c.MediaMaxFrameBytes <= 0 {
		add("VAI_CALL_MEDIA_MAX_FRAME_BYTES must be > 0")
	}
	if c.MediaWriteTimeout <= 0 {
		add("VAI_CALL_MEDIA_WRITE_TIMEOUT must be > 0")
	}
	if c.MediaPingInterval <= 0 {
		add("VAI_CALL_MEDIA_PING_INTERVAL must be > 0")
	}
	if c.MediaPlaybackChunk <= 0 {
		add("VAI_CALL_MEDIA_PLAYBACK_CHUNK_BYTES must be > 0")
	}
	if c.MediaPlaybackPacing < 0 {
		add("VAI_CALL_MEDIA_PLAYBACK_PACING must be >= 0")
	}
	if strings.TrimSpace(c.GeminiAPIKey) == "" {
		add("VAI_CALL_GEMINI_API_KEY (or GEMINI_API_KEY) must be set")
	}
	if strings.TrimSpace(c.CartesiaAPIKey) == "" {
		add("VAI_CALL_CARTESIA_API_KEY (or CARTESIA_API_KEY) must be set")
	}
	if c.AudioRate <= 0 {
		add("VAI_CALL_AUDIO_SAMPLE_RATE must be > 0")
	}
	if c.UpstreamTimeout <= 0 {
		add("VAI_CALL_UPSTREAM_TIMEOUT must be > 0")
	}
	if c.RedisURL != "" && strings.TrimSpace(c.RedisStream) == "" {
		add("VAI_CALL_REDIS_STREAM must not be empty when VAI_CALL_REDIS_URL is set")
	}
	if c.ReadHeaderTimeout <= 0 {
		add("VAI_CALL_READ_HEADER_TIMEOUT must be > 0")
	}
	if c.ReadTimeout <= 0 {
		add("VAI_CALL_READ_TIMEOUT must be > 0")
	}
	if c.ShutdownGracePeriod <= 0 {
		add("VAI_CALL_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	err = multierr.Append(err, c.Engine.Validate())
	return err
}

// Validate checks the engine tuning.
func (e Engine) Validate() error {
	var err error
	if _, perr := e.EndpointModeValue(); perr != nil {
		err = multierr.Append(err, fmt.Errorf("endpoint: %w", perr))
	}
	if serr := e.SilenceThresholds().Validate(); serr != nil {
		err = multierr.Append(err, fmt.Errorf("silence: %w", serr))
	}
	for kind, p := range e.Policies() {
		if perr := p.Validate(); perr != nil {
			err = multierr.Append(err, fmt.Errorf("retry %s: %w", kind, perr))
		}
	}
	if e.AttemptTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("attempt timeout must be > 0"))
	}
	if e.BargeInTarget <= 0 {
		err = multierr.Append(err, fmt.Errorf("barge-in target must be > 0"))
	}
	if e.MaxHistory <= 0 {
		err = multierr.Append(err, fmt.Errorf("max history must be > 0"))
	}
	if e.CloseGrace <= 0 {
		err = multierr.Append(err, fmt.Errorf("close grace must be > 0"))
	}
	if e.MaxSpeech <= 0 {
		err = multierr.Append(err, fmt.Errorf("max speech must be > 0"))
	}
	if e.PlaybackBytesPerSecond < 0 {
		err = multierr.Append(err, fmt.Errorf("playback bytes per second must be >= 0"))
	}
	if flow := strings.TrimSpace(e.DefaultFlow); flow != "" && flow != "default" {
		if _, ok := e.Scenarios[flow]; !ok {
			err = multierr.Append(err, fmt.Errorf("default flow %q has no scenario", flow))
		}
	}
	return err
}

// EndpointModeValue builds the endpoint mode variant.
func (e Engine) EndpointModeValue() (endpoint.Mode, error) {
	return endpoint.ParseMode(e.EndpointMode, endpoint.VADEOU{
		Threshold: e.EOU.Threshold,
		Delay:     e.EOU.Delay,
		MaxWait:   e.EOU.MaxWait,
	})
}

// SilenceThresholds converts the silence section.
func (e Engine) SilenceThresholds() silence.Thresholds {
	return silence.Thresholds{
		ProcessingAck: e.Silence.ProcessingAck,
		Reprompt:      e.Silence.Reprompt,
		Close:         e.Silence.Close,
		TurnTimeout:   e.Silence.TurnTimeout,
	}
}

// Policies converts the retry section, defaulting missing kinds.
func (e Engine) Policies() map[provider.Kind]provider.Policy {
	out := make(map[provider.Kind]provider.Policy, 3)
	for _, kind := range []provider.Kind{provider.KindSTT, provider.KindLLM, provider.KindTTS} {
		r, ok := e.Retry[kind]
		if !ok {
			out[kind] = provider.DefaultPolicy()
			continue
		}
		out[kind] = provider.Policy{
			MaxAttempts: r.MaxAttempts,
			Base:        r.Base,
			Multiplier:  r.Multiplier,
			MaxBackoff:  r.MaxBackoff,
			Jitter:      r.Jitter,
		}
	}
	return out
}

// TurnConfig builds the engine configuration for one call.
func (e Engine) TurnConfig(seed uint64) (turn.Config, error) {
	mode, err := e.EndpointModeValue()
	if err != nil {
		return turn.Config{}, err
	}
	return turn.Config{
		Endpoint:       mode,
		Silence:        e.SilenceThresholds(),
		Retry:          e.Policies(),
		AttemptTimeout: e.AttemptTimeout,
		BargeInTarget:  e.BargeInTarget,
		Seed:           seed,
		SystemPrompt:   e.SystemPrompt,
		MaxHistory:     e.MaxHistory,
		Phrases:        e.Phrases,
		CloseGrace:     e.CloseGrace,
		MaxSpeech:      e.MaxSpeech,

		PlaybackBytesPerSecond: e.PlaybackBytesPerSecond,
	}, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
