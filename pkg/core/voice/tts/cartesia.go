package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/vai-call/pkg/core"
)

const (
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaVersion = "2025-04-16"
	providerName    = "cartesia"
	maxErrorBody    = 4 << 10
)

// defaultVoiceID is a stock Cartesia voice; deployments set their own.
const defaultVoiceID = "a0e99841-438c-4a64-b679-ae501e7d6091"

// CartesiaProvider renders whole utterances with Cartesia's /tts/bytes
// endpoint. Agent replies are short, so one request per reply is enough.
type CartesiaProvider struct {
	apiKey     string
	baseURL    string
	opts       Options
	httpClient *http.Client
}

func NewCartesia(apiKey string, opts Options) *CartesiaProvider {
	return NewCartesiaWithClient(apiKey, opts, nil)
}

// NewCartesiaWithClient uses client for all requests; nil means a fresh
// http.Client.
func NewCartesiaWithClient(apiKey string, opts Options, client *http.Client) *CartesiaProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &CartesiaProvider{
		apiKey:     apiKey,
		baseURL:    cartesiaBaseURL,
		opts:       opts.withDefaults(),
		httpClient: client,
	}
}

func (c *CartesiaProvider) WithBaseURL(u string) *CartesiaProvider {
	c.baseURL = strings.TrimRight(u, "/")
	return c
}

func (c *CartesiaProvider) Name() string { return providerName }

// Synthesize returns the audio for text in the configured output format.
// Failures are *core.Error values so the supervisor can classify them;
// a cancelled ctx is returned as is.
func (c *CartesiaProvider) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(c.request(text))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/bytes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, networkError(ctx, "cartesia request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, core.NewInvalidResponseError(providerName, "no audio returned")
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		hint := core.RetryAfterMS(resp.Header.Get("Retry-After"), time.Now())
		return nil, core.FromHTTPStatus(providerName, resp.StatusCode, string(msg), hint)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError(ctx, "read audio", err)
	}
	return audio, nil
}

func (c *CartesiaProvider) request(text string) cartesiaTTSRequest {
	o := c.opts
	r := cartesiaTTSRequest{
		ModelID:      o.Model,
		Transcript:   text,
		Voice:        cartesiaVoiceSpec{Mode: "id", ID: o.Voice},
		OutputFormat: buildOutputFormat(o),
	}
	if o.Language != "" {
		r.Language = &o.Language
	}
	if o.Speed != 0 || o.Volume != 0 || o.Emotion != "" {
		r.GenerationConfig = &cartesiaGenerationConfig{Speed: o.Speed, Volume: o.Volume, Emotion: o.Emotion}
	}
	return r
}

func networkError(ctx context.Context, msg string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &core.Error{Type: core.ErrNetwork, Provider: providerName, Message: msg, Underlying: err}
}

type cartesiaTTSRequest struct {
	ModelID          string                    `json:"model_id"`
	Transcript       string                    `json:"transcript"`
	Voice            cartesiaVoiceSpec         `json:"voice"`
	OutputFormat     cartesiaOutputFormat      `json:"output_format"`
	Language         *string                   `json:"language,omitempty"`
	GenerationConfig *cartesiaGenerationConfig `json:"generation_config,omitempty"`
}

type cartesiaVoiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

type cartesiaGenerationConfig struct {
	Speed   float64 `json:"speed,omitempty"`
	Volume  float64 `json:"volume,omitempty"`
	Emotion string  `json:"emotion,omitempty"`
}

func buildOutputFormat(opts Options) cartesiaOutputFormat {
	f := cartesiaOutputFormat{Container: "raw", Encoding: "pcm_s16le", SampleRate: opts.SampleRate}
	switch opts.Format {
	case "mulaw":
		f.Encoding = "pcm_mulaw"
	case "wav":
		f.Container = "wav"
	}
	return f
}
