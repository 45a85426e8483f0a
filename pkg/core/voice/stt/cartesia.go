package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
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

// CartesiaProvider transcribes complete utterances with Cartesia's batch STT
// endpoint.
type CartesiaProvider struct {
	apiKey     string
	baseURL    string
	opts       Options
	httpClient *http.Client
}

// NewCartesia creates a new Cartesia STT provider.
func NewCartesia(apiKey string, opts Options) *CartesiaProvider {
	return NewCartesiaWithClient(apiKey, opts, &http.Client{})
}

// NewCartesiaWithClient creates a new Cartesia STT provider with a custom HTTP client.
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

// WithBaseURL points the provider at another endpoint.
func (c *CartesiaProvider) WithBaseURL(u string) *CartesiaProvider {
	c.baseURL = strings.TrimRight(u, "/")
	return c
}

// Name returns the provider identifier.
func (c *CartesiaProvider) Name() string {
	return providerName
}

// Model returns the configured STT model.
func (c *CartesiaProvider) Model() string {
	return c.opts.Model
}

// Transcribe converts one utterance of raw PCM audio to text. Failures are
// returned as *core.Error so the supervisor can decide on retries.
func (c *CartesiaProvider) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "utterance.raw")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return "", fmt.Errorf("write audio data: %w", err)
	}
	if err := mw.WriteField("model", c.opts.Model); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if err := mw.WriteField("language", c.opts.Language); err != nil {
		return "", fmt.Errorf("write language field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	u, err := url.Parse(c.baseURL + "/stt")
	if err != nil {
		return "", core.FromHTTPStatus(providerName, http.StatusBadRequest, "invalid base url", 0)
	}
	q := u.Query()
	q.Set("encoding", c.opts.Encoding)
	q.Set("sample_rate", strconv.Itoa(c.opts.SampleRate))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &core.Error{Type: core.ErrNetwork, Provider: providerName, Message: "cartesia request failed", Underlying: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", core.FromHTTPStatus(providerName, resp.StatusCode, string(body), core.RetryAfterMS(resp.Header.Get("Retry-After"), time.Now()))
	}

	var out cartesiaTranscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", core.NewInvalidResponseError(providerName, "decode transcription: "+err.Error())
	}
	return strings.TrimSpace(out.Text), nil
}

type cartesiaTranscriptionResponse struct {
	Text     string   `json:"text"`
	Language *string  `json:"language,omitempty"`
	Duration *float64 `json:"duration,omitempty"`
}
