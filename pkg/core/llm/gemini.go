package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/vai-call/pkg/core"
)

const (
	geminiProvider = "gemini"

	// DefaultGeminiModel is used when no model is configured.
	DefaultGeminiModel = "gemini-2.5-flash"
)

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float32
	MaxTokens   int32
	HTTPClient  *http.Client
}

// Gemini completes requests with the Gemini API.
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
}

// NewGemini creates a Gemini adapter.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultGeminiModel
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, cfg: cfg}, nil
}

// Name returns the provider identifier.
func (g *Gemini) Name() string { return geminiProvider }

// Model returns the configured model.
func (g *Gemini) Model() string { return g.cfg.Model }

// Complete returns the model's text reply.
func (g *Gemini) Complete(ctx context.Context, req Request) (string, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, role))
	}
	if len(contents) == 0 {
		return "", core.NewInvalidResponseError(geminiProvider, "empty conversation")
	}

	gc := &genai.GenerateContentConfig{}
	if req.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if g.cfg.Temperature > 0 {
		gc.Temperature = genai.Ptr(g.cfg.Temperature)
	}
	if g.cfg.MaxTokens > 0 {
		gc.MaxOutputTokens = g.cfg.MaxTokens
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, contents, gc)
	if err != nil {
		return "", geminiError(err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", core.NewInvalidResponseError(geminiProvider, "response contained no text")
	}
	return text, nil
}

func geminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return core.FromHTTPStatus(geminiProvider, apiErr.Code, apiErr.Message, 0)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return core.FromHTTPStatus(geminiProvider, apiErrPtr.Code, apiErrPtr.Message, 0)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return core.Classify(geminiProvider, err)
}
