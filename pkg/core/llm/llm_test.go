package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/vango-go/vai-call/pkg/core"
)

func TestHistory_BoundsAndSkipsEmpty(t *testing.T) {
	h := NewHistory(3)
	h.Append(RoleUser, "een")
	h.Append(RoleAssistant, "  ")
	h.Append(RoleAssistant, "twee")
	h.Append(RoleUser, "drie")
	h.Append(RoleAssistant, "vier")

	got := h.Messages()
	if len(got) != 3 {
		t.Fatalf("len=%d, want 3", len(got))
	}
	if got[0].Text != "twee" || got[2].Text != "vier" {
		t.Fatalf("messages=%+v, want oldest dropped", got)
	}
	got[0].Text = "mutated"
	if h.Messages()[0].Text != "twee" {
		t.Fatalf("Messages must return a copy")
	}
}

func TestRequest_EncodingIsStable(t *testing.T) {
	req := Request{System: "wees kort", Messages: []Message{{Role: RoleUser, Text: "hoi"}}}
	a, err := req.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, _ := req.Encode()
	if string(a) != string(b) {
		t.Fatalf("encoding not stable: %s vs %s", a, b)
	}
	back, err := DecodeRequest(a)
	if err != nil || back.System != req.System || len(back.Messages) != 1 {
		t.Fatalf("DecodeRequest=%+v,%v", back, err)
	}
	if _, err := DecodeRequest([]byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestGeminiError_MapsAPIStatus(t *testing.T) {
	cases := []struct {
		err  error
		want core.ErrorType
	}{
		{genai.APIError{Code: 429, Message: "quota"}, core.ErrRateLimit},
		{&genai.APIError{Code: 503, Message: "busy"}, core.ErrOverloaded},
		{fmt.Errorf("wrapped: %w", genai.APIError{Code: 401, Message: "bad key"}), core.ErrAuthentication},
		{genai.APIError{Code: 400, Message: "bad"}, core.ErrInvalidRequest},
		{errors.New("connection reset by peer"), core.ErrNetwork},
	}
	for _, tc := range cases {
		var ce *core.Error
		if !errors.As(geminiError(tc.err), &ce) {
			t.Fatalf("geminiError(%v) is not a core error", tc.err)
		}
		if ce.Type != tc.want || ce.Provider != "gemini" {
			t.Fatalf("geminiError(%v)=%s/%s, want %s/gemini", tc.err, ce.Type, ce.Provider, tc.want)
		}
	}
}

func TestGemini_CompleteAgainstFakeAPI(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "test-model:generateContent") {
			t.Errorf("path=%s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"Goedemiddag!"}]}}]}`)
	}))
	defer srv.Close()

	g, err := NewGemini(context.Background(), GeminiConfig{APIKey: "k", Model: "test-model", BaseURL: srv.URL + "/", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("NewGemini: %v", err)
	}
	text, err := g.Complete(context.Background(), Request{
		System:   "wees kort",
		Messages: []Message{{Role: RoleUser, Text: "hoi"}, {Role: RoleAssistant, Text: "hallo"}, {Role: RoleUser, Text: "hoe gaat het"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "Goedemiddag!" {
		t.Fatalf("text=%q", text)
	}
	contents, _ := gotBody["contents"].([]any)
	if len(contents) != 3 {
		t.Fatalf("contents=%d, want 3", len(contents))
	}
	if second, _ := contents[1].(map[string]any); second["role"] != "model" {
		t.Fatalf("assistant turn role=%v, want model", second["role"])
	}
	if _, ok := gotBody["systemInstruction"]; !ok {
		t.Fatalf("system instruction not sent")
	}
}

func TestGemini_RequiresKey(t *testing.T) {
	if _, err := NewGemini(context.Background(), GeminiConfig{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}
