package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-call/pkg/core/events"
	"github.com/vango-go/vai-call/pkg/core/llm"
	"github.com/vango-go/vai-call/pkg/gateway/calls"
	"github.com/vango-go/vai-call/pkg/gateway/config"
	"github.com/vango-go/vai-call/pkg/gateway/lifecycle"
)

type stubLLM struct{}

func (stubLLM) Name() string  { return "stub-llm" }
func (stubLLM) Model() string { return "stub" }
func (stubLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	return "Prima.", nil
}

type stubTTS struct{}

func (stubTTS) Name() string { return "stub-tts" }
func (stubTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return []byte(text), nil
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store := events.NewStore(100, 10)
	reg, err := calls.NewRegistry(calls.Options{
		Logger:    logger,
		Events:    events.NewEmitter(nil, logger, store),
		Providers: calls.Providers{LLM: stubLLM{}, TTS: stubTTS{}},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() {
		reg.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		reg.Wait(ctx)
	})

	cfg := config.Config{
		CORSAllowedOrigins: map[string]struct{}{},
		MaxActiveCalls:     10,
		MediaWriteTimeout:  time.Second,
		MediaPlaybackChunk: 3200,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, logger, Dependencies{
		Registry:  reg,
		Store:     store,
		Lifecycle: &lifecycle.Lifecycle{},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "# metrics\n")
		}),
	})
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := newTestServer(t, nil)

	rr := serve(s, httptest.NewRequest(http.MethodGet, "/does-not-exist", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found_error"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID")
	}
}

func TestServer_CreateCallRoute(t *testing.T) {
	s := newTestServer(t, nil)

	rr := serve(s, httptest.NewRequest(http.MethodPost, "/v1/calls", strings.NewReader(`{"direction":"inbound"}`)))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"session_id":"call_`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestServer_WrongMethodIs405(t *testing.T) {
	s := newTestServer(t, nil)
	cases := []struct {
		method, path, allow string
	}{
		{http.MethodDelete, "/v1/calls", "POST"},
		{http.MethodPut, "/v1/calls/call_x/hangup", "POST"},
		{http.MethodPost, "/healthz", "GET"},
	}
	for _, tc := range cases {
		rr := serve(s, httptest.NewRequest(tc.method, tc.path, nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s status=%d, want 405", tc.method, tc.path, rr.Code)
		}
		if got := rr.Header().Get("Allow"); !strings.Contains(got, tc.allow) {
			t.Fatalf("%s %s Allow=%q, want it to list %s", tc.method, tc.path, got, tc.allow)
		}
	}
}

func TestServer_UnknownPathUnderKnownPrefixIsJSON404(t *testing.T) {
	s := newTestServer(t, nil)
	rr := serve(s, httptest.NewRequest(http.MethodDelete, "/v1/calls/call_x/nope", nil))
	if rr.Code != http.StatusNotFound || !strings.Contains(rr.Body.String(), "not_found_error") {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	if rr := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil)); rr.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rr.Code)
	}
	rr := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "# metrics") {
		t.Fatalf("metrics status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestServer_UnsupportedAPIVersion(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/calls", nil)
	req.Header.Set("X-VAI-Call-Version", "2")
	rr := serve(s, req)
	if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "unsupported_version") {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestServer_RateLimitsCreate(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.LimitRPS = 0.01
		c.LimitBurst = 1
	})

	first := serve(s, httptest.NewRequest(http.MethodPost, "/v1/calls", nil))
	if first.Code != http.StatusCreated {
		t.Fatalf("first status=%d body=%q", first.Code, first.Body.String())
	}
	second := serve(s, httptest.NewRequest(http.MethodPost, "/v1/calls", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second status=%d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	if rr := serve(s, httptest.NewRequest(http.MethodGet, "/v1/calls", nil)); rr.Code != http.StatusOK {
		t.Fatalf("reads must not be limited, status=%d", rr.Code)
	}
}
