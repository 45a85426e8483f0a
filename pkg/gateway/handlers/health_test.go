package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vango-go/vai-call/pkg/gateway/config"
	"github.com/vango-go/vai-call/pkg/gateway/lifecycle"
)

type fixedActive int

func (n fixedActive) Active() int { return int(n) }

func readyConfig() config.Config {
	return config.Config{
		MaxActiveCalls: 10,
		Engine: config.Engine{
			EndpointMode: "vad_only",
			Silence: config.Silence{
				ProcessingAck: 1500 * time.Millisecond,
				Reprompt:      7 * time.Second,
				Close:         15 * time.Second,
				TurnTimeout:   30 * time.Second,
			},
			AttemptTimeout: 10 * time.Second,
			BargeInTarget:  100 * time.Millisecond,
			MaxHistory:     20,
			CloseGrace:     10 * time.Second,
		},
	}
}

func serveReady(t *testing.T, h ReadyHandler) (int, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return rr.Code, resp
}

func TestReadyHandler_Ready(t *testing.T) {
	status, resp := serveReady(t, ReadyHandler{Config: readyConfig(), Lifecycle: &lifecycle.Lifecycle{}, Calls: fixedActive(3)})
	if status != http.StatusOK {
		t.Fatalf("status=%d resp=%v", status, resp)
	}
	if resp["active_calls"] != float64(3) {
		t.Fatalf("active_calls=%v, want 3", resp["active_calls"])
	}
}

func TestReadyHandler_DrainingIs503(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	status, resp := serveReady(t, ReadyHandler{Config: readyConfig(), Lifecycle: lc})
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status=%d resp=%v", status, resp)
	}
	if ok, _ := resp["ok"].(bool); ok {
		t.Fatal("expected ok=false while draining")
	}
}

func TestReadyHandler_InvalidEngineNotReady(t *testing.T) {
	cfg := readyConfig()
	cfg.Engine.Silence.Reprompt = 20 * time.Second
	status, resp := serveReady(t, ReadyHandler{Config: cfg})
	if status != http.StatusInternalServerError {
		t.Fatalf("status=%d resp=%v", status, resp)
	}
	if issues, _ := resp["issues"].([]any); len(issues) == 0 {
		t.Fatal("expected issues")
	}
}

func TestHealthHandler_OK(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}
