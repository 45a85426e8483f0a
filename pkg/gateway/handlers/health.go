package handlers

import (
	"net/http"

	"github.com/vango-go/vai-call/pkg/gateway/config"
	"github.com/vango-go/vai-call/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ActiveCounter reports calls that have not ended yet.
type ActiveCounter interface {
	Active() int
}

// ReadyHandler reports not-ready while draining so load balancers stop
// routing new calls here.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Calls     ActiveCounter
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK           bool     `json:"ok"`
		Draining     bool     `json:"draining"`
		ActiveCalls  int      `json:"active_calls"`
		MaxCalls     int      `json:"max_active_calls"`
		EndpointMode string   `json:"endpoint_mode"`
		Issues       []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 2)
	if err := h.Config.Engine.Validate(); err != nil {
		issues = append(issues, err.Error())
	}
	if h.Config.MaxActiveCalls <= 0 {
		issues = append(issues, "max_active_calls must be > 0")
	}

	draining := h.Lifecycle.IsDraining()
	active := 0
	if h.Calls != nil {
		active = h.Calls.Active()
	}

	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, readyResp{
		OK:           ok,
		Draining:     draining,
		ActiveCalls:  active,
		MaxCalls:     h.Config.MaxActiveCalls,
		EndpointMode: h.Config.Engine.EndpointMode,
		Issues:       issues,
	})
}
