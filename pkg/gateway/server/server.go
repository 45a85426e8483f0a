package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/vango-go/vai-call/pkg/core/events"
	"github.com/vango-go/vai-call/pkg/gateway/calls"
	"github.com/vango-go/vai-call/pkg/gateway/config"
	"github.com/vango-go/vai-call/pkg/gateway/handlers"
	"github.com/vango-go/vai-call/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-call/pkg/gateway/mw"
	"github.com/vango-go/vai-call/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-call/pkg/gateway/transport"
)

// Dependencies are the long-lived components the HTTP surface serves.
type Dependencies struct {
	Registry  *calls.Registry
	Store     *events.Store
	Lifecycle *lifecycle.Lifecycle
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Clock   clockwork.Clock
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	deps   Dependencies
	mux    *http.ServeMux

	limiter *ratelimit.Limiter
}

func New(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		deps:   deps,
		mux:    http.NewServeMux(),
		limiter: ratelimit.New(ratelimit.Config{
			RPS:   cfg.LimitRPS,
			Burst: cfg.LimitBurst,
		}),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	ready := handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.deps.Lifecycle}
	if s.deps.Registry != nil {
		ready.Calls = s.deps.Registry
	}
	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", ready)
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics)
	}

	h := handlers.Calls{
		Registry:    s.deps.Registry,
		Store:       s.deps.Store,
		MediaConfig: transport.Config{
			MaxFrameBytes: s.cfg.MediaMaxFrameBytes,
			WriteTimeout:  s.cfg.MediaWriteTimeout,
			PingInterval:  s.cfg.MediaPingInterval,
			ChunkBytes:    s.cfg.MediaPlaybackChunk,
			Pacing:        s.cfg.MediaPlaybackPacing,
		},
		Clock:       s.deps.Clock,
		Logger:      s.logger,
		Upgrader:    s.upgrader(),
		TailWrite:   s.cfg.MediaWriteTimeout,
	}
	s.mux.HandleFunc("POST /v1/calls", h.Create)
	s.mux.HandleFunc("GET /v1/calls", h.List)
	s.mux.HandleFunc("GET /v1/calls/{id}", h.Get)
	s.mux.HandleFunc("POST /v1/calls/{id}/hangup", h.Hangup)
	s.mux.HandleFunc("GET /v1/calls/{id}/events", h.Events)
	s.mux.HandleFunc("GET /v1/calls/{id}/events/ws", h.EventsWS)
	s.mux.HandleFunc("GET /v1/calls/{id}/events/stream", h.EventsSSE)
	s.mux.HandleFunc("GET /v1/calls/{id}/audit", h.Audit)
	s.mux.HandleFunc("GET /v1/calls/{id}/media", h.Media)
}

var routedMethods = []string{http.MethodGet, http.MethodPost}

// dispatch renders paths no route knows as JSON 404s. A known path with the
// wrong method still reaches the mux, which answers 405 with Allow.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	if _, pattern := s.mux.Handler(r); pattern == "" && !s.pathRouted(r) {
		handlers.NotFoundHandler{}.ServeHTTP(w, r)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) pathRouted(r *http.Request) bool {
	for _, m := range routedMethods {
		alt := r.Clone(r.Context())
		alt.Method = m
		if _, pattern := s.mux.Handler(alt); pattern != "" {
			return true
		}
	}
	return false
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     mw.Origins(s.cfg.CORSAllowedOrigins).AllowsSocket,
	}
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = http.HandlerFunc(s.dispatch)
	h = mw.RateLimit(s.limiter, h)
	h = mw.APIVersion(h)
	h = mw.CORS(mw.Origins(s.cfg.CORSAllowedOrigins), h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
