package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/vango-go/vai-call/pkg/core/events"
	"github.com/vango-go/vai-call/pkg/core/turn"
	"github.com/vango-go/vai-call/pkg/gateway/apierror"
	"github.com/vango-go/vai-call/pkg/gateway/calls"
	"github.com/vango-go/vai-call/pkg/gateway/mw"
	"github.com/vango-go/vai-call/pkg/gateway/sse"
	"github.com/vango-go/vai-call/pkg/gateway/transport"
)

const (
	maxCreateBodyBytes = 4 << 10
	maxEventsLimit     = 5000
	tailBuffer         = 256
	sseKeepAlive       = 15 * time.Second
)

// Calls serves the control and read API under /v1/calls.
type Calls struct {
	Registry    *calls.Registry
	Store       *events.Store
	MediaConfig transport.Config
	Clock       clockwork.Clock
	Logger      *slog.Logger
	Upgrader    websocket.Upgrader
	TailWrite   time.Duration
}

type createCallRequest struct {
	Direction string `json:"direction"`
	// Flow selects the call scenario; empty means the default flow.
	Flow string `json:"flow"`
}

type createCallResponse struct {
	SessionID string `json:"session_id"`
	Direction string `json:"direction"`
	Flow      string `json:"flow"`
	Seed      uint64 `json:"seed"`
}

type listCallsResponse struct {
	Calls []calls.Summary `json:"calls"`
}

type eventsResponse struct {
	SessionID string         `json:"session_id"`
	Events    []events.Event `json:"events"`
}

type auditResponse struct {
	SessionID  string             `json:"session_id"`
	OK         bool               `json:"ok"`
	Events     int                `json:"events"`
	Violations []events.Violation `json:"violations"`
}

func (h Calls) clock() clockwork.Clock {
	if h.Clock == nil {
		return clockwork.NewRealClock()
	}
	return h.Clock
}

func (h Calls) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// Create handles POST /v1/calls.
func (h Calls) Create(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	var req createCallRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCreateBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, apierror.TypeInvalidRequest, "could not read body", "", reqID)
		return
	}
	if len(body) > maxCreateBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, apierror.TypeInvalidRequest, "body too large", "", reqID)
		return
	}
	if strings.TrimSpace(string(body)) != "" {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, apierror.TypeInvalidRequest, "invalid json body", "", reqID)
			return
		}
	}

	c, err := h.Registry.Create(req.Direction, req.Flow)
	switch {
	case err == nil:
	case errors.Is(err, calls.ErrDraining):
		writeError(w, http.StatusServiceUnavailable, apierror.TypeUnavailable, "server is draining", "draining", reqID)
		return
	case errors.Is(err, calls.ErrCapacity):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, apierror.TypeUnavailable, "too many active calls", "capacity", reqID)
		return
	case errors.Is(err, calls.ErrInvalidDirection):
		writeError(w, http.StatusBadRequest, apierror.TypeInvalidRequest, err.Error(), "", reqID)
		return
	case errors.Is(err, calls.ErrUnknownFlow):
		writeError(w, http.StatusBadRequest, apierror.TypeInvalidRequest, err.Error(), "unknown_flow", reqID)
		return
	default:
		h.logger().Error("create call failed", "request_id", reqID, "error", err)
		writeErrorFrom(w, err, reqID)
		return
	}

	writeJSON(w, http.StatusCreated, createCallResponse{SessionID: c.ID, Direction: c.Direction, Flow: c.Flow, Seed: c.Seed})
}

// List handles GET /v1/calls.
func (h Calls) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listCallsResponse{Calls: h.Registry.List()})
}

// Get handles GET /v1/calls/{id}.
func (h Calls) Get(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.Summary())
}

// Hangup handles POST /v1/calls/{id}/hangup.
func (h Calls) Hangup(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	id := r.PathValue("id")

	err := h.Registry.Hangup(id, turn.ReasonHangup)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, calls.ErrNotFound):
		writeError(w, http.StatusNotFound, apierror.TypeNotFound, "call not found", "", reqID)
	case errors.Is(err, turn.ErrEnded):
		writeError(w, http.StatusConflict, apierror.TypeConflict, "call has ended", "call_ended", reqID)
	default:
		h.logger().Warn("hangup failed", "request_id", reqID, "session_id", id, "error", err)
		writeError(w, http.StatusBadGateway, apierror.TypeAPI, "hangup failed", "hangup_failed", reqID)
	}
}

// Events handles GET /v1/calls/{id}/events?type=&turn_id=&limit=.
func (h Calls) Events(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	id := r.PathValue("id")
	if _, ok := h.lookup(w, r); !ok {
		return
	}

	q := r.URL.Query()
	f := events.Filter{
		SessionID: id,
		TurnID:    strings.TrimSpace(q.Get("turn_id")),
		Type:      events.Type(strings.TrimSpace(q.Get("type"))),
	}
	if f.Type != "" {
		if _, known := events.Lookup(f.Type); !known {
			writeError(w, http.StatusBadRequest, apierror.TypeInvalidRequest, "unknown event type", "", reqID)
			return
		}
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > maxEventsLimit {
			writeError(w, http.StatusBadRequest, apierror.TypeInvalidRequest, "limit must be between 0 and "+strconv.Itoa(maxEventsLimit), "", reqID)
			return
		}
		f.Limit = n
	}

	evs := h.Store.Query(f)
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{SessionID: id, Events: evs})
}

// Audit handles GET /v1/calls/{id}/audit: it checks the retained event
// stream against the per-turn ordering guarantees.
func (h Calls) Audit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.lookup(w, r); !ok {
		return
	}
	evs := h.Store.Query(events.Filter{SessionID: id})
	violations := events.CheckTurns(evs)
	if violations == nil {
		violations = []events.Violation{}
	}
	writeJSON(w, http.StatusOK, auditResponse{
		SessionID:  id,
		OK:         len(violations) == 0,
		Events:     len(evs),
		Violations: violations,
	})
}

// EventsWS handles GET /v1/calls/{id}/events/ws. It replays retained events
// and then streams new ones as JSON text frames until the call ends.
func (h Calls) EventsWS(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	live, cancel := h.Store.Subscribe(c.ID, tailBuffer)
	defer cancel()

	writeTimeout := h.TailWrite
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	send := func(e events.Event) error {
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		return ws.WriteJSON(e)
	}

	var last uint64
	for _, e := range h.Store.Query(events.Filter{SessionID: c.ID}) {
		if err := send(e); err != nil {
			return
		}
		last = e.Seq
	}

	// Drain client frames so close handshakes are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e, ok := <-live:
			if !ok {
				return
			}
			if e.Seq <= last {
				continue
			}
			if err := send(e); err != nil {
				return
			}
			last = e.Seq
		case <-c.Engine.Done():
			// call.ended is already buffered; flush, then close.
		flush:
			for {
				select {
				case e, ok := <-live:
					if !ok {
						break flush
					}
					if e.Seq > last {
						_ = send(e)
						last = e.Seq
					}
				default:
					break flush
				}
			}
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"), time.Now().Add(writeTimeout))
			return
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// EventsSSE handles GET /v1/calls/{id}/events/stream, the Server-Sent
// Events form of the live tail. Last-Event-ID resumes after that seq.
func (h Calls) EventsSSE(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var last uint64
	if raw := strings.TrimSpace(r.Header.Get("Last-Event-ID")); raw != "" {
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
			last = n
		}
	}

	live, cancel := h.Store.Subscribe(c.ID, tailBuffer)
	defer cancel()

	sw, err := sse.New(w)
	if err != nil {
		reqID, _ := mw.RequestIDFrom(r.Context())
		writeError(w, http.StatusInternalServerError, apierror.TypeAPI, "streaming unsupported", "", reqID)
		return
	}
	send := func(e events.Event) error {
		if e.Seq <= last {
			return nil
		}
		last = e.Seq
		return sw.Send(strconv.FormatUint(e.Seq, 10), string(e.Type), e)
	}

	for _, e := range h.Store.Query(events.Filter{SessionID: c.ID}) {
		if err := send(e); err != nil {
			return
		}
	}

	ping := h.clock().NewTicker(sseKeepAlive)
	defer ping.Stop()
	for {
		select {
		case e, ok := <-live:
			if !ok {
				return
			}
			if err := send(e); err != nil {
				return
			}
		case <-c.Engine.Done():
			for {
				select {
				case e := <-live:
					_ = send(e)
					continue
				default:
				}
				return
			}
		case <-ping.Chan():
			if err := sw.Ping(); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// Media handles GET /v1/calls/{id}/media, the call's audio transport.
func (h Calls) Media(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if c.Ended() {
		writeError(w, http.StatusConflict, apierror.TypeConflict, "call has ended", "call_ended", reqID)
		return
	}
	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	logger := h.logger().With("session_id", c.ID, "request_id", reqID)
	if err := transport.Serve(r.Context(), ws, c.Engine, transport.Options{
		Config: h.MediaConfig,
		Clock:  h.Clock,
		Logger: logger,
	}); err != nil {
		logger.Warn("media connection ended", "error", err)
	}
}

func (h Calls) lookup(w http.ResponseWriter, r *http.Request) (*calls.Call, bool) {
	c, ok := h.Registry.Get(r.PathValue("id"))
	if !ok {
		reqID, _ := mw.RequestIDFrom(r.Context())
		writeError(w, http.StatusNotFound, apierror.TypeNotFound, "call not found", "", reqID)
		return nil, false
	}
	return c, true
}
