package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-call/pkg/gateway/apierror"
)

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Content-Type, X-Request-ID, " + apiVersionHeader
	corsExpose  = "X-Request-ID, Retry-After, " + apiVersionHeader
	corsMaxAge  = "600"
)

// Origins is the browser origin allowlist. An empty set disables CORS.
type Origins map[string]struct{}

// Allows reports whether origin is on the list.
func (o Origins) Allows(origin string) bool {
	if origin == "" {
		return false
	}
	_, ok := o[origin]
	return ok
}

// AllowsSocket is a websocket.Upgrader CheckOrigin. Requests without an
// Origin come from non-browser clients and pass, as do same-host origins.
func (o Origins) AllowsSocket(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || o.Allows(origin) {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

func CORS(origins Origins, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

		if !origins.Allows(origin) {
			if preflight {
				reqID, _ := RequestIDFrom(r.Context())
				apierror.Write(w, http.StatusForbidden, &apierror.Error{
					Type:      apierror.TypePermission,
					Message:   "origin not allowed",
					Code:      "cors_denied",
					RequestID: reqID,
				})
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		hdr := w.Header()
		hdr.Set("Access-Control-Allow-Origin", origin)
		hdr.Add("Vary", "Origin")
		if preflight {
			hdr.Set("Access-Control-Allow-Methods", corsMethods)
			hdr.Set("Access-Control-Allow-Headers", corsHeaders)
			hdr.Set("Access-Control-Max-Age", corsMaxAge)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		hdr.Set("Access-Control-Expose-Headers", corsExpose)
		next.ServeHTTP(w, r)
	})
}
