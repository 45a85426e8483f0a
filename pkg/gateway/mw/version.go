package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-call/pkg/gateway/apierror"
)

const (
	apiVersionHeader = "X-VAI-Call-Version"
	apiVersion       = "1"
)

// APIVersion pins /v1 requests to the one served API version. A missing
// header means the current version; any other value, including one entry
// of a comma-separated list, is rejected. Responses echo the version.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || !strings.HasPrefix(r.URL.Path+"/", "/v1/") {
			next.ServeHTTP(w, r)
			return
		}
		for _, v := range r.Header.Values(apiVersionHeader) {
			for _, part := range strings.Split(v, ",") {
				part = strings.TrimSpace(part)
				if part == "" || part == apiVersion {
					continue
				}
				reqID, _ := RequestIDFrom(r.Context())
				apierror.Write(w, http.StatusBadRequest, &apierror.Error{
					Type:      apierror.TypeInvalidRequest,
					Message:   "unsupported API version " + part,
					Param:     apiVersionHeader,
					Code:      "unsupported_version",
					RequestID: reqID,
				})
				return
			}
		}
		w.Header().Set(apiVersionHeader, apiVersion)
		next.ServeHTTP(w, r)
	})
}
