package mw

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/vai-call/pkg/gateway/apierror"
	"github.com/vango-go/vai-call/pkg/gateway/ratelimit"
)

// RateLimit throttles control API writes per client address. Reads, health
// checks and socket upgrades are not limited.
func RateLimit(limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		dec := limiter.Allow(clientKey(r), time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			}
			apierror.Write(w, http.StatusTooManyRequests, &apierror.Error{
				Type:      apierror.TypeRateLimit,
				Message:   "rate limit exceeded",
				RequestID: reqID,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
