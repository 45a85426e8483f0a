package mw

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/vai-call/pkg/gateway/apierror"
)

func TestAPIVersion(t *testing.T) {
	cases := []struct {
		name    string
		method  string
		path    string
		headers []string
		want    int
		echoed  bool
	}{
		{name: "no header", method: http.MethodGet, path: "/v1/calls", want: http.StatusOK, echoed: true},
		{name: "current", method: http.MethodPost, path: "/v1/calls", headers: []string{"1"}, want: http.StatusOK, echoed: true},
		{name: "padded duplicates", method: http.MethodGet, path: "/v1/calls", headers: []string{" 1 ", "1, 1"}, want: http.StatusOK, echoed: true},
		{name: "unsupported", method: http.MethodGet, path: "/v1/calls", headers: []string{"2"}, want: http.StatusBadRequest},
		{name: "mixed list", method: http.MethodGet, path: "/v1/calls/call_1", headers: []string{"1,2"}, want: http.StatusBadRequest},
		{name: "bare v1", method: http.MethodGet, path: "/v1", headers: []string{"2"}, want: http.StatusBadRequest},
		{name: "outside v1", method: http.MethodGet, path: "/healthz", headers: []string{"2"}, want: http.StatusOK},
		{name: "v1 prefix lookalike", method: http.MethodGet, path: "/v10/calls", headers: []string{"2"}, want: http.StatusOK},
		{name: "preflight", method: http.MethodOptions, path: "/v1/calls", headers: []string{"2"}, want: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := APIVersion(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(tc.method, tc.path, nil)
			for _, v := range tc.headers {
				req.Header.Add(apiVersionHeader, v)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tc.want {
				t.Fatalf("status=%d, want %d (body=%q)", rr.Code, tc.want, rr.Body.String())
			}
			if got := rr.Header().Get(apiVersionHeader) != ""; got != tc.echoed {
				t.Fatalf("echoed=%v, want %v", got, tc.echoed)
			}
			if tc.want != http.StatusBadRequest {
				return
			}
			var env apierror.Envelope
			if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if env.Error == nil || env.Error.Code != "unsupported_version" || env.Error.Param != apiVersionHeader {
				t.Fatalf("error=%+v", env.Error)
			}
		})
	}
}
