package mw

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// recordingWriter records which optional ResponseWriter methods were reached.
type recordingWriter struct {
	header   http.Header
	status   int
	flushed  bool
	hijacked bool
}

func (w *recordingWriter) Header() http.Header { return w.header }

func (w *recordingWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return len(p), nil
}

type testFlushWriter struct{ *recordingWriter }

func (w testFlushWriter) Flush() { w.flushed = true }

type testHijackWriter struct{ *recordingWriter }

func (w testHijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

type testFlushHijackWriter struct{ *recordingWriter }

func (w testFlushHijackWriter) Flush() { w.flushed = true }

func (w testFlushHijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

func TestAccessLog_OptionalInterfaces(t *testing.T) {
	cases := []struct {
		name      string
		wrap      func(*recordingWriter) http.ResponseWriter
		canFlush  bool
		canHijack bool
	}{
		{"plain", func(p *recordingWriter) http.ResponseWriter { return p }, false, false},
		{"flusher", func(p *recordingWriter) http.ResponseWriter { return testFlushWriter{p} }, true, false},
		{"hijacker", func(p *recordingWriter) http.ResponseWriter { return testHijackWriter{p} }, false, true},
		{"both", func(p *recordingWriter) http.ResponseWriter { return testFlushHijackWriter{p} }, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rw := &recordingWriter{header: make(http.Header)}
			h := AccessLog(slog.New(slog.NewJSONHandler(io.Discard, nil)), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				f, okF := w.(http.Flusher)
				hj, okH := w.(http.Hijacker)
				if okF != tc.canFlush || okH != tc.canHijack {
					t.Fatalf("flusher=%v hijacker=%v, want %v/%v", okF, okH, tc.canFlush, tc.canHijack)
				}
				if okF {
					f.Flush()
				}
				if okH {
					_, _, _ = hj.Hijack()
				}
			}))
			h.ServeHTTP(tc.wrap(rw), httptest.NewRequest(http.MethodGet, "/v1/calls/call_1/media", nil))

			if rw.flushed != tc.canFlush || rw.hijacked != tc.canHijack {
				t.Fatalf("flushed=%v hijacked=%v", rw.flushed, rw.hijacked)
			}
		})
	}
}

func TestAccessLog_Record(t *testing.T) {
	cases := []struct {
		name    string
		wrap    func(*recordingWriter) http.ResponseWriter
		handler http.HandlerFunc
		want    int
	}{
		{
			name:    "explicit status",
			wrap:    func(p *recordingWriter) http.ResponseWriter { return p },
			handler: func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusCreated) },
			want:    http.StatusCreated,
		},
		{
			name:    "implicit ok",
			wrap:    func(p *recordingWriter) http.ResponseWriter { return p },
			handler: func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "ok") },
			want:    http.StatusOK,
		},
		{
			name: "hijack",
			wrap: func(p *recordingWriter) http.ResponseWriter { return testHijackWriter{p} },
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _, _ = w.(http.Hijacker).Hijack()
			},
			want: http.StatusSwitchingProtocols,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := AccessLog(slog.New(slog.NewJSONHandler(&buf, nil)), tc.handler)
			req := httptest.NewRequest(http.MethodPost, "/v1/calls", nil)
			req = req.WithContext(WithRequestID(context.Background(), "req_log"))
			h.ServeHTTP(tc.wrap(&recordingWriter{header: make(http.Header)}), req)

			var rec map[string]any
			if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &rec); err != nil {
				t.Fatalf("unmarshal %q: %v", buf.String(), err)
			}
			if got, _ := rec["status"].(float64); int(got) != tc.want {
				t.Fatalf("status=%v, want %d", rec["status"], tc.want)
			}
			if rec["request_id"] != "req_log" || rec["method"] != http.MethodPost || rec["path"] != "/v1/calls" {
				t.Fatalf("record=%v", rec)
			}
		})
	}
}
