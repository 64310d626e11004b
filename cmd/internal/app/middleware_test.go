package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		level  slog.Level
		result string
		class  string
	}{
		{200, slog.LevelInfo, "success", "2xx"},
		{201, slog.LevelInfo, "success", "2xx"},
		{302, slog.LevelInfo, "redirect", "3xx"},
		{409, slog.LevelWarn, "client_error", "4xx"},
		{410, slog.LevelWarn, "client_error", "4xx"},
		{503, slog.LevelError, "server_error", "5xx"},
		{101, slog.LevelInfo, "success", "1xx"},
	}
	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		if level != tc.level || result != tc.result {
			t.Fatalf("requestLogMeta(%d)=(%v,%q) want (%v,%q)", tc.status, level, result, tc.level, tc.result)
		}
		if got := statusClass(tc.status); got != tc.class {
			t.Fatalf("statusClass(%d)=%q want %q", tc.status, got, tc.class)
		}
	}
}

func TestWithRequestLogging_RecordsStatusAndBytes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte("gone"))
	}), log)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/qr/redeem", nil))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["msg"] != "http.request" || line["level"] != "WARN" {
		t.Fatalf("unexpected log line: %v", line)
	}
	if line["status"] != float64(http.StatusGone) || line["bytes"] != float64(4) {
		t.Fatalf("status/bytes not recorded: %v", line)
	}
	if line["path"] != "/qr/redeem" || line["result"] != "client_error" {
		t.Fatalf("unexpected fields: %v", line)
	}
}

func TestWithRequestLogging_PreservesHijacker(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))

	var sawHijacker bool
	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hj, ok := w.(http.Hijacker)
		sawHijacker = ok
		if ok {
			// The recorder cannot be hijacked; the wrapper must say so instead of panicking.
			if _, _, err := hj.Hijack(); err == nil {
				t.Errorf("expected hijack error from recorder")
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}), log)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws/redemptions", nil))
	if !sawHijacker {
		t.Fatalf("wrapped writer must implement http.Hijacker")
	}
}

func TestWithSecurityHeaders(t *testing.T) {
	t.Parallel()

	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	for k, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rec.Header().Get(k); got != want {
			t.Fatalf("%s=%q want %q", k, got, want)
		}
	}
}
