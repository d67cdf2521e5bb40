package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithRequestLogging_LogsMethodPathStatus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := WithRequestLogging(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("wrapped handler status lost: %d", rec.Code)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if entry["method"] != "GET" || entry["path"] != "/healthz" {
		t.Fatalf("unexpected log entry: %v", entry)
	}
	if entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("status not captured: %v", entry["status"])
	}
}

func TestWithRequestLogging_DefaultsTo200(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := WithRequestLogging(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if !strings.Contains(buf.String(), `"status":200`) {
		t.Fatalf("expected implicit 200: %q", buf.String())
	}
}

func TestLoggingResponseWriter_PreservesUpgradeInterfaces(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rec, status: http.StatusOK}

	// The wrapper must expose Hijack/Flush/Unwrap so websocket upgrades can
	// reach the underlying connection.
	var w http.ResponseWriter = lrw
	if _, ok := w.(http.Flusher); !ok {
		t.Fatalf("wrapper lost http.Flusher")
	}
	if _, ok := w.(http.Hijacker); !ok {
		t.Fatalf("wrapper lost http.Hijacker")
	}

	type unwrapper interface{ Unwrap() http.ResponseWriter }
	u, ok := w.(unwrapper)
	if !ok {
		t.Fatalf("wrapper lost Unwrap")
	}
	if u.Unwrap() != rec {
		t.Fatalf("Unwrap returned wrong writer")
	}

	// httptest.ResponseRecorder cannot hijack; the error path must be clean.
	if _, _, err := lrw.Hijack(); err == nil {
		t.Fatalf("expected hijack error on non-hijackable writer")
	}
}
