package shield

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestStackHeaders(t *testing.T) {
	// WHAT: every response carries the lock-down headers and a trace ID.
	r := chi.NewRouter()
	for _, mw := range Stack(slog.New(slog.DiscardHandler)) {
		r.Use(mw)
	}
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		if Logger(r.Context()) == slog.Default() {
			t.Error("request logger not installed")
		}
		w.Write([]byte("{}"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", nil))

	checks := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Cache-Control":           "no-store",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	}
	for header, want := range checks {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s: got %q, want %q", header, got, want)
		}
	}
	if id := w.Header().Get("X-Trace-ID"); len(id) != 8 {
		t.Errorf("X-Trace-ID = %q, want 8 hex chars", id)
	}
}

func TestHeadToGet(t *testing.T) {
	r := chi.NewRouter()
	r.Use(HeadToGet)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodHead, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("HEAD status = %d, want 200", w.Code)
	}
}

func TestTraceIDLogsStatus(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := TraceID(log)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/nope", nil))
	out := buf.String()
	if !strings.Contains(out, "status=404") || !strings.Contains(out, "path=/items/nope") {
		t.Fatalf("log = %q", out)
	}
}
