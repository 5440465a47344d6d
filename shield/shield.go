// Package shield holds the middleware stack of the read-only dashboard:
// security headers for a JSON API, HEAD support and per-request tracing.
//
//	r := chi.NewRouter()
//	for _, mw := range shield.Stack(logger) {
//		r.Use(mw)
//	}
package shield

import (
	"log/slog"
	"net/http"
)

// Stack returns the dashboard middleware in order: HeadToGet, security
// headers, then request tracing with log.
func Stack(log *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		TraceID(log),
	}
}
