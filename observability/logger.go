// Package observability builds the process logger and turns pipeline
// events into log lines and Prometheus metrics.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/hazyhaar/brickvault/catalog/event"
)

// ParseLevel maps "debug", "info", "warn" and "error" to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("observability: unknown log level %q", s)
}

// NewLogger returns a JSON ("json") or text ("text") logger writing to w.
func NewLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("observability: unknown log format %q", format)
}

// LogSink writes events to a logger. Failures and quarantines log at warn,
// attempts at debug, the rest at info.
type LogSink struct {
	Logger *slog.Logger
}

// Emit logs e.
func (s LogSink) Emit(e event.Event) {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	attrs := []any{"event", string(e.Kind)}
	if e.Code != "" {
		attrs = append(attrs, "code", e.Code)
	}
	if e.Entity != "" {
		attrs = append(attrs, "kind", e.Entity)
	}
	if e.Attempt > 0 {
		attrs = append(attrs, "attempt", e.Attempt)
	}
	if e.Count != 0 {
		attrs = append(attrs, "count", e.Count)
	}
	if e.Elapsed > 0 {
		attrs = append(attrs, "elapsed", e.Elapsed)
	}
	if e.Detail != "" {
		attrs = append(attrs, "detail", e.Detail)
	}
	if e.Err != nil {
		attrs = append(attrs, "error", e.Err)
	}

	switch e.Kind {
	case event.FetchAttempt:
		log.Debug("pipeline", attrs...)
	case event.FetchRetry, event.FetchFailed, event.LoginFailed, event.ParseError,
		event.Quarantine, event.BatchRollback:
		log.Warn("pipeline", attrs...)
	default:
		log.Info("pipeline", attrs...)
	}
}
