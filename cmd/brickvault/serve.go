package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/brickvault/catalog"
	"github.com/hazyhaar/brickvault/observability"
	"github.com/hazyhaar/brickvault/shield"
)

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve [--addr :8086]",
		Short: "Serves the store read-only over HTTP, with /metrics.",
		Args:  cobra.NoArgs,
		RunE: a.withService(func(cmd *cobra.Command, svc *catalog.Service, _ []string) error {
			return serve(cmd.Context(), addr, newRouter(svc, a.metrics, a.log), a.log)
		}),
	}
	cmd.Flags().StringVar(&addr, "addr", ":8086", "Listen address.")
	return cmd
}

func serve(ctx context.Context, addr string, h http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("serving", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newRouter(svc *catalog.Service, m *observability.Metrics, log *slog.Logger) http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.Stack(log) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Get("/items", func(w http.ResponseWriter, r *http.Request) {
		f, err := filterFromQuery(r.URL.Query())
		if err != nil {
			writeError(w, 400, err)
			return
		}
		items, err := svc.Query(r.Context(), f)
		if err != nil {
			writeError(w, 400, err)
			return
		}
		if items == nil {
			items = []*catalog.Item{}
		}
		writeJSON(w, 200, items)
	})

	r.Get("/items/{code}", func(w http.ResponseWriter, r *http.Request) {
		it, err := svc.Get(r.Context(), chi.URLParam(r, "code"))
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, 404, err)
			return
		}
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, it)
	})

	r.Get("/items/{code}/associations", func(w http.ResponseWriter, r *http.Request) {
		assocs, err := svc.Associations(r.Context(), chi.URLParam(r, "code"))
		if err != nil {
			writeError(w, 400, err)
			return
		}
		if assocs == nil {
			assocs = []catalog.Association{}
		}
		writeJSON(w, 200, assocs)
	})

	r.Get("/matrix", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		mx, err := svc.Project(r.Context(), q.Get("theme"), q.Get("include_quarantined") == "true")
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if q.Get("format") == "csv" {
			w.Header().Set("Content-Type", "text/csv")
			mx.WriteCSV(w)
			return
		}
		data, err := mx.Render()
		if err != nil {
			writeError(w, 500, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Stats(r.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, st)
	})

	r.Get("/runs", func(w http.ResponseWriter, r *http.Request) {
		runs, err := svc.Runs(r.Context(), queryInt(r, "limit", 20))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if runs == nil {
			runs = []*catalog.Run{}
		}
		writeJSON(w, 200, runs)
	})

	r.Get("/backups", func(w http.ResponseWriter, _ *http.Request) {
		list, err := svc.Backups()
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if list == nil {
			list = []catalog.Backup{}
		}
		writeJSON(w, 200, list)
	})

	r.Handle("/metrics", m.Handler())
	return r
}

// filterFromQuery reads the item filter from query parameters named like
// the query command's flags, with underscores.
func filterFromQuery(q url.Values) (catalog.Filter, error) {
	f := catalog.Filter{
		Theme:               q.Get("theme"),
		WithImage:           q.Get("with_image") == "true",
		IncludeQuarantined:  q.Get("include_quarantined") == "true",
		IncludePlaceholders: q.Get("include_placeholders") == "true",
		OrderBy:             q.Get("order"),
		Desc:                q.Get("desc") == "true",
	}
	if k := q.Get("kind"); k != "" {
		kind, err := catalog.ParseKind(k)
		if err != nil {
			return f, err
		}
		f.Kind = kind
	}
	ints := []struct {
		key string
		dst *int
	}{{"from", &f.YearFrom}, {"to", &f.YearTo}, {"limit", &f.Limit}, {"offset", &f.Offset}}
	for _, p := range ints {
		s := q.Get(p.key)
		if s == "" {
			continue
		}
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return f, errors.New(p.key + ": want a non-negative integer")
		}
		*p.dst = v
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
