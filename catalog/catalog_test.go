package catalog

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/brickvault/catalog/event"
	"github.com/hazyhaar/brickvault/catalog/internal/images"
	"github.com/hazyhaar/brickvault/catalog/internal/session"
	"github.com/hazyhaar/brickvault/catalog/internal/store"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)

type page struct {
	name, theme, pieces, year, value string
	refs                             []string
}

// site is a small catalog served over HTTP. Unknown codes get a 404 and
// every login is rejected.
type site struct {
	mu         sync.Mutex
	sets       map[string]page
	figs       map[string]page
	requests   map[string]int
	imagesDown bool
}

func newSite() *site {
	return &site{sets: map[string]page{}, figs: map[string]page{}, requests: map[string]int{}}
}

func (s *site) hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

func (s *site) serve(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /set/{code}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.URL.Path]++
		p, ok := s.sets[r.PathValue("code")]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, setHTML(r.PathValue("code"), p))
	})
	mux.HandleFunc("GET /minifig/{code}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.URL.Path]++
		p, ok := s.figs[r.PathValue("code")]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, figHTML(p))
	})
	mux.HandleFunc("GET /img/{file}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		down := s.imagesDown
		s.mu.Unlock()
		if down {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><form method="post"><input type="hidden" name="token" value="x"></form></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func setHTML(code string, p page) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<html><head><title>LEGO %s %s | BrickEconomy</title>`, code, p.name)
	fmt.Fprintf(&b, `<meta property="og:image" content="/img/%s.png"></head><body>`, code)
	fmt.Fprintf(&b, `<h1>%s</h1><div id="ContentPlaceHolder1_SetDetails">`, p.name)
	row(&b, "Name", p.name)
	row(&b, "Theme", p.theme)
	row(&b, "Pieces", p.pieces)
	row(&b, "Year", p.year)
	b.WriteString(`</div><div id="ContentPlaceHolder1_PanelSetPricing">`)
	row(&b, "Value", p.value)
	b.WriteString(`</div>`)
	for _, ref := range p.refs {
		fmt.Fprintf(&b, `<a href="/minifig/%s">%s</a>`, strings.ToLower(ref), ref)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

func figHTML(p page) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<html><head><title>%s | BrickEconomy</title></head><body><h1>%s Minifigure</h1>`, p.name, p.name)
	row(&b, "Theme", p.theme)
	row(&b, "Year", p.year)
	row(&b, "Value", p.value)
	b.WriteString(`</body></html>`)
	return b.String()
}

func row(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, `<div class="row rowlist"><div>%s</div><div>%s</div></div>`, label, value)
}

type harness struct {
	svc    *Service
	site   *site
	clock  *session.FakeClock
	events *event.Recorder
	cfg    *Config
}

func newHarness(t *testing.T, st *site, mutate func(*Config), opts ...Option) *harness {
	t.Helper()
	srv := st.serve(t)
	dir := t.TempDir()
	cfg := &Config{DBPath: filepath.Join(dir, "catalog.db")}
	cfg.Session.BaseURL = srv.URL
	cfg.Backup.CompressOver = -1
	if mutate != nil {
		mutate(cfg)
	}
	clock := session.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	rec := &event.Recorder{}
	opts = append([]Option{WithClock(clock), WithEvents(rec)}, opts...)
	svc, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return &harness{svc: svc, site: st, clock: clock, events: rec, cfg: cfg}
}

func defaultSite() *site {
	st := newSite()
	st.sets["aaa1"] = page{name: "Falcon", theme: "Star Wars", pieces: "7,541", year: "2017", value: "$849.99", refs: []string{"FIGA", "FIGB"}}
	st.sets["bbb2"] = page{name: "Castle", theme: "Icons", pieces: "2,500", year: "2020", value: "$399.99"}
	st.figs["figa"] = page{name: "Han Solo", theme: "Star Wars", year: "2017", value: "$30.00"}
	return st
}

func checkAccounting(t *testing.T, r *BatchResult) {
	t.Helper()
	if got := r.Inserted + r.Updated + r.Quarantined + r.Skipped; got != r.Requested {
		t.Fatalf("inserted+updated+quarantined+skipped = %d, requested %d (%+v)", got, r.Requested, r)
	}
}

func countItems(t *testing.T, svc *Service) int {
	t.Helper()
	var n int
	if err := svc.db.QueryRow(`SELECT COUNT(*) FROM catalog_items`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestRunBatchSkipsMissingPages(t *testing.T) {
	// WHAT: a 404 in the middle of a batch is skipped; the rest is stored.
	h := newHarness(t, defaultSite(), nil)
	ctx := context.Background()

	res, err := h.svc.RunBatch(ctx, KindSet, []string{"AAA1", "missing-404", "BBB2"})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if res.Inserted != 2 || res.Skipped != 1 || res.NotFound != 1 {
		t.Fatalf("result = %+v", res)
	}
	checkAccounting(t, res)

	if _, err := h.svc.Get(ctx, "missing-404"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) err = %v, want ErrNotFound", err)
	}
	it, err := h.svc.Get(ctx, "aaa1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if it.Name != "Falcon" || *it.PieceCount != 7541 || *it.ReleaseYear != 2017 || int64(*it.ValueNew) != 84999 {
		t.Fatalf("item = %+v", it)
	}

	runs, err := h.svc.Runs(ctx, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %v, %v", runs, err)
	}
	if runs[0].ID != res.RunID || runs[0].Inserted != 2 || runs[0].Error != "" {
		t.Fatalf("run = %+v", runs[0])
	}
	backups, err := h.svc.Backups()
	if err != nil || len(backups) != 1 {
		t.Fatalf("backups = %v, %v", backups, err)
	}
	if h.events.Count(event.BatchCommit) != 1 {
		t.Fatalf("batch_commit events = %d", h.events.Count(event.BatchCommit))
	}
}

func TestRunBatchQuarantinesInvalidValues(t *testing.T) {
	// WHAT: a negative piece count is stored quarantined and hidden by default.
	st := defaultSite()
	st.sets["bad1"] = page{name: "Broken", theme: "Icons", pieces: "-5", year: "2021"}
	h := newHarness(t, st, nil)
	ctx := context.Background()

	res, err := h.svc.RunBatch(ctx, KindSet, []string{"BAD1", "AAA1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Quarantined != 1 || res.Inserted != 1 {
		t.Fatalf("result = %+v", res)
	}
	checkAccounting(t, res)

	it, err := h.svc.Get(ctx, "BAD1")
	if err != nil {
		t.Fatal(err)
	}
	if !it.Quarantined || !strings.Contains(it.QuarantineReason, "piece_count out of range") || it.PieceCount != nil {
		t.Fatalf("item = %+v", it)
	}

	visible, err := h.svc.Query(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 1 || visible[0].Code != "AAA1" {
		t.Fatalf("default query = %v", codes(visible))
	}
	all, err := h.svc.Query(ctx, Filter{IncludeQuarantined: true})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"AAA1", "BAD1"}, codes(all)); diff != "" {
		t.Fatalf("with quarantined (-want +got):\n%s", diff)
	}
	if h.events.Count(event.Quarantine) != 1 {
		t.Fatalf("quarantine events = %d", h.events.Count(event.Quarantine))
	}
}

func codes(items []*Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Code
	}
	return out
}

func TestRunBatchIsIdempotent(t *testing.T) {
	// WHAT: re-scraping identical pages updates timestamps only.
	h := newHarness(t, defaultSite(), nil)
	ctx := context.Background()

	if _, err := h.svc.RunBatch(ctx, KindSet, []string{"AAA1", "BBB2"}); err != nil {
		t.Fatal(err)
	}
	first, _ := h.svc.Get(ctx, "AAA1")

	res, err := h.svc.RunBatch(ctx, KindSet, []string{"AAA1", "BBB2"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 0 || res.Updated != 2 || res.Unchanged != 2 {
		t.Fatalf("second run = %+v", res)
	}
	checkAccounting(t, res)
	if n := countItems(t, h.svc); n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}
	second, _ := h.svc.Get(ctx, "AAA1")
	if second.CreatedAt != first.CreatedAt {
		t.Fatalf("created_at changed: %d -> %d", first.CreatedAt, second.CreatedAt)
	}
	if *second.LastScrapedAt <= *first.LastScrapedAt {
		t.Fatalf("last_scraped_at not advanced: %d -> %d", *first.LastScrapedAt, *second.LastScrapedAt)
	}
}

func TestRunBatchPlanning(t *testing.T) {
	// WHAT: invalid and duplicate codes are skipped before any fetch.
	h := newHarness(t, defaultSite(), nil)

	res, err := h.svc.RunBatch(context.Background(), KindSet, []string{"aaa1", "../etc", "AAA1", " aaa1 "})
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 1 || res.Invalid != 1 || res.Duplicates != 2 {
		t.Fatalf("result = %+v", res)
	}
	checkAccounting(t, res)
	if h.site.hits("/set/aaa1") != 1 {
		t.Fatalf("fetches = %d, want 1", h.site.hits("/set/aaa1"))
	}
	if len(res.Errors) != 1 || res.Errors[0].Stage != StageCode {
		t.Fatalf("errors = %v", res.Errors)
	}
}

func TestRunBatchSkipsFreshItems(t *testing.T) {
	// WHAT: items scraped within FreshFor are not fetched again.
	h := newHarness(t, defaultSite(), func(c *Config) { c.FreshFor = time.Hour })
	ctx := context.Background()

	if _, err := h.svc.RunBatch(ctx, KindSet, []string{"AAA1"}); err != nil {
		t.Fatal(err)
	}
	res, err := h.svc.RunBatch(ctx, KindSet, []string{"AAA1", "BBB2"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Fresh != 1 || res.Inserted != 1 {
		t.Fatalf("result = %+v", res)
	}
	checkAccounting(t, res)
	if h.site.hits("/set/aaa1") != 1 {
		t.Fatalf("fresh item fetched again")
	}

	h.clock.Advance(2 * time.Hour)
	res, err = h.svc.RunBatch(ctx, KindSet, []string{"AAA1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Fresh != 0 || res.Updated != 1 {
		t.Fatalf("after expiry = %+v", res)
	}
}

func TestRunBatchThemeAllowlist(t *testing.T) {
	h := newHarness(t, defaultSite(), func(c *Config) { c.Themes = []string{"Star Wars"} })

	res, err := h.svc.RunBatch(context.Background(), KindSet, []string{"AAA1", "BBB2"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 1 || res.Excluded != 1 {
		t.Fatalf("result = %+v", res)
	}
	checkAccounting(t, res)
	if _, err := h.svc.Get(context.Background(), "BBB2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("excluded theme stored: %v", err)
	}
}

func TestRunBatchKindChecks(t *testing.T) {
	// WHAT: kinds outside the configured set are refused; stored codes keep their kind.
	h := newHarness(t, defaultSite(), nil)
	ctx := context.Background()

	if _, err := h.svc.RunBatch(ctx, KindSubComponent, []string{"FIGA"}); err != nil {
		t.Fatal(err)
	}
	res, err := h.svc.RunBatch(ctx, KindSet, []string{"FIGA"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Conflicts != 1 || res.Skipped != 1 {
		t.Fatalf("result = %+v", res)
	}
	if !errors.Is(res.Errors[0], store.ErrKindConflict) {
		t.Fatalf("error = %v", res.Errors[0])
	}

	only := newHarness(t, defaultSite(), func(c *Config) { c.Kinds = []string{"set"} })
	if _, err := only.svc.RunBatch(ctx, KindSubComponent, []string{"FIGA"}); !errors.Is(err, ErrKindNotTargeted) {
		t.Fatalf("err = %v, want ErrKindNotTargeted", err)
	}
}

func TestRunBatchBackupFailureWritesNothing(t *testing.T) {
	// WHAT: when the pre-write snapshot fails, the batch is rolled back whole.
	h := newHarness(t, defaultSite(), nil)
	ctx := context.Background()

	dir := h.svc.Config().Backup.Dir
	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dir, []byte("not a directory"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := h.svc.RunBatch(ctx, KindSet, []string{"AAA1", "BBB2"})
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PersistenceError", err)
	}
	if !errors.Is(err, store.ErrBackup) {
		t.Fatalf("err = %v, want ErrBackup in chain", err)
	}
	if res.Inserted != 0 || res.Fetched != 2 {
		t.Fatalf("result = %+v", res)
	}
	if n := countItems(t, h.svc); n != 0 {
		t.Fatalf("rows = %d after failed backup", n)
	}
	if h.events.Count(event.BatchRollback) != 1 {
		t.Fatalf("rollback events = %d", h.events.Count(event.BatchRollback))
	}
	runs, _ := h.svc.Runs(ctx, 1)
	if len(runs) != 1 || runs[0].Error == "" {
		t.Fatalf("failed run not recorded: %+v", runs)
	}
}

func TestRunBatchAuthFailureAborts(t *testing.T) {
	// WHAT: a rejected login aborts the batch before anything is written.
	h := newHarness(t, defaultSite(), func(c *Config) {
		c.Session.Username = "builder"
		c.Session.Password = "wrong"
	})

	res, err := h.svc.RunBatch(context.Background(), KindSet, []string{"AAA1", "BBB2"})
	var ae *AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *AuthError", err)
	}
	if res.Inserted != 0 {
		t.Fatalf("result = %+v", res)
	}
	if n := countItems(t, h.svc); n != 0 {
		t.Fatalf("rows = %d after auth failure", n)
	}
	if h.site.hits("/set/aaa1") != 0 {
		t.Fatalf("item fetched without a session")
	}
}

func TestRunBatchCancelled(t *testing.T) {
	h := newHarness(t, defaultSite(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.svc.RunBatch(ctx, KindSet, []string{"AAA1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := countItems(t, h.svc); n != 0 {
		t.Fatalf("rows = %d after cancel", n)
	}
}

func TestRunSplitsIntoBatches(t *testing.T) {
	st := newSite()
	var all []string
	for i := range 5 {
		code := fmt.Sprintf("s%d-1", i)
		st.sets[code] = page{name: "Set " + code, theme: "City", pieces: "100", year: "2019"}
		all = append(all, code)
	}
	h := newHarness(t, st, func(c *Config) { c.BatchSize = 2 })

	sum, err := h.svc.Run(context.Background(), KindSet, all)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Batches) != 3 || sum.Total.Inserted != 5 || sum.Total.Requested != 5 {
		t.Fatalf("summary = %d batches, total %+v", len(sum.Batches), sum.Total)
	}
	checkAccounting(t, &sum.Total)
	runs, _ := h.svc.Runs(context.Background(), 0)
	if len(runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(runs))
	}
}

func TestLinkCreatesPlaceholders(t *testing.T) {
	// WHAT: linking a set stores its references; unknown sub-components become placeholders.
	h := newHarness(t, defaultSite(), nil)
	ctx := context.Background()

	if _, err := h.svc.RunBatch(ctx, KindSet, []string{"AAA1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.RunBatch(ctx, KindSubComponent, []string{"FIGA"}); err != nil {
		t.Fatal(err)
	}

	sum, err := h.svc.Link(ctx, "aaa1")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Sets != 1 || sum.Associations != 2 || sum.Placeholders != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	figb, err := h.svc.Get(ctx, "FIGB")
	if err != nil {
		t.Fatal(err)
	}
	if !figb.Placeholder || figb.Kind != KindSubComponent || figb.Name != "" {
		t.Fatalf("placeholder = %+v", figb)
	}

	again, err := h.svc.LinkStored(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.Associations != 0 || again.Placeholders != 0 {
		t.Fatalf("relink = %+v", again)
	}
	assocs, err := h.svc.Associations(ctx, "AAA1")
	if err != nil {
		t.Fatal(err)
	}
	var subs []string
	for _, a := range assocs {
		subs = append(subs, a.SubComponentCode)
	}
	if diff := cmp.Diff([]string{"FIGA", "FIGB"}, subs); diff != "" {
		t.Fatalf("associations (-want +got):\n%s", diff)
	}

	visible, _ := h.svc.Query(ctx, Filter{Kind: KindSubComponent})
	if diff := cmp.Diff([]string{"FIGA"}, codes(visible)); diff != "" {
		t.Fatalf("placeholders leaked into default query:\n%s", diff)
	}
}

func TestProjectIsDeterministic(t *testing.T) {
	st := defaultSite()
	st.sets["ccc3"] = page{name: "Shuttle", theme: "Star Wars", pieces: "900", year: "2019", refs: []string{"FIGB"}}
	h := newHarness(t, st, nil)
	ctx := context.Background()

	if _, err := h.svc.RunBatch(ctx, KindSet, []string{"CCC3", "BBB2", "AAA1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.Link(ctx, "CCC3", "AAA1"); err != nil {
		t.Fatal(err)
	}

	m, err := h.svc.Project(ctx, "", false)
	if err != nil {
		t.Fatal(err)
	}
	want := &Matrix{
		Rows:    []string{"AAA1", "CCC3"},
		Columns: []string{"FIGA", "FIGB"},
		Grid:    [][]bool{{true, true}, {false, true}},
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Fatalf("matrix (-want +got):\n%s", diff)
	}

	a, _ := m.Render()
	m2, _ := h.svc.Project(ctx, "", false)
	b, _ := m2.Render()
	if !bytes.Equal(a, b) {
		t.Fatalf("renders differ:\n%s\n%s", a, b)
	}

	icons, err := h.svc.Project(ctx, "Icons", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(icons.Rows) != 0 {
		t.Fatalf("Icons matrix = %+v", icons)
	}
}

func TestRunBatchStoresImages(t *testing.T) {
	h := newHarness(t, defaultSite(), func(c *Config) { c.Images.Enabled = true },
		withImageConfig(func(c *images.Config) { c.AllowPrivate = true }))
	ctx := context.Background()

	res, err := h.svc.RunBatch(ctx, KindSet, []string{"AAA1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Images != 1 {
		t.Fatalf("result = %+v", res)
	}
	it, _ := h.svc.Get(ctx, "AAA1")
	if !it.HasImage {
		t.Fatalf("has_image not set: %+v", it)
	}
	data, err := os.ReadFile(it.ImagePath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, pngBytes) {
		t.Fatalf("image bytes differ")
	}
	if filepath.Base(it.ImagePath) != "aaa1.png" {
		t.Fatalf("image path = %s", it.ImagePath)
	}
}

func TestRunBatchKeepsImageWhenDownloadFails(t *testing.T) {
	// WHAT: a failed image download on a re-scrape leaves the stored image in place.
	st := defaultSite()
	h := newHarness(t, st, func(c *Config) { c.Images.Enabled = true },
		withImageConfig(func(c *images.Config) { c.AllowPrivate = true }))
	ctx := context.Background()

	if _, err := h.svc.RunBatch(ctx, KindSet, []string{"AAA1"}); err != nil {
		t.Fatal(err)
	}
	first, _ := h.svc.Get(ctx, "AAA1")

	st.mu.Lock()
	st.imagesDown = true
	st.mu.Unlock()
	res, err := h.svc.RunBatch(ctx, KindSet, []string{"AAA1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Images != 0 || res.Unchanged != 1 {
		t.Fatalf("second run = %+v", res)
	}
	checkAccounting(t, res)
	second, _ := h.svc.Get(ctx, "AAA1")
	if !second.HasImage || second.ImagePath != first.ImagePath || second.ContentHash != first.ContentHash {
		t.Fatalf("image state changed: %+v -> %+v", first, second)
	}
	if second.UpdatedAt != first.UpdatedAt {
		t.Fatalf("updated_at moved: %d -> %d", first.UpdatedAt, second.UpdatedAt)
	}
}

func TestExport(t *testing.T) {
	h := newHarness(t, defaultSite(), nil)
	ctx := context.Background()
	if _, err := h.svc.RunBatch(ctx, KindSet, []string{"AAA1", "BBB2"}); err != nil {
		t.Fatal(err)
	}

	var js bytes.Buffer
	n, err := h.svc.Export(ctx, &js, FormatJSON, Filter{Theme: "Star Wars"})
	if err != nil || n != 1 {
		t.Fatalf("json export = %d, %v", n, err)
	}
	var items []map[string]any
	if err := json.Unmarshal(js.Bytes(), &items); err != nil {
		t.Fatal(err)
	}
	if items[0]["code"] != "AAA1" || items[0]["subtheme"] != nil {
		t.Fatalf("json item = %v", items[0])
	}

	var cs bytes.Buffer
	if _, err := h.svc.Export(ctx, &cs, FormatCSV, Filter{}); err != nil {
		t.Fatal(err)
	}
	records, err := csv.NewReader(&cs).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 || len(records[0]) != len(csvHeader) {
		t.Fatalf("csv = %v", records)
	}
	if records[1][0] != "AAA1" || records[1][5] != "7541" || records[1][9] != "849.99" {
		t.Fatalf("csv row = %v", records[1])
	}

	var empty bytes.Buffer
	if _, err := h.svc.Export(ctx, &empty, FormatJSON, Filter{Theme: "Ninjago"}); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(empty.String()) != "[]" {
		t.Fatalf("empty export = %q", empty.String())
	}

	if _, err := ParseFormat("xml"); err == nil {
		t.Fatal("ParseFormat(xml) accepted")
	}
}

func TestDeleteAndBackups(t *testing.T) {
	h := newHarness(t, defaultSite(), nil)
	ctx := context.Background()
	if _, err := h.svc.RunBatch(ctx, KindSet, []string{"AAA1"}); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.Delete(ctx, "aaa1"); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.Delete(ctx, "aaa1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}

	b, err := h.svc.Backup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	list, _ := h.svc.Backups()
	if len(list) != 3 || list[0].Name != b.Name {
		t.Fatalf("backups = %+v", list)
	}

	// The snapshot before Delete still holds the item.
	dst := filepath.Join(t.TempDir(), "restored.db")
	if err := h.svc.RestoreBackup(list[1].Name, dst); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.RestoreBackup(list[1].Name, dst); err == nil {
		t.Fatal("restore over an existing file succeeded")
	}
	restored, err := New(ctx, &Config{DBPath: dst, Backup: BackupConfig{Dir: t.TempDir()}}, WithClock(h.clock))
	if err != nil {
		t.Fatal(err)
	}
	defer restored.Close()
	if _, err := restored.Get(ctx, "AAA1"); err != nil {
		t.Fatalf("restored Get: %v", err)
	}

	st, err := h.svc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Items[KindSet] != 0 {
		t.Fatalf("stats = %+v", st)
	}
}
