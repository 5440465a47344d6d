package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/brickvault/dbopen"
)

func ptr[T any](v T) *T { return &v }

type tickClock struct{ t time.Time }

func (c *tickClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Migrate(db, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db, opts...)
}

func sampleSet(code string) *Item {
	return &Item{
		Code:         code,
		Kind:         KindSet,
		Name:         "Millennium Falcon",
		Theme:        ptr("Star Wars"),
		PieceCount:   ptr(7541),
		ReleaseYear:  ptr(2017),
		ValueNew:     ptr(Money(84999)),
		Raw:          RawPrices{ValueNew: "€849.99"},
		Completeness: 0.5,
	}
}

func TestMigrateCreatesSchema(t *testing.T) {
	// WHAT: migrations create every table and index and can be re-applied.
	s := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"catalog_items", "item_associations", "scrape_runs",
		"idx_items_theme", "idx_items_release_year", "idx_items_value_new"} {
		var got string
		err := s.DB.QueryRow(`SELECT name FROM sqlite_master WHERE name = ?`, name).Scan(&got)
		if err != nil {
			t.Errorf("%s missing: %v", name, err)
		}
	}
	if err := Migrate(s.DB, nil); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, err := s.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 5 {
		t.Fatalf("schema version = %d, want 5", v)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	// WHAT: re-writing identical data only moves last_scraped_at.
	clock := &tickClock{t: time.Unix(1_700_000_000, 0)}
	s := openTestStore(t, WithClock(clock.now))
	ctx := context.Background()

	res, err := s.UpsertBatch(ctx, []*Item{sampleSet("75192-1")})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if res.Inserted != 1 || res.Updated != 0 {
		t.Fatalf("first result = %+v", res)
	}
	first, _ := s.Get(ctx, "75192-1")

	res, err = s.UpsertBatch(ctx, []*Item{sampleSet("75192-1")})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if res.Inserted != 0 || res.Updated != 1 || res.Unchanged != 1 {
		t.Fatalf("second result = %+v", res)
	}
	second, _ := s.Get(ctx, "75192-1")

	if second.UpdatedAt != first.UpdatedAt || second.ContentHash != first.ContentHash {
		t.Fatalf("content changed: %+v vs %+v", first, second)
	}
	if *second.LastScrapedAt <= *first.LastScrapedAt {
		t.Fatalf("last_scraped_at did not move: %d -> %d", *first.LastScrapedAt, *second.LastScrapedAt)
	}

	changed := sampleSet("75192-1")
	changed.ValueNew = ptr(Money(90000))
	res, err = s.UpsertBatch(ctx, []*Item{changed})
	if err != nil {
		t.Fatalf("third upsert: %v", err)
	}
	if res.Updated != 1 || res.Unchanged != 0 {
		t.Fatalf("third result = %+v", res)
	}
	third, _ := s.Get(ctx, "75192-1")
	if third.UpdatedAt == first.UpdatedAt || *third.ValueNew != 90000 {
		t.Fatalf("update not applied: %+v", third)
	}
}

func TestUpsertRoundTripsNullables(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	it := &Item{Code: "LOR001", Kind: KindSubComponent, Name: "Frodo Baggins"}
	if _, err := s.UpsertBatch(ctx, []*Item{it}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "LOR001")
	if err != nil {
		t.Fatal(err)
	}
	if got.Theme != nil || got.PieceCount != nil || got.ValueNew != nil || got.ReleaseYear != nil {
		t.Fatalf("unknown fields came back non-nil: %+v", got)
	}
	if got.Kind != KindSubComponent || got.Name != "Frodo Baggins" {
		t.Fatalf("got %+v", got)
	}
}

func TestUpsertBatchIsAtomic(t *testing.T) {
	// WHAT: a failing row rolls back the rows written before it.
	s := openTestStore(t)
	ctx := context.Background()

	bad := sampleSet("BAD-1")
	bad.PieceCount = ptr(-1) // violates CHECK (piece_count >= 0)
	_, err := s.UpsertBatch(ctx, []*Item{sampleSet("A-1"), sampleSet("B-1"), bad})
	if err == nil {
		t.Fatal("expected error")
	}

	var n int
	s.DB.QueryRow(`SELECT COUNT(*) FROM catalog_items`).Scan(&n)
	if n != 0 {
		t.Fatalf("rows = %d after failed batch, want 0", n)
	}
}

func TestUpsertSnapshots(t *testing.T) {
	var calls atomic.Int32
	fail := false
	snap := SnapshotFunc(func(context.Context) error {
		calls.Add(1)
		if fail {
			return errors.New("disk full")
		}
		return nil
	})
	s := openTestStore(t, WithSnapshotter(snap))
	ctx := context.Background()

	if _, err := s.UpsertBatch(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 {
		t.Fatalf("snapshot taken for empty batch")
	}
	if _, err := s.UpsertBatch(ctx, []*Item{sampleSet("A-1")}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("snapshots = %d, want 1", calls.Load())
	}

	fail = true
	_, err := s.UpsertBatch(ctx, []*Item{sampleSet("B-1")})
	if !errors.Is(err, ErrBackup) {
		t.Fatalf("err = %v, want ErrBackup", err)
	}
	if _, err := s.Get(ctx, "B-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("B-1 written despite failed snapshot: %v", err)
	}
}

func TestUpsertCountsQuarantined(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := &Item{Code: "Q-1", Kind: KindSet, Name: "Broken", Quarantined: true,
		QuarantineReason: "piece_count out of range"}
	res, err := s.UpsertBatch(ctx, []*Item{q, sampleSet("OK-1")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 1 || res.Quarantined != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestKindConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.UpsertBatch(ctx, []*Item{sampleSet("X-1")}); err != nil {
		t.Fatal(err)
	}
	fig := &Item{Code: "X-1", Kind: KindSubComponent, Name: "Clash"}
	if _, err := s.UpsertBatch(ctx, []*Item{fig}); !errors.Is(err, ErrKindConflict) {
		t.Fatalf("err = %v, want ErrKindConflict", err)
	}
}

func TestQueryFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cheap := sampleSet("C-1")
	cheap.ValueNew = ptr(Money(1000))
	cheap.Theme = ptr("City")
	cheap.ReleaseYear = ptr(2010)
	dear := sampleSet("D-1")
	unknown := sampleSet("U-1")
	unknown.ValueNew = nil
	quarantined := &Item{Code: "Q-1", Kind: KindSet, Name: "Bad", Quarantined: true}

	if _, err := s.UpsertBatch(ctx, []*Item{cheap, dear, unknown, quarantined}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LinkAssociations(ctx, "D-1", []string{"FIG-1"}); err != nil {
		t.Fatal(err)
	}

	codes := func(items []*Item) []string {
		var out []string
		for _, it := range items {
			out = append(out, it.Code)
		}
		return out
	}
	cases := []struct {
		name string
		f    Filter
		want []string
	}{
		{"default", Filter{}, []string{"C-1", "D-1", "U-1"}},
		{"quarantined", Filter{IncludeQuarantined: true}, []string{"C-1", "D-1", "Q-1", "U-1"}},
		{"placeholders", Filter{IncludePlaceholders: true, Kind: KindSubComponent}, []string{"FIG-1"}},
		{"theme", Filter{Theme: "City"}, []string{"C-1"}},
		{"years", Filter{YearFrom: 2015}, []string{"D-1", "U-1"}},
		{"value desc nulls last", Filter{OrderBy: "value_new", Desc: true}, []string{"D-1", "C-1", "U-1"}},
		{"limit", Filter{Limit: 1, Offset: 1}, []string{"D-1"}},
	}
	for _, tc := range cases {
		got, err := s.Query(ctx, tc.f)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if g := codes(got); !equal(g, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, g, tc.want)
		}
	}

	if _, err := s.Query(ctx, Filter{OrderBy: "name; DROP TABLE x"}); err == nil {
		t.Fatal("expected error for unknown order column")
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLinkAssociationsWithPlaceholders(t *testing.T) {
	// WHAT: linking a set to a known and an unknown figure inserts one
	// placeholder and two associations; a rerun writes nothing.
	var snaps atomic.Int32
	s := openTestStore(t, WithSnapshotter(SnapshotFunc(func(context.Context) error {
		snaps.Add(1)
		return nil
	})))
	ctx := context.Background()

	figA := &Item{Code: "FIGA", Kind: KindSubComponent, Name: "Figure A"}
	if _, err := s.UpsertBatch(ctx, []*Item{sampleSet("SETX"), figA}); err != nil {
		t.Fatal(err)
	}
	before := snaps.Load()

	res, err := s.LinkAssociations(ctx, "SETX", []string{"FIGA", "FIGB", "FIGA"})
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if res.Associations != 2 || res.Placeholders != 1 {
		t.Fatalf("result = %+v", res)
	}
	figB, err := s.Get(ctx, "FIGB")
	if err != nil {
		t.Fatalf("placeholder missing: %v", err)
	}
	if !figB.Placeholder || figB.Kind != KindSubComponent {
		t.Fatalf("FIGB = %+v", figB)
	}

	res, err = s.LinkAssociations(ctx, "SETX", []string{"FIGA", "FIGB"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Associations != 0 {
		t.Fatalf("rerun associations = %d", res.Associations)
	}
	n, _ := s.AssociationCount(ctx)
	if n != 2 {
		t.Fatalf("association count = %d, want 2", n)
	}
	if got := snaps.Load() - before; got != 1 {
		t.Fatalf("snapshots during link = %d, want 1", got)
	}

	// A later scrape enriches the placeholder in place.
	full := &Item{Code: "FIGB", Kind: KindSubComponent, Name: "Figure B"}
	res2, err := s.UpsertBatch(ctx, []*Item{full})
	if err != nil {
		t.Fatal(err)
	}
	if res2.Updated != 1 {
		t.Fatalf("enrich result = %+v", res2)
	}
	figB, _ = s.Get(ctx, "FIGB")
	if figB.Placeholder || figB.Name != "Figure B" {
		t.Fatalf("FIGB not enriched: %+v", figB)
	}
}

func TestDeleteCascadesAssociations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.LinkAssociations(ctx, "SETX", []string{"FIGA", "FIGB"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "SETX"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	n, _ := s.AssociationCount(ctx)
	if n != 0 {
		t.Fatalf("associations after delete = %d", n)
	}
	if err := s.Delete(ctx, "SETX"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete = %v", err)
	}
}

func TestMatrixPairsExcludesQuarantined(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	bad := &Item{Code: "FIGQ", Kind: KindSubComponent, Name: "Q", Quarantined: true}
	if _, err := s.UpsertBatch(ctx, []*Item{sampleSet("S1"), bad}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LinkAssociations(ctx, "S1", []string{"FIGQ", "FIG1"}); err != nil {
		t.Fatal(err)
	}

	pairs, err := s.MatrixPairs(ctx, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 1 || pairs[0].SubComponentCode != "FIG1" {
		t.Fatalf("pairs = %+v", pairs)
	}
	all, _ := s.MatrixPairs(ctx, "", true)
	if len(all) != 2 {
		t.Fatalf("pairs with quarantined = %d", len(all))
	}
	none, _ := s.MatrixPairs(ctx, "City", false)
	if len(none) != 0 {
		t.Fatalf("theme filter kept %d pairs", len(none))
	}
}

func TestRunsAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.UpsertBatch(ctx, []*Item{sampleSet("A-1"),
		{Code: "Q-1", Kind: KindSet, Name: "Bad", Quarantined: true}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LinkAssociations(ctx, "A-1", []string{"FIG-1"}); err != nil {
		t.Fatal(err)
	}
	for i, id := range []string{"run_a", "run_b"} {
		r := &Run{ID: id, Kind: KindSet, StartedAt: int64(1000 + i), FinishedAt: int64(2000 + i), Requested: 2, Inserted: 1}
		if err := s.InsertRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "run_b" {
		t.Fatalf("runs = %+v", runs)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Items[KindSet] != 1 || st.Quarantined != 1 || st.Placeholders != 1 || st.Associations != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.Themes != 1 || st.SchemaVersion != 5 || st.DatabaseBytes <= 0 {
		t.Fatalf("stats = %+v", st)
	}
	if err := s.Optimize(ctx); err != nil {
		t.Fatalf("optimize: %v", err)
	}
}

func TestKindsOfAndFreshCodes(t *testing.T) {
	clock := &tickClock{t: time.Unix(1_700_000_000, 0)}
	s := openTestStore(t, WithClock(clock.now))
	ctx := context.Background()

	if _, err := s.UpsertBatch(ctx, []*Item{sampleSet("A-1")}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LinkAssociations(ctx, "A-1", []string{"FIG-1"}); err != nil {
		t.Fatal(err)
	}

	kinds, err := s.KindsOf(ctx, []string{"A-1", "FIG-1", "NOPE"})
	if err != nil {
		t.Fatal(err)
	}
	if kinds["A-1"] != KindSet || kinds["FIG-1"] != KindSubComponent || len(kinds) != 2 {
		t.Fatalf("kinds = %v", kinds)
	}

	fresh, err := s.FreshCodes(ctx, []string{"A-1", "FIG-1"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !fresh["A-1"] || fresh["FIG-1"] {
		t.Fatalf("fresh = %v, want only the scraped set", fresh)
	}
	later, _ := s.FreshCodes(ctx, []string{"A-1"}, clock.t.Add(time.Hour).UnixMilli())
	if later["A-1"] {
		t.Fatal("set should be stale against a later cutoff")
	}
}
