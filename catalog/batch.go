package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/hazyhaar/brickvault/catalog/event"
	"github.com/hazyhaar/brickvault/catalog/internal/normalize"
	"github.com/hazyhaar/brickvault/catalog/internal/parse"
	"github.com/hazyhaar/brickvault/catalog/internal/session"
	"github.com/hazyhaar/brickvault/catalog/internal/store"
)

// BatchResult summarises one batch. Every requested identifier ends up in
// exactly one of Inserted, Updated, Quarantined or Skipped; the Skipped
// breakdown is NotFound + Failed + ParseErrors + Invalid + Duplicates +
// Fresh + Excluded + Conflicts.
type BatchResult struct {
	RunID string `json:"run_id"`
	Kind  Kind   `json:"kind"`

	Requested   int `json:"requested"`
	Fetched     int `json:"fetched"`
	Parsed      int `json:"parsed"`
	Inserted    int `json:"inserted"`
	Updated     int `json:"updated"`
	Unchanged   int `json:"unchanged"`
	Quarantined int `json:"quarantined"`
	Skipped     int `json:"skipped"`

	NotFound    int `json:"not_found"`
	Failed      int `json:"failed"`
	ParseErrors int `json:"parse_errors"`
	Invalid     int `json:"invalid"`
	Duplicates  int `json:"duplicates"`
	Fresh       int `json:"fresh"`
	Excluded    int `json:"excluded"`
	Conflicts   int `json:"conflicts"`

	Images  int           `json:"images"`
	Elapsed time.Duration `json:"elapsed"`
	Errors  []ItemError   `json:"errors,omitempty"`
}

func (r *BatchResult) fail(code string, stage Stage, err error) {
	r.Errors = append(r.Errors, ItemError{Code: code, Stage: stage, Err: err})
}

func (r *BatchResult) tally() {
	r.Skipped = r.NotFound + r.Failed + r.ParseErrors + r.Invalid +
		r.Duplicates + r.Fresh + r.Excluded + r.Conflicts
}

func (r *BatchResult) add(o *BatchResult) {
	r.Requested += o.Requested
	r.Fetched += o.Fetched
	r.Parsed += o.Parsed
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Unchanged += o.Unchanged
	r.Quarantined += o.Quarantined
	r.NotFound += o.NotFound
	r.Failed += o.Failed
	r.ParseErrors += o.ParseErrors
	r.Invalid += o.Invalid
	r.Duplicates += o.Duplicates
	r.Fresh += o.Fresh
	r.Excluded += o.Excluded
	r.Conflicts += o.Conflicts
	r.Images += o.Images
	r.Elapsed += o.Elapsed
	r.Errors = append(r.Errors, o.Errors...)
	r.tally()
}

// RunBatch fetches, parses, normalizes and stores codes as one atomic
// write. Per-item failures are collected in the result. The batch aborts
// with nothing written on *AuthError, *PersistenceError or when ctx ends
// before the write.
func (s *Service) RunBatch(ctx context.Context, kind Kind, codes []string) (*BatchResult, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("catalog: unknown kind %q", kind)
	}
	if !s.cfg.targets(kind) {
		return nil, fmt.Errorf("catalog: %s: %w", kind, ErrKindNotTargeted)
	}
	start := s.now()
	res := &BatchResult{RunID: s.newID(), Kind: kind, Requested: len(codes)}
	log := s.log.With("run", res.RunID, "kind", kind)

	todo, err := s.plan(ctx, kind, codes, res)
	if err != nil {
		return s.finish(ctx, res, start, err)
	}

	var items []*store.Item
	err = s.sessions.Do(ctx, func(h *session.Handle) error {
		for _, code := range todo {
			it, err := s.scrapeOne(ctx, h, kind, code, res)
			if err != nil {
				return err
			}
			if it != nil {
				items = append(items, it)
			}
		}
		return nil
	})
	if err != nil {
		log.Error("catalog: batch aborted before write", "error", err)
		return s.finish(ctx, res, start, err)
	}

	wr, err := s.store.UpsertBatch(ctx, items)
	if err != nil {
		perr := asPersistence("upsert batch", err)
		s.emit(event.Event{Kind: event.BatchRollback, Entity: string(kind), Count: len(items), Err: err})
		log.Error("catalog: batch rolled back", "items", len(items), "error", err)
		return s.finish(ctx, res, start, perr)
	}
	res.Inserted = wr.Inserted
	res.Updated = wr.Updated
	res.Unchanged = wr.Unchanged
	res.Quarantined = wr.Quarantined
	s.emit(event.Event{Kind: event.BatchCommit, Entity: string(kind), Count: len(items)})
	return s.finish(ctx, res, start, nil)
}

// plan canonicalizes codes and drops the ones that need no fetch.
func (s *Service) plan(ctx context.Context, kind Kind, codes []string, res *BatchResult) ([]string, error) {
	seen := make(map[string]bool, len(codes))
	var valid []string
	for _, raw := range codes {
		c, err := normalize.Code(raw)
		if err != nil {
			res.Invalid++
			res.fail(raw, StageCode, err)
			continue
		}
		if seen[c] {
			res.Duplicates++
			continue
		}
		seen[c] = true
		valid = append(valid, c)
	}

	kinds, err := s.store.KindsOf(ctx, valid)
	if err != nil {
		return nil, asPersistence("lookup kinds", err)
	}
	var fresh map[string]bool
	if s.cfg.FreshFor > 0 {
		fresh, err = s.store.FreshCodes(ctx, valid, s.now().Add(-s.cfg.FreshFor).UnixMilli())
		if err != nil {
			return nil, asPersistence("lookup fresh", err)
		}
	}

	todo := valid[:0]
	for _, c := range valid {
		switch {
		case kinds[c] != "" && kinds[c] != kind:
			res.Conflicts++
			res.fail(c, StageStore, fmt.Errorf("%w: stored as %s", store.ErrKindConflict, kinds[c]))
		case fresh[c]:
			res.Fresh++
		default:
			todo = append(todo, c)
		}
	}
	return todo, nil
}

// scrapeOne returns the item to write, or nil when code is skipped. Only
// batch-fatal errors are returned.
func (s *Service) scrapeOne(ctx context.Context, h *session.Handle, kind Kind, code string, res *BatchResult) (*store.Item, error) {
	page, err := h.Fetch(ctx, code, kind)
	var authErr *session.AuthError
	switch {
	case err == nil:
	case errors.As(err, &authErr):
		return nil, err
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, session.ErrNotFound):
		res.NotFound++
		return nil, nil
	default:
		res.Failed++
		res.fail(code, StageFetch, err)
		return nil, nil
	}
	res.Fetched++

	raw, err := parse.Parse(code, kind, page.Body)
	if err != nil {
		if errors.Is(err, parse.ErrNotFound) {
			res.NotFound++
			s.emit(event.Event{Kind: event.NotFound, Code: code, Entity: string(kind)})
			return nil, nil
		}
		res.ParseErrors++
		res.fail(code, StageParse, err)
		s.emit(event.Event{Kind: event.ParseError, Code: code, Entity: string(kind), Err: err})
		return nil, nil
	}
	res.Parsed++

	nr := s.norm.Normalize(raw)
	it := nr.Item
	if s.themes != nil && (it.Theme == nil || !s.themes[*it.Theme]) {
		res.Excluded++
		res.fail(code, StageTheme, errors.New("theme not targeted"))
		return nil, nil
	}
	if nr.Quarantined() {
		s.emit(event.Event{Kind: event.Quarantine, Code: code, Entity: string(kind), Detail: it.QuarantineReason})
	}
	if s.images != nil && it.ImageURL != "" && !it.Quarantined {
		s.storeImage(ctx, it, res)
	}
	return it, nil
}

func (s *Service) storeImage(ctx context.Context, it *store.Item, res *BatchResult) {
	ictx, cancel := context.WithTimeout(ctx, s.cfg.Images.Timeout)
	defer cancel()
	src, err := s.resolve(it.ImageURL)
	if err != nil {
		res.fail(it.Code, StageImage, err)
		return
	}
	path, err := s.images.Fetch(ictx, it.Kind, it.Code, src)
	if err != nil {
		res.fail(it.Code, StageImage, err)
		s.log.Warn("catalog: image not stored", "code", it.Code, "error", err)
		return
	}
	it.ImagePath = path
	it.HasImage = true
	res.Images++
	s.emit(event.Event{Kind: event.ImageStored, Code: it.Code, Entity: string(it.Kind), Detail: path})
}

// resolve makes a page-relative image URL absolute against the site.
func (s *Service) resolve(ref string) (string, error) {
	base, err := url.Parse(s.cfg.Session.BaseURL + "/")
	if err != nil {
		return "", err
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// finish completes the accounting and records the run.
func (s *Service) finish(ctx context.Context, res *BatchResult, start time.Time, runErr error) (*BatchResult, error) {
	res.tally()
	end := s.now()
	res.Elapsed = end.Sub(start)

	run := &store.Run{
		ID: res.RunID, Kind: res.Kind,
		StartedAt: start.UnixMilli(), FinishedAt: end.UnixMilli(),
		Requested: res.Requested, Fetched: res.Fetched,
		Inserted: res.Inserted, Updated: res.Updated, Quarantined: res.Quarantined,
		Skipped: res.Skipped, Failed: res.Failed,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	// The run log is written on a fresh context so an aborted batch still
	// leaves a trace.
	if err := s.store.InsertRun(context.WithoutCancel(ctx), run); err != nil {
		s.log.Warn("catalog: record run", "run", res.RunID, "error", err)
	}

	s.log.Info("catalog: batch finished",
		"run", res.RunID, "kind", res.Kind, "requested", res.Requested,
		"inserted", res.Inserted, "updated", res.Updated, "quarantined", res.Quarantined,
		"skipped", res.Skipped, "elapsed", res.Elapsed)
	return res, runErr
}

// RunSummary aggregates the batches of one Run.
type RunSummary struct {
	Batches []*BatchResult `json:"batches"`
	Total   BatchResult    `json:"total"`
}

// Run splits codes into BatchSize batches and runs them in order. Each
// committed batch stays committed; the first batch-fatal error stops the
// run and is returned with the batches done so far.
func (s *Service) Run(ctx context.Context, kind Kind, codes []string) (*RunSummary, error) {
	sum := &RunSummary{Total: BatchResult{Kind: kind}}
	size := s.cfg.BatchSize
	for start := 0; start < len(codes); start += size {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		end := min(start+size, len(codes))
		res, err := s.RunBatch(ctx, kind, codes[start:end])
		if res != nil {
			sum.Batches = append(sum.Batches, res)
			sum.Total.add(res)
		}
		if err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func asPersistence(op string, err error) error {
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
