package store

import (
	"context"
	"fmt"

	"github.com/hazyhaar/brickvault/dbopen"
)

// InsertRun records the summary of one batch.
func (s *Store) InsertRun(ctx context.Context, r *Run) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO scrape_runs (id, kind, started_at, finished_at, requested, fetched,
		inserted, updated, quarantined, skipped, failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Kind), r.StartedAt, r.FinishedAt, r.Requested, r.Fetched,
		r.Inserted, r.Updated, r.Quarantined, r.Skipped, r.Failed, r.Error)
	if err != nil {
		return fmt.Errorf("store: insert run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, kind, started_at, finished_at, requested, fetched,
		inserted, updated, quarantined, skipped, failed, error
		FROM scrape_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var r Run
		var kind string
		if err := rows.Scan(&r.ID, &kind, &r.StartedAt, &r.FinishedAt, &r.Requested,
			&r.Fetched, &r.Inserted, &r.Updated, &r.Quarantined, &r.Skipped,
			&r.Failed, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Kind = Kind(kind)
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}
