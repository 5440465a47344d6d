package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/brickvault/dbopen"
)

// Stats gathers store-wide counters. Quarantined rows and placeholders are
// counted separately and excluded from the per-kind and theme figures.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Items: make(map[Kind]int)}

	rows, err := s.DB.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM catalog_items
		WHERE quarantined = 0 AND placeholder = 0 GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("store: stats: %w", err)
	}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			rows.Close()
			return nil, err
		}
		st.Items[Kind(kind)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	var last sql.NullInt64
	err = s.DB.QueryRowContext(ctx, `SELECT
		COALESCE(SUM(CASE WHEN has_image = 1 AND quarantined = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(quarantined), 0),
		COALESCE(SUM(placeholder), 0),
		COUNT(DISTINCT CASE WHEN quarantined = 0 THEN theme END),
		COUNT(DISTINCT CASE WHEN quarantined = 0 THEN release_year END),
		AVG(CASE WHEN quarantined = 0 AND placeholder = 0 THEN completeness END),
		MAX(last_scraped_at)
		FROM catalog_items`).Scan(
		&st.WithImage, &st.Quarantined, &st.Placeholders, &st.Themes,
		&st.ReleaseYears, &avg, &last)
	if err != nil {
		return nil, fmt.Errorf("store: stats: %w", err)
	}
	st.AvgCompleteness = avg.Float64
	if last.Valid {
		st.LastScrapedAt = &last.Int64
	}

	if st.Associations, err = s.AssociationCount(ctx); err != nil {
		return nil, fmt.Errorf("store: stats: %w", err)
	}
	if st.DatabaseBytes, err = dbopen.FileSize(s.DB); err != nil {
		return nil, err
	}
	if st.SchemaVersion, err = s.SchemaVersion(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

// Optimize refreshes planner statistics and compacts the file.
func (s *Store) Optimize(ctx context.Context) error {
	for _, stmt := range []string{"ANALYZE", "VACUUM", "PRAGMA optimize"} {
		if _, err := dbopen.Exec(ctx, s.DB, stmt); err != nil {
			return fmt.Errorf("store: %s: %w", stmt, err)
		}
	}
	return nil
}
