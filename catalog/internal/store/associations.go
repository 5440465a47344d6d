package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hazyhaar/brickvault/dbopen"
)

// LinkAssociations records that setCode contains every code in subCodes.
// Codes with no row yet get a placeholder row of the right kind first, so
// no association ever references a missing item. Existing associations are
// left alone; the result counts only new rows. Nothing is written (and no
// snapshot is taken) when every association already exists.
func (s *Store) LinkAssociations(ctx context.Context, setCode string, subCodes []string) (*LinkResult, error) {
	subs := dedupe(setCode, subCodes)
	res := &LinkResult{}

	pending, err := s.linkPending(ctx, setCode, subs)
	if err != nil {
		return nil, err
	}
	if !pending {
		return res, nil
	}
	if err := s.snapshot(ctx); err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	err = dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		*res = LinkResult{}
		created, err := ensureItem(ctx, tx, setCode, KindSet, now)
		if err != nil {
			return err
		}
		if created {
			res.Placeholders++
		}
		for _, sub := range subs {
			created, err := ensureItem(ctx, tx, sub, KindSubComponent, now)
			if err != nil {
				return err
			}
			if created {
				res.Placeholders++
			}
			r, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO item_associations (set_code, subcomponent_code, created_at)
				VALUES (?, ?, ?)`, setCode, sub, now)
			if err != nil {
				return fmt.Errorf("store: link %s -> %s: %w", setCode, sub, err)
			}
			n, _ := r.RowsAffected()
			res.Associations += int(n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) linkPending(ctx context.Context, setCode string, subs []string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM catalog_items WHERE code = ?`, setCode).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: link check: %w", err)
	}
	if n == 0 {
		return true, nil
	}
	for _, sub := range subs {
		err := s.DB.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM item_associations WHERE set_code = ? AND subcomponent_code = ?`,
			setCode, sub).Scan(&n)
		if err != nil {
			return false, fmt.Errorf("store: link check: %w", err)
		}
		if n == 0 {
			return true, nil
		}
	}
	return false, nil
}

// ensureItem inserts a placeholder row for code unless one exists. An
// existing row of the other kind is a conflict.
func ensureItem(ctx context.Context, tx *sql.Tx, code string, kind Kind, now int64) (bool, error) {
	var stored string
	err := tx.QueryRowContext(ctx,
		`SELECT kind FROM catalog_items WHERE code = ?`, code).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err := tx.ExecContext(ctx,
			`INSERT INTO catalog_items (code, kind, name, placeholder, created_at, updated_at)
			VALUES (?, ?, '', 1, ?, ?)`, code, string(kind), now, now)
		if err != nil {
			return false, fmt.Errorf("store: placeholder %s: %w", code, err)
		}
		return true, nil
	case err != nil:
		return false, err
	case Kind(stored) != kind:
		return false, fmt.Errorf("store: %s: %w: stored as %s", code, ErrKindConflict, stored)
	}
	return false, nil
}

func dedupe(setCode string, codes []string) []string {
	seen := map[string]bool{setCode: true}
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// Associations lists associations ordered by set then sub-component. An
// empty setCode lists all of them.
func (s *Store) Associations(ctx context.Context, setCode string) ([]Association, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT set_code, subcomponent_code, created_at FROM item_associations
		WHERE ? = '' OR set_code = ?
		ORDER BY set_code, subcomponent_code`, setCode, setCode)
	if err != nil {
		return nil, fmt.Errorf("store: associations: %w", err)
	}
	defer rows.Close()

	var out []Association
	for rows.Next() {
		var a Association
		if err := rows.Scan(&a.SetCode, &a.SubComponentCode, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AssociationCount returns the number of association rows.
func (s *Store) AssociationCount(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM item_associations`).Scan(&n)
	return n, err
}

// MatrixPairs returns the associations feeding the presence matrix, ordered
// by set then sub-component. Pairs touching a quarantined item are dropped
// unless includeQuarantined is set. A non-empty theme keeps only sets of
// that theme.
func (s *Store) MatrixPairs(ctx context.Context, theme string, includeQuarantined bool) ([]Association, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT a.set_code, a.subcomponent_code, a.created_at
		FROM item_associations a
		JOIN catalog_items st ON st.code = a.set_code
		JOIN catalog_items sc ON sc.code = a.subcomponent_code
		WHERE (? = 1 OR (st.quarantined = 0 AND sc.quarantined = 0))
		  AND (? = '' OR st.theme = ?)
		ORDER BY a.set_code, a.subcomponent_code`,
		boolInt(includeQuarantined), theme, theme)
	if err != nil {
		return nil, fmt.Errorf("store: matrix pairs: %w", err)
	}
	defer rows.Close()

	var out []Association
	for rows.Next() {
		var a Association
		if err := rows.Scan(&a.SetCode, &a.SubComponentCode, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
