package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/brickvault/dbopen"
)

// contentColumns are written by every upsert, in itemArgs order.
const contentColumns = `name, theme, subtheme, piece_count, component_count,
	release_year, retirement_year,
	value_new_raw, value_used_raw, price_primary_raw, price_secondary_raw,
	value_new_cents, value_used_cents, price_primary_cents, price_secondary_cents,
	image_url, image_path, has_image, completeness, quarantined, quarantine_reason`

const selectColumns = `code, kind, ` + contentColumns + `,
	placeholder, content_hash, created_at, updated_at, last_scraped_at`

type outcome int

const (
	outcomeInserted outcome = iota
	outcomeUpdated
	outcomeUnchanged
)

func (r *WriteResult) add(o outcome, quarantined bool) {
	if quarantined {
		r.Quarantined++
		return
	}
	switch o {
	case outcomeInserted:
		r.Inserted++
	case outcomeUpdated:
		r.Updated++
	case outcomeUnchanged:
		r.Updated++
		r.Unchanged++
	}
}

// UpsertBatch writes items in one transaction. Existing rows with identical
// content only get last_scraped_at refreshed. Any failure rolls back the
// whole batch. An empty batch writes nothing and takes no snapshot.
func (s *Store) UpsertBatch(ctx context.Context, items []*Item) (*WriteResult, error) {
	res := &WriteResult{}
	if len(items) == 0 {
		return res, nil
	}
	if err := s.snapshot(ctx); err != nil {
		return nil, err
	}

	now := s.now().UnixMilli()
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		*res = WriteResult{}
		for _, it := range items {
			o, err := upsertItem(ctx, tx, it, now)
			if err != nil {
				return fmt.Errorf("store: upsert %s: %w", it.Code, err)
			}
			res.add(o, it.Quarantined)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func upsertItem(ctx context.Context, tx *sql.Tx, it *Item, now int64) (outcome, error) {
	if !it.Kind.Valid() {
		return 0, fmt.Errorf("invalid kind %q", it.Kind)
	}
	var kind, curHash, curImage string
	var placeholder, curHasImage int
	err := tx.QueryRowContext(ctx,
		`SELECT kind, content_hash, placeholder, image_path, has_image FROM catalog_items WHERE code = ?`,
		it.Code).Scan(&kind, &curHash, &placeholder, &curImage, &curHasImage)
	if err == nil && !it.HasImage && curHasImage != 0 {
		// A missed download keeps the image stored by an earlier run.
		kept := *it
		kept.ImagePath, kept.HasImage = curImage, true
		it = &kept
	}
	hash := ContentHash(it)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		args := append([]any{it.Code, string(it.Kind)}, itemArgs(it)...)
		args = append(args, hash, now, now, now)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO catalog_items (code, kind, `+contentColumns+`,
			content_hash, created_at, updated_at, last_scraped_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			args...)
		return outcomeInserted, err
	case err != nil:
		return 0, err
	case Kind(kind) != it.Kind:
		return 0, fmt.Errorf("%w: stored as %s", ErrKindConflict, kind)
	case curHash == hash && placeholder == 0:
		_, err := tx.ExecContext(ctx,
			`UPDATE catalog_items SET last_scraped_at = ? WHERE code = ?`, now, it.Code)
		return outcomeUnchanged, err
	}

	args := append(itemArgs(it), hash, now, now, it.Code)
	_, err = tx.ExecContext(ctx,
		`UPDATE catalog_items SET
			name = ?, theme = ?, subtheme = ?, piece_count = ?, component_count = ?,
			release_year = ?, retirement_year = ?,
			value_new_raw = ?, value_used_raw = ?, price_primary_raw = ?, price_secondary_raw = ?,
			value_new_cents = ?, value_used_cents = ?, price_primary_cents = ?, price_secondary_cents = ?,
			image_url = ?, image_path = ?, has_image = ?, completeness = ?,
			quarantined = ?, quarantine_reason = ?,
			placeholder = 0, content_hash = ?, updated_at = ?, last_scraped_at = ?
		WHERE code = ?`, args...)
	return outcomeUpdated, err
}

func itemArgs(it *Item) []any {
	return []any{
		it.Name, nullString(it.Theme), nullString(it.Subtheme),
		nullInt(it.PieceCount), nullInt(it.ComponentCount),
		nullInt(it.ReleaseYear), nullInt(it.RetirementYear),
		it.Raw.ValueNew, it.Raw.ValueUsed, it.Raw.PricePrimary, it.Raw.PriceSecondary,
		nullMoney(it.ValueNew), nullMoney(it.ValueUsed),
		nullMoney(it.PricePrimary), nullMoney(it.PriceSecondary),
		it.ImageURL, it.ImagePath, boolInt(it.HasImage), it.Completeness,
		boolInt(it.Quarantined), it.QuarantineReason,
	}
}

// ContentHash fingerprints every stored field except timestamps, so a
// re-scrape of unchanged data is detected.
func ContentHash(it *Item) string {
	h := sha256.New()
	for _, v := range append([]any{string(it.Kind)}, itemArgs(it)...) {
		fmt.Fprintf(h, "%v\x1f", v)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the item stored under code, or ErrNotFound.
func (s *Store) Get(ctx context.Context, code string) (*Item, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM catalog_items WHERE code = ?`, code)
	it, err := scanItem(row)
	if err != nil {
		return nil, err
	}
	if it == nil {
		return nil, ErrNotFound
	}
	return it, nil
}

var orderColumns = map[string]string{
	"":             "code",
	"code":         "code",
	"name":         "name",
	"release_year": "release_year",
	"piece_count":  "piece_count",
	"value_new":    "value_new_cents",
	"updated_at":   "updated_at",
}

// Query lists items matching f, always tie-broken by code.
func (s *Store) Query(ctx context.Context, f Filter) ([]*Item, error) {
	col, ok := orderColumns[f.OrderBy]
	if !ok {
		return nil, fmt.Errorf("store: cannot order by %q", f.OrderBy)
	}

	var where []string
	var args []any
	if !f.IncludeQuarantined {
		where = append(where, "quarantined = 0")
	}
	if !f.IncludePlaceholders {
		where = append(where, "placeholder = 0")
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Theme != "" {
		where = append(where, "theme = ?")
		args = append(args, f.Theme)
	}
	if f.YearFrom > 0 {
		where = append(where, "release_year >= ?")
		args = append(args, f.YearFrom)
	}
	if f.YearTo > 0 {
		where = append(where, "release_year <= ?")
		args = append(args, f.YearTo)
	}
	if f.WithImage {
		where = append(where, "has_image = 1")
	}

	q := `SELECT ` + selectColumns + ` FROM catalog_items`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	dir := "ASC"
	if f.Desc {
		dir = "DESC"
	}
	if col == "code" {
		q += " ORDER BY code " + dir
	} else {
		q += fmt.Sprintf(" ORDER BY %s %s NULLS LAST, code ASC", col, dir)
	}
	if f.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		it, err := scanItemRows(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// FreshCodes returns the subset of codes scraped at or after sinceMillis.
// Placeholders are never fresh.
func (s *Store) FreshCodes(ctx context.Context, codes []string, sinceMillis int64) (map[string]bool, error) {
	fresh := make(map[string]bool)
	if len(codes) == 0 {
		return fresh, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(codes)), ",")
	args := make([]any, 0, len(codes)+1)
	for _, c := range codes {
		args = append(args, c)
	}
	args = append(args, sinceMillis)

	rows, err := s.DB.QueryContext(ctx,
		`SELECT code FROM catalog_items
		WHERE code IN (`+marks+`) AND placeholder = 0 AND last_scraped_at >= ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: fresh codes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		fresh[code] = true
	}
	return fresh, rows.Err()
}

// KindsOf returns the stored kind of every code in codes that has a row,
// placeholders included.
func (s *Store) KindsOf(ctx context.Context, codes []string) (map[string]Kind, error) {
	kinds := make(map[string]Kind)
	if len(codes) == 0 {
		return kinds, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(codes)), ",")
	args := make([]any, len(codes))
	for i, c := range codes {
		args[i] = c
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT code, kind FROM catalog_items WHERE code IN (`+marks+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: kinds: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var code, kind string
		if err := rows.Scan(&code, &kind); err != nil {
			return nil, err
		}
		kinds[code] = Kind(kind)
	}
	return kinds, rows.Err()
}

// Delete removes an item. Its associations cascade.
func (s *Store) Delete(ctx context.Context, code string) error {
	if _, err := s.Get(ctx, code); err != nil {
		return err
	}
	if err := s.snapshot(ctx); err != nil {
		return err
	}
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM catalog_items WHERE code = ?`, code)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row *sql.Row) (*Item, error) {
	it, err := scanInto(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan item: %w", err)
	}
	return it, nil
}

func scanItemRows(rows *sql.Rows) (*Item, error) {
	it, err := scanInto(rows)
	if err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}
	return it, nil
}

func scanInto(r rowScanner) (*Item, error) {
	var it Item
	var kind string
	var theme, subtheme sql.NullString
	var pieces, comps, released, retired sql.NullInt64
	var vNew, vUsed, pPrimary, pSecondary sql.NullInt64
	var hasImage, quarantined, placeholder int
	var scraped sql.NullInt64

	err := r.Scan(
		&it.Code, &kind, &it.Name, &theme, &subtheme, &pieces, &comps,
		&released, &retired,
		&it.Raw.ValueNew, &it.Raw.ValueUsed, &it.Raw.PricePrimary, &it.Raw.PriceSecondary,
		&vNew, &vUsed, &pPrimary, &pSecondary,
		&it.ImageURL, &it.ImagePath, &hasImage, &it.Completeness, &quarantined, &it.QuarantineReason,
		&placeholder, &it.ContentHash, &it.CreatedAt, &it.UpdatedAt, &scraped,
	)
	if err != nil {
		return nil, err
	}
	it.Kind = Kind(kind)
	it.Theme = ptrString(theme)
	it.Subtheme = ptrString(subtheme)
	it.PieceCount = ptrInt(pieces)
	it.ComponentCount = ptrInt(comps)
	it.ReleaseYear = ptrInt(released)
	it.RetirementYear = ptrInt(retired)
	it.ValueNew = ptrMoney(vNew)
	it.ValueUsed = ptrMoney(vUsed)
	it.PricePrimary = ptrMoney(pPrimary)
	it.PriceSecondary = ptrMoney(pSecondary)
	it.HasImage = hasImage != 0
	it.Quarantined = quarantined != 0
	it.Placeholder = placeholder != 0
	if scraped.Valid {
		it.LastScrapedAt = &scraped.Int64
	}
	return &it, nil
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func nullMoney(p *Money) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func ptrString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	return &n.String
}

func ptrInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func ptrMoney(n sql.NullInt64) *Money {
	if !n.Valid {
		return nil
	}
	v := Money(n.Int64)
	return &v
}
