package catalog

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Format selects an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat accepts "json" and "csv".
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatCSV:
		return f, nil
	}
	return "", fmt.Errorf("catalog: unknown export format %q", s)
}

var csvHeader = []string{
	"code", "kind", "name", "theme", "subtheme", "piece_count", "component_count",
	"release_year", "retirement_year", "value_new", "value_used", "price_primary",
	"price_secondary", "has_image", "completeness", "quarantined", "quarantine_reason",
	"last_scraped_at",
}

// Export writes the items matching f to w. Unknown values are empty CSV
// cells and JSON nulls.
func (s *Service) Export(ctx context.Context, w io.Writer, format Format, f Filter) (int, error) {
	items, err := s.store.Query(ctx, f)
	if err != nil {
		return 0, err
	}
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if items == nil {
			items = []*Item{}
		}
		return len(items), enc.Encode(items)
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return 0, err
		}
		for _, it := range items {
			if err := cw.Write(csvRecord(it)); err != nil {
				return 0, err
			}
		}
		cw.Flush()
		return len(items), cw.Error()
	}
	return 0, fmt.Errorf("catalog: unknown export format %q", format)
}

func csvRecord(it *Item) []string {
	return []string{
		it.Code, string(it.Kind), it.Name,
		strOrEmpty(it.Theme), strOrEmpty(it.Subtheme),
		intOrEmpty(it.PieceCount), intOrEmpty(it.ComponentCount),
		intOrEmpty(it.ReleaseYear), intOrEmpty(it.RetirementYear),
		moneyOrEmpty(it.ValueNew), moneyOrEmpty(it.ValueUsed),
		moneyOrEmpty(it.PricePrimary), moneyOrEmpty(it.PriceSecondary),
		strconv.FormatBool(it.HasImage),
		strconv.FormatFloat(it.Completeness, 'f', 2, 64),
		strconv.FormatBool(it.Quarantined), it.QuarantineReason,
		int64OrEmpty(it.LastScrapedAt),
	}
}

func strOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func intOrEmpty(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}

func int64OrEmpty(p *int64) string {
	if p == nil {
		return ""
	}
	return strconv.FormatInt(*p, 10)
}

func moneyOrEmpty(p *Money) string {
	if p == nil {
		return ""
	}
	return p.String()
}
