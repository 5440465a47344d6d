package store

import (
	"fmt"
	"strings"
)

// Kind discriminates the two item variants sharing the catalog_items table.
type Kind string

const (
	KindSet          Kind = "set"
	KindSubComponent Kind = "subcomponent"
)

// Kinds lists every known variant in display order.
var Kinds = []Kind{KindSet, KindSubComponent}

// Valid reports whether k is a known variant.
func (k Kind) Valid() bool {
	return k == KindSet || k == KindSubComponent
}

// ParseKind accepts "set", "subcomponent" and the site's word "minifig".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "set", "sets":
		return KindSet, nil
	case "subcomponent", "subcomponents", "minifig", "minifigs", "minifigure":
		return KindSubComponent, nil
	}
	return "", fmt.Errorf("store: unknown kind %q", s)
}

// Money is a non-negative currency amount in minor units (cents).
type Money int64

// String renders m with two decimals, e.g. "1234.50".
func (m Money) String() string {
	return fmt.Sprintf("%d.%02d", int64(m)/100, int64(m)%100)
}

// Float returns m in major units.
func (m Money) Float() float64 { return float64(m) / 100 }

// RawPrices keeps the currency strings exactly as the site showed them.
type RawPrices struct {
	ValueNew       string `json:"value_new,omitempty"`
	ValueUsed      string `json:"value_used,omitempty"`
	PricePrimary   string `json:"price_primary,omitempty"`
	PriceSecondary string `json:"price_secondary,omitempty"`
}

// Item is one catalog row. Nil pointers mean "unknown", never zero.
type Item struct {
	Code           string    `json:"code"`
	Kind           Kind      `json:"kind"`
	Name           string    `json:"name"`
	Theme          *string   `json:"theme"`
	Subtheme       *string   `json:"subtheme"`
	PieceCount     *int      `json:"piece_count"`
	ComponentCount *int      `json:"component_count"`
	ReleaseYear    *int      `json:"release_year"`
	RetirementYear *int      `json:"retirement_year"`
	ValueNew       *Money    `json:"value_new"`
	ValueUsed      *Money    `json:"value_used"`
	PricePrimary   *Money    `json:"price_primary"`
	PriceSecondary *Money    `json:"price_secondary"`
	Raw            RawPrices `json:"raw"`
	ImageURL       string    `json:"image_url,omitempty"`
	ImagePath      string    `json:"image_path,omitempty"`
	HasImage       bool      `json:"has_image"`
	Completeness   float64   `json:"completeness"`

	Quarantined      bool   `json:"quarantined"`
	QuarantineReason string `json:"quarantine_reason,omitempty"`
	Placeholder      bool   `json:"placeholder"`

	ContentHash   string `json:"-"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
	LastScrapedAt *int64 `json:"last_scraped_at"`
}

// Association links a set to one of its sub-components.
type Association struct {
	SetCode          string `json:"set_code"`
	SubComponentCode string `json:"subcomponent_code"`
	CreatedAt        int64  `json:"created_at"`
}

// WriteResult counts what one UpsertBatch did. Quarantined rows are counted
// only in Quarantined, never in Inserted or Updated.
type WriteResult struct {
	Inserted    int `json:"inserted"`
	Updated     int `json:"updated"`
	Unchanged   int `json:"unchanged"` // subset of Updated: only last_scraped_at moved
	Quarantined int `json:"quarantined"`
}

// LinkResult counts what one LinkAssociations did.
type LinkResult struct {
	Associations int `json:"associations"`
	Placeholders int `json:"placeholders"`
}

// Filter narrows Query. The zero value returns every non-quarantined,
// non-placeholder item ordered by code.
type Filter struct {
	Kind                Kind
	Theme               string
	YearFrom            int
	YearTo              int
	WithImage           bool
	IncludeQuarantined  bool
	IncludePlaceholders bool
	OrderBy             string // code, name, release_year, piece_count, value_new, updated_at
	Desc                bool
	Limit               int
	Offset              int
}

// Run is the persisted summary of one batch.
type Run struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	StartedAt   int64  `json:"started_at"`
	FinishedAt  int64  `json:"finished_at"`
	Requested   int    `json:"requested"`
	Fetched     int    `json:"fetched"`
	Inserted    int    `json:"inserted"`
	Updated     int    `json:"updated"`
	Quarantined int    `json:"quarantined"`
	Skipped     int    `json:"skipped"`
	Failed      int    `json:"failed"`
	Error       string `json:"error,omitempty"`
}

// Stats summarises the store for operators and the dashboard.
type Stats struct {
	Items           map[Kind]int `json:"items"`
	WithImage       int          `json:"with_image"`
	Quarantined     int          `json:"quarantined"`
	Placeholders    int          `json:"placeholders"`
	Associations    int          `json:"associations"`
	Themes          int          `json:"themes"`
	ReleaseYears    int          `json:"release_years"`
	AvgCompleteness float64      `json:"avg_completeness"`
	LastScrapedAt   *int64       `json:"last_scraped_at"`
	DatabaseBytes   int64        `json:"database_bytes"`
	SchemaVersion   uint         `json:"schema_version"`
}
