// Package normalize converts RawFields into catalog items. Values are
// trimmed, decoded and range-checked; every failed check is recorded, and an
// item with at least one failure is returned quarantined rather than
// dropped, with all failures joined in its reason.
package normalize

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/hazyhaar/brickvault/catalog/internal/parse"
	"github.com/hazyhaar/brickvault/catalog/internal/store"
	"github.com/hazyhaar/brickvault/horosafe"
)

// Bounds applied to numeric fields.
const (
	MaxPieces     = 100_000
	MaxComponents = 1_000
	MinYear       = 1949
	MaxMinorUnits = 1_000_000_000 // 10 000 000.00
)

// ErrInvalidCode is returned by Code for identifiers that cannot be used.
var ErrInvalidCode = errors.New("normalize: invalid item code")

// Problem is one failed check.
type Problem struct {
	Field   string
	Message string
}

func (p Problem) String() string { return p.Field + " " + p.Message }

// Result is the normalized item and the checks it failed. Item is never nil.
type Result struct {
	Item     *store.Item
	Problems []Problem
}

// Quarantined reports whether at least one check failed.
func (r *Result) Quarantined() bool { return len(r.Problems) > 0 }

// Normalizer is stateless apart from its clock; one instance may be shared.
type Normalizer struct {
	now     func() time.Time
	cleaner *textCleaner
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock sets the clock used for the upper bound on years.
func WithClock(now func() time.Time) Option { return func(n *Normalizer) { n.now = now } }

// New creates a Normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{now: time.Now, cleaner: newTextCleaner()}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Code canonicalizes an item code: trimmed and upper-cased. Codes must be
// usable as URL path segments and file names.
func Code(s string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(s))
	if err := horosafe.ValidateIdentifier(c); err != nil {
		return "", errors.Join(ErrInvalidCode, err)
	}
	return c, nil
}

// Normalize validates raw. Fields that fail a check are left unknown on the
// returned item.
func (n *Normalizer) Normalize(raw *parse.RawFields) *Result {
	it := &store.Item{Code: raw.Code, Kind: raw.Kind, ImageURL: raw.ImageURL}
	var probs problems

	if raw.Name != nil {
		it.Name = n.cleaner.clean(*raw.Name)
	}
	if it.Name == "" || isNull(it.Name) {
		it.Name = ""
		probs.add("name", "is required")
	}
	it.Theme = n.optionalText(raw.Theme)
	it.Subtheme = n.optionalText(raw.Subtheme)

	it.PieceCount = count(raw.Pieces, "piece_count", MaxPieces, &probs)
	it.ComponentCount = count(raw.Components, "component_count", MaxComponents, &probs)

	maxYear := n.now().Year() + 5
	it.ReleaseYear = year(raw.Released, "release_year", maxYear, &probs)
	it.RetirementYear = year(raw.Retired, "retirement_year", maxYear, &probs)
	if it.ReleaseYear != nil && it.RetirementYear != nil && *it.RetirementYear < *it.ReleaseYear {
		probs.add("retirement_year", "before release_year")
		it.RetirementYear = nil
	}

	it.Raw = store.RawPrices{
		ValueNew:       rawText(raw.ValueNew),
		ValueUsed:      rawText(raw.ValueUsed),
		PricePrimary:   rawText(raw.PricePrimary),
		PriceSecondary: rawText(raw.PriceSecondary),
	}
	it.ValueNew = money(raw.ValueNew, "value_new", &probs)
	it.ValueUsed = money(raw.ValueUsed, "value_used", &probs)
	it.PricePrimary = money(raw.PricePrimary, "price_primary", &probs)
	it.PriceSecondary = money(raw.PriceSecondary, "price_secondary", &probs)

	it.Completeness = completeness(it)
	if len(probs) > 0 {
		it.Quarantined = true
		it.QuarantineReason = probs.reason()
	}
	return &Result{Item: it, Problems: probs}
}

func (n *Normalizer) optionalText(p *string) *string {
	if p == nil {
		return nil
	}
	s := n.cleaner.clean(*p)
	if isNull(s) {
		return nil
	}
	return &s
}

type problems []Problem

func (p *problems) add(field, msg string) {
	*p = append(*p, Problem{Field: field, Message: msg})
}

func (p problems) reason() string {
	parts := make([]string, len(p))
	for i, pr := range p {
		parts[i] = pr.String()
	}
	return strings.Join(parts, "; ")
}

func rawText(p *string) string {
	if p == nil {
		return ""
	}
	return collapse(*p)
}

func count(p *string, field string, limit int, probs *problems) *int {
	if p == nil || isNull(*p) {
		return nil
	}
	v, negative, ok := parseCount(*p)
	switch {
	case !ok:
		probs.add(field, "not a number")
		return nil
	case negative || v > limit:
		probs.add(field, "out of range")
		return nil
	}
	return &v
}

func year(p *string, field string, maxYear int, probs *problems) *int {
	if p == nil || isNull(*p) {
		return nil
	}
	y, hasDigits, ok := parseYear(*p)
	switch {
	case !ok && !hasDigits:
		// Verbal values such as "Retiring soon".
		return nil
	case !ok:
		probs.add(field, "not a year")
		return nil
	case y < MinYear || y > maxYear:
		probs.add(field, "out of range")
		return nil
	}
	return &y
}

func money(p *string, field string, probs *problems) *store.Money {
	if p == nil || isNull(*p) {
		return nil
	}
	v, negative, ok := parseMinorUnits(*p)
	switch {
	case !ok:
		probs.add(field, "not an amount")
		return nil
	case negative || v > MaxMinorUnits:
		probs.add(field, "out of range")
		return nil
	}
	m := store.Money(v)
	return &m
}

// completeness is the share of optional fields that are known, rounded to
// two decimals. Sets and sub-components have different optional fields.
func completeness(it *store.Item) float64 {
	known := []bool{
		it.Theme != nil,
		it.ReleaseYear != nil,
		it.RetirementYear != nil,
		it.ValueNew != nil,
		it.ValueUsed != nil,
		it.PricePrimary != nil,
	}
	if it.Kind == store.KindSet {
		known = append(known,
			it.Subtheme != nil,
			it.PieceCount != nil,
			it.ComponentCount != nil,
			it.PriceSecondary != nil,
		)
	}
	n := 0
	for _, k := range known {
		if k {
			n++
		}
	}
	return math.Round(float64(n)/float64(len(known))*100) / 100
}
