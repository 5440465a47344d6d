// Package parse turns a fetched catalog page into RawFields using the page's
// structural anchors: labelled ".row.rowlist" rows inside the detail,
// pricing and facts panels, the page heading, and item links.
//
// Values are returned exactly as displayed (after whitespace collapsing);
// interpreting them is the normalizer's job. A field the page does not show
// is nil.
package parse

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/brickvault/catalog/internal/store"
)

const (
	setDetails  = "#ContentPlaceHolder1_SetDetails"
	setPricing  = "#ContentPlaceHolder1_PanelSetPricing"
	setFacts    = "#ContentPlaceHolder1_PanelSetFacts"
	rowSelector = "div.row.rowlist"
	siteSuffix  = "| BrickEconomy"
)

// RawFields holds the un-normalized values read from one page.
type RawFields struct {
	Code string
	Kind store.Kind

	Name           *string
	Theme          *string
	Subtheme       *string
	Pieces         *string
	Components     *string
	Released       *string
	Retired        *string
	ValueNew       *string
	ValueUsed      *string
	PricePrimary   *string
	PriceSecondary *string

	ImageURL   string
	References []string // codes of linked items of the other kind, page order
}

// Parse extracts the fields for code from body.
func Parse(code string, kind store.Kind, body []byte) (*RawFields, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &ParseError{Code: code, Kind: kind, Reason: err.Error(), Err: ErrUnrecognized}
	}
	if isNotFoundPage(doc) {
		return nil, &ParseError{Code: code, Kind: kind, Reason: "site returned its not-found page", Err: ErrNotFound}
	}

	raw := &RawFields{Code: code, Kind: kind}
	switch kind {
	case store.KindSet:
		err = parseSet(doc, raw)
	case store.KindSubComponent:
		err = parseSubComponent(doc, raw)
	default:
		err = &ParseError{Reason: "unknown kind", Err: ErrUnrecognized}
	}
	if err != nil {
		pe := err.(*ParseError)
		pe.Code, pe.Kind = code, kind
		return nil, pe
	}
	raw.ImageURL = imageURL(doc, kind)
	raw.References = references(doc, kind)
	return raw, nil
}

// References returns the codes of items of the other kind linked from body:
// sub-components for a set page, sets for a sub-component page.
func References(kind store.Kind, body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &ParseError{Kind: kind, Reason: err.Error(), Err: ErrUnrecognized}
	}
	return references(doc, kind), nil
}

func parseSet(doc *goquery.Document, raw *RawFields) error {
	details := labelled(doc.Find(setDetails))
	heading := headingText(doc)
	if len(details) == 0 {
		if heading == nil && len(labelled(doc.Selection)) == 0 {
			return &ParseError{Reason: "no set anchors on page", Err: ErrNotFound}
		}
		return &ParseError{Reason: "set details panel missing", Err: ErrUnrecognized}
	}
	pricing := labelled(doc.Find(setPricing))
	facts := labelled(doc.Find(setFacts))

	raw.Name = first(details, "name", "set name")
	if raw.Name == nil {
		raw.Name = heading
	}
	raw.Theme = first(details, "theme")
	raw.Subtheme = first(details, "subtheme")
	raw.Pieces = first(details, "pieces")
	raw.Components = first(details, "minifigs", "minifigures")
	raw.Released = first(details, "released", "year")
	raw.Retired = first(details, "retired")
	raw.ValueNew = first(pricing, "value", "new/sealed", "new")
	raw.ValueUsed = first(pricing, "used")
	raw.PricePrimary = first(details, "retail price", "retail")
	if raw.PricePrimary == nil {
		raw.PricePrimary = first(pricing, "retail price", "retail")
	}
	raw.PriceSecondary = first(facts, "united kingdom")
	return nil
}

func parseSubComponent(doc *goquery.Document, raw *RawFields) error {
	rows := labelled(doc.Selection)
	heading := headingText(doc)
	if heading == nil && len(rows) == 0 {
		return &ParseError{Reason: "no minifig anchors on page", Err: ErrNotFound}
	}
	if len(rows) == 0 {
		return &ParseError{Reason: "minifig detail rows missing", Err: ErrUnrecognized}
	}

	raw.Name = heading
	if raw.Name != nil {
		n := strings.TrimSpace(strings.ReplaceAll(*raw.Name, "Minifigure", ""))
		raw.Name = &n
	}
	if raw.Name == nil || *raw.Name == "" {
		raw.Name = first(rows, "name")
	}
	raw.Theme = first(rows, "theme")
	raw.Subtheme = first(rows, "subtheme")
	raw.Pieces = first(rows, "pieces")
	raw.Released = first(rows, "released", "year")
	raw.Retired = first(rows, "retired")
	raw.ValueNew = first(rows, "value", "new")
	raw.ValueUsed = first(rows, "used")
	raw.PricePrimary = first(rows, "retail price", "retail")
	return nil
}

// labelled maps lower-cased row labels to their displayed values. The first
// occurrence of a label wins.
func labelled(sel *goquery.Selection) map[string]string {
	out := make(map[string]string)
	sel.Find(rowSelector).Each(func(_ int, row *goquery.Selection) {
		cells := row.ChildrenFiltered("div")
		if cells.Length() < 2 {
			return
		}
		label := strings.ToLower(strings.TrimSuffix(textOf(cells.Eq(0)), ":"))
		label = strings.TrimSpace(label)
		if label == "" {
			return
		}
		if _, dup := out[label]; !dup {
			out[label] = textOf(cells.Eq(1))
		}
	})
	return out
}

func first(m map[string]string, labels ...string) *string {
	for _, l := range labels {
		if v, ok := m[l]; ok {
			return &v
		}
	}
	return nil
}

func textOf(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	return nodeText(sel.Nodes[0])
}

func headingText(doc *goquery.Document) *string {
	h := textOf(doc.Find("h1").First())
	h = strings.TrimSpace(strings.TrimSuffix(h, siteSuffix))
	if h == "" {
		return nil
	}
	return &h
}

// notFoundTitle matches the site's error titles ("404 - ...", "Page Not
// Found") without tripping on codes such as "4040-1".
var notFoundTitle = regexp.MustCompile(`(?i)(^\s*404\b|error 404|not found)`)

func isNotFoundPage(doc *goquery.Document) bool {
	return notFoundTitle.MatchString(doc.Find("title").First().Text())
}

func imageURL(doc *goquery.Document, kind store.Kind) string {
	if v, ok := doc.Find(`meta[property="og:image"]`).Attr("content"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	sel := "#ContentPlaceHolder1_SetImage img, img.setimage"
	if kind == store.KindSubComponent {
		sel = "#ContentPlaceHolder1_MinifigImage img, img.minifigimage"
	}
	if v, ok := doc.Find(sel).First().Attr("src"); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func references(doc *goquery.Document, kind store.Kind) []string {
	segment, sel := "minifig", `a[href*="/minifig/"]`
	if kind == store.KindSubComponent {
		segment, sel = "set", `table.ctlsets-table h4 a[href*="/set/"]`
	}
	seen := make(map[string]bool)
	var out []string
	doc.Find(sel).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		code := codeFromHref(href, segment)
		if code == "" || seen[code] {
			return
		}
		seen[code] = true
		out = append(out, code)
	})
	return out
}

// codeFromHref returns the path segment following "/{segment}/".
func codeFromHref(href, segment string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == segment {
			return parts[i+1]
		}
	}
	return ""
}
