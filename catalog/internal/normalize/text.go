package normalize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

// nullMarkers are displayed values that mean "unknown".
var nullMarkers = map[string]bool{
	"":                true,
	"na":              true,
	"n/a":             true,
	"-":               true,
	"—":               true,
	"–":               true,
	"?":               true,
	"none":            true,
	"null":            true,
	"unknown":         true,
	"not found":       true,
	"error":           true,
	"tba":             true,
	"tbd":             true,
	"not yet":         true,
	"not retired":     true,
	"not yet retired": true,
}

// textCleaner strips markup, decodes entities, applies NFC and collapses
// whitespace. Safe for concurrent use.
type textCleaner struct {
	policy *bluemonday.Policy
}

func newTextCleaner() *textCleaner {
	return &textCleaner{policy: bluemonday.StrictPolicy()}
}

func (c *textCleaner) clean(s string) string {
	s = c.policy.Sanitize(s)
	s = html.UnescapeString(s)
	s = norm.NFC.String(s)
	return collapse(s)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// isNull reports whether the displayed value means "unknown".
func isNull(s string) bool {
	return nullMarkers[strings.ToLower(collapse(s))]
}
