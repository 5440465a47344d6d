package normalize

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var (
	countToken = regexp.MustCompile(`[-−]?\d[\d.,'\s\x{00a0}\x{202f}]*`)
	moneyToken = regexp.MustCompile(`[-−]?\d(?:[\d.,'\s\x{00a0}\x{202f}]*\d)?`)
	yearToken  = regexp.MustCompile(`\b\d{4}\b`)
)

// parseCount reads the first integer on the page value, ignoring thousands
// separators of any locale: "7,541", "7.541" and "7 541" are all 7541.
func parseCount(s string) (n int, negative, ok bool) {
	tok := countToken.FindString(s)
	if tok == "" {
		return 0, false, false
	}
	negative = strings.HasPrefix(tok, "-") || strings.HasPrefix(tok, "−")
	digits := strings.Map(keepDigits, tok)
	if digits == "" {
		return 0, false, false
	}
	v, err := strconv.Atoi(digits)
	if err != nil {
		return 0, negative, false
	}
	return v, negative, true
}

// parseMinorUnits reads the first amount on the page value and returns it in
// minor units. The decimal separator is the last "." or "," when both occur;
// a lone separator followed by exactly three digits is a thousands
// separator. "€1.049,50" and "$1,049.50" are both 104950. Amounts that do
// not fit in an int64 come back as math.MaxInt64.
func parseMinorUnits(s string) (v int64, negative, ok bool) {
	loc := moneyToken.FindStringIndex(s)
	if loc == nil {
		return 0, false, false
	}
	tok := s[loc[0]:loc[1]]
	// The sign may sit before the currency symbol: "-€3.00".
	negative = strings.ContainsAny(s[:loc[0]], "-−") ||
		strings.HasPrefix(tok, "-") || strings.HasPrefix(tok, "−")
	tok = strings.TrimLeft(tok, "-−")
	tok = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '\'' {
			return -1
		}
		return r
	}, tok)

	intPart, frac := tok, ""
	lastDot, lastComma := strings.LastIndex(tok, "."), strings.LastIndex(tok, ",")
	sep := max(lastDot, lastComma)
	if sep >= 0 {
		tail := tok[sep+1:]
		both := lastDot >= 0 && lastComma >= 0
		single := strings.Count(tok, tok[sep:sep+1]) == 1
		if both || (single && len(tail) != 3) {
			intPart, frac = tok[:sep], tail
		}
	}
	intPart = strings.Map(keepDigits, intPart)
	if intPart == "" {
		intPart = "0"
	}
	if len(frac) > 2 {
		return 0, negative, false
	}
	for len(frac) < 2 {
		frac += "0"
	}

	whole, err := strconv.ParseInt(intPart, 10, 64)
	if errors.Is(err, strconv.ErrRange) {
		return math.MaxInt64, negative, true
	}
	if err != nil {
		return 0, negative, false
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, negative, false
	}
	// Amounts too large for minor units saturate so callers see them as out of range.
	if whole > (math.MaxInt64-99)/100 {
		return math.MaxInt64, negative, true
	}
	return whole*100 + cents, negative, true
}

// parseYear returns the first four-digit group. hasDigits distinguishes
// "no year in a numeric value" from purely verbal values.
func parseYear(s string) (year int, hasDigits, ok bool) {
	if tok := yearToken.FindString(s); tok != "" {
		y, _ := strconv.Atoi(tok)
		return y, true, true
	}
	return 0, strings.IndexFunc(s, unicode.IsDigit) >= 0, false
}

func keepDigits(r rune) rune {
	if r >= '0' && r <= '9' {
		return r
	}
	return -1
}
