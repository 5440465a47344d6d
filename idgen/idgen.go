// Package idgen generates identifiers for scrape runs and backup snapshots.
//
// Run IDs are prefixed UUIDv7 strings ("run_0190..."), so they sort by
// creation time. Snapshot names use Stamp, a fixed-width UTC timestamp with
// millisecond precision that also sorts lexically.
package idgen

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StampLayout is the timestamp layout used by Stamp and ParseStamp.
const StampLayout = "20060102T150405.000Z"

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a deterministic Generator ("prefix1", "prefix2", ...)
// for tests that assert on stored IDs.
func Sequence(prefix string) Generator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

// Default is the generator for run IDs.
var Default Generator = Prefixed("run_", UUIDv7())

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Stamp formats t in UTC with StampLayout.
func Stamp(t time.Time) string {
	return t.UTC().Format(StampLayout)
}

// ParseStamp extracts the timestamp embedded in name by Stamp. The name may
// carry a prefix ending in "-" and any extension after the stamp.
func ParseStamp(name string) (time.Time, error) {
	if i := strings.LastIndex(name, "-"); i >= 0 {
		name = name[i+1:]
	}
	if len(name) < len(StampLayout) {
		return time.Time{}, fmt.Errorf("idgen: %q carries no timestamp", name)
	}
	t, err := time.Parse(StampLayout, name[:len(StampLayout)])
	if err != nil {
		return time.Time{}, fmt.Errorf("idgen: parse stamp: %w", err)
	}
	return t, nil
}

// Parse validates a UUID string and returns its canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid UUID: %w", err)
	}
	return u.String(), nil
}
