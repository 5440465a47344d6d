package idgen

import (
	"strings"
	"testing"
	"time"
)

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	if len(id) != 36 || len(strings.Split(id, "-")) != 5 {
		t.Fatalf("UUIDv7: unexpected format %q", id)
	}
	if id[14] != '7' {
		t.Fatalf("UUIDv7: version nibble = %c, want 7", id[14])
	}
}

func TestDefaultIsPrefixedAndSortable(t *testing.T) {
	a := New()
	time.Sleep(2 * time.Millisecond)
	b := New()
	if !strings.HasPrefix(a, "run_") || !strings.HasPrefix(b, "run_") {
		t.Fatalf("missing prefix: %q %q", a, b)
	}
	if a >= b {
		t.Fatalf("ids not time-ordered: %q >= %q", a, b)
	}
	if _, err := Parse(strings.TrimPrefix(a, "run_")); err != nil {
		t.Fatalf("parse: %v", err)
	}
}

func TestSequence(t *testing.T) {
	gen := Sequence("run_")
	if got := gen(); got != "run_1" {
		t.Fatalf("first = %q", got)
	}
	if got := gen(); got != "run_2" {
		t.Fatalf("second = %q", got)
	}
}

func TestStampRoundTrip(t *testing.T) {
	at := time.Date(2026, 10, 14, 9, 30, 5, 123_000_000, time.FixedZone("CEST", 2*3600))
	name := "brickvault-" + Stamp(at) + ".db.gz"
	if name != "brickvault-20261014T073005.123Z.db.gz" {
		t.Fatalf("name = %q", name)
	}
	got, err := ParseStamp(name)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !got.Equal(at) {
		t.Fatalf("parsed %v, want %v", got, at)
	}
}

func TestParseStampRejectsGarbage(t *testing.T) {
	for _, name := range []string{"", "brickvault-.db", "brickvault-notatimestamp00000.db"} {
		if _, err := ParseStamp(name); err == nil {
			t.Errorf("ParseStamp(%q) succeeded", name)
		}
	}
}
