package models

import (
	"strings"
	"testing"
)

func TestNormalizeFilename(t *testing.T) {
	cases := map[string]string{
		" report.pdf ":          "report.pdf",
		"../../etc/passwd":      "passwd",
		`C:\Users\me\notes.txt`: "notes.txt",
		"tab\tname.txt":         "tabname.txt",
	}
	for in, want := range cases {
		got, err := NormalizeFilename(in)
		if err != nil {
			t.Fatalf("normalize %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("normalize %q: expected %q, got %q", in, want, got)
		}
	}

	for _, bad := range []string{"", "  ", "dir/", "..", strings.Repeat("x", maxFilenameLen+1)} {
		if _, err := NormalizeFilename(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestNormalizeMediaType(t *testing.T) {
	if got := NormalizeMediaType(" Text/Plain; charset=utf-8 "); got != "text/plain" {
		t.Fatalf("expected text/plain, got %q", got)
	}
	if got := NormalizeMediaType(""); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestComputeDuplicatePercentage(t *testing.T) {
	s := StorageStats{TotalSizeBytes: 20, SavedSizeBytes: 10}
	s.ComputeDuplicatePercentage()
	if s.DuplicatePercentage != 50 {
		t.Fatalf("expected 50, got %v", s.DuplicatePercentage)
	}

	empty := StorageStats{SavedSizeBytes: 0}
	empty.ComputeDuplicatePercentage()
	if empty.DuplicatePercentage != 0 {
		t.Fatalf("expected 0 for empty store, got %v", empty.DuplicatePercentage)
	}
}
