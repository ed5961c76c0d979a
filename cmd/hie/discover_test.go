package main

import (
	"testing"
	"time"
)

func TestParseDateFlag_DateOnly(t *testing.T) {
	loc := time.FixedZone("NZST", 12*3600)

	got, err := parseDateFlag("2025-08-01", loc, false)
	if err != nil {
		t.Fatalf("parseDateFlag() error = %v", err)
	}
	want := time.Date(2025, 8, 1, 0, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("parseDateFlag() = %v, want %v", got, want)
	}
}

func TestParseDateFlag_DateOnlyEnd(t *testing.T) {
	got, err := parseDateFlag("2025-08-31", time.UTC, true)
	if err != nil {
		t.Fatalf("parseDateFlag() error = %v", err)
	}
	// --to covers the whole day named.
	want := time.Date(2025, 8, 31, 23, 59, 59, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("parseDateFlag() = %v, want %v", got, want)
	}
}

func TestParseDateFlag_RFC3339(t *testing.T) {
	got, err := parseDateFlag("2025-08-01T10:30:00+12:00", time.UTC, true)
	if err != nil {
		t.Fatalf("parseDateFlag() error = %v", err)
	}
	want := time.Date(2025, 8, 1, 10, 30, 0, 0, time.FixedZone("", 12*3600))
	if !got.Equal(want) {
		t.Fatalf("parseDateFlag() = %v, want %v", got, want)
	}
}

func TestParseDateFlag_Empty(t *testing.T) {
	got, err := parseDateFlag("", time.UTC, false)
	if err != nil {
		t.Fatalf("parseDateFlag() error = %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("parseDateFlag(\"\") = %v, want zero time", got)
	}
}

func TestParseDateFlag_Invalid(t *testing.T) {
	if _, err := parseDateFlag("31/08/2025", time.UTC, false); err == nil {
		t.Fatal("parseDateFlag() expected error for unsupported format")
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1536, "1.5 KiB"},
		{2 * 1024 * 1024, "2.0 MiB"},
		{3 * 1024 * 1024 * 1024, "3.0 GiB"},
	}
	for _, tc := range cases {
		if got := formatBytes(tc.n); got != tc.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tc.n, got, tc.want)
		}
	}
}
