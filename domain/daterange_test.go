package domain

import (
	"testing"
	"time"
)

func TestAddMonthsClamped(t *testing.T) {
	anchor := time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		n    int
		want string
	}{
		{0, "2024-01-31"},
		{1, "2024-02-29"},
		{2, "2024-03-31"},
		{13, "2025-02-28"},
		{-1, "2023-12-31"},
		{-11, "2023-02-28"},
	}
	for _, tc := range tests {
		if got := FormatDate(AddMonthsClamped(anchor, tc.n)); got != tc.want {
			t.Fatalf("AddMonthsClamped(%d): expected %s, got %s", tc.n, tc.want, got)
		}
	}
}

func TestAddYearsClampedLeapDay(t *testing.T) {
	anchor := time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC)
	if got := FormatDate(AddYearsClamped(anchor, 1)); got != "2025-02-28" {
		t.Fatalf("expected 2025-02-28, got %s", got)
	}
	if got := FormatDate(AddYearsClamped(anchor, 4)); got != "2028-02-29" {
		t.Fatalf("expected 2028-02-29, got %s", got)
	}
}

func TestDateOfUsesLocalCalendarDate(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*3600)
	ts := time.Date(2024, time.March, 1, 5, 0, 0, 0, loc)
	if got := FormatDate(ts); got != "2024-03-01" {
		t.Fatalf("expected 2024-03-01, got %s", got)
	}
	if !SameDate(ts, time.Date(2024, time.March, 1, 23, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected same date")
	}
}

func TestDateRange(t *testing.T) {
	r := NewDateRange(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), time.Date(2024, 1, 10, 1, 0, 0, 0, time.UTC))
	if r.Empty() {
		t.Fatalf("range should not be empty")
	}
	if !r.Contains(time.Date(2024, 1, 10, 23, 0, 0, 0, time.UTC)) || r.Contains(time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected containment")
	}
	c := r.Clip(time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), time.Time{})
	if FormatDate(c.Start) != "2024-01-05" || FormatDate(c.End) != "2024-01-10" {
		t.Fatalf("unexpected clip %v", c)
	}
	if !NewDateRange(r.End, r.Start).Empty() {
		t.Fatalf("inverted range should be empty")
	}
}

func TestBetween(t *testing.T) {
	a := time.Date(2023, 11, 30, 0, 0, 0, 0, time.UTC)
	b := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	if got := DaysBetween(a, b); got != 63 {
		t.Fatalf("expected 63 days, got %d", got)
	}
	if got := MonthsBetween(a, b); got != 3 {
		t.Fatalf("expected 3 months, got %d", got)
	}
}
