package domain

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// DateOf truncates t to its calendar date at midnight UTC. The calendar date
// is taken in t's own location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate renders t as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return DateOf(t).Format(dateLayout)
}

// SameDate reports whether a and b fall on the same calendar date.
func SameDate(a, b time.Time) bool {
	return DateOf(a).Equal(DateOf(b))
}

// DateRange is an inclusive window of calendar dates.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange normalises both bounds to dates.
func NewDateRange(start, end time.Time) DateRange {
	return DateRange{Start: DateOf(start), End: DateOf(end)}
}

// Empty reports whether the range contains no dates.
func (r DateRange) Empty() bool {
	return r.Start.After(r.End)
}

// Contains reports whether the date of t lies within the range.
func (r DateRange) Contains(t time.Time) bool {
	d := DateOf(t)
	return !d.Before(r.Start) && !d.After(r.End)
}

// Clip narrows the range to [lo, hi]. A zero bound is ignored.
func (r DateRange) Clip(lo, hi time.Time) DateRange {
	out := r
	if !lo.IsZero() && DateOf(lo).After(out.Start) {
		out.Start = DateOf(lo)
	}
	if !hi.IsZero() && DateOf(hi).Before(out.End) {
		out.End = DateOf(hi)
	}
	return out
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// AddMonthsClamped returns the date n months after anchor keeping anchor's day
// of month, clamped to the last day of shorter months.
func AddMonthsClamped(anchor time.Time, n int) time.Time {
	y, m, d := anchor.Date()
	total := int(m) - 1 + n
	year := y + floorDiv(total, 12)
	month := time.Month(total - floorDiv(total, 12)*12 + 1)
	if last := daysIn(year, month); d > last {
		d = last
	}
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}

// AddYearsClamped returns the date n years after anchor; Feb 29 clamps to
// Feb 28 in non-leap years.
func AddYearsClamped(anchor time.Time, n int) time.Time {
	return AddMonthsClamped(anchor, 12*n)
}

// DaysBetween returns the number of whole days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(DateOf(b).Sub(DateOf(a)).Hours() / 24)
}

// MonthsBetween returns the number of calendar months from a to b, ignoring
// the day of month.
func MonthsBetween(a, b time.Time) int {
	ay, am, _ := a.Date()
	by, bm, _ := b.Date()
	return (by-ay)*12 + int(bm) - int(am)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func minDate(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxDate(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
