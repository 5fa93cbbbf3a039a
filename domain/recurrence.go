package domain

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Occurrence is a read-only projection of a task on one calendar date. It is
// derived on every query and never stored.
type Occurrence struct {
	TaskID          string    `json:"taskId"`
	Date            time.Time `json:"date"`
	EffectiveStatus Status    `json:"effectiveStatus"`
	Title           string    `json:"title"`
	Priority        Priority  `json:"priority"`
	CategoryID      string    `json:"categoryId,omitempty"`
	BoardID         string    `json:"boardId,omitempty"`
	SwimlaneID      string    `json:"swimlaneId,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	StartTime       string    `json:"startTime,omitempty"`
	EndTime         string    `json:"endTime,omitempty"`
	IsAllDay        bool      `json:"isAllDay"`
	IsRecurring     bool      `json:"isRecurring"`
	Position        int       `json:"position"`
}

// Expander materialises task occurrences inside date windows.
type Expander struct {
	// Now is the generation clock; a series whose end lies before today
	// yields nothing.
	Now func() time.Time
}

func NewExpander() Expander { return Expander{Now: time.Now} }

func (e Expander) today() time.Time {
	if e.Now == nil {
		return DateOf(time.Now())
	}
	return DateOf(e.Now())
}

// Occurrences yields the occurrences of t within [start, end] in date order.
// The sequence is recomputed from the task's fields on every iteration.
func (e Expander) Occurrences(t Task, start, end time.Time) iter.Seq[Occurrence] {
	return func(yield func(Occurrence) bool) {
		window := NewDateRange(start, end)
		if window.Empty() || t.DueDate == nil {
			return
		}
		anchor := DateOf(*t.DueDate)
		if !t.IsRecurring || t.RecurrenceType == RecurrenceNone || t.RecurrenceType == "" {
			if window.Contains(anchor) {
				yield(occurrenceOf(t, anchor, t.Status))
			}
			return
		}
		if t.RecurringUntil == nil {
			return
		}
		until := DateOf(*t.RecurringUntil)
		if until.Before(e.today()) {
			return
		}
		limit := minDate(window.End, until)
		lower := maxDate(window.Start, anchor)
		if lower.After(limit) {
			return
		}
		rule, err := ruleFor(t)
		if err != nil {
			return
		}
		for date := range rule.dates(anchor, lower) {
			if date.After(limit) {
				return
			}
			if date.Before(lower) {
				continue
			}
			if !yield(occurrenceOf(t, date, effectiveStatus(t, date))) {
				return
			}
		}
	}
}

// Expand flattens the occurrences of every task in [start, end] into one
// calendar feed ordered by date, start time and position.
func (e Expander) Expand(tasks []Task, start, end time.Time) []Occurrence {
	var out []Occurrence
	for _, t := range tasks {
		for occ := range e.Occurrences(t, start, end) {
			out = append(out, occ)
		}
	}
	slices.SortStableFunc(out, func(a, b Occurrence) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		if c := cmp.Compare(a.StartTime, b.StartTime); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Position, b.Position); c != 0 {
			return c
		}
		return cmp.Compare(a.TaskID, b.TaskID)
	})
	return out
}

// effectiveStatus of a recurring occurrence. Only one CompletedAt exists per
// series, so only the occurrence on that date reads as completed.
func effectiveStatus(t Task, date time.Time) Status {
	if t.CompletedAt != nil && SameDate(*t.CompletedAt, date) {
		return StatusCompleted
	}
	return StatusPending
}

func occurrenceOf(t Task, date time.Time, status Status) Occurrence {
	return Occurrence{
		TaskID:          t.ID,
		Date:            date,
		EffectiveStatus: status,
		Title:           t.Title,
		Priority:        t.Priority,
		CategoryID:      t.CategoryID,
		BoardID:         t.BoardID,
		SwimlaneID:      t.SwimlaneID,
		Tags:            slices.Clone(t.Tags),
		StartTime:       t.StartTime,
		EndTime:         t.EndTime,
		IsAllDay:        t.IsAllDay,
		IsRecurring:     t.IsRecurring,
		Position:        t.Position,
	}
}

// recurrenceRule steps from an anchor date. Every candidate is computed from
// the anchor so month-end clamping never drifts.
type recurrenceRule struct {
	kind     RecurrenceType
	interval int
	weekdays []time.Weekday
}

func ruleFor(t Task) (recurrenceRule, error) {
	r := recurrenceRule{kind: t.RecurrenceType, interval: 1}
	n, err := configInterval(t.RecurrenceConfig)
	if err != nil {
		return r, err
	}
	r.interval = n
	days, err := configWeekdays(t.RecurrenceConfig)
	if err != nil {
		return r, err
	}
	if len(days) > 0 {
		if t.RecurrenceType != RecurrenceWeekly {
			return r, invalidRecurrencef("weekdays only apply to weekly recurrence")
		}
		r.weekdays = days
	}
	switch t.RecurrenceType {
	case RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly, RecurrenceYearly:
		return r, nil
	default:
		return r, invalidRecurrencef("unknown recurrence type %q", t.RecurrenceType)
	}
}

// dates yields candidates in ascending order, skipping ahead to roughly
// lower. Callers stop iterating once a candidate passes their limit; the
// sequence also ends if a candidate fails to advance past the previous one.
func (r recurrenceRule) dates(anchor, lower time.Time) iter.Seq[time.Time] {
	return func(emit func(time.Time) bool) {
		var prev time.Time
		yield := func(d time.Time) bool {
			if !prev.IsZero() && !d.After(prev) {
				return false
			}
			prev = d
			return emit(d)
		}
		n := r.interval
		switch r.kind {
		case RecurrenceDaily:
			for k := DaysBetween(anchor, lower) / n; ; k++ {
				if !yield(anchor.AddDate(0, 0, k*n)) {
					return
				}
			}
		case RecurrenceWeekly:
			if len(r.weekdays) == 0 {
				for k := DaysBetween(anchor, lower) / (7 * n); ; k++ {
					if !yield(anchor.AddDate(0, 0, 7*k*n)) {
						return
					}
				}
			} else {
				r.weekdayDates(anchor, lower, yield)
			}
		case RecurrenceMonthly:
			for k := max(0, MonthsBetween(anchor, lower)/n-1); ; k++ {
				if !yield(AddMonthsClamped(anchor, k*n)) {
					return
				}
			}
		case RecurrenceYearly:
			for k := max(0, (lower.Year()-anchor.Year())/n-1); ; k++ {
				if !yield(AddYearsClamped(anchor, k*n)) {
					return
				}
			}
		}
	}
}

// weekdayDates walks week blocks starting at the anchor and yields the
// selected weekdays of every interval-th block.
func (r recurrenceRule) weekdayDates(anchor, lower time.Time, yield func(time.Time) bool) {
	n := r.interval
	for b := DaysBetween(anchor, lower) / (7 * n); ; b++ {
		base := anchor.AddDate(0, 0, 7*b*n)
		for off := 0; off < 7; off++ {
			d := base.AddDate(0, 0, off)
			if !slices.Contains(r.weekdays, d.Weekday()) {
				continue
			}
			if !yield(d) {
				return
			}
		}
	}
}

// ValidateRecurrence checks the recurrence descriptor of t at creation or
// update time.
func ValidateRecurrence(t Task, now time.Time) error {
	if !t.IsRecurring {
		if t.RecurrenceType != "" && !t.RecurrenceType.Valid() {
			return invalidRecurrencef("unknown recurrence type %q", t.RecurrenceType)
		}
		return nil
	}
	if t.RecurrenceType == "" || t.RecurrenceType == RecurrenceNone || !t.RecurrenceType.Valid() {
		return invalidRecurrencef("recurring task needs a recurrence type, got %q", t.RecurrenceType)
	}
	if t.DueDate == nil {
		return invalidRecurrencef("recurring task needs a due date to anchor on")
	}
	if t.RecurringUntil == nil {
		return invalidRecurrencef("recurring task needs recurringUntil")
	}
	until := DateOf(*t.RecurringUntil)
	if !until.After(DateOf(now)) {
		return invalidRecurrencef("recurringUntil %s is not in the future", FormatDate(until))
	}
	if !until.After(DateOf(*t.DueDate)) {
		return invalidRecurrencef("recurringUntil %s is not after due date %s", FormatDate(until), FormatDate(*t.DueDate))
	}
	_, err := ruleFor(t)
	return err
}

// maxRecurrenceInterval bounds the step so candidate offsets cannot overflow.
const maxRecurrenceInterval = 1000

func configInterval(cfg map[string]any) (int, error) {
	raw, ok := cfg["interval"]
	if !ok || raw == nil {
		return 1, nil
	}
	var n int
	switch v := raw.(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		if v > maxRecurrenceInterval {
			return 0, invalidRecurrencef("interval %v exceeds %d", v, maxRecurrenceInterval)
		}
		if v != float64(int(v)) {
			return 0, invalidRecurrencef("interval %v is not a whole number", v)
		}
		n = int(v)
	case string:
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, invalidRecurrencef("interval %q: %v", v, err)
		}
		n = parsed
	default:
		return 0, invalidRecurrencef("interval has type %T", raw)
	}
	if n <= 0 {
		return 0, invalidRecurrencef("interval must be positive, got %d", n)
	}
	if n > maxRecurrenceInterval {
		return 0, invalidRecurrencef("interval %d exceeds %d", n, maxRecurrenceInterval)
	}
	return n, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func configWeekdays(cfg map[string]any) ([]time.Weekday, error) {
	raw, ok := cfg["weekdays"]
	if !ok || raw == nil {
		return nil, nil
	}
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case []string:
		for _, s := range v {
			items = append(items, s)
		}
	case []int:
		for _, i := range v {
			items = append(items, i)
		}
	default:
		return nil, invalidRecurrencef("weekdays has type %T", raw)
	}
	var days []time.Weekday
	for _, item := range items {
		d, err := parseWeekday(item)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(days, d) {
			days = append(days, d)
		}
	}
	return days, nil
}

func parseWeekday(v any) (time.Weekday, error) {
	var n int
	switch x := v.(type) {
	case string:
		if d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(x))]; ok {
			return d, nil
		}
		parsed, err := strconv.Atoi(x)
		if err != nil {
			return 0, invalidRecurrencef("unknown weekday %q", x)
		}
		n = parsed
	case int:
		n = x
	case float64:
		if x < 0 || x > 6 || x != float64(int(x)) {
			return 0, invalidRecurrencef("weekday %v is not one of 0-6", x)
		}
		n = int(x)
	default:
		return 0, invalidRecurrencef("weekday has type %T", v)
	}
	if n < 0 || n > 6 {
		return 0, invalidRecurrencef("weekday %d outside 0-6", n)
	}
	return time.Weekday(n), nil
}

func (o Occurrence) String() string {
	return fmt.Sprintf("%s@%s(%s)", o.TaskID, FormatDate(o.Date), o.EffectiveStatus)
}
