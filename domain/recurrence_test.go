package domain

import (
	"errors"
	"os"
	"slices"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

type recurrenceCase struct {
	Name   string         `yaml:"name"`
	Due    string         `yaml:"due"`
	Type   RecurrenceType `yaml:"type"`
	Until  string         `yaml:"until"`
	Config map[string]any `yaml:"config"`
	From   string         `yaml:"from"`
	To     string         `yaml:"to"`
	Want   []string       `yaml:"want"`
}

type recurrenceFixture struct {
	Now   string           `yaml:"now"`
	Cases []recurrenceCase `yaml:"cases"`
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := ParseDate(s)
	if err != nil {
		t.Fatalf("%v", err)
	}
	return d
}

func datePtr(t *testing.T, s string) *time.Time {
	d := mustDate(t, s)
	return &d
}

func fixedClock(t *testing.T, s string) func() time.Time {
	d := mustDate(t, s)
	return func() time.Time { return d.Add(9 * time.Hour) }
}

func TestOccurrencesFixtures(t *testing.T) {
	raw, err := os.ReadFile("testdata/recurrence.yaml")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	var fx recurrenceFixture
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	exp := Expander{Now: fixedClock(t, fx.Now)}
	for _, tc := range fx.Cases {
		t.Run(tc.Name, func(t *testing.T) {
			task := Task{
				ID:               "t1",
				Status:           StatusPending,
				DueDate:          datePtr(t, tc.Due),
				IsRecurring:      tc.Type != "",
				RecurrenceType:   tc.Type,
				RecurrenceConfig: tc.Config,
			}
			if tc.Until != "" {
				task.RecurringUntil = datePtr(t, tc.Until)
			}
			var got []string
			for occ := range exp.Occurrences(task, mustDate(t, tc.From), mustDate(t, tc.To)) {
				got = append(got, FormatDate(occ.Date))
			}
			if len(got) == 0 && len(tc.Want) == 0 {
				return
			}
			if !slices.Equal(got, tc.Want) {
				t.Fatalf("expected %v, got %v", tc.Want, got)
			}
		})
	}
}

func TestOccurrencesEffectiveStatus(t *testing.T) {
	exp := Expander{Now: fixedClock(t, "2024-01-01")}
	done := mustDate(t, "2024-01-03").Add(15 * time.Hour)
	task := Task{
		ID:             "t1",
		Status:         StatusCompleted,
		DueDate:        datePtr(t, "2024-01-01"),
		IsRecurring:    true,
		RecurrenceType: RecurrenceDaily,
		RecurringUntil: datePtr(t, "2024-02-01"),
		CompletedAt:    &done,
	}
	var completed []string
	for occ := range exp.Occurrences(task, mustDate(t, "2024-01-01"), mustDate(t, "2024-01-05")) {
		if occ.EffectiveStatus == StatusCompleted {
			completed = append(completed, FormatDate(occ.Date))
		} else if occ.EffectiveStatus != StatusPending {
			t.Fatalf("unexpected status %s", occ.EffectiveStatus)
		}
	}
	if !slices.Equal(completed, []string{"2024-01-03"}) {
		t.Fatalf("expected only 2024-01-03 completed, got %v", completed)
	}
}

func TestOccurrencesSingleTaskKeepsStatus(t *testing.T) {
	task := Task{ID: "t1", Status: StatusInProgress, DueDate: datePtr(t, "2024-01-10"), Title: "x", Tags: []string{"a"}}
	var got []Occurrence
	for occ := range NewExpander().Occurrences(task, mustDate(t, "2024-01-10"), mustDate(t, "2024-01-10")) {
		got = append(got, occ)
	}
	if len(got) != 1 || got[0].EffectiveStatus != StatusInProgress || got[0].Title != "x" {
		t.Fatalf("unexpected occurrences %v", got)
	}
	got[0].Tags[0] = "changed"
	if task.Tags[0] != "a" {
		t.Fatalf("occurrence shares tags with task")
	}
}

func TestOccurrencesWithoutDueDate(t *testing.T) {
	task := Task{ID: "t1", IsRecurring: true, RecurrenceType: RecurrenceDaily, RecurringUntil: datePtr(t, "2030-01-01")}
	for occ := range NewExpander().Occurrences(task, mustDate(t, "2024-01-01"), mustDate(t, "2024-12-31")) {
		t.Fatalf("unexpected occurrence %v", occ)
	}
}

func TestOccurrencesEarlyStop(t *testing.T) {
	exp := Expander{Now: fixedClock(t, "2024-01-01")}
	task := Task{ID: "t1", DueDate: datePtr(t, "2024-01-01"), IsRecurring: true, RecurrenceType: RecurrenceDaily, RecurringUntil: datePtr(t, "2030-01-01")}
	n := 0
	for range exp.Occurrences(task, mustDate(t, "2024-01-01"), mustDate(t, "2029-12-31")) {
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Fatalf("expected to stop after 3, got %d", n)
	}
}

func TestExpandOrdersFeed(t *testing.T) {
	exp := Expander{Now: fixedClock(t, "2024-01-01")}
	tasks := []Task{
		{ID: "late", DueDate: datePtr(t, "2024-01-02"), StartTime: "15:00", Status: StatusPending},
		{ID: "early", DueDate: datePtr(t, "2024-01-02"), StartTime: "08:00", Status: StatusPending},
		{ID: "daily", DueDate: datePtr(t, "2024-01-01"), IsRecurring: true, RecurrenceType: RecurrenceDaily, RecurringUntil: datePtr(t, "2024-01-31")},
	}
	occs := exp.Expand(tasks, mustDate(t, "2024-01-01"), mustDate(t, "2024-01-02"))
	var got []string
	for _, o := range occs {
		got = append(got, o.TaskID+"@"+FormatDate(o.Date))
	}
	want := []string{"daily@2024-01-01", "daily@2024-01-02", "early@2024-01-02", "late@2024-01-02"}
	if !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestValidateRecurrence(t *testing.T) {
	now := mustDate(t, "2024-01-01")
	base := func() Task {
		return Task{
			DueDate:        datePtr(t, "2024-01-05"),
			IsRecurring:    true,
			RecurrenceType: RecurrenceWeekly,
			RecurringUntil: datePtr(t, "2024-03-01"),
		}
	}
	tests := []struct {
		name   string
		mutate func(*Task)
		ok     bool
	}{
		{"valid", func(*Task) {}, true},
		{"not recurring", func(tk *Task) { tk.IsRecurring = false; tk.RecurrenceType = ""; tk.RecurringUntil = nil }, true},
		{"missing type", func(tk *Task) { tk.RecurrenceType = "" }, false},
		{"type none", func(tk *Task) { tk.RecurrenceType = RecurrenceNone }, false},
		{"unknown type", func(tk *Task) { tk.RecurrenceType = "hourly" }, false},
		{"missing due date", func(tk *Task) { tk.DueDate = nil }, false},
		{"missing until", func(tk *Task) { tk.RecurringUntil = nil }, false},
		{"until today", func(tk *Task) { tk.RecurringUntil = datePtr(t, "2024-01-01") }, false},
		{"until before due", func(tk *Task) { tk.RecurringUntil = datePtr(t, "2024-01-04") }, false},
		{"until on due", func(tk *Task) { tk.RecurringUntil = datePtr(t, "2024-01-05") }, false},
		{"zero interval", func(tk *Task) { tk.RecurrenceConfig = map[string]any{"interval": 0} }, false},
		{"fractional interval", func(tk *Task) { tk.RecurrenceConfig = map[string]any{"interval": 1.5} }, false},
		{"interval", func(tk *Task) { tk.RecurrenceConfig = map[string]any{"interval": float64(3)} }, true},
		{"weekdays", func(tk *Task) { tk.RecurrenceConfig = map[string]any{"weekdays": []any{"mon", float64(5)}} }, true},
		{"bad weekday", func(tk *Task) { tk.RecurrenceConfig = map[string]any{"weekdays": []any{"funday"}} }, false},
		{"fractional weekday", func(tk *Task) { tk.RecurrenceConfig = map[string]any{"weekdays": []any{1.5}} }, false},
		{"interval above bound", func(tk *Task) { tk.RecurrenceConfig = map[string]any{"interval": 1001} }, false},
		{"overflowing interval", func(tk *Task) { tk.RecurrenceConfig = map[string]any{"interval": "9223372036854775807"} }, false},
		{"huge float interval", func(tk *Task) { tk.RecurrenceConfig = map[string]any{"interval": 1e19} }, false},
		{"weekdays on monthly", func(tk *Task) {
			tk.RecurrenceType = RecurrenceMonthly
			tk.RecurrenceConfig = map[string]any{"weekdays": []any{"mon"}}
		}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			task := base()
			tc.mutate(&task)
			err := ValidateRecurrence(task, now)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidRecurrence) {
				t.Fatalf("expected ErrInvalidRecurrence, got %v", err)
			}
		})
	}
}

func TestOccurrencesHugeIntervalYieldsNothing(t *testing.T) {
	exp := Expander{Now: fixedClock(t, "2023-12-31")}
	for _, typ := range []RecurrenceType{RecurrenceDaily, RecurrenceMonthly, RecurrenceYearly} {
		task := Task{
			ID:               "t1",
			DueDate:          datePtr(t, "2024-01-01"),
			IsRecurring:      true,
			RecurrenceType:   typ,
			RecurringUntil:   datePtr(t, "2024-12-31"),
			RecurrenceConfig: map[string]any{"interval": "9223372036854775807"},
		}
		n := 0
		for range exp.Occurrences(task, mustDate(t, "2024-01-01"), mustDate(t, "2024-12-31")) {
			if n++; n > 366 {
				t.Fatalf("%s: occurrences did not terminate", typ)
			}
		}
		if n != 0 {
			t.Fatalf("%s: expected no occurrences for a rejected interval, got %d", typ, n)
		}
	}
}

func TestRecurrenceDatesStopWhenNotAdvancing(t *testing.T) {
	anchor := mustDate(t, "2024-01-01")
	const huge = 1 << 62
	for _, kind := range []RecurrenceType{RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly, RecurrenceYearly} {
		rule := recurrenceRule{kind: kind, interval: huge}
		var prev time.Time
		n := 0
		for d := range rule.dates(anchor, anchor) {
			if !prev.IsZero() && !d.After(prev) {
				t.Fatalf("%s: candidate %v does not advance past %v", kind, d, prev)
			}
			prev = d
			if n++; n > 100 {
				t.Fatalf("%s: candidates did not stop", kind)
			}
		}
		if n == 0 {
			t.Fatalf("%s: expected the anchor candidate", kind)
		}
	}
}
