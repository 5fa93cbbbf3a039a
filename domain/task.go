package domain

import (
	"slices"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// RecurrenceType selects the stepping rule of a recurring task.
type RecurrenceType string

const (
	RecurrenceNone    RecurrenceType = "none"
	RecurrenceDaily   RecurrenceType = "daily"
	RecurrenceWeekly  RecurrenceType = "weekly"
	RecurrenceMonthly RecurrenceType = "monthly"
	RecurrenceYearly  RecurrenceType = "yearly"
)

func (r RecurrenceType) Valid() bool {
	switch r {
	case RecurrenceNone, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly, RecurrenceYearly:
		return true
	}
	return false
}

// Task is a single item of a category list or a board swimlane.
type Task struct {
	ID          string   `json:"id"`
	OwnerID     string   `json:"ownerId"`
	CategoryID  string   `json:"categoryId,omitempty"`
	BoardID     string   `json:"boardId,omitempty"`
	SwimlaneID  string   `json:"swimlaneId,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`
	Position    int      `json:"position"`
	Tags        []string `json:"tags,omitempty"`

	DueDate   *time.Time `json:"dueDate,omitempty"`
	StartTime string     `json:"startTime,omitempty"`
	EndTime   string     `json:"endTime,omitempty"`
	IsAllDay  bool       `json:"isAllDay"`

	IsRecurring      bool           `json:"isRecurring"`
	RecurrenceType   RecurrenceType `json:"recurrenceType,omitempty"`
	RecurringUntil   *time.Time     `json:"recurringUntil,omitempty"`
	RecurrenceConfig map[string]any `json:"recurrenceConfig,omitempty"`

	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Scope returns the list the task currently belongs to. Board tasks live in
// their swimlane; every other task lives in its owner's category list.
func (t Task) Scope() Scope {
	if t.BoardID != "" {
		return SwimlaneScope(t.BoardID, t.SwimlaneID)
	}
	return CategoryScope(t.OwnerID, t.CategoryID)
}

// AssignScope moves the task's scope fields to s. The position is left to the
// caller.
func (t *Task) AssignScope(s Scope) {
	switch s.Kind {
	case ScopeSwimlane:
		t.BoardID = s.Partition
		t.SwimlaneID = s.List
		t.CategoryID = ""
	case ScopeCategory:
		t.BoardID = ""
		t.SwimlaneID = ""
		t.CategoryID = s.List
	}
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	c := t
	c.Tags = slices.Clone(t.Tags)
	c.DueDate = cloneTime(t.DueDate)
	c.RecurringUntil = cloneTime(t.RecurringUntil)
	c.CompletedAt = cloneTime(t.CompletedAt)
	if t.RecurrenceConfig != nil {
		c.RecurrenceConfig = make(map[string]any, len(t.RecurrenceConfig))
		for k, v := range t.RecurrenceConfig {
			c.RecurrenceConfig[k] = v
		}
	}
	return c
}

// Subtask is one checklist entry of a task.
type Subtask struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"taskId"`
	Title       string     `json:"title"`
	IsCompleted bool       `json:"isCompleted"`
	Position    int        `json:"position"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (s Subtask) Clone() Subtask {
	c := s
	c.CompletedAt = cloneTime(s.CompletedAt)
	return c
}

// SetCompleted toggles completion and keeps CompletedAt in step with it.
func (s *Subtask) SetCompleted(done bool, now time.Time) bool {
	if s.IsCompleted == done {
		return false
	}
	s.IsCompleted = done
	if done {
		ts := now.UTC()
		s.CompletedAt = &ts
	} else {
		s.CompletedAt = nil
	}
	s.UpdatedAt = now.UTC()
	return true
}

// Member is the projection of a scope item the sequencer works on.
type Member struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
}

// Actor is the caller on whose behalf an operation runs.
type Actor struct {
	UserID string
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
