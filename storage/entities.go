package storage

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"prism-core/domain"
)

const (
	EdmInt64    = "Edm.Int64"
	EdmDateTime = "Edm.DateTime"
)

const (
	kindTask    = "task"
	kindSubtask = "subtask"
	kindLock    = "lock"
)

// itemEntity is the row layout of the items table. Tasks, subtasks and scope
// lock rows share one table so a whole operation fits into one partition
// batch.
type itemEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	ETag         string `json:"odata.etag,omitempty"`
	Kind         string `json:"Kind"`

	// ScopeKind and List locate a task inside its partition.
	ScopeKind string `json:"ScopeKind,omitempty"`
	List      string `json:"List,omitempty"`
	TaskID    string `json:"TaskID,omitempty"`
	SubtaskID string `json:"SubtaskID,omitempty"`
	Position  int    `json:"Position"`

	OwnerID          string `json:"OwnerID,omitempty"`
	CategoryID       string `json:"CategoryID,omitempty"`
	BoardID          string `json:"BoardID,omitempty"`
	SwimlaneID       string `json:"SwimlaneID,omitempty"`
	Title            string `json:"Title,omitempty"`
	Description      string `json:"Description,omitempty"`
	Status           string `json:"Status,omitempty"`
	Priority         string `json:"Priority,omitempty"`
	Tags             string `json:"Tags,omitempty"`
	DueDate          string `json:"DueDate,omitempty"`
	StartTime        string `json:"StartTime,omitempty"`
	EndTime          string `json:"EndTime,omitempty"`
	IsAllDay         bool   `json:"IsAllDay,omitempty"`
	IsRecurring      bool   `json:"IsRecurring,omitempty"`
	RecurrenceType   string `json:"RecurrenceType,omitempty"`
	RecurringUntil   string `json:"RecurringUntil,omitempty"`
	RecurrenceConfig string `json:"RecurrenceConfig,omitempty"`
	IsCompleted      bool   `json:"IsCompleted,omitempty"`

	CompletedAt     string `json:"CompletedAt,omitempty"`
	CompletedAtType string `json:"CompletedAt@odata.type,omitempty"`
	CreatedAt       string `json:"CreatedAt,omitempty"`
	CreatedAtType   string `json:"CreatedAt@odata.type,omitempty"`
	UpdatedAt       string `json:"UpdatedAt,omitempty"`
	UpdatedAtType   string `json:"UpdatedAt@odata.type,omitempty"`

	Version     int64  `json:"Version,omitempty,string"`
	VersionType string `json:"Version@odata.type,omitempty"`
}

// Row keys carry a kind prefix; ids are escaped because the table service
// rejects '/', '\\', '#' and '?' in keys.
func taskRowKey(id string) string    { return "t:" + url.QueryEscape(id) }
func subtaskRowKey(id string) string { return "s:" + url.QueryEscape(id) }

func lockRowKey(scope domain.Scope) string {
	return "lock:" + string(scope.Kind) + ":" + url.QueryEscape(scope.List)
}

// odataString quotes s for use in an OData filter.
func odataString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func scopeFilter(scope domain.Scope) string {
	if scope.Kind == domain.ScopeSubtasks {
		return fmt.Sprintf("PartitionKey eq %s and Kind eq '%s' and TaskID eq %s",
			odataString(scope.Partition), kindSubtask, odataString(scope.List))
	}
	return fmt.Sprintf("PartitionKey eq %s and Kind eq '%s' and ScopeKind eq %s and List eq %s",
		odataString(scope.Partition), kindTask, odataString(string(scope.Kind)), odataString(scope.List))
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func edmDateTime(s string) string {
	if s == "" {
		return ""
	}
	return EdmDateTime
}

func encodeTask(t domain.Task) (itemEntity, error) {
	scope := t.Scope()
	ent := itemEntity{
		PartitionKey:   scope.Partition,
		RowKey:         taskRowKey(t.ID),
		Kind:           kindTask,
		ScopeKind:      string(scope.Kind),
		List:           scope.List,
		TaskID:         t.ID,
		Position:       t.Position,
		OwnerID:        t.OwnerID,
		CategoryID:     t.CategoryID,
		BoardID:        t.BoardID,
		SwimlaneID:     t.SwimlaneID,
		Title:          t.Title,
		Description:    t.Description,
		Status:         string(t.Status),
		Priority:       string(t.Priority),
		StartTime:      t.StartTime,
		EndTime:        t.EndTime,
		IsAllDay:       t.IsAllDay,
		IsRecurring:    t.IsRecurring,
		RecurrenceType: string(t.RecurrenceType),
		CreatedAt:      formatTimestamp(t.CreatedAt),
		UpdatedAt:      formatTimestamp(t.UpdatedAt),
	}
	if len(t.Tags) > 0 {
		raw, err := sonic.MarshalString(t.Tags)
		if err != nil {
			return itemEntity{}, fmt.Errorf("encode tags: %w", err)
		}
		ent.Tags = raw
	}
	if len(t.RecurrenceConfig) > 0 {
		raw, err := sonic.MarshalString(t.RecurrenceConfig)
		if err != nil {
			return itemEntity{}, fmt.Errorf("encode recurrence config: %w", err)
		}
		ent.RecurrenceConfig = raw
	}
	if t.DueDate != nil {
		ent.DueDate = domain.FormatDate(*t.DueDate)
	}
	if t.RecurringUntil != nil {
		ent.RecurringUntil = domain.FormatDate(*t.RecurringUntil)
	}
	if t.CompletedAt != nil {
		ent.CompletedAt = formatTimestamp(*t.CompletedAt)
	}
	ent.CompletedAtType = edmDateTime(ent.CompletedAt)
	ent.CreatedAtType = edmDateTime(ent.CreatedAt)
	ent.UpdatedAtType = edmDateTime(ent.UpdatedAt)
	return ent, nil
}

func decodeTask(ent itemEntity) (domain.Task, error) {
	t := domain.Task{
		ID:             ent.TaskID,
		OwnerID:        ent.OwnerID,
		CategoryID:     ent.CategoryID,
		BoardID:        ent.BoardID,
		SwimlaneID:     ent.SwimlaneID,
		Title:          ent.Title,
		Description:    ent.Description,
		Status:         domain.Status(ent.Status),
		Priority:       domain.Priority(ent.Priority),
		Position:       ent.Position,
		StartTime:      ent.StartTime,
		EndTime:        ent.EndTime,
		IsAllDay:       ent.IsAllDay,
		IsRecurring:    ent.IsRecurring,
		RecurrenceType: domain.RecurrenceType(ent.RecurrenceType),
	}
	if ent.Tags != "" {
		if err := sonic.UnmarshalString(ent.Tags, &t.Tags); err != nil {
			return domain.Task{}, fmt.Errorf("task %s tags: %w", t.ID, err)
		}
	}
	if ent.RecurrenceConfig != "" {
		if err := sonic.UnmarshalString(ent.RecurrenceConfig, &t.RecurrenceConfig); err != nil {
			return domain.Task{}, fmt.Errorf("task %s recurrence config: %w", t.ID, err)
		}
	}
	var err error
	if t.DueDate, err = optionalDate(ent.DueDate); err != nil {
		return domain.Task{}, fmt.Errorf("task %s due date: %w", t.ID, err)
	}
	if t.RecurringUntil, err = optionalDate(ent.RecurringUntil); err != nil {
		return domain.Task{}, fmt.Errorf("task %s recurring until: %w", t.ID, err)
	}
	if t.CompletedAt, err = optionalTimestamp(ent.CompletedAt); err != nil {
		return domain.Task{}, fmt.Errorf("task %s completed at: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTimestamp(ent.CreatedAt); err != nil {
		return domain.Task{}, fmt.Errorf("task %s created at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseTimestamp(ent.UpdatedAt); err != nil {
		return domain.Task{}, fmt.Errorf("task %s updated at: %w", t.ID, err)
	}
	return t, nil
}

func encodeSubtask(partition string, s domain.Subtask) itemEntity {
	ent := itemEntity{
		PartitionKey: partition,
		RowKey:       subtaskRowKey(s.ID),
		Kind:         kindSubtask,
		ScopeKind:    string(domain.ScopeSubtasks),
		List:         s.TaskID,
		TaskID:       s.TaskID,
		SubtaskID:    s.ID,
		Position:     s.Position,
		Title:        s.Title,
		IsCompleted:  s.IsCompleted,
		CreatedAt:    formatTimestamp(s.CreatedAt),
		UpdatedAt:    formatTimestamp(s.UpdatedAt),
	}
	if s.CompletedAt != nil {
		ent.CompletedAt = formatTimestamp(*s.CompletedAt)
	}
	ent.CompletedAtType = edmDateTime(ent.CompletedAt)
	ent.CreatedAtType = edmDateTime(ent.CreatedAt)
	ent.UpdatedAtType = edmDateTime(ent.UpdatedAt)
	return ent
}

func decodeSubtask(ent itemEntity) (domain.Subtask, error) {
	s := domain.Subtask{
		ID:          ent.SubtaskID,
		TaskID:      ent.TaskID,
		Title:       ent.Title,
		IsCompleted: ent.IsCompleted,
		Position:    ent.Position,
	}
	var err error
	if s.CompletedAt, err = optionalTimestamp(ent.CompletedAt); err != nil {
		return domain.Subtask{}, fmt.Errorf("subtask %s completed at: %w", s.ID, err)
	}
	if s.CreatedAt, err = parseTimestamp(ent.CreatedAt); err != nil {
		return domain.Subtask{}, fmt.Errorf("subtask %s created at: %w", s.ID, err)
	}
	if s.UpdatedAt, err = parseTimestamp(ent.UpdatedAt); err != nil {
		return domain.Subtask{}, fmt.Errorf("subtask %s updated at: %w", s.ID, err)
	}
	return s, nil
}

func optionalDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	d, err := domain.ParseDate(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func optionalTimestamp(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	ts, err := parseTimestamp(s)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func decodeEntity(raw []byte) (itemEntity, error) {
	var ent itemEntity
	if err := sonic.Unmarshal(raw, &ent); err != nil {
		return itemEntity{}, err
	}
	return ent, nil
}
