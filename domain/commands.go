package domain

import "encoding/json"

const (
	EntityTask    = "task"
	EntitySubtask = "subtask"
)

const (
	CreateTask          = "create-task"
	MoveTask            = "move-task"
	ReorderTasks        = "reorder-tasks"
	SetTaskStatus       = "set-task-status"
	DeleteTask          = "delete-task"
	CreateSubtask       = "create-subtask"
	MoveSubtask         = "move-subtask"
	ReorderSubtasks     = "reorder-subtasks"
	SetSubtaskCompleted = "set-subtask-completed"
	DeleteSubtask       = "delete-subtask"
)

// Command represents a write request against the ordering core. Drag and
// drop clients send either a single delta (move-*) or a full order
// (reorder-*).
type Command struct {
	// ID carries the idempotency key once the command is accepted.
	ID             string          `json:"id,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	EntityType     string          `json:"entityType"`
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data,omitempty"`
	Timestamp      int64           `json:"timestamp"`
}

// CommandEnvelope wraps a command with the user performing it.
type CommandEnvelope struct {
	UserID  string  `json:"userId"`
	Command Command `json:"command"`
}

// ScopeRef names a task list from the client's point of view. A board
// selects a swimlane list; otherwise the caller's category list is meant.
type ScopeRef struct {
	CategoryID string `json:"categoryId,omitempty"`
	BoardID    string `json:"boardId,omitempty"`
	SwimlaneID string `json:"swimlaneId,omitempty"`
}

// Resolve turns the reference into a scope owned by actor.
func (r ScopeRef) Resolve(actor Actor) Scope {
	if r.BoardID != "" {
		return SwimlaneScope(r.BoardID, r.SwimlaneID)
	}
	return CategoryScope(actor.UserID, r.CategoryID)
}

type CreateTaskData struct {
	ID               string         `json:"id,omitempty"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	CategoryID       string         `json:"categoryId,omitempty"`
	BoardID          string         `json:"boardId,omitempty"`
	SwimlaneID       string         `json:"swimlaneId,omitempty"`
	Status           Status         `json:"status,omitempty"`
	Priority         Priority       `json:"priority,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	DueDate          string         `json:"dueDate,omitempty"`
	StartTime        string         `json:"startTime,omitempty"`
	EndTime          string         `json:"endTime,omitempty"`
	IsAllDay         bool           `json:"isAllDay,omitempty"`
	IsRecurring      bool           `json:"isRecurring,omitempty"`
	RecurrenceType   RecurrenceType `json:"recurrenceType,omitempty"`
	RecurringUntil   string         `json:"recurringUntil,omitempty"`
	RecurrenceConfig map[string]any `json:"recurrenceConfig,omitempty"`
}

type MoveTaskData struct {
	ID       string    `json:"id"`
	To       *ScopeRef `json:"to,omitempty"`
	Position int       `json:"position"`
}

type ReorderTasksData struct {
	Scope ScopeRef `json:"scope"`
	IDs   []string `json:"ids"`
}

type SetTaskStatusData struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

type DeleteTaskData struct {
	ID string `json:"id"`
}

type CreateSubtaskData struct {
	TaskID      string `json:"taskId"`
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	IsCompleted bool   `json:"isCompleted,omitempty"`
}

type MoveSubtaskData struct {
	TaskID   string `json:"taskId"`
	ID       string `json:"id"`
	Position int    `json:"position"`
}

type ReorderSubtasksData struct {
	TaskID string   `json:"taskId"`
	IDs    []string `json:"ids"`
}

type SetSubtaskCompletedData struct {
	TaskID    string `json:"taskId"`
	ID        string `json:"id"`
	Completed bool   `json:"completed"`
}

type DeleteSubtaskData struct {
	TaskID string `json:"taskId"`
	ID     string `json:"id"`
}
