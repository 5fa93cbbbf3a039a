package api

import (
	"context"
	"time"

	"prism-core/domain"
)

// postCommandMaxSize bounds the body of one command batch.
const postCommandMaxSize = 64 * 1024 // 64 KiB

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate commands.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when processing fails.
	Remove(ctx context.Context, userID, key string) error
}

// Applier executes one command.
type Applier interface {
	Apply(ctx context.Context, env domain.CommandEnvelope) (domain.ChangeSet, error)
}

// Reader serves the read side of the task service.
type Reader interface {
	Tasks(ctx context.Context, actor domain.Actor, scope domain.Scope) ([]domain.Task, error)
	Subtasks(ctx context.Context, actor domain.Actor, taskID string) ([]domain.Subtask, error)
	Calendar(ctx context.Context, actor domain.Actor, start, end time.Time) ([]domain.Occurrence, error)
}

// Publisher records the changes of an applied command.
type Publisher interface {
	Publish(ctx context.Context, userID, commandID string, cs domain.ChangeSet)
}

// Enqueuer hands commands to the background worker.
type Enqueuer interface {
	Enqueue(ctx context.Context, userID string, cmds []domain.Command) error
}

type commandResult struct {
	IdempotencyKey string            `json:"idempotencyKey"`
	Duplicate      bool              `json:"duplicate,omitempty"`
	Changes        *domain.ChangeSet `json:"changes,omitempty"`
}

type postCommandResponse struct {
	Results []commandResult `json:"results,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type queuedResponse struct {
	IdempotencyKeys []string `json:"idempotencyKeys"`
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type subtasksResponse struct {
	Subtasks []domain.Subtask `json:"subtasks"`
}

type calendarResponse struct {
	From        string              `json:"from"`
	To          string              `json:"to"`
	Occurrences []domain.Occurrence `json:"occurrences"`
}
