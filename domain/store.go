package domain

import "context"

// ScopeTx is the part of an open transaction the sequencer needs.
type ScopeTx interface {
	// LoadScopeMembers returns the members of scope ordered by position.
	LoadScopeMembers(ctx context.Context, scope Scope) ([]Member, error)
	// SaveScopePositions writes the given positions and makes every listed
	// member part of scope.
	SaveScopePositions(ctx context.Context, scope Scope, members []Member) error
	// RemoveMember deletes the item from scope and from storage.
	RemoveMember(ctx context.Context, scope Scope, id string) error
}

// Tx is an open storage transaction. Implementations must give the caller a
// consistent snapshot of every scope it reads and must serialise conflicting
// transactions, either by locking or by failing the commit with
// ErrConcurrencyConflict.
type Tx interface {
	ScopeTx
	// LoadTask returns nil when the task does not exist.
	LoadTask(ctx context.Context, id string) (*Task, error)
	SaveTask(ctx context.Context, t Task) error
	LoadSubtasksOf(ctx context.Context, taskID string) ([]Subtask, error)
	SaveSubtask(ctx context.Context, s Subtask) error
}

// Store opens transactions and serves read-only queries.
type Store interface {
	// RunInTransaction runs fn in one transaction on partition. The
	// transaction commits when fn returns nil and rolls back otherwise.
	RunInTransaction(ctx context.Context, partition string, fn func(tx Tx) error) error
	// LocateTask returns the partition holding the task.
	LocateTask(ctx context.Context, taskID string) (string, error)
	// GetTask returns nil when the task does not exist.
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ListTasks(ctx context.Context, ownerID string) ([]Task, error)
	ListScopeTasks(ctx context.Context, scope Scope) ([]Task, error)
	ListSubtasks(ctx context.Context, taskID string) ([]Subtask, error)
}
