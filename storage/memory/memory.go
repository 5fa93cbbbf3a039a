// Package memory is an in-process domain.Store used for local runs and tests.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"prism-core/domain"
)

type state struct {
	tasks    map[string]domain.Task
	subtasks map[string]domain.Subtask
}

func (s state) clone() state {
	out := state{
		tasks:    make(map[string]domain.Task, len(s.tasks)),
		subtasks: make(map[string]domain.Subtask, len(s.subtasks)),
	}
	for id, t := range s.tasks {
		out.tasks[id] = t.Clone()
	}
	for id, st := range s.subtasks {
		out.subtasks[id] = st.Clone()
	}
	return out
}

// Store serialises every transaction behind one mutex. A transaction works
// on a copy of the data that replaces the original only when it commits.
type Store struct {
	mu       sync.Mutex
	data     state
	failNext error
}

func New() *Store {
	return &Store{data: state{tasks: map[string]domain.Task{}, subtasks: map[string]domain.Subtask{}}}
}

// FailNextWrite makes the next write inside a transaction return err.
func (s *Store) FailNextWrite(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

func (s *Store) RunInTransaction(ctx context.Context, partition string, fn func(tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &tx{store: s, partition: partition, data: s.data.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.data = tx.data
	return nil
}

func (s *Store) LocateTask(ctx context.Context, taskID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.data.tasks[taskID]
	if !ok {
		return "", fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	return t.Scope().Partition, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.data.tasks[taskID]
	if !ok {
		return nil, nil
	}
	c := t.Clone()
	return &c, nil
}

func (s *Store) ListTasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, t := range s.data.tasks {
		if t.OwnerID == ownerID {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, func(a, b domain.Task) int {
		if c := cmp.Compare(a.Scope().Key(), b.Scope().Key()); c != 0 {
			return c
		}
		return cmp.Compare(a.Position, b.Position)
	})
	return out, nil
}

func (s *Store) ListScopeTasks(ctx context.Context, scope domain.Scope) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, t := range s.data.tasks {
		if t.Scope() == scope {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, func(a, b domain.Task) int { return cmp.Compare(a.Position, b.Position) })
	return out, nil
}

func (s *Store) ListSubtasks(ctx context.Context, taskID string) ([]domain.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return subtasksOf(s.data, taskID), nil
}

func subtasksOf(data state, taskID string) []domain.Subtask {
	var out []domain.Subtask
	for _, st := range data.subtasks {
		if st.TaskID == taskID {
			out = append(out, st.Clone())
		}
	}
	slices.SortFunc(out, func(a, b domain.Subtask) int { return cmp.Compare(a.Position, b.Position) })
	return out
}

type tx struct {
	store     *Store
	partition string
	data      state
}

// write consumes an injected failure. The store mutex is held by the
// enclosing transaction.
func (t *tx) write() error {
	err := t.store.failNext
	t.store.failNext = nil
	return err
}

func (t *tx) checkPartition(scope domain.Scope) error {
	if scope.Partition != t.partition {
		return fmt.Errorf("scope %s outside transaction partition %s", scope, t.partition)
	}
	return nil
}

func (t *tx) LoadScopeMembers(ctx context.Context, scope domain.Scope) ([]domain.Member, error) {
	if err := t.checkPartition(scope); err != nil {
		return nil, err
	}
	var out []domain.Member
	if scope.Kind == domain.ScopeSubtasks {
		for _, st := range t.data.subtasks {
			if st.TaskID == scope.List {
				out = append(out, domain.Member{ID: st.ID, Position: st.Position})
			}
		}
	} else {
		for _, task := range t.data.tasks {
			if task.Scope() == scope {
				out = append(out, domain.Member{ID: task.ID, Position: task.Position})
			}
		}
	}
	slices.SortFunc(out, func(a, b domain.Member) int {
		if c := cmp.Compare(a.Position, b.Position); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (t *tx) SaveScopePositions(ctx context.Context, scope domain.Scope, members []domain.Member) error {
	if err := t.checkPartition(scope); err != nil {
		return err
	}
	if err := t.write(); err != nil {
		return err
	}
	for _, m := range members {
		if scope.Kind == domain.ScopeSubtasks {
			st, ok := t.data.subtasks[m.ID]
			if !ok {
				return fmt.Errorf("subtask %s: %w", m.ID, domain.ErrNotFound)
			}
			st.TaskID = scope.List
			st.Position = m.Position
			t.data.subtasks[m.ID] = st
			continue
		}
		task, ok := t.data.tasks[m.ID]
		if !ok {
			return fmt.Errorf("task %s: %w", m.ID, domain.ErrNotFound)
		}
		task.AssignScope(scope)
		task.Position = m.Position
		t.data.tasks[m.ID] = task
	}
	return nil
}

func (t *tx) RemoveMember(ctx context.Context, scope domain.Scope, id string) error {
	if err := t.write(); err != nil {
		return err
	}
	if scope.Kind == domain.ScopeSubtasks {
		if _, ok := t.data.subtasks[id]; !ok {
			return fmt.Errorf("subtask %s: %w", id, domain.ErrNotFound)
		}
		delete(t.data.subtasks, id)
		return nil
	}
	if _, ok := t.data.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	delete(t.data.tasks, id)
	return nil
}

func (t *tx) LoadTask(ctx context.Context, id string) (*domain.Task, error) {
	task, ok := t.data.tasks[id]
	if !ok || task.Scope().Partition != t.partition {
		return nil, nil
	}
	c := task.Clone()
	return &c, nil
}

func (t *tx) SaveTask(ctx context.Context, task domain.Task) error {
	if err := t.checkPartition(task.Scope()); err != nil {
		return err
	}
	if err := t.write(); err != nil {
		return err
	}
	t.data.tasks[task.ID] = task.Clone()
	return nil
}

func (t *tx) LoadSubtasksOf(ctx context.Context, taskID string) ([]domain.Subtask, error) {
	return subtasksOf(t.data, taskID), nil
}

func (t *tx) SaveSubtask(ctx context.Context, st domain.Subtask) error {
	if err := t.write(); err != nil {
		return err
	}
	t.data.subtasks[st.ID] = st.Clone()
	return nil
}
