package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const defaultMaxAttempts = 3

// TaskService applies task and subtask mutations. Each mutation runs in a
// single storage transaction on the task's partition; position compaction and
// the completion cascade happen inside that same transaction.
type TaskService struct {
	st          Store
	seq         Sequencer
	exp         Expander
	now         func() time.Time
	newID       func() string
	maxAttempts int
}

func NewTaskService(st Store) TaskService {
	return TaskService{
		st:          st,
		exp:         NewExpander(),
		now:         time.Now,
		newID:       uuid.NewString,
		maxAttempts: defaultMaxAttempts,
	}
}

// WithClock returns a copy of s that reads time from now, for both mutations
// and occurrence generation.
func (s TaskService) WithClock(now func() time.Time) TaskService {
	s.now = now
	s.exp = Expander{Now: now}
	return s
}

// WithIDs returns a copy of s that draws new ids from gen.
func (s TaskService) WithIDs(gen func() string) TaskService {
	s.newID = gen
	return s
}

// withTx runs fn in a transaction and retries it when the commit loses an
// optimistic concurrency race. fn must rebuild its result on each attempt.
func (s TaskService) withTx(ctx context.Context, partition string, fn func(tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = s.st.RunInTransaction(ctx, partition, fn)
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		log.WithFields(log.Fields{"partition": partition, "attempt": attempt}).Debug("transaction conflict, retrying")
	}
	return err
}

func (s TaskService) ownedTask(ctx context.Context, tx Tx, actor Actor, id string) (Task, error) {
	t, err := tx.LoadTask(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if t == nil || t.OwnerID != actor.UserID {
		return Task{}, notFoundf("task %s", id)
	}
	return *t, nil
}

// locate finds the partition holding a task.
func (s TaskService) locate(ctx context.Context, id string) (string, error) {
	if id == "" {
		return "", invalidCommandf("task id is required")
	}
	partition, err := s.st.LocateTask(ctx, id)
	if err != nil {
		return "", err
	}
	return partition, nil
}

// cascade re-evaluates t against its current subtasks and saves the task when
// its status has to follow them.
func (s TaskService) cascade(ctx context.Context, tx Tx, t Task, now time.Time) (*StatusChange, error) {
	subs, err := tx.LoadSubtasksOf(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	res := EvaluateCascade(t, StatsOf(subs), now)
	if res.Change == nil {
		return nil, nil
	}
	if err := tx.SaveTask(ctx, res.Task); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"task": t.ID, "outcome": res.Outcome}).Debug("completion cascade")
	return res.Change, nil
}

// CreateTask appends a new task at the end of its scope.
func (s TaskService) CreateTask(ctx context.Context, actor Actor, in Task) (Task, ChangeSet, error) {
	now := s.now()
	t := in.Clone()
	t.OwnerID = actor.UserID
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		return Task{}, ChangeSet{}, invalidCommandf("title is required")
	}
	if t.ID == "" {
		t.ID = s.newID()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if !t.Status.Valid() {
		return Task{}, ChangeSet{}, invalidCommandf("unknown status %q", t.Status)
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if !t.Priority.Valid() {
		return Task{}, ChangeSet{}, invalidCommandf("unknown priority %q", t.Priority)
	}
	if err := ValidateRecurrence(t, now); err != nil {
		return Task{}, ChangeSet{}, err
	}
	if t.Status == StatusCompleted {
		ts := now.UTC()
		t.CompletedAt = &ts
	} else {
		t.CompletedAt = nil
	}
	t.CreatedAt = now.UTC()
	t.UpdatedAt = now.UTC()
	scope := t.Scope()
	if !scope.Valid() {
		return Task{}, ChangeSet{}, invalidCommandf("task has no valid scope")
	}

	var out Task
	err := s.withTx(ctx, scope.Partition, func(tx Tx) error {
		existing, err := tx.LoadTask(ctx, t.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return invalidCommandf("task %s already exists", t.ID)
		}
		pos, err := s.seq.NextPosition(ctx, tx, scope)
		if err != nil {
			return err
		}
		out = t.Clone()
		out.Position = pos
		return tx.SaveTask(ctx, out)
	})
	if err != nil {
		return Task{}, ChangeSet{}, err
	}
	return out, ChangeSet{Created: []string{out.ID}}, nil
}

// SetTaskStatus applies a direct status change requested by the user.
func (s TaskService) SetTaskStatus(ctx context.Context, actor Actor, id string, status Status) (ChangeSet, error) {
	if !status.Valid() {
		return ChangeSet{}, invalidCommandf("unknown status %q", status)
	}
	partition, err := s.locate(ctx, id)
	if err != nil {
		return ChangeSet{}, err
	}
	var cs ChangeSet
	err = s.withTx(ctx, partition, func(tx Tx) error {
		cs = ChangeSet{}
		t, err := s.ownedTask(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if t.Status == status {
			return nil
		}
		next, change := TransitionStatus(t, status, s.now())
		if err := tx.SaveTask(ctx, next); err != nil {
			return err
		}
		cs.Statuses = append(cs.Statuses, change)
		return nil
	})
	return cs, err
}

// MoveTask moves a task to target within its scope, or into to when given.
func (s TaskService) MoveTask(ctx context.Context, actor Actor, id string, to *Scope, target int) (ChangeSet, error) {
	partition, err := s.locate(ctx, id)
	if err != nil {
		return ChangeSet{}, err
	}
	var cs ChangeSet
	err = s.withTx(ctx, partition, func(tx Tx) error {
		cs = ChangeSet{}
		t, err := s.ownedTask(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		from := t.Scope()
		dst := from
		if to != nil {
			dst = *to
		}
		changes, err := s.seq.MoveAcrossScopes(ctx, tx, id, from, dst, target)
		if err != nil {
			return err
		}
		cs.Positions = changes
		return nil
	})
	return cs, err
}

// ReorderTasks assigns the full order of a task scope.
func (s TaskService) ReorderTasks(ctx context.Context, actor Actor, scope Scope, ids []string) (ChangeSet, error) {
	if !scope.Valid() || !scope.ForTasks() {
		return ChangeSet{}, invalidCommandf("invalid task scope %s", scope)
	}
	if scope.Kind == ScopeCategory && scope.Partition != actor.UserID {
		return ChangeSet{}, notFoundf("scope %s", scope)
	}
	var cs ChangeSet
	err := s.withTx(ctx, scope.Partition, func(tx Tx) error {
		cs = ChangeSet{}
		changes, err := s.seq.ReorderAll(ctx, tx, scope, ids)
		if err != nil {
			return err
		}
		cs.Positions = changes
		return nil
	})
	return cs, err
}

// DeleteTask removes a task with its subtasks and compacts its scope.
func (s TaskService) DeleteTask(ctx context.Context, actor Actor, id string) (ChangeSet, error) {
	partition, err := s.locate(ctx, id)
	if err != nil {
		return ChangeSet{}, err
	}
	var cs ChangeSet
	err = s.withTx(ctx, partition, func(tx Tx) error {
		cs = ChangeSet{}
		t, err := s.ownedTask(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		subs, err := tx.LoadSubtasksOf(ctx, id)
		if err != nil {
			return err
		}
		sub := SubtaskScope(t)
		for _, st := range subs {
			if err := tx.RemoveMember(ctx, sub, st.ID); err != nil {
				return err
			}
			cs.Deleted = append(cs.Deleted, st.ID)
		}
		changes, err := s.seq.DeleteFromScope(ctx, tx, t.Scope(), id)
		if err != nil {
			return err
		}
		cs.Positions = changes
		cs.Deleted = append(cs.Deleted, id)
		return nil
	})
	return cs, err
}

// CreateSubtask appends a subtask to its parent's checklist. A pending
// subtask added to a completed task reopens it.
func (s TaskService) CreateSubtask(ctx context.Context, actor Actor, taskID string, in Subtask) (Subtask, ChangeSet, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return Subtask{}, ChangeSet{}, invalidCommandf("title is required")
	}
	partition, err := s.locate(ctx, taskID)
	if err != nil {
		return Subtask{}, ChangeSet{}, err
	}
	id := in.ID
	if id == "" {
		id = s.newID()
	}
	var (
		out Subtask
		cs  ChangeSet
	)
	err = s.withTx(ctx, partition, func(tx Tx) error {
		cs = ChangeSet{}
		now := s.now()
		t, err := s.ownedTask(ctx, tx, actor, taskID)
		if err != nil {
			return err
		}
		subs, err := tx.LoadSubtasksOf(ctx, taskID)
		if err != nil {
			return err
		}
		for _, existing := range subs {
			if existing.ID == id {
				return invalidCommandf("subtask %s already exists", id)
			}
		}
		pos, err := s.seq.NextPosition(ctx, tx, SubtaskScope(t))
		if err != nil {
			return err
		}
		out = Subtask{
			ID:        id,
			TaskID:    taskID,
			Title:     title,
			Position:  pos,
			CreatedAt: now.UTC(),
			UpdatedAt: now.UTC(),
		}
		out.SetCompleted(in.IsCompleted, now)
		if err := tx.SaveSubtask(ctx, out); err != nil {
			return err
		}
		cs.Created = append(cs.Created, id)
		change, err := s.cascade(ctx, tx, t, now)
		if err != nil {
			return err
		}
		if change != nil {
			cs.Statuses = append(cs.Statuses, *change)
		}
		return nil
	})
	if err != nil {
		return Subtask{}, ChangeSet{}, err
	}
	return out, cs, nil
}

// SetSubtaskCompleted toggles a subtask and lets the parent task follow.
func (s TaskService) SetSubtaskCompleted(ctx context.Context, actor Actor, taskID, id string, done bool) (ChangeSet, error) {
	partition, err := s.locate(ctx, taskID)
	if err != nil {
		return ChangeSet{}, err
	}
	var cs ChangeSet
	err = s.withTx(ctx, partition, func(tx Tx) error {
		cs = ChangeSet{}
		now := s.now()
		t, err := s.ownedTask(ctx, tx, actor, taskID)
		if err != nil {
			return err
		}
		subs, err := tx.LoadSubtasksOf(ctx, taskID)
		if err != nil {
			return err
		}
		var target *Subtask
		for i := range subs {
			if subs[i].ID == id {
				target = &subs[i]
				break
			}
		}
		if target == nil {
			return notFoundf("subtask %s of task %s", id, taskID)
		}
		if !target.SetCompleted(done, now) {
			return nil
		}
		if err := tx.SaveSubtask(ctx, *target); err != nil {
			return err
		}
		change, err := s.cascade(ctx, tx, t, now)
		if err != nil {
			return err
		}
		if change != nil {
			cs.Statuses = append(cs.Statuses, *change)
		}
		return nil
	})
	return cs, err
}

// MoveSubtask moves a subtask within its parent's checklist.
func (s TaskService) MoveSubtask(ctx context.Context, actor Actor, taskID, id string, target int) (ChangeSet, error) {
	partition, err := s.locate(ctx, taskID)
	if err != nil {
		return ChangeSet{}, err
	}
	var cs ChangeSet
	err = s.withTx(ctx, partition, func(tx Tx) error {
		cs = ChangeSet{}
		t, err := s.ownedTask(ctx, tx, actor, taskID)
		if err != nil {
			return err
		}
		changes, err := s.seq.MoveWithinScope(ctx, tx, SubtaskScope(t), id, target)
		if err != nil {
			return err
		}
		cs.Positions = changes
		return nil
	})
	return cs, err
}

// ReorderSubtasks assigns the full order of a task's checklist.
func (s TaskService) ReorderSubtasks(ctx context.Context, actor Actor, taskID string, ids []string) (ChangeSet, error) {
	partition, err := s.locate(ctx, taskID)
	if err != nil {
		return ChangeSet{}, err
	}
	var cs ChangeSet
	err = s.withTx(ctx, partition, func(tx Tx) error {
		cs = ChangeSet{}
		t, err := s.ownedTask(ctx, tx, actor, taskID)
		if err != nil {
			return err
		}
		changes, err := s.seq.ReorderAll(ctx, tx, SubtaskScope(t), ids)
		if err != nil {
			return err
		}
		cs.Positions = changes
		return nil
	})
	return cs, err
}

// DeleteSubtask removes a subtask, compacts the checklist and lets the parent
// follow. Removing the last pending subtask can complete the task.
func (s TaskService) DeleteSubtask(ctx context.Context, actor Actor, taskID, id string) (ChangeSet, error) {
	partition, err := s.locate(ctx, taskID)
	if err != nil {
		return ChangeSet{}, err
	}
	var cs ChangeSet
	err = s.withTx(ctx, partition, func(tx Tx) error {
		cs = ChangeSet{}
		now := s.now()
		t, err := s.ownedTask(ctx, tx, actor, taskID)
		if err != nil {
			return err
		}
		changes, err := s.seq.DeleteFromScope(ctx, tx, SubtaskScope(t), id)
		if err != nil {
			return err
		}
		cs.Positions = changes
		cs.Deleted = append(cs.Deleted, id)
		change, err := s.cascade(ctx, tx, t, now)
		if err != nil {
			return err
		}
		if change != nil {
			cs.Statuses = append(cs.Statuses, *change)
		}
		return nil
	})
	return cs, err
}

// Tasks lists the tasks of one scope in position order.
func (s TaskService) Tasks(ctx context.Context, actor Actor, scope Scope) ([]Task, error) {
	if !scope.Valid() || !scope.ForTasks() {
		return nil, invalidCommandf("invalid task scope %s", scope)
	}
	if scope.Kind == ScopeCategory && scope.Partition != actor.UserID {
		return nil, notFoundf("scope %s", scope)
	}
	return s.st.ListScopeTasks(ctx, scope)
}

// Subtasks lists the checklist of a task owned by actor.
func (s TaskService) Subtasks(ctx context.Context, actor Actor, taskID string) ([]Subtask, error) {
	t, err := s.st.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil || t.OwnerID != actor.UserID {
		return nil, notFoundf("task %s", taskID)
	}
	return s.st.ListSubtasks(ctx, taskID)
}

// Calendar expands every task of actor into occurrences within [start, end].
func (s TaskService) Calendar(ctx context.Context, actor Actor, start, end time.Time) ([]Occurrence, error) {
	if DateOf(start).After(DateOf(end)) {
		return nil, nil
	}
	tasks, err := s.st.ListTasks(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	return s.exp.Expand(tasks, start, end), nil
}
