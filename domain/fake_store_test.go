package domain

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"slices"
)

type fakeState struct {
	tasks    map[string]Task
	subtasks map[string]Subtask
}

func (s fakeState) clone() fakeState {
	out := fakeState{tasks: map[string]Task{}, subtasks: map[string]Subtask{}}
	for id, t := range s.tasks {
		out.tasks[id] = t.Clone()
	}
	for id, st := range s.subtasks {
		out.subtasks[id] = st.Clone()
	}
	return out
}

// fakeStore keeps everything in maps. Transactions work on a copy that is
// swapped in on success.
type fakeStore struct {
	state      fakeState
	conflicts  int // commits to reject with ErrConcurrencyConflict
	saveErr    error
	commits    int
	attempts   int
	partitions []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{state: fakeState{tasks: map[string]Task{}, subtasks: map[string]Subtask{}}}
}

func (f *fakeStore) put(tasks ...Task) {
	for _, t := range tasks {
		f.state.tasks[t.ID] = t
	}
}

func (f *fakeStore) putSubtasks(subs ...Subtask) {
	for _, s := range subs {
		f.state.subtasks[s.ID] = s
	}
}

func (f *fakeStore) tx() *fakeTx {
	return &fakeTx{state: f.state.clone(), saveErr: f.saveErr}
}

func (f *fakeStore) RunInTransaction(ctx context.Context, partition string, fn func(tx Tx) error) error {
	f.attempts++
	f.partitions = append(f.partitions, partition)
	tx := f.tx()
	if err := fn(tx); err != nil {
		return err
	}
	if f.conflicts > 0 {
		f.conflicts--
		return ErrConcurrencyConflict
	}
	f.state = tx.state
	f.commits++
	return nil
}

func (f *fakeStore) LocateTask(ctx context.Context, taskID string) (string, error) {
	t, ok := f.state.tasks[taskID]
	if !ok {
		return "", notFoundf("task %s", taskID)
	}
	return t.Scope().Partition, nil
}

func (f *fakeStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	t, ok := f.state.tasks[taskID]
	if !ok {
		return nil, nil
	}
	c := t.Clone()
	return &c, nil
}

func (f *fakeStore) ListTasks(ctx context.Context, ownerID string) ([]Task, error) {
	var out []Task
	for _, t := range f.state.tasks {
		if t.OwnerID == ownerID {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, func(a, b Task) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (f *fakeStore) ListScopeTasks(ctx context.Context, scope Scope) ([]Task, error) {
	var out []Task
	for _, t := range f.state.tasks {
		if t.Scope() == scope {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, func(a, b Task) int { return cmp.Compare(a.Position, b.Position) })
	return out, nil
}

func (f *fakeStore) ListSubtasks(ctx context.Context, taskID string) ([]Subtask, error) {
	return f.tx().LoadSubtasksOf(ctx, taskID)
}

// positions maps the members of scope to their positions.
func (f *fakeStore) positions(scope Scope) map[string]int {
	members, _ := f.tx().LoadScopeMembers(context.Background(), scope)
	out := map[string]int{}
	for _, m := range members {
		out[m.ID] = m.Position
	}
	return out
}

type fakeTx struct {
	state   fakeState
	saveErr error
	saves   int
}

var errFakeWrite = errors.New("fake write failure")

func (t *fakeTx) LoadScopeMembers(ctx context.Context, scope Scope) ([]Member, error) {
	var out []Member
	if scope.Kind == ScopeSubtasks {
		for _, s := range t.state.subtasks {
			if s.TaskID == scope.List {
				out = append(out, Member{ID: s.ID, Position: s.Position})
			}
		}
	} else {
		for _, task := range t.state.tasks {
			if task.Scope() == scope {
				out = append(out, Member{ID: task.ID, Position: task.Position})
			}
		}
	}
	slices.SortFunc(out, func(a, b Member) int {
		if c := cmp.Compare(a.Position, b.Position); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (t *fakeTx) SaveScopePositions(ctx context.Context, scope Scope, members []Member) error {
	t.saves++
	if t.saveErr != nil {
		return t.saveErr
	}
	for _, m := range members {
		if scope.Kind == ScopeSubtasks {
			s, ok := t.state.subtasks[m.ID]
			if !ok {
				return notFoundf("subtask %s", m.ID)
			}
			s.TaskID = scope.List
			s.Position = m.Position
			t.state.subtasks[m.ID] = s
			continue
		}
		task, ok := t.state.tasks[m.ID]
		if !ok {
			return notFoundf("task %s", m.ID)
		}
		task.AssignScope(scope)
		task.Position = m.Position
		t.state.tasks[m.ID] = task
	}
	return nil
}

func (t *fakeTx) RemoveMember(ctx context.Context, scope Scope, id string) error {
	if scope.Kind == ScopeSubtasks {
		delete(t.state.subtasks, id)
		return nil
	}
	delete(t.state.tasks, id)
	return nil
}

func (t *fakeTx) LoadTask(ctx context.Context, id string) (*Task, error) {
	task, ok := t.state.tasks[id]
	if !ok {
		return nil, nil
	}
	c := task.Clone()
	return &c, nil
}

func (t *fakeTx) SaveTask(ctx context.Context, task Task) error {
	if t.saveErr != nil {
		return t.saveErr
	}
	t.state.tasks[task.ID] = task.Clone()
	return nil
}

func (t *fakeTx) LoadSubtasksOf(ctx context.Context, taskID string) ([]Subtask, error) {
	var out []Subtask
	for _, s := range t.state.subtasks {
		if s.TaskID == taskID {
			out = append(out, s.Clone())
		}
	}
	slices.SortFunc(out, func(a, b Subtask) int { return cmp.Compare(a.Position, b.Position) })
	return out, nil
}

func (t *fakeTx) SaveSubtask(ctx context.Context, s Subtask) error {
	if t.saveErr != nil {
		return t.saveErr
	}
	t.state.subtasks[s.ID] = s.Clone()
	return nil
}

func sortedIDs(m map[string]int) []string {
	ids := slices.Collect(maps.Keys(m))
	slices.SortFunc(ids, func(a, b string) int {
		if c := cmp.Compare(m[a], m[b]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return ids
}
