package domain

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
)

func seedScope(fs *fakeStore, scope Scope, ids ...string) {
	for i, id := range ids {
		t := Task{ID: id, OwnerID: "u1", Title: id, Status: StatusPending, Position: i}
		t.AssignScope(scope)
		fs.put(t)
	}
}

func order(t *testing.T, tx ScopeTx, scope Scope) []string {
	t.Helper()
	members, err := tx.LoadScopeMembers(context.Background(), scope)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ids := make([]string, len(members))
	for i, m := range members {
		if m.Position != i {
			t.Fatalf("scope %s not dense: %v", scope, members)
		}
		ids[i] = m.ID
	}
	return ids
}

func TestNextPosition(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	scope := CategoryScope("u1", "work")
	var seq Sequencer

	pos, err := seq.NextPosition(ctx, fs.tx(), scope)
	if err != nil || pos != 0 {
		t.Fatalf("empty scope: pos=%d err=%v", pos, err)
	}
	seedScope(fs, scope, "a", "b", "c")
	pos, err = seq.NextPosition(ctx, fs.tx(), scope)
	if err != nil || pos != 3 {
		t.Fatalf("expected 3, got %d err=%v", pos, err)
	}
}

func TestMoveWithinScope(t *testing.T) {
	scope := CategoryScope("u1", "work")
	tests := []struct {
		name    string
		id      string
		target  int
		want    []string
		changed int
	}{
		{"down", "a", 3, []string{"b", "c", "d", "a", "e"}, 4},
		{"up", "d", 0, []string{"d", "a", "b", "c", "e"}, 4},
		{"neighbour", "c", 3, []string{"a", "b", "d", "c", "e"}, 2},
		{"last", "a", 4, []string{"b", "c", "d", "e", "a"}, 5},
		{"same", "b", 1, []string{"a", "b", "c", "d", "e"}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fs := newFakeStore()
			seedScope(fs, scope, "a", "b", "c", "d", "e")
			tx := fs.tx()
			changes, err := Sequencer{}.MoveWithinScope(context.Background(), tx, scope, tc.id, tc.target)
			if err != nil {
				t.Fatalf("move: %v", err)
			}
			if got := order(t, tx, scope); !slices.Equal(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			if len(changes) != tc.changed {
				t.Fatalf("expected %d changes, got %d: %v", tc.changed, len(changes), changes)
			}
		})
	}
}

func TestMoveWithinScopePreservesRelativeOrder(t *testing.T) {
	scope := SwimlaneScope("b1", "todo")
	ids := []string{"a", "b", "c", "d", "e", "f"}
	for from := range ids {
		for target := range ids {
			fs := newFakeStore()
			seedScope(fs, scope, ids...)
			tx := fs.tx()
			if _, err := (Sequencer{}).MoveWithinScope(context.Background(), tx, scope, ids[from], target); err != nil {
				t.Fatalf("move %s to %d: %v", ids[from], target, err)
			}
			got := order(t, tx, scope)
			if got[target] != ids[from] {
				t.Fatalf("move %s to %d: got %v", ids[from], target, got)
			}
			rest := slices.DeleteFunc(slices.Clone(got), func(id string) bool { return id == ids[from] })
			want := slices.DeleteFunc(slices.Clone(ids), func(id string) bool { return id == ids[from] })
			if !slices.Equal(rest, want) {
				t.Fatalf("move %s to %d reordered others: %v", ids[from], target, got)
			}
		}
	}
}

func TestMoveWithinScopeRoundTrip(t *testing.T) {
	scope := CategoryScope("u1", "")
	ids := []string{"a", "b", "c", "d"}
	fs := newFakeStore()
	seedScope(fs, scope, ids...)
	tx := fs.tx()
	var seq Sequencer
	ctx := context.Background()
	if _, err := seq.MoveWithinScope(ctx, tx, scope, "b", 3); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := seq.MoveWithinScope(ctx, tx, scope, "b", 1); err != nil {
		t.Fatalf("move back: %v", err)
	}
	if got := order(t, tx, scope); !slices.Equal(got, ids) {
		t.Fatalf("expected %v, got %v", ids, got)
	}
}

func TestMoveWithinScopeRejectsOutOfRange(t *testing.T) {
	scope := CategoryScope("u1", "work")
	for _, target := range []int{-1, 3, 10} {
		t.Run(fmt.Sprint(target), func(t *testing.T) {
			fs := newFakeStore()
			seedScope(fs, scope, "a", "b", "c")
			tx := fs.tx()
			_, err := Sequencer{}.MoveWithinScope(context.Background(), tx, scope, "a", target)
			if !errors.Is(err, ErrInvalidPosition) {
				t.Fatalf("expected ErrInvalidPosition, got %v", err)
			}
			if tx.saves != 0 {
				t.Fatalf("expected no writes, got %d", tx.saves)
			}
			if got := order(t, tx, scope); !slices.Equal(got, []string{"a", "b", "c"}) {
				t.Fatalf("scope changed: %v", got)
			}
		})
	}
}

func TestMoveWithinScopeUnknownItem(t *testing.T) {
	scope := CategoryScope("u1", "work")
	fs := newFakeStore()
	seedScope(fs, scope, "a")
	_, err := Sequencer{}.MoveWithinScope(context.Background(), fs.tx(), scope, "zzz", 0)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMoveAcrossSwimlanes(t *testing.T) {
	laneA := SwimlaneScope("board", "A")
	laneB := SwimlaneScope("board", "B")
	fs := newFakeStore()
	seedScope(fs, laneA, "a0", "a1", "a2", "a3")
	seedScope(fs, laneB, "b0", "b1")
	tx := fs.tx()

	changes, err := Sequencer{}.MoveAcrossScopes(context.Background(), tx, "a1", laneA, laneB, 1)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if got := order(t, tx, laneA); !slices.Equal(got, []string{"a0", "a2", "a3"}) {
		t.Fatalf("lane A: %v", got)
	}
	if got := order(t, tx, laneB); !slices.Equal(got, []string{"b0", "a1", "b1"}) {
		t.Fatalf("lane B: %v", got)
	}
	moved := tx.state.tasks["a1"]
	if moved.SwimlaneID != "B" || moved.Position != 1 {
		t.Fatalf("unexpected moved task: %#v", moved)
	}
	last := changes[len(changes)-1]
	if last.ItemID != "a1" || last.FromScope != laneA || last.ToScope != laneB || last.From != 1 || last.To != 1 {
		t.Fatalf("unexpected change: %#v", last)
	}
}

func TestMoveAcrossScopesBounds(t *testing.T) {
	laneA := SwimlaneScope("board", "A")
	laneB := SwimlaneScope("board", "B")
	ctx := context.Background()

	fs := newFakeStore()
	seedScope(fs, laneA, "a0", "a1")
	seedScope(fs, laneB, "b0", "b1")
	tx := fs.tx()
	if _, err := (Sequencer{}).MoveAcrossScopes(ctx, tx, "a0", laneA, laneB, 2); err != nil {
		t.Fatalf("append at end: %v", err)
	}
	if got := order(t, tx, laneB); !slices.Equal(got, []string{"b0", "b1", "a0"}) {
		t.Fatalf("lane B: %v", got)
	}

	fs = newFakeStore()
	seedScope(fs, laneA, "a0", "a1")
	seedScope(fs, laneB, "b0", "b1")
	tx = fs.tx()
	_, err := Sequencer{}.MoveAcrossScopes(ctx, tx, "a0", laneA, laneB, 3)
	if !errors.Is(err, ErrInvalidPosition) {
		t.Fatalf("expected ErrInvalidPosition, got %v", err)
	}
	if tx.saves != 0 {
		t.Fatalf("expected no writes, got %d", tx.saves)
	}
}

func TestMoveAcrossScopesIntoEmptyScope(t *testing.T) {
	from := CategoryScope("u1", "inbox")
	to := CategoryScope("u1", "work")
	fs := newFakeStore()
	seedScope(fs, from, "x", "y")
	tx := fs.tx()
	if _, err := (Sequencer{}).MoveAcrossScopes(context.Background(), tx, "x", from, to, 0); err != nil {
		t.Fatalf("move: %v", err)
	}
	if got := order(t, tx, to); !slices.Equal(got, []string{"x"}) {
		t.Fatalf("destination: %v", got)
	}
	if got := order(t, tx, from); !slices.Equal(got, []string{"y"}) {
		t.Fatalf("source: %v", got)
	}
}

func TestMoveAcrossScopesMismatch(t *testing.T) {
	cat := CategoryScope("u1", "work")
	lane := SwimlaneScope("board", "A")
	otherOwner := CategoryScope("u2", "work")
	fs := newFakeStore()
	seedScope(fs, cat, "a")
	for _, dst := range []Scope{lane, otherOwner, {Kind: "bogus", Partition: "u1"}} {
		tx := fs.tx()
		_, err := Sequencer{}.MoveAcrossScopes(context.Background(), tx, "a", cat, dst, 0)
		if !errors.Is(err, ErrScopeMismatch) {
			t.Fatalf("move to %s: expected ErrScopeMismatch, got %v", dst, err)
		}
		if tx.saves != 0 {
			t.Fatalf("move to %s wrote %d times", dst, tx.saves)
		}
	}
}

func TestReorderAll(t *testing.T) {
	scope := CategoryScope("u1", "work")
	fs := newFakeStore()
	seedScope(fs, scope, "a", "b", "c", "d")
	tx := fs.tx()
	ctx := context.Background()
	want := []string{"d", "b", "a", "c"}

	changes, err := Sequencer{}.ReorderAll(ctx, tx, scope, want)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %v", changes)
	}
	if got := order(t, tx, scope); !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	saves := tx.saves
	changes, err = Sequencer{}.ReorderAll(ctx, tx, scope, want)
	if err != nil || len(changes) != 0 {
		t.Fatalf("second reorder: changes=%v err=%v", changes, err)
	}
	if tx.saves != saves {
		t.Fatalf("idempotent reorder wrote")
	}
}

func TestReorderAllRejectsMismatch(t *testing.T) {
	scope := CategoryScope("u1", "work")
	tests := map[string][]string{
		"missing":   {"a", "b"},
		"extra":     {"a", "b", "c", "x"},
		"foreign":   {"a", "b", "x"},
		"duplicate": {"a", "a", "b"},
	}
	for name, ids := range tests {
		t.Run(name, func(t *testing.T) {
			fs := newFakeStore()
			seedScope(fs, scope, "a", "b", "c")
			tx := fs.tx()
			_, err := Sequencer{}.ReorderAll(context.Background(), tx, scope, ids)
			if !errors.Is(err, ErrScopeMismatch) {
				t.Fatalf("expected ErrScopeMismatch, got %v", err)
			}
			if tx.saves != 0 {
				t.Fatalf("expected no writes")
			}
		})
	}
}

func TestDeleteFromScope(t *testing.T) {
	scope := SwimlaneScope("board", "A")
	fs := newFakeStore()
	seedScope(fs, scope, "a", "b", "c", "d")
	tx := fs.tx()
	changes, err := Sequencer{}.DeleteFromScope(context.Background(), tx, scope, "b")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := order(t, tx, scope); !slices.Equal(got, []string{"a", "c", "d"}) {
		t.Fatalf("unexpected order %v", got)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 shifted items, got %v", changes)
	}
	if _, ok := tx.state.tasks["b"]; ok {
		t.Fatalf("task b still stored")
	}

	_, err = Sequencer{}.DeleteFromScope(context.Background(), tx, scope, "b")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMixedOperationsKeepScopesDense(t *testing.T) {
	ctx := context.Background()
	laneA := SwimlaneScope("board", "A")
	laneB := SwimlaneScope("board", "B")
	fs := newFakeStore()
	seedScope(fs, laneA, "a0", "a1", "a2")
	seedScope(fs, laneB, "b0")
	tx := fs.tx()
	var seq Sequencer

	create := func(id string, scope Scope) error {
		pos, err := seq.NextPosition(ctx, tx, scope)
		if err != nil {
			return err
		}
		task := Task{ID: id, OwnerID: "u1", Title: id, Status: StatusPending, Position: pos}
		task.AssignScope(scope)
		return tx.SaveTask(ctx, task)
	}
	steps := []struct {
		name  string
		apply func() error
		wantA []string
		wantB []string
	}{
		{"create", func() error { return create("a3", laneA) },
			[]string{"a0", "a1", "a2", "a3"}, []string{"b0"}},
		{"move down", func() error { _, err := seq.MoveWithinScope(ctx, tx, laneA, "a0", 2); return err },
			[]string{"a1", "a2", "a0", "a3"}, []string{"b0"}},
		{"move across", func() error { _, err := seq.MoveAcrossScopes(ctx, tx, "a2", laneA, laneB, 0); return err },
			[]string{"a1", "a0", "a3"}, []string{"a2", "b0"}},
		{"create in destination", func() error { return create("b1", laneB) },
			[]string{"a1", "a0", "a3"}, []string{"a2", "b0", "b1"}},
		{"reorder", func() error { _, err := seq.ReorderAll(ctx, tx, laneB, []string{"b1", "a2", "b0"}); return err },
			[]string{"a1", "a0", "a3"}, []string{"b1", "a2", "b0"}},
		{"delete", func() error { _, err := seq.DeleteFromScope(ctx, tx, laneA, "a0"); return err },
			[]string{"a1", "a3"}, []string{"b1", "a2", "b0"}},
		{"move back", func() error { _, err := seq.MoveAcrossScopes(ctx, tx, "b0", laneB, laneA, 2); return err },
			[]string{"a1", "a3", "b0"}, []string{"b1", "a2"}},
		{"move up", func() error { _, err := seq.MoveWithinScope(ctx, tx, laneA, "b0", 0); return err },
			[]string{"b0", "a1", "a3"}, []string{"b1", "a2"}},
	}
	for _, step := range steps {
		if err := step.apply(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if got := order(t, tx, laneA); !slices.Equal(got, step.wantA) {
			t.Fatalf("%s: lane A %v, want %v", step.name, got, step.wantA)
		}
		if got := order(t, tx, laneB); !slices.Equal(got, step.wantB) {
			t.Fatalf("%s: lane B %v, want %v", step.name, got, step.wantB)
		}
	}
}
