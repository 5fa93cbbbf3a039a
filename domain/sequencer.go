package domain

import (
	"cmp"
	"context"
	"slices"
)

// Sequencer keeps item positions dense and ordered inside a scope. Every
// method validates before writing and issues at most one SaveScopePositions
// per affected scope, so a rejected call leaves the scope untouched.
type Sequencer struct{}

func loadOrdered(ctx context.Context, tx ScopeTx, scope Scope) ([]Member, error) {
	members, err := tx.LoadScopeMembers(ctx, scope)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(members, func(a, b Member) int { return cmp.Compare(a.Position, b.Position) })
	return members, nil
}

func indexOf(members []Member, id string) int {
	return slices.IndexFunc(members, func(m Member) bool { return m.ID == id })
}

// NextPosition returns the position a new item appended to scope receives:
// max+1, or 0 for an empty scope.
func (Sequencer) NextPosition(ctx context.Context, tx ScopeTx, scope Scope) (int, error) {
	members, err := tx.LoadScopeMembers(ctx, scope)
	if err != nil {
		return 0, err
	}
	next := 0
	for _, m := range members {
		if m.Position+1 > next {
			next = m.Position + 1
		}
	}
	return next, nil
}

// MoveWithinScope moves id to target, shifting only the items between its old
// and new position.
func (Sequencer) MoveWithinScope(ctx context.Context, tx ScopeTx, scope Scope, id string, target int) ([]PositionChange, error) {
	members, err := loadOrdered(ctx, tx, scope)
	if err != nil {
		return nil, err
	}
	idx := indexOf(members, id)
	if idx < 0 {
		return nil, notFoundf("item %s in scope %s", id, scope)
	}
	if target < 0 || target > len(members)-1 {
		return nil, invalidPositionf("target %d outside [0, %d] in scope %s", target, len(members)-1, scope)
	}
	old := members[idx].Position
	if target == old {
		return nil, nil
	}

	var (
		updated []Member
		changes []PositionChange
	)
	for _, m := range members {
		pos := m.Position
		switch {
		case m.ID == id:
			pos = target
		case target > old && m.Position > old && m.Position <= target:
			pos--
		case target < old && m.Position >= target && m.Position < old:
			pos++
		}
		if pos == m.Position {
			continue
		}
		updated = append(updated, Member{ID: m.ID, Position: pos})
		changes = append(changes, PositionChange{ItemID: m.ID, FromScope: scope, ToScope: scope, From: m.Position, To: pos})
	}
	if err := tx.SaveScopePositions(ctx, scope, updated); err != nil {
		return nil, err
	}
	return changes, nil
}

// MoveAcrossScopes closes the gap id leaves in from, opens one at target in
// to and moves the item there. Both scopes must be of the same kind and
// partition. Valid targets are 0 through len(to).
func (s Sequencer) MoveAcrossScopes(ctx context.Context, tx ScopeTx, id string, from, to Scope, target int) ([]PositionChange, error) {
	if from == to {
		return s.MoveWithinScope(ctx, tx, from, id, target)
	}
	if !from.CanMoveTo(to) {
		return nil, scopeMismatchf("cannot move from %s to %s", from, to)
	}
	src, err := loadOrdered(ctx, tx, from)
	if err != nil {
		return nil, err
	}
	idx := indexOf(src, id)
	if idx < 0 {
		return nil, notFoundf("item %s in scope %s", id, from)
	}
	dst, err := loadOrdered(ctx, tx, to)
	if err != nil {
		return nil, err
	}
	if indexOf(dst, id) >= 0 {
		return nil, scopeMismatchf("item %s already in scope %s", id, to)
	}
	if target < 0 || target > len(dst) {
		return nil, invalidPositionf("target %d outside [0, %d] in scope %s", target, len(dst), to)
	}
	old := src[idx].Position

	var (
		srcUpd  []Member
		dstUpd  []Member
		changes []PositionChange
	)
	for _, m := range src {
		if m.ID == id || m.Position <= old {
			continue
		}
		srcUpd = append(srcUpd, Member{ID: m.ID, Position: m.Position - 1})
		changes = append(changes, PositionChange{ItemID: m.ID, FromScope: from, ToScope: from, From: m.Position, To: m.Position - 1})
	}
	for _, m := range dst {
		if m.Position < target {
			continue
		}
		dstUpd = append(dstUpd, Member{ID: m.ID, Position: m.Position + 1})
		changes = append(changes, PositionChange{ItemID: m.ID, FromScope: to, ToScope: to, From: m.Position, To: m.Position + 1})
	}
	dstUpd = append(dstUpd, Member{ID: id, Position: target})
	changes = append(changes, PositionChange{ItemID: id, FromScope: from, ToScope: to, From: old, To: target})

	if len(srcUpd) > 0 {
		if err := tx.SaveScopePositions(ctx, from, srcUpd); err != nil {
			return nil, err
		}
	}
	if err := tx.SaveScopePositions(ctx, to, dstUpd); err != nil {
		return nil, err
	}
	return changes, nil
}

// ReorderAll assigns position = index for the caller-declared full order of
// scope. The id list must match the scope membership exactly.
func (Sequencer) ReorderAll(ctx context.Context, tx ScopeTx, scope Scope, ids []string) ([]PositionChange, error) {
	members, err := loadOrdered(ctx, tx, scope)
	if err != nil {
		return nil, err
	}
	if len(ids) != len(members) {
		return nil, scopeMismatchf("reorder of %s lists %d ids, scope has %d", scope, len(ids), len(members))
	}
	current := make(map[string]int, len(members))
	for _, m := range members {
		current[m.ID] = m.Position
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := current[id]; !ok {
			return nil, scopeMismatchf("item %s does not belong to %s", id, scope)
		}
		if _, dup := seen[id]; dup {
			return nil, scopeMismatchf("item %s listed twice", id)
		}
		seen[id] = struct{}{}
	}

	var (
		updated []Member
		changes []PositionChange
	)
	for i, id := range ids {
		if current[id] == i {
			continue
		}
		updated = append(updated, Member{ID: id, Position: i})
		changes = append(changes, PositionChange{ItemID: id, FromScope: scope, ToScope: scope, From: current[id], To: i})
	}
	if len(updated) == 0 {
		return nil, nil
	}
	if err := tx.SaveScopePositions(ctx, scope, updated); err != nil {
		return nil, err
	}
	return changes, nil
}

// DeleteFromScope removes id and closes the gap it leaves.
func (Sequencer) DeleteFromScope(ctx context.Context, tx ScopeTx, scope Scope, id string) ([]PositionChange, error) {
	members, err := loadOrdered(ctx, tx, scope)
	if err != nil {
		return nil, err
	}
	idx := indexOf(members, id)
	if idx < 0 {
		return nil, notFoundf("item %s in scope %s", id, scope)
	}
	removed := members[idx].Position

	var (
		updated []Member
		changes []PositionChange
	)
	for _, m := range members {
		if m.ID == id || m.Position <= removed {
			continue
		}
		updated = append(updated, Member{ID: m.ID, Position: m.Position - 1})
		changes = append(changes, PositionChange{ItemID: m.ID, FromScope: scope, ToScope: scope, From: m.Position, To: m.Position - 1})
	}
	if err := tx.RemoveMember(ctx, scope, id); err != nil {
		return nil, err
	}
	if len(updated) > 0 {
		if err := tx.SaveScopePositions(ctx, scope, updated); err != nil {
			return nil, err
		}
	}
	return changes, nil
}
