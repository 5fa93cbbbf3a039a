package domain

import (
	"net/url"
	"strings"
)

// ScopeKind names the kind of list a scope identifies.
type ScopeKind string

const (
	ScopeCategory ScopeKind = "category"
	ScopeSwimlane ScopeKind = "swimlane"
	ScopeSubtasks ScopeKind = "subtasks"
)

// Scope identifies one ordered list. Positions are only meaningful within a
// single scope. Partition groups scopes a store serialises together: an owner
// for category lists, a board for swimlanes, the parent task's partition for
// subtasks.
type Scope struct {
	Kind      ScopeKind `json:"kind"`
	Partition string    `json:"partition"`
	List      string    `json:"list"`
}

// CategoryScope is the list of an owner's tasks in one category. An empty
// category is the owner's uncategorised list.
func CategoryScope(ownerID, categoryID string) Scope {
	return Scope{Kind: ScopeCategory, Partition: ownerID, List: categoryID}
}

// SwimlaneScope is the list of tasks in one swimlane of a board.
func SwimlaneScope(boardID, swimlaneID string) Scope {
	return Scope{Kind: ScopeSwimlane, Partition: boardID, List: swimlaneID}
}

// SubtaskScope is the list of subtasks of t.
func SubtaskScope(t Task) Scope {
	return Scope{Kind: ScopeSubtasks, Partition: t.Scope().Partition, List: t.ID}
}

// Key returns the opaque identity of the scope. Components are escaped so
// ids containing '/' cannot collide.
func (s Scope) Key() string {
	return url.QueryEscape(string(s.Kind)) + "/" + url.QueryEscape(s.Partition) + "/" + url.QueryEscape(s.List)
}

func (s Scope) String() string { return s.Key() }

// Valid reports whether the scope names a known kind and a partition.
func (s Scope) Valid() bool {
	switch s.Kind {
	case ScopeCategory, ScopeSwimlane:
		return s.Partition != ""
	case ScopeSubtasks:
		return s.Partition != "" && s.List != ""
	default:
		return false
	}
}

// ForTasks reports whether the scope orders tasks rather than subtasks.
func (s Scope) ForTasks() bool {
	return s.Kind == ScopeCategory || s.Kind == ScopeSwimlane
}

// CanMoveTo reports whether an item may move from s to dst.
func (s Scope) CanMoveTo(dst Scope) bool {
	return s.Kind == dst.Kind && s.Partition == dst.Partition && s.Valid() && dst.Valid()
}

// ParseScopeKey is the inverse of Key.
func ParseScopeKey(key string) (Scope, bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return Scope{}, false
	}
	for i, p := range parts {
		v, err := url.QueryUnescape(p)
		if err != nil {
			return Scope{}, false
		}
		parts[i] = v
	}
	s := Scope{Kind: ScopeKind(parts[0]), Partition: parts[1], List: parts[2]}
	return s, s.Valid()
}
