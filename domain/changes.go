package domain

import "time"

// PositionChange describes one item whose rank or scope changed.
type PositionChange struct {
	ItemID    string `json:"itemId"`
	FromScope Scope  `json:"fromScope"`
	ToScope   Scope  `json:"toScope"`
	From      int    `json:"from"`
	To        int    `json:"to"`
}

// StatusChange describes a task status transition.
type StatusChange struct {
	TaskID      string     `json:"taskId"`
	From        Status     `json:"from"`
	To          Status     `json:"to"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Reason      string     `json:"reason"`
}

const (
	ReasonUser          = "user"
	ReasonAutoCompleted = "auto-completed"
	ReasonAutoReopened  = "auto-reopened"
)

// ChangeSet is what a mutation reports back so an activity collaborator can
// record it. The core never writes activity itself.
type ChangeSet struct {
	Positions []PositionChange `json:"positions,omitempty"`
	Statuses  []StatusChange   `json:"statuses,omitempty"`
	Created   []string         `json:"created,omitempty"`
	Deleted   []string         `json:"deleted,omitempty"`
}

// Empty reports whether nothing changed.
func (c ChangeSet) Empty() bool {
	return len(c.Positions) == 0 && len(c.Statuses) == 0 && len(c.Created) == 0 && len(c.Deleted) == 0
}

// Merge appends other onto c.
func (c *ChangeSet) Merge(other ChangeSet) {
	c.Positions = append(c.Positions, other.Positions...)
	c.Statuses = append(c.Statuses, other.Statuses...)
	c.Created = append(c.Created, other.Created...)
	c.Deleted = append(c.Deleted, other.Deleted...)
}
