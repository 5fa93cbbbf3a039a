package domain

import "time"

// SubtaskStats counts the completion state of a task's subtasks.
type SubtaskStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Pending   int `json:"pending"`
}

// StatsOf counts subtasks.
func StatsOf(subtasks []Subtask) SubtaskStats {
	var st SubtaskStats
	for _, s := range subtasks {
		st.Total++
		if s.IsCompleted {
			st.Completed++
		} else {
			st.Pending++
		}
	}
	return st
}

// CascadeOutcome is the decision taken by EvaluateCascade.
type CascadeOutcome string

const (
	CascadeUnchanged     CascadeOutcome = "unchanged"
	CascadeAutoCompleted CascadeOutcome = "auto-completed"
	CascadeAutoReopened  CascadeOutcome = "auto-reopened"
)

// CascadeResult carries the decision and, when the status changes, the
// updated task and a description of the transition.
type CascadeResult struct {
	Outcome CascadeOutcome
	Task    Task
	Change  *StatusChange
}

// EvaluateCascade decides whether subtask completion forces a status change
// on t. A task without subtasks is never completed by the cascade.
func EvaluateCascade(t Task, stats SubtaskStats, now time.Time) CascadeResult {
	switch {
	case stats.Total > 0 && stats.Pending == 0 && t.Status != StatusCompleted:
		next, change := TransitionStatus(t, StatusCompleted, now)
		change.Reason = ReasonAutoCompleted
		return CascadeResult{Outcome: CascadeAutoCompleted, Task: next, Change: &change}
	case t.Status == StatusCompleted && stats.Pending > 0:
		next, change := TransitionStatus(t, StatusPending, now)
		change.Reason = ReasonAutoReopened
		return CascadeResult{Outcome: CascadeAutoReopened, Task: next, Change: &change}
	default:
		return CascadeResult{Outcome: CascadeUnchanged, Task: t}
	}
}

// TransitionStatus is the single rule every status change goes through.
// CompletedAt is set exactly when the task becomes completed and cleared when
// it leaves that state.
func TransitionStatus(t Task, to Status, now time.Time) (Task, StatusChange) {
	next := t.Clone()
	change := StatusChange{TaskID: t.ID, From: t.Status, To: to, Reason: ReasonUser}
	if t.Status == to {
		return next, change
	}
	next.Status = to
	if to == StatusCompleted {
		ts := now.UTC()
		next.CompletedAt = &ts
	} else {
		next.CompletedAt = nil
	}
	next.UpdatedAt = now.UTC()
	change.CompletedAt = cloneTime(next.CompletedAt)
	return next, change
}
