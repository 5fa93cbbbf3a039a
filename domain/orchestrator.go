package domain

import (
	"context"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

// Orchestrator routes commands to the task service based on entity type.
type Orchestrator struct {
	tasks TaskService
}

func NewOrchestrator(tasks TaskService) Orchestrator {
	return Orchestrator{tasks: tasks}
}

// Apply executes one command on behalf of the envelope's user.
func (o Orchestrator) Apply(ctx context.Context, env CommandEnvelope) (ChangeSet, error) {
	if env.UserID == "" {
		return ChangeSet{}, invalidCommandf("missing user")
	}
	actor := Actor{UserID: env.UserID}
	cmd := env.Command
	var (
		cs  ChangeSet
		err error
	)
	switch cmd.EntityType {
	case EntityTask:
		cs, err = o.applyTask(ctx, actor, cmd)
	case EntitySubtask:
		cs, err = o.applySubtask(ctx, actor, cmd)
	default:
		return ChangeSet{}, invalidCommandf("unknown entity type %q", cmd.EntityType)
	}
	if err != nil {
		log.WithFields(log.Fields{"user": env.UserID, "type": cmd.Type, "id": cmd.ID}).WithError(err).Debug("command rejected")
	}
	return cs, err
}

func decode(cmd Command, v any) error {
	if len(cmd.Data) == 0 {
		return invalidCommandf("%s: missing data", cmd.Type)
	}
	if err := sonic.Unmarshal(cmd.Data, v); err != nil {
		return invalidCommandf("%s: %v", cmd.Type, err)
	}
	return nil
}

func (o Orchestrator) applyTask(ctx context.Context, actor Actor, cmd Command) (ChangeSet, error) {
	switch cmd.Type {
	case CreateTask:
		var d CreateTaskData
		if err := decode(cmd, &d); err != nil {
			return ChangeSet{}, err
		}
		t, err := d.task()
		if err != nil {
			return ChangeSet{}, err
		}
		_, cs, err := o.tasks.CreateTask(ctx, actor, t)
		return cs, err
	case MoveTask:
		var d MoveTaskData
		if err := decode(cmd, &d); err != nil {
			return ChangeSet{}, err
		}
		var to *Scope
		if d.To != nil {
			s := d.To.Resolve(actor)
			to = &s
		}
		return o.tasks.MoveTask(ctx, actor, d.ID, to, d.Position)
	case ReorderTasks:
		var d ReorderTasksData
		if err := decode(cmd, &d); err != nil {
			return ChangeSet{}, err
		}
		return o.tasks.ReorderTasks(ctx, actor, d.Scope.Resolve(actor), d.IDs)
	case SetTaskStatus:
		var d SetTaskStatusData
		if err := decode(cmd, &d); err != nil {
			return ChangeSet{}, err
		}
		return o.tasks.SetTaskStatus(ctx, actor, d.ID, d.Status)
	case DeleteTask:
		var d DeleteTaskData
		if err := decode(cmd, &d); err != nil {
			return ChangeSet{}, err
		}
		return o.tasks.DeleteTask(ctx, actor, d.ID)
	default:
		return ChangeSet{}, invalidCommandf("unknown task command %q", cmd.Type)
	}
}

func (o Orchestrator) applySubtask(ctx context.Context, actor Actor, cmd Command) (ChangeSet, error) {
	switch cmd.Type {
	case CreateSubtask:
		var d CreateSubtaskData
		if err := decode(cmd, &d); err != nil {
			return ChangeSet{}, err
		}
		_, cs, err := o.tasks.CreateSubtask(ctx, actor, d.TaskID, Subtask{ID: d.ID, Title: d.Title, IsCompleted: d.IsCompleted})
		return cs, err
	case MoveSubtask:
		var d MoveSubtaskData
		if err := decode(cmd, &d); err != nil {
			return ChangeSet{}, err
		}
		return o.tasks.MoveSubtask(ctx, actor, d.TaskID, d.ID, d.Position)
	case ReorderSubtasks:
		var d ReorderSubtasksData
		if err := decode(cmd, &d); err != nil {
			return ChangeSet{}, err
		}
		return o.tasks.ReorderSubtasks(ctx, actor, d.TaskID, d.IDs)
	case SetSubtaskCompleted:
		var d SetSubtaskCompletedData
		if err := decode(cmd, &d); err != nil {
			return ChangeSet{}, err
		}
		return o.tasks.SetSubtaskCompleted(ctx, actor, d.TaskID, d.ID, d.Completed)
	case DeleteSubtask:
		var d DeleteSubtaskData
		if err := decode(cmd, &d); err != nil {
			return ChangeSet{}, err
		}
		return o.tasks.DeleteSubtask(ctx, actor, d.TaskID, d.ID)
	default:
		return ChangeSet{}, invalidCommandf("unknown subtask command %q", cmd.Type)
	}
}

// task converts the payload into a task, parsing its dates.
func (d CreateTaskData) task() (Task, error) {
	t := Task{
		ID:               d.ID,
		Title:            d.Title,
		Description:      d.Description,
		CategoryID:       d.CategoryID,
		BoardID:          d.BoardID,
		SwimlaneID:       d.SwimlaneID,
		Status:           d.Status,
		Priority:         d.Priority,
		Tags:             d.Tags,
		StartTime:        d.StartTime,
		EndTime:          d.EndTime,
		IsAllDay:         d.IsAllDay,
		IsRecurring:      d.IsRecurring,
		RecurrenceType:   d.RecurrenceType,
		RecurrenceConfig: d.RecurrenceConfig,
	}
	if d.DueDate != "" {
		due, err := ParseDate(d.DueDate)
		if err != nil {
			return Task{}, invalidCommandf("dueDate: %v", err)
		}
		t.DueDate = &due
	}
	if d.RecurringUntil != "" {
		until, err := ParseDate(d.RecurringUntil)
		if err != nil {
			return Task{}, invalidRecurrencef("recurringUntil: %v", err)
		}
		t.RecurringUntil = &until
	}
	return t, nil
}
