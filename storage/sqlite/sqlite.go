// Package sqlite implements domain.Store on a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	log "github.com/sirupsen/logrus"

	"prism-core/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                TEXT PRIMARY KEY,
	partition_key     TEXT NOT NULL,
	scope_kind        TEXT NOT NULL,
	list              TEXT NOT NULL,
	owner_id          TEXT NOT NULL,
	category_id       TEXT NOT NULL DEFAULT '',
	board_id          TEXT NOT NULL DEFAULT '',
	swimlane_id       TEXT NOT NULL DEFAULT '',
	title             TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	priority          TEXT NOT NULL,
	position          INTEGER NOT NULL,
	tags              TEXT NOT NULL DEFAULT '',
	due_date          TEXT NOT NULL DEFAULT '',
	start_time        TEXT NOT NULL DEFAULT '',
	end_time          TEXT NOT NULL DEFAULT '',
	is_all_day        INTEGER NOT NULL DEFAULT 0,
	is_recurring      INTEGER NOT NULL DEFAULT 0,
	recurrence_type   TEXT NOT NULL DEFAULT '',
	recurring_until   TEXT NOT NULL DEFAULT '',
	recurrence_config TEXT NOT NULL DEFAULT '',
	completed_at      TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL DEFAULT '',
	updated_at        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_scope ON tasks(partition_key, scope_kind, list, position);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id);

CREATE TABLE IF NOT EXISTS subtasks (
	id            TEXT PRIMARY KEY,
	task_id       TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	title         TEXT NOT NULL,
	is_completed  INTEGER NOT NULL DEFAULT 0,
	position      INTEGER NOT NULL,
	completed_at  TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL DEFAULT '',
	updated_at    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_subtasks_task ON subtasks(task_id, position);
`

// Store keeps tasks in a SQLite database. Transactions take the write lock
// up front with BEGIN IMMEDIATE, so they never interleave.
type Store struct {
	db *sql.DB
}

func connString(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(30000)&_pragma=foreign_keys(1)&_pragma=journal_mode(wal)"
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", connString(path))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// beginImmediate retries BEGIN IMMEDIATE with exponential backoff while the
// database is busy.
func beginImmediate(ctx context.Context, conn *sql.Conn, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err == nil || !isBusy(err) {
			return err
		}
		log.WithFields(log.Fields{"attempt": i + 1}).Debug("sqlite busy, retrying begin")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// RunInTransaction implements domain.Store. The partition is only checked
// against the scopes the transaction touches; SQLite locks the whole file.
func (s *Store) RunInTransaction(ctx context.Context, partition string, fn func(tx domain.Tx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediate(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(&tx{conn: conn, partition: partition}); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

func (s *Store) LocateTask(ctx context.Context, taskID string) (string, error) {
	var partition string
	err := s.db.QueryRowContext(ctx, `SELECT partition_key FROM tasks WHERE id = ?`, taskID).Scan(&partition)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
	}
	return partition, err
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	tasks, err := queryTasks(ctx, s.db, `WHERE id = ?`, taskID)
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	return &tasks[0], nil
}

func (s *Store) ListTasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	return queryTasks(ctx, s.db, `WHERE owner_id = ? ORDER BY partition_key, scope_kind, list, position`, ownerID)
}

func (s *Store) ListScopeTasks(ctx context.Context, scope domain.Scope) ([]domain.Task, error) {
	return queryTasks(ctx, s.db, `WHERE partition_key = ? AND scope_kind = ? AND list = ? ORDER BY position`,
		scope.Partition, string(scope.Kind), scope.List)
}

func (s *Store) ListSubtasks(ctx context.Context, taskID string) ([]domain.Subtask, error) {
	return querySubtasks(ctx, s.db, taskID)
}

// querier is satisfied by *sql.DB and *sql.Conn.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const taskColumns = `id, owner_id, category_id, board_id, swimlane_id, title, description, status, priority,
	position, tags, due_date, start_time, end_time, is_all_day, is_recurring, recurrence_type,
	recurring_until, recurrence_config, completed_at, created_at, updated_at`

func queryTasks(ctx context.Context, q querier, where string, args ...any) ([]domain.Task, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(rows *sql.Rows) (domain.Task, error) {
	var (
		t                         domain.Task
		status, priority, recType string
		tags, due, until, config  string
		completed, created, upd   string
	)
	err := rows.Scan(&t.ID, &t.OwnerID, &t.CategoryID, &t.BoardID, &t.SwimlaneID, &t.Title, &t.Description,
		&status, &priority, &t.Position, &tags, &due, &t.StartTime, &t.EndTime, &t.IsAllDay, &t.IsRecurring,
		&recType, &until, &config, &completed, &created, &upd)
	if err != nil {
		return domain.Task{}, fmt.Errorf("scan task: %w", err)
	}
	t.Status = domain.Status(status)
	t.Priority = domain.Priority(priority)
	t.RecurrenceType = domain.RecurrenceType(recType)
	if tags != "" {
		if err := sonic.UnmarshalString(tags, &t.Tags); err != nil {
			return domain.Task{}, fmt.Errorf("task %s tags: %w", t.ID, err)
		}
	}
	if config != "" {
		if err := sonic.UnmarshalString(config, &t.RecurrenceConfig); err != nil {
			return domain.Task{}, fmt.Errorf("task %s recurrence config: %w", t.ID, err)
		}
	}
	if t.DueDate, err = parseDate(due); err != nil {
		return domain.Task{}, fmt.Errorf("task %s due date: %w", t.ID, err)
	}
	if t.RecurringUntil, err = parseDate(until); err != nil {
		return domain.Task{}, fmt.Errorf("task %s recurring until: %w", t.ID, err)
	}
	if t.CompletedAt, err = parseTime(completed); err != nil {
		return domain.Task{}, fmt.Errorf("task %s completed at: %w", t.ID, err)
	}
	if ts, err := parseTime(created); err != nil {
		return domain.Task{}, fmt.Errorf("task %s created at: %w", t.ID, err)
	} else if ts != nil {
		t.CreatedAt = *ts
	}
	if ts, err := parseTime(upd); err != nil {
		return domain.Task{}, fmt.Errorf("task %s updated at: %w", t.ID, err)
	} else if ts != nil {
		t.UpdatedAt = *ts
	}
	return t, nil
}

func querySubtasks(ctx context.Context, q querier, taskID string) ([]domain.Subtask, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, task_id, title, is_completed, position, completed_at, created_at, updated_at
		FROM subtasks WHERE task_id = ? ORDER BY position`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query subtasks: %w", err)
	}
	defer rows.Close()
	var out []domain.Subtask
	for rows.Next() {
		var (
			s                     domain.Subtask
			completed, created, u string
		)
		if err := rows.Scan(&s.ID, &s.TaskID, &s.Title, &s.IsCompleted, &s.Position, &completed, &created, &u); err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		if s.CompletedAt, err = parseTime(completed); err != nil {
			return nil, fmt.Errorf("subtask %s completed at: %w", s.ID, err)
		}
		if ts, _ := parseTime(created); ts != nil {
			s.CreatedAt = *ts
		}
		if ts, _ := parseTime(u); ts != nil {
			s.UpdatedAt = *ts
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	d, err := domain.ParseDate(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return domain.FormatDate(*t)
}

type tx struct {
	conn      *sql.Conn
	partition string
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
	var (
		rows *sql.Rows
		err  error
	)
	if scope.Kind == domain.ScopeSubtasks {
		rows, err = t.conn.QueryContext(ctx, `SELECT id, position FROM subtasks WHERE task_id = ? ORDER BY position, id`, scope.List)
	} else {
		rows, err = t.conn.QueryContext(ctx, `SELECT id, position FROM tasks
			WHERE partition_key = ? AND scope_kind = ? AND list = ? ORDER BY position, id`,
			scope.Partition, string(scope.Kind), scope.List)
	}
	if err != nil {
		return nil, fmt.Errorf("load scope %s: %w", scope, err)
	}
	defer rows.Close()
	var out []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.ID, &m.Position); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *tx) SaveScopePositions(ctx context.Context, scope domain.Scope, members []domain.Member) error {
	if err := t.checkPartition(scope); err != nil {
		return err
	}
	for _, m := range members {
		var (
			res sql.Result
			err error
		)
		switch scope.Kind {
		case domain.ScopeSubtasks:
			res, err = t.conn.ExecContext(ctx, `UPDATE subtasks SET task_id = ?, position = ? WHERE id = ?`, scope.List, m.Position, m.ID)
		case domain.ScopeSwimlane:
			res, err = t.conn.ExecContext(ctx, `UPDATE tasks SET partition_key = ?, scope_kind = ?, list = ?,
				board_id = ?, swimlane_id = ?, category_id = '', position = ? WHERE id = ?`,
				scope.Partition, string(scope.Kind), scope.List, scope.Partition, scope.List, m.Position, m.ID)
		default:
			res, err = t.conn.ExecContext(ctx, `UPDATE tasks SET partition_key = ?, scope_kind = ?, list = ?,
				board_id = '', swimlane_id = '', category_id = ?, position = ? WHERE id = ?`,
				scope.Partition, string(scope.Kind), scope.List, scope.List, m.Position, m.ID)
		}
		if err != nil {
			return fmt.Errorf("save position of %s: %w", m.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("item %s: %w", m.ID, domain.ErrNotFound)
		}
	}
	return nil
}

func (t *tx) RemoveMember(ctx context.Context, scope domain.Scope, id string) error {
	table := "tasks"
	if scope.Kind == domain.ScopeSubtasks {
		table = "subtasks"
	}
	res, err := t.conn.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("item %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (t *tx) LoadTask(ctx context.Context, id string) (*domain.Task, error) {
	tasks, err := queryTasks(ctx, t.conn, `WHERE id = ? AND partition_key = ?`, id, t.partition)
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	return &tasks[0], nil
}

func (t *tx) SaveTask(ctx context.Context, task domain.Task) error {
	scope := task.Scope()
	if err := t.checkPartition(scope); err != nil {
		return err
	}
	var tags, config string
	if len(task.Tags) > 0 {
		raw, err := sonic.MarshalString(task.Tags)
		if err != nil {
			return err
		}
		tags = raw
	}
	if len(task.RecurrenceConfig) > 0 {
		raw, err := sonic.MarshalString(task.RecurrenceConfig)
		if err != nil {
			return err
		}
		config = raw
	}
	_, err := t.conn.ExecContext(ctx, `INSERT INTO tasks (id, partition_key, scope_kind, list, `+taskColumns[len("id, "):]+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			partition_key = excluded.partition_key, scope_kind = excluded.scope_kind, list = excluded.list,
			owner_id = excluded.owner_id, category_id = excluded.category_id, board_id = excluded.board_id,
			swimlane_id = excluded.swimlane_id, title = excluded.title, description = excluded.description,
			status = excluded.status, priority = excluded.priority, position = excluded.position,
			tags = excluded.tags, due_date = excluded.due_date, start_time = excluded.start_time,
			end_time = excluded.end_time, is_all_day = excluded.is_all_day, is_recurring = excluded.is_recurring,
			recurrence_type = excluded.recurrence_type, recurring_until = excluded.recurring_until,
			recurrence_config = excluded.recurrence_config, completed_at = excluded.completed_at,
			created_at = excluded.created_at, updated_at = excluded.updated_at`,
		task.ID, scope.Partition, string(scope.Kind), scope.List,
		task.OwnerID, task.CategoryID, task.BoardID, task.SwimlaneID, task.Title, task.Description,
		string(task.Status), string(task.Priority), task.Position, tags, formatDate(task.DueDate),
		task.StartTime, task.EndTime, task.IsAllDay, task.IsRecurring, string(task.RecurrenceType),
		formatDate(task.RecurringUntil), config, formatTime(task.CompletedAt),
		formatTime(&task.CreatedAt), formatTime(&task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

func (t *tx) LoadSubtasksOf(ctx context.Context, taskID string) ([]domain.Subtask, error) {
	return querySubtasks(ctx, t.conn, taskID)
}

func (t *tx) SaveSubtask(ctx context.Context, s domain.Subtask) error {
	_, err := t.conn.ExecContext(ctx, `INSERT INTO subtasks (id, task_id, title, is_completed, position, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET task_id = excluded.task_id, title = excluded.title,
			is_completed = excluded.is_completed, position = excluded.position,
			completed_at = excluded.completed_at, updated_at = excluded.updated_at`,
		s.ID, s.TaskID, s.Title, s.IsCompleted, s.Position, formatTime(s.CompletedAt),
		formatTime(&s.CreatedAt), formatTime(&s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save subtask %s: %w", s.ID, err)
	}
	return nil
}
