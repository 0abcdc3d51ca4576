package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"

	"github.com/msageha/taskq/internal/model"
)

var taskColumns = []string{
	"id", "user_id", "user_name", "command", "context", "output", "pid",
	"exit_code", "status", "created_at", "started_at", "completed_at", "canceled_at",
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Statuses []model.TaskStatus
	UserID   *int
	Limit    uint64
}

// InsertTask stores a new waiting task and returns its id.
func (s *Store) InsertTask(ctx context.Context, t *model.Task) (int64, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.Status = model.TaskWaiting

	q := s.qb.Insert("tasks").
		Columns("user_id", "user_name", "command", "context", "status", "created_at").
		Values(t.UserID, t.UserName, t.Command, nullString(t.Context), string(t.Status), formatTime(t.CreatedAt))
	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}

	var id int64
	err = retryOnBusy(ctx, busyMaxRetries, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	t.ID = id
	return id, nil
}

// GetTask returns the task with the given id or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	tasks, err := s.selectTasks(ctx, s.qb.Select(taskColumns...).From("tasks").Where(squirrel.Eq{"id": id}))
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return &tasks[0], nil
}

// ListTasks returns tasks matching f, oldest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]model.Task, error) {
	q := s.qb.Select(taskColumns...).From("tasks")
	if len(f.Statuses) > 0 {
		q = q.Where(squirrel.Eq{"status": statusStrings(f.Statuses)})
	}
	if f.UserID != nil {
		q = q.Where(squirrel.Eq{"user_id": *f.UserID})
	}
	q = q.OrderBy("created_at ASC", "id ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	tasks, err := s.selectTasks(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// CountTasks returns how many tasks are in status.
func (s *Store) CountTasks(ctx context.Context, status model.TaskStatus) (int, error) {
	query, args, err := s.qb.Select("COUNT(*)").From("tasks").Where(squirrel.Eq{"status": string(status)}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	var n int
	err = retryOnBusy(ctx, busyMaxRetries, func() error {
		return s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("count %s tasks: %w", status, err)
	}
	return n, nil
}

// OldestWaitingTask returns the earliest-created waiting task or ErrNotFound.
func (s *Store) OldestWaitingTask(ctx context.Context) (*model.Task, error) {
	tasks, err := s.ListTasks(ctx, TaskFilter{Statuses: []model.TaskStatus{model.TaskWaiting}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("waiting task: %w", ErrNotFound)
	}
	return &tasks[0], nil
}

// ClaimTask moves a waiting task to running if fewer than slots tasks are
// currently running. The capacity check and the transition are a single
// statement, so two executors can never both take the last slot.
func (s *Store) ClaimTask(ctx context.Context, id int64, slots int) (bool, error) {
	q, err := s.taskTransition(id, model.TaskWaiting, model.TaskRunning)
	if err != nil {
		return false, err
	}
	q = q.Set("started_at", formatTime(s.now())).
		Where("(SELECT COUNT(*) FROM tasks WHERE status = ?) < ?", string(model.TaskRunning), slots)
	n, err := s.exec(ctx, q)
	if err != nil {
		return false, fmt.Errorf("claim task %d: %w", id, err)
	}
	return n == 1, nil
}

// SetTaskPID records the process id of a running task.
func (s *Store) SetTaskPID(ctx context.Context, id int64, pid int) error {
	q := s.qb.Update("tasks").
		Set("pid", pid).
		Where(squirrel.Eq{"id": id, "status": string(model.TaskRunning)})
	n, err := s.exec(ctx, q)
	if err != nil {
		return fmt.Errorf("set pid for task %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("set pid for task %d: task is not running", id)
	}
	return nil
}

// CompleteTask stores the output and exit code of a finished task and moves
// it to complete, unless an abort has already started for it. The returned
// bool reports whether the status changed; output is recorded either way.
func (s *Store) CompleteTask(ctx context.Context, id int64, output string, exitCode int) (bool, error) {
	var completed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		completed = false
		if _, err := execTx(ctx, tx, s.qb.Update("tasks").
			Set("output", output).
			Set("exit_code", exitCode).
			Where(squirrel.Eq{"id": id})); err != nil {
			return err
		}
		q, err := s.taskTransition(id, model.TaskRunning, model.TaskComplete)
		if err != nil {
			return err
		}
		n, err := execTx(ctx, tx, q.
			Set("completed_at", formatTime(s.now())).
			Where("NOT EXISTS (SELECT 1 FROM abort_requests WHERE task_id = ? AND status = ?)",
				id, string(model.AbortStarted)))
		if err != nil {
			return err
		}
		completed = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("complete task %d: %w", id, err)
	}
	return completed, nil
}

// CancelWaitingTask moves a waiting task straight to canceled.
func (s *Store) CancelWaitingTask(ctx context.Context, id int64) (bool, error) {
	q, err := s.taskTransition(id, model.TaskWaiting, model.TaskCanceled)
	if err != nil {
		return false, err
	}
	n, err := s.exec(ctx, q.Set("canceled_at", formatTime(s.now())))
	if err != nil {
		return false, fmt.Errorf("cancel task %d: %w", id, err)
	}
	return n == 1, nil
}

// taskTransition starts the conditional update moving task id from one
// status to another. Pairs outside the transition table are refused.
func (s *Store) taskTransition(id int64, from, to model.TaskStatus) (squirrel.UpdateBuilder, error) {
	if err := model.ValidateTaskTransition(from, to); err != nil {
		return squirrel.UpdateBuilder{}, err
	}
	return s.qb.Update("tasks").
		Set("status", string(to)).
		Where(squirrel.Eq{"id": id, "status": string(from)}), nil
}

func (s *Store) selectTasks(ctx context.Context, q squirrel.SelectBuilder) ([]model.Task, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var tasks []model.Task
	err = retryOnBusy(ctx, busyMaxRetries, func() error {
		tasks = tasks[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t model.Task
			if err := scanTask(rows.Scan, &t); err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	return tasks, err
}

func scanTask(scan func(dest ...any) error, t *model.Task) error {
	var (
		taskCtx, output                  sql.NullString
		pid, exitCode                    sql.NullInt64
		status, createdAt                string
		startedAt, completedAt, canceled sql.NullString
	)
	if err := scan(&t.ID, &t.UserID, &t.UserName, &t.Command, &taskCtx, &output, &pid,
		&exitCode, &status, &createdAt, &startedAt, &completedAt, &canceled); err != nil {
		return err
	}
	t.Context = taskCtx.String
	t.Output = output.String
	t.PID = int(pid.Int64)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		t.ExitCode = &code
	}
	var err error
	if t.Status, err = model.ParseTaskStatus(status); err != nil {
		return fmt.Errorf("task %d: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return fmt.Errorf("task %d created_at: %w", t.ID, err)
	}
	if t.StartedAt, err = parseNullTime(startedAt); err != nil {
		return fmt.Errorf("task %d started_at: %w", t.ID, err)
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return fmt.Errorf("task %d completed_at: %w", t.ID, err)
	}
	if t.CanceledAt, err = parseNullTime(canceled); err != nil {
		return fmt.Errorf("task %d canceled_at: %w", t.ID, err)
	}
	return nil
}

func statusStrings[S ~string](statuses []S) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
