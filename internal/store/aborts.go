package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"

	"github.com/msageha/taskq/internal/model"
)

// ErrTaskNotRunning is returned when an abort is requested for a task that
// has left the running state.
var ErrTaskNotRunning = errors.New("task is not running")

var abortColumns = []string{
	"id", "user_id", "user_name", "pid", "task_id", "status",
	"created_at", "started_at", "completed_at",
}

// AbortFilter narrows ListAbortRequests. Zero values match everything.
type AbortFilter struct {
	Statuses []model.AbortStatus
	UserID   *int
	Limit    uint64
}

// InsertAbortRequest queues an abort for a running task. If an open request
// already exists for the task it is returned with created=false and nothing
// is inserted.
func (s *Store) InsertAbortRequest(ctx context.Context, a *model.AbortRequest) (req *model.AbortRequest, created bool, err error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	a.Status = model.AbortWaiting

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		req, created = nil, false

		var status string
		if err := tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", a.TaskID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %d: %w", a.TaskID, ErrNotFound)
			}
			return err
		}
		if model.TaskStatus(status) != model.TaskRunning {
			return fmt.Errorf("task %d is %s: %w", a.TaskID, status, ErrTaskNotRunning)
		}

		existing, err := s.selectAborts(ctx, tx, s.openAbortQuery(a.TaskID))
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			req = &existing[0]
			return nil
		}

		query, args, err := s.qb.Insert("abort_requests").
			Columns("user_id", "user_name", "pid", "task_id", "status", "created_at").
			Values(a.UserID, a.UserName, a.PID, a.TaskID, string(a.Status), formatTime(a.CreatedAt)).
			ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if a.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		req, created = a, true
		return nil
	})
	if err != nil && isUniqueViolation(err) {
		// Lost a race with another requester; report theirs.
		open, openErr := s.OpenAbortRequest(ctx, a.TaskID)
		if openErr != nil {
			return nil, false, fmt.Errorf("insert abort request: %w", err)
		}
		return open, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert abort request: %w", err)
	}
	return req, created, nil
}

// GetAbortRequest returns the request with the given id or ErrNotFound.
func (s *Store) GetAbortRequest(ctx context.Context, id int64) (*model.AbortRequest, error) {
	reqs, err := s.selectAborts(ctx, s.db, s.qb.Select(abortColumns...).From("abort_requests").Where(squirrel.Eq{"id": id}))
	if err != nil {
		return nil, fmt.Errorf("get abort request %d: %w", id, err)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("abort request %d: %w", id, ErrNotFound)
	}
	return &reqs[0], nil
}

// OpenAbortRequest returns the waiting or started request for taskID, or
// ErrNotFound.
func (s *Store) OpenAbortRequest(ctx context.Context, taskID int64) (*model.AbortRequest, error) {
	reqs, err := s.selectAborts(ctx, s.db, s.openAbortQuery(taskID))
	if err != nil {
		return nil, fmt.Errorf("open abort request for task %d: %w", taskID, err)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("open abort request for task %d: %w", taskID, ErrNotFound)
	}
	return &reqs[0], nil
}

// ListAbortRequests returns requests matching f, oldest first.
func (s *Store) ListAbortRequests(ctx context.Context, f AbortFilter) ([]model.AbortRequest, error) {
	q := s.qb.Select(abortColumns...).From("abort_requests")
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
	reqs, err := s.selectAborts(ctx, s.db, q)
	if err != nil {
		return nil, fmt.Errorf("list abort requests: %w", err)
	}
	return reqs, nil
}

// OldestWaitingAbort returns the earliest waiting request that can be
// serviced now, or ErrNotFound. Requests whose task is running without a
// recorded pid are skipped so they cannot hold back the requests behind them.
func (s *Store) OldestWaitingAbort(ctx context.Context) (*model.AbortRequest, error) {
	q := s.qb.Select(abortColumns...).From("abort_requests").
		Where(squirrel.Eq{"status": string(model.AbortWaiting)}).
		Where("NOT EXISTS (SELECT 1 FROM tasks WHERE tasks.id = abort_requests.task_id"+
			" AND tasks.status = ? AND COALESCE(tasks.pid, 0) = 0)", string(model.TaskRunning)).
		OrderBy("created_at ASC", "id ASC").
		Limit(1)
	reqs, err := s.selectAborts(ctx, s.db, q)
	if err != nil {
		return nil, fmt.Errorf("oldest waiting abort request: %w", err)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("waiting abort request: %w", ErrNotFound)
	}
	return &reqs[0], nil
}

// ClaimAbort moves a waiting request to started.
func (s *Store) ClaimAbort(ctx context.Context, id int64) (bool, error) {
	q, err := s.abortTransition(id, model.AbortWaiting, model.AbortStarted)
	if err != nil {
		return false, err
	}
	n, err := s.exec(ctx, q.Set("started_at", formatTime(s.now())))
	if err != nil {
		return false, fmt.Errorf("claim abort request %d: %w", id, err)
	}
	return n == 1, nil
}

// FinishAbort completes a started request and, in the same transaction,
// cancels its task if the task is still running. The returned bool reports
// whether the task was canceled.
func (s *Store) FinishAbort(ctx context.Context, id int64) (bool, error) {
	var canceled bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		canceled = false
		now := formatTime(s.now())

		var taskID int64
		if err := tx.QueryRowContext(ctx,
			"SELECT task_id FROM abort_requests WHERE id = ? AND status = ?",
			id, string(model.AbortStarted)).Scan(&taskID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("abort request %d is not started: %w", id, ErrNotFound)
			}
			return err
		}
		finish, err := s.abortTransition(id, model.AbortStarted, model.AbortComplete)
		if err != nil {
			return err
		}
		if _, err := execTx(ctx, tx, finish.Set("completed_at", now)); err != nil {
			return err
		}
		cancel, err := s.taskTransition(taskID, model.TaskRunning, model.TaskCanceled)
		if err != nil {
			return err
		}
		n, err := execTx(ctx, tx, cancel.Set("canceled_at", now))
		if err != nil {
			return err
		}
		canceled = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("finish abort request %d: %w", id, err)
	}
	return canceled, nil
}

// abortTransition is the abort request counterpart of taskTransition.
func (s *Store) abortTransition(id int64, from, to model.AbortStatus) (squirrel.UpdateBuilder, error) {
	if err := model.ValidateAbortTransition(from, to); err != nil {
		return squirrel.UpdateBuilder{}, err
	}
	return s.qb.Update("abort_requests").
		Set("status", string(to)).
		Where(squirrel.Eq{"id": id, "status": string(from)}), nil
}

func (s *Store) openAbortQuery(taskID int64) squirrel.SelectBuilder {
	return s.qb.Select(abortColumns...).From("abort_requests").
		Where(squirrel.Eq{
			"task_id": taskID,
			"status":  []string{string(model.AbortWaiting), string(model.AbortStarted)},
		}).
		OrderBy("id ASC").
		Limit(1)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) selectAborts(ctx context.Context, db queryer, q squirrel.SelectBuilder) ([]model.AbortRequest, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	run := func() ([]model.AbortRequest, error) {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		var reqs []model.AbortRequest
		for rows.Next() {
			var a model.AbortRequest
			if err := scanAbort(rows.Scan, &a); err != nil {
				return nil, err
			}
			reqs = append(reqs, a)
		}
		return reqs, rows.Err()
	}
	// Inside a transaction the caller's retry covers the whole unit.
	if _, inTx := db.(*sql.Tx); inTx {
		return run()
	}
	var reqs []model.AbortRequest
	err = retryOnBusy(ctx, busyMaxRetries, func() error {
		var err error
		reqs, err = run()
		return err
	})
	return reqs, err
}

func scanAbort(scan func(dest ...any) error, a *model.AbortRequest) error {
	var (
		pid                    sql.NullInt64
		status, createdAt      string
		startedAt, completedAt sql.NullString
	)
	if err := scan(&a.ID, &a.UserID, &a.UserName, &pid, &a.TaskID, &status,
		&createdAt, &startedAt, &completedAt); err != nil {
		return err
	}
	a.PID = int(pid.Int64)
	var err error
	if a.Status, err = model.ParseAbortStatus(status); err != nil {
		return fmt.Errorf("abort request %d: %w", a.ID, err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return fmt.Errorf("abort request %d created_at: %w", a.ID, err)
	}
	if a.StartedAt, err = parseNullTime(startedAt); err != nil {
		return fmt.Errorf("abort request %d started_at: %w", a.ID, err)
	}
	if a.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return fmt.Errorf("abort request %d completed_at: %w", a.ID, err)
	}
	return nil
}
