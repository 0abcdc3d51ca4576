package queue

import (
	"context"
	"fmt"

	"github.com/msageha/taskq/internal/model"
	"github.com/msageha/taskq/internal/store"
)

// ListMode selects which rows list-queue and list-abort-queue show.
type ListMode string

const (
	ListWaiting ListMode = "waiting"
	ListAll     ListMode = "all"
	ListRunning ListMode = "running"
	ListDone    ListMode = "done"
	ListMine    ListMode = "mine"
)

// ParseListMode accepts the mode names used on the command line.
func ParseListMode(s string) (ListMode, error) {
	switch m := ListMode(s); m {
	case ListWaiting, ListAll, ListRunning, ListDone, ListMine:
		return m, nil
	case "":
		return ListWaiting, nil
	}
	return "", fmt.Errorf("unknown list mode %q", s)
}

// Info returns the full task row. Any user may inspect any task.
func (s *Service) Info(ctx context.Context, taskID int64) (*model.Task, error) {
	return s.getTask(ctx, taskID)
}

// ListQueue returns tasks for mode, oldest first.
func (s *Service) ListQueue(ctx context.Context, mode ListMode, caller model.Caller) ([]model.Task, error) {
	var f store.TaskFilter
	switch mode {
	case ListAll:
	case ListWaiting, "":
		f.Statuses = []model.TaskStatus{model.TaskWaiting}
	case ListRunning:
		f.Statuses = []model.TaskStatus{model.TaskRunning}
	case ListDone:
		f.Statuses = []model.TaskStatus{model.TaskComplete, model.TaskCanceled, model.TaskBroken}
	case ListMine:
		uid := caller.UID
		f.UserID = &uid
	default:
		return nil, fmt.Errorf("list-queue: unsupported mode %q", mode)
	}
	return s.store.ListTasks(ctx, f)
}

// ListAbortQueue returns abort requests for mode, oldest first. Open
// requests (waiting or started) are shown by default.
func (s *Service) ListAbortQueue(ctx context.Context, mode ListMode, caller model.Caller) ([]model.AbortRequest, error) {
	var f store.AbortFilter
	switch mode {
	case ListAll:
	case ListWaiting, "":
		f.Statuses = []model.AbortStatus{model.AbortWaiting, model.AbortStarted}
	case ListDone:
		f.Statuses = []model.AbortStatus{model.AbortComplete}
	case ListMine:
		uid := caller.UID
		f.UserID = &uid
	default:
		return nil, fmt.Errorf("list-abort-queue: unsupported mode %q", mode)
	}
	return s.store.ListAbortRequests(ctx, f)
}
