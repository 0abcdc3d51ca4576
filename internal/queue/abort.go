package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/msageha/taskq/internal/events"
	"github.com/msageha/taskq/internal/model"
	"github.com/msageha/taskq/internal/store"
)

// AbortOutcome says how an accepted abort request was handled.
type AbortOutcome string

const (
	// AbortQueued: a new request was queued for the abort daemon.
	AbortQueued AbortOutcome = "queued"
	// AbortAlreadyQueued: an open request already existed and was reused.
	AbortAlreadyQueued AbortOutcome = "already_queued"
	// AbortCanceledWaiting: the task had not started and was canceled directly.
	AbortCanceledWaiting AbortOutcome = "canceled_waiting"
)

type AbortResult struct {
	Outcome AbortOutcome        `json:"outcome"`
	TaskID  int64               `json:"task_id"`
	Request *model.AbortRequest `json:"request,omitempty"`
}

// Message renders the result as the one line the CLI prints.
func (r *AbortResult) Message() string {
	switch r.Outcome {
	case AbortCanceledWaiting:
		return fmt.Sprintf("Task with ID=%d canceled before it started.", r.TaskID)
	case AbortAlreadyQueued:
		return fmt.Sprintf("Task with ID=%d is already in the abort queue (request ID=%d).", r.TaskID, r.Request.ID)
	default:
		return fmt.Sprintf("Task with ID=%d successfully added to abort queue!", r.TaskID)
	}
}

// maxAbortAttempts bounds re-evaluation when the task changes state between
// the read and the conditional write.
const maxAbortAttempts = 3

// RequestAbort cancels a waiting task directly or queues an abort request
// for a running one. Only the task owner and the queue owner may abort.
func (s *Service) RequestAbort(ctx context.Context, taskID int64, caller model.Caller) (*AbortResult, error) {
	for attempt := 0; attempt < maxAbortAttempts; attempt++ {
		task, err := s.getTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if err := s.gate.Authorize(caller, task); err != nil {
			return nil, err
		}

		switch task.Status {
		case model.TaskWaiting:
			ok, err := s.store.CancelWaitingTask(ctx, taskID)
			if err != nil {
				return nil, fmt.Errorf("abort task %d: %w", taskID, err)
			}
			if !ok {
				continue
			}
			s.publish(events.EventTaskCanceled, map[string]any{
				"task_id": taskID,
				"user_id": caller.UID,
				"reason":  "aborted before start",
			})
			return &AbortResult{Outcome: AbortCanceledWaiting, TaskID: taskID}, nil

		case model.TaskRunning:
			req, created, err := s.store.InsertAbortRequest(ctx, &model.AbortRequest{
				UserID:   caller.UID,
				UserName: caller.Name,
				PID:      task.PID,
				TaskID:   taskID,
			})
			if errors.Is(err, store.ErrTaskNotRunning) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("abort task %d: %w", taskID, err)
			}
			if !created {
				return &AbortResult{Outcome: AbortAlreadyQueued, TaskID: taskID, Request: req}, nil
			}
			s.publish(events.EventAbortRequested, map[string]any{
				"task_id":  taskID,
				"abort_id": req.ID,
				"user_id":  caller.UID,
				"pid":      task.PID,
			})
			return &AbortResult{Outcome: AbortQueued, TaskID: taskID, Request: req}, nil

		default:
			if model.IsTaskTerminal(task.Status) {
				return nil, fmt.Errorf("task %d is %s: %w", taskID, task.Status, ErrNotRunning)
			}
			return nil, fmt.Errorf("task %d has unexpected status %q", taskID, task.Status)
		}
	}
	return nil, fmt.Errorf("abort task %d: state kept changing, try again", taskID)
}
