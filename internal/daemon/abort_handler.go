package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/taskq/internal/events"
	"github.com/msageha/taskq/internal/model"
	"github.com/msageha/taskq/internal/proc"
	"github.com/msageha/taskq/internal/store"
)

// AbortStore is the part of the store the abort coordinator uses.
type AbortStore interface {
	OldestWaitingAbort(ctx context.Context) (*model.AbortRequest, error)
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	ClaimAbort(ctx context.Context, id int64) (bool, error)
	FinishAbort(ctx context.Context, id int64) (bool, error)
}

// KillFunc terminates the process tree led by pid.
type KillFunc func(pid int, grace time.Duration) error

// AbortTickResult reports one coordinator tick.
type AbortTickResult struct {
	Outcome      TickOutcome `json:"outcome"`
	AbortID      int64       `json:"abort_id,omitempty"`
	TaskID       int64       `json:"task_id,omitempty"`
	PID          int         `json:"pid,omitempty"`
	TaskCanceled bool        `json:"task_canceled,omitempty"`
}

func (r AbortTickResult) Message() string {
	switch r.Outcome {
	case OutcomeIdle:
		return "No abort requests to be processed."
	case OutcomeDeferred:
		return fmt.Sprintf("Task with ID=%d has not started its process yet; abort deferred.", r.TaskID)
	case OutcomeAborted:
		if r.TaskCanceled {
			return fmt.Sprintf("Task with ID=%d aborted (PID=%d).", r.TaskID, r.PID)
		}
		return fmt.Sprintf("Task with ID=%d had already finished; abort request closed.", r.TaskID)
	}
	return string(r.Outcome)
}

// AbortHandler services the oldest waiting abort request.
type AbortHandler struct {
	store  AbortStore
	config model.Config
	logger *zap.Logger
	events events.Publisher
	kill   KillFunc
}

func NewAbortHandler(st AbortStore, cfg model.Config, logger *zap.Logger, pub events.Publisher) *AbortHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AbortHandler{
		store:  st,
		config: cfg,
		logger: logger,
		events: pub,
		kill:   proc.KillTree,
	}
}

// SetKillFunc overrides process termination for testing.
func (ah *AbortHandler) SetKillFunc(f KillFunc) {
	ah.kill = f
}

func (ah *AbortHandler) grace() time.Duration {
	return time.Duration(ah.config.Abort.GraceSec) * time.Second
}

// RunOnce processes at most one abort request.
func (ah *AbortHandler) RunOnce(ctx context.Context) (AbortTickResult, error) {
	req, err := ah.store.OldestWaitingAbort(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return AbortTickResult{Outcome: OutcomeIdle}, nil
	}
	if err != nil {
		return AbortTickResult{}, fmt.Errorf("select abort request: %w", err)
	}
	res := AbortTickResult{AbortID: req.ID, TaskID: req.TaskID}
	log := ah.logger.With(zap.Int64("abort_id", req.ID), zap.Int64("task_id", req.TaskID))

	task, err := ah.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return res, fmt.Errorf("load task for abort %d: %w", req.ID, err)
	}
	if task.Status == model.TaskRunning && task.PID == 0 {
		log.Debug("task has no pid yet, deferring")
		res.Outcome = OutcomeDeferred
		return res, nil
	}

	claimed, err := ah.store.ClaimAbort(ctx, req.ID)
	if err != nil {
		return res, err
	}
	if !claimed {
		res.Outcome = OutcomeIdle
		return res, nil
	}
	ah.publish(events.EventAbortStarted, map[string]any{
		"abort_id": req.ID,
		"task_id":  req.TaskID,
		"user_id":  req.UserID,
	})

	var killErr error
	if task.Status == model.TaskRunning {
		res.PID = task.PID
		log.Info("terminating task", zap.Int("pid", task.PID), zap.Duration("grace", ah.grace()))
		if killErr = ah.kill(task.PID, ah.grace()); killErr != nil {
			log.Error("terminate failed", zap.Int("pid", task.PID), zap.Error(killErr))
		}
	}

	// The request is closed even when the kill failed, so it does not hold
	// the task's single open slot forever.
	canceled, err := ah.store.FinishAbort(ctx, req.ID)
	if err != nil {
		return res, errors.Join(killErr, err)
	}
	res.Outcome = OutcomeAborted
	res.TaskCanceled = canceled

	ah.publish(events.EventAbortCompleted, map[string]any{
		"abort_id":      req.ID,
		"task_id":       req.TaskID,
		"user_id":       req.UserID,
		"task_canceled": canceled,
	})
	if canceled {
		ah.publish(events.EventTaskCanceled, map[string]any{
			"task_id": task.ID,
			"user_id": task.UserID,
			"pid":     task.PID,
		})
	}
	log.Info("abort finished", zap.Bool("task_canceled", canceled))
	if killErr != nil {
		return res, fmt.Errorf("terminate task %d (pid %d): %w", task.ID, task.PID, killErr)
	}
	return res, nil
}

func (ah *AbortHandler) publish(et events.EventType, data map[string]any) {
	if ah.events != nil {
		ah.events.Publish(et, data)
	}
}
