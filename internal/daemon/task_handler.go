package daemon

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/msageha/taskq/internal/events"
	"github.com/msageha/taskq/internal/model"
	"github.com/msageha/taskq/internal/proc"
	"github.com/msageha/taskq/internal/store"
)

// TickOutcome classifies what a single handler tick did.
type TickOutcome string

const (
	OutcomeBusy      TickOutcome = "busy"
	OutcomeIdle      TickOutcome = "idle"
	OutcomeCompleted TickOutcome = "completed"
	OutcomeCanceled  TickOutcome = "canceled"
	OutcomeDeferred  TickOutcome = "deferred"
	OutcomeAborted   TickOutcome = "aborted"
)

// TaskStore is the part of the store the task executor uses.
type TaskStore interface {
	RunningCounter
	OldestWaitingTask(ctx context.Context) (*model.Task, error)
	ClaimTask(ctx context.Context, id int64, slots int) (bool, error)
	SetTaskPID(ctx context.Context, id int64, pid int) error
	CompleteTask(ctx context.Context, id int64, output string, exitCode int) (bool, error)
}

// StartFunc launches a task command.
type StartFunc func(spec proc.Spec) (*proc.Process, error)

// TaskTickResult reports one executor tick.
type TaskTickResult struct {
	Outcome  TickOutcome `json:"outcome"`
	TaskID   int64       `json:"task_id,omitempty"`
	PID      int         `json:"pid,omitempty"`
	ExitCode int         `json:"exit_code,omitempty"`
}

func (r TaskTickResult) Message() string {
	switch r.Outcome {
	case OutcomeBusy:
		return "System is currently busy. Please, try again later."
	case OutcomeIdle:
		return "No eligible task to be executed."
	case OutcomeCompleted:
		return fmt.Sprintf("Task with ID=%d completed (PID=%d).", r.TaskID, r.PID)
	case OutcomeCanceled:
		return fmt.Sprintf("Task with ID=%d was canceled (PID=%d).", r.TaskID, r.PID)
	}
	return string(r.Outcome)
}

// ClaimedTask is a task this executor moved to running and has yet to
// execute.
type ClaimedTask struct {
	Task model.Task
}

// TaskHandler executes the oldest waiting task when a slot is free.
type TaskHandler struct {
	store     TaskStore
	admission *Admission
	config    model.Config
	logger    *zap.Logger
	events    events.Publisher
	start     StartFunc
}

func NewTaskHandler(st TaskStore, cfg model.Config, logger *zap.Logger, pub events.Publisher) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{
		store:     st,
		admission: NewAdmission(st, cfg.Queue.Slots),
		config:    cfg,
		logger:    logger,
		events:    pub,
		start:     proc.Start,
	}
}

// SetStartFunc overrides process creation for testing.
func (th *TaskHandler) SetStartFunc(f StartFunc) {
	th.start = f
}

// RunOnce claims and executes at most one task, blocking until its command
// exits.
func (th *TaskHandler) RunOnce(ctx context.Context) (TaskTickResult, error) {
	claimed, res, err := th.Claim(ctx)
	if err != nil || claimed == nil {
		return res, err
	}
	return th.Execute(ctx, claimed)
}

// Claim runs admission and moves the oldest waiting task to running. A nil
// ClaimedTask comes with a busy or idle result.
func (th *TaskHandler) Claim(ctx context.Context) (*ClaimedTask, TaskTickResult, error) {
	admitted, err := th.admission.TryAdmit(ctx)
	if err != nil {
		return nil, TaskTickResult{}, err
	}
	if !admitted {
		return nil, TaskTickResult{Outcome: OutcomeBusy}, nil
	}

	task, err := th.store.OldestWaitingTask(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, TaskTickResult{Outcome: OutcomeIdle}, nil
	}
	if err != nil {
		return nil, TaskTickResult{}, fmt.Errorf("select task: %w", err)
	}

	ok, err := th.store.ClaimTask(ctx, task.ID, th.admission.Slots())
	if err != nil {
		return nil, TaskTickResult{}, err
	}
	if !ok {
		// Another executor took the slot or the task was canceled meanwhile.
		th.logger.Debug("claim lost", zap.Int64("task_id", task.ID))
		admitted, err := th.admission.TryAdmit(ctx)
		if err != nil {
			return nil, TaskTickResult{}, err
		}
		if !admitted {
			return nil, TaskTickResult{Outcome: OutcomeBusy}, nil
		}
		return nil, TaskTickResult{Outcome: OutcomeIdle}, nil
	}
	task.Status = model.TaskRunning
	return &ClaimedTask{Task: *task}, TaskTickResult{TaskID: task.ID}, nil
}

// Execute runs a claimed task to completion and records its outcome.
func (th *TaskHandler) Execute(ctx context.Context, c *ClaimedTask) (TaskTickResult, error) {
	task := c.Task
	res := TaskTickResult{TaskID: task.ID}
	log := th.logger.With(zap.Int64("task_id", task.ID))
	// Once claimed the task must reach a final record even if the caller
	// gives up; the child is not bound to ctx either.
	persist := context.WithoutCancel(ctx)

	p, err := th.start(proc.Spec{
		Command:    task.Command,
		Dir:        task.Context,
		OutputPath: th.config.TaskOutputPath(task.ID),
		MaxOutput:  th.config.Queue.MaxOutputBytes,
	})
	if err != nil {
		log.Error("spawn failed", zap.String("command", task.Command), zap.Error(err))
		res.ExitCode = -1
		completed, cerr := th.store.CompleteTask(persist, task.ID, err.Error(), -1)
		if cerr != nil {
			return res, errors.Join(fmt.Errorf("spawn task %d: %w", task.ID, err), cerr)
		}
		res.Outcome = OutcomeCompleted
		if !completed {
			res.Outcome = OutcomeCanceled
		}
		th.publishFinished(task, res)
		return res, fmt.Errorf("spawn task %d: %w", task.ID, err)
	}

	res.PID = p.PID()
	if err := th.store.SetTaskPID(persist, task.ID, res.PID); err != nil {
		// Still wait so the child is reaped; the abort path copes with pid 0.
		log.Warn("record pid failed", zap.Int("pid", res.PID), zap.Error(err))
	}
	log.Info("task started", zap.Int("pid", res.PID), zap.String("command", task.Command))
	th.publish(events.EventTaskStarted, map[string]any{
		"task_id": task.ID,
		"user_id": task.UserID,
		"pid":     res.PID,
	})

	out, err := p.Wait()
	if err != nil {
		log.Warn("wait failed", zap.Int("pid", res.PID), zap.Error(err))
		out.ExitCode = -1
		if out.Output == "" {
			out.Output = err.Error()
		}
	}
	res.ExitCode = out.ExitCode

	completed, err := th.store.CompleteTask(persist, task.ID, out.Output, out.ExitCode)
	if err != nil {
		return res, err
	}
	res.Outcome = OutcomeCompleted
	if !completed {
		res.Outcome = OutcomeCanceled
	}
	log.Info("task finished",
		zap.Int("pid", res.PID),
		zap.Int("exit_code", res.ExitCode),
		zap.String("outcome", string(res.Outcome)))
	th.publishFinished(task, res)
	return res, nil
}

func (th *TaskHandler) publishFinished(task model.Task, res TaskTickResult) {
	// A canceled outcome is published by the abort coordinator once it
	// reconciles the records.
	if res.Outcome != OutcomeCompleted {
		return
	}
	th.publish(events.EventTaskCompleted, map[string]any{
		"task_id":   task.ID,
		"user_id":   task.UserID,
		"pid":       res.PID,
		"exit_code": res.ExitCode,
	})
}

func (th *TaskHandler) publish(et events.EventType, data map[string]any) {
	if th.events != nil {
		th.events.Publish(et, data)
	}
}
