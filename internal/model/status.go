package model

import "fmt"

type TaskStatus string

const (
	TaskWaiting  TaskStatus = "waiting"
	TaskRunning  TaskStatus = "running"
	TaskComplete TaskStatus = "complete"
	TaskCanceled TaskStatus = "canceled"
	// TaskBroken is reserved for failed executions. No code path sets it:
	// a command exiting non-zero is still recorded as complete.
	TaskBroken TaskStatus = "broken"
)

type AbortStatus string

const (
	AbortWaiting  AbortStatus = "waiting"
	AbortStarted  AbortStatus = "started"
	AbortComplete AbortStatus = "complete"
)

// TaskStatuses lists every task status in lifecycle order.
var TaskStatuses = []TaskStatus{TaskWaiting, TaskRunning, TaskComplete, TaskCanceled, TaskBroken}

var taskStatuses = map[TaskStatus]bool{
	TaskWaiting:  true,
	TaskRunning:  true,
	TaskComplete: true,
	TaskCanceled: true,
	TaskBroken:   true,
}

var terminalTaskStatuses = map[TaskStatus]bool{
	TaskComplete: true,
	TaskCanceled: true,
	TaskBroken:   true,
}

// Task transitions: waiting → running → complete, with cancellation allowed
// from either non-terminal state.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskWaiting: {
		TaskRunning:  true,
		TaskCanceled: true,
	},
	TaskRunning: {
		TaskComplete: true,
		TaskCanceled: true,
	},
}

var validAbortTransitions = map[AbortStatus]map[AbortStatus]bool{
	AbortWaiting: {
		AbortStarted: true,
	},
	AbortStarted: {
		AbortComplete: true,
	},
}

func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(s)
	if !taskStatuses[st] {
		return "", fmt.Errorf("unknown task status %q", s)
	}
	return st, nil
}

func ParseAbortStatus(s string) (AbortStatus, error) {
	switch st := AbortStatus(s); st {
	case AbortWaiting, AbortStarted, AbortComplete:
		return st, nil
	}
	return "", fmt.Errorf("unknown abort status %q", s)
}

func IsTaskTerminal(s TaskStatus) bool {
	return terminalTaskStatuses[s]
}

// IsOpen reports whether an abort request still has work pending.
func (s AbortStatus) IsOpen() bool {
	return s == AbortWaiting || s == AbortStarted
}

func ValidateTaskTransition(from, to TaskStatus) error {
	if IsTaskTerminal(from) {
		return fmt.Errorf("cannot transition from terminal task status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown task status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

func ValidateAbortTransition(from, to AbortStatus) error {
	if from == AbortComplete {
		return fmt.Errorf("cannot transition from terminal abort status %q", from)
	}
	allowed, ok := validAbortTransitions[from]
	if !ok {
		return fmt.Errorf("unknown abort status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid abort transition: %q → %q", from, to)
	}
	return nil
}
