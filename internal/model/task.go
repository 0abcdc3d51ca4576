package model

import "time"

// Task is one submitted shell command and its lifecycle.
type Task struct {
	ID          int64      `json:"id" yaml:"id"`
	UserID      int        `json:"user_id" yaml:"user_id"`
	UserName    string     `json:"user_name" yaml:"user_name"`
	Command     string     `json:"command" yaml:"command"`
	Context     string     `json:"context,omitempty" yaml:"context,omitempty"`
	Output      string     `json:"output,omitempty" yaml:"output,omitempty"`
	PID         int        `json:"pid,omitempty" yaml:"pid,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	Status      TaskStatus `json:"status" yaml:"status"`
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	CanceledAt  *time.Time `json:"canceled_at,omitempty" yaml:"canceled_at,omitempty"`
}

// AbortRequest asks the abort daemon to terminate a running task.
type AbortRequest struct {
	ID          int64       `json:"id" yaml:"id"`
	UserID      int         `json:"user_id" yaml:"user_id"`
	UserName    string      `json:"user_name" yaml:"user_name"`
	PID         int         `json:"pid,omitempty" yaml:"pid,omitempty"`
	TaskID      int64       `json:"task_id" yaml:"task_id"`
	Status      AbortStatus `json:"status" yaml:"status"`
	CreatedAt   time.Time   `json:"created_at" yaml:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// Variable is a named value shared between processes through the store.
type Variable struct {
	Name      string    `json:"name" yaml:"name"`
	Value     string    `json:"value" yaml:"value"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}
