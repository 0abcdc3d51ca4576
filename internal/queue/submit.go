package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/msageha/taskq/internal/events"
	"github.com/msageha/taskq/internal/model"
)

type SubmitOptions struct {
	Command string
	// Context is the working directory the command runs in. Relative paths
	// are resolved against the caller's cwd.
	Context string
	Caller  model.Caller
}

type SubmitResult struct {
	TaskID int64 `json:"task_id"`
}

// Submit inserts a waiting task owned by the caller.
func (s *Service) Submit(ctx context.Context, opts SubmitOptions) (*SubmitResult, error) {
	command := strings.TrimSpace(opts.Command)
	if command == "" {
		return nil, fmt.Errorf("command must not be empty")
	}

	dir := opts.Context
	if dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolve context %q: %w", dir, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("context %q: %w", dir, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("context %q is not a directory", dir)
		}
		dir = abs
	}

	task := &model.Task{
		UserID:   opts.Caller.UID,
		UserName: opts.Caller.Name,
		Command:  opts.Command,
		Context:  dir,
	}
	id, err := s.store.InsertTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	s.publish(events.EventTaskSubmitted, map[string]any{
		"task_id": id,
		"user_id": opts.Caller.UID,
		"command": opts.Command,
	})
	return &SubmitResult{TaskID: id}, nil
}
