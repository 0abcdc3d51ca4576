// Package queue implements the client-side queue operations: submitting
// tasks, requesting aborts and reading the queue.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/msageha/taskq/internal/auth"
	"github.com/msageha/taskq/internal/events"
	"github.com/msageha/taskq/internal/model"
	"github.com/msageha/taskq/internal/store"
)

var (
	// ErrNotFound is returned when the referenced task or request is absent.
	ErrNotFound = errors.New("not found")
	// ErrNotRunning is returned when aborting a task that already finished.
	ErrNotRunning = errors.New("no longer running, cannot abort")
)

// Store is the subset of the persistent store the queue operations use.
type Store interface {
	InsertTask(ctx context.Context, t *model.Task) (int64, error)
	GetTask(ctx context.Context, id int64) (*model.Task, error)
	ListTasks(ctx context.Context, f store.TaskFilter) ([]model.Task, error)
	CancelWaitingTask(ctx context.Context, id int64) (bool, error)
	InsertAbortRequest(ctx context.Context, a *model.AbortRequest) (*model.AbortRequest, bool, error)
	ListAbortRequests(ctx context.Context, f store.AbortFilter) ([]model.AbortRequest, error)
}

// Service binds the queue operations to a store, the authorization gate and
// an optional event publisher.
type Service struct {
	store  Store
	gate   auth.Gate
	events events.Publisher
}

func NewService(st Store, gate auth.Gate, pub events.Publisher) *Service {
	return &Service{store: st, gate: gate, events: pub}
}

func (s *Service) publish(et events.EventType, data map[string]any) {
	if s.events != nil {
		s.events.Publish(et, data)
	}
}

// getTask maps the store's not-found to ErrNotFound.
func (s *Service) getTask(ctx context.Context, id int64) (*model.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("task with ID=%d: %w", id, ErrNotFound)
	}
	return t, err
}
