package daemon

import (
	"context"
	"fmt"

	"github.com/msageha/taskq/internal/model"
)

// RunningCounter is the store query admission depends on.
type RunningCounter interface {
	CountTasks(ctx context.Context, status model.TaskStatus) (int, error)
}

// Admission decides whether another task may start. It never changes state;
// the claim itself re-checks capacity atomically.
type Admission struct {
	store RunningCounter
	slots int
}

func NewAdmission(st RunningCounter, slots int) *Admission {
	return &Admission{store: st, slots: slots}
}

// TryAdmit reports whether fewer than slots tasks are running.
func (a *Admission) TryAdmit(ctx context.Context) (bool, error) {
	running, err := a.store.CountTasks(ctx, model.TaskRunning)
	if err != nil {
		return false, fmt.Errorf("admission: %w", err)
	}
	return running < a.slots, nil
}

func (a *Admission) Slots() int { return a.slots }
