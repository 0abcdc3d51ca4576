// Package auth decides which callers may act on a task.
package auth

import (
	"errors"
	"fmt"

	"github.com/msageha/taskq/internal/model"
)

// ErrForbidden is returned when the caller owns neither the task nor the
// queue.
var ErrForbidden = errors.New("forbidden")

// Gate grants access to the task's owner and to the queue owner.
type Gate struct {
	OwnerID int
}

func NewGate(ownerID int) Gate {
	return Gate{OwnerID: ownerID}
}

// IsQueueOwner reports whether uid owns the queue.
func (g Gate) IsQueueOwner(uid int) bool {
	return uid == g.OwnerID
}

// CanActOn reports whether uid may view or abort the task.
func (g Gate) CanActOn(uid int, t *model.Task) bool {
	return g.IsQueueOwner(uid) || t.UserID == uid
}

// Authorize returns ErrForbidden unless c may act on t.
func (g Gate) Authorize(c model.Caller, t *model.Task) error {
	if g.CanActOn(c.UID, t) {
		return nil
	}
	return fmt.Errorf("user %s may not act on task %d: %w", c.Name, t.ID, ErrForbidden)
}

// RequireQueueOwner guards queue-wide operations (ticks, start, stop).
func (g Gate) RequireQueueOwner(c model.Caller, op string) error {
	if g.IsQueueOwner(c.UID) {
		return nil
	}
	return fmt.Errorf("%s requires the queue owner (uid %d): %w", op, g.OwnerID, ErrForbidden)
}
