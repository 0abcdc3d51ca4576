package supervisor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/msageha/taskq/internal/model"
)

// Stop kills both daemons, removes their acknowledgments and records the
// queue as inactive. It returns the state the queue was running with.
func (s *Supervisor) Stop(ctx context.Context, caller model.Caller) (model.SupervisorState, error) {
	if err := s.gate.RequireQueueOwner(caller, "stop"); err != nil {
		return model.SupervisorState{}, err
	}

	var previous model.SupervisorState
	err := s.withLock(ctx, func() error {
		state, err := s.store.SupervisorState(ctx)
		if err != nil {
			return err
		}
		if !state.Active {
			return ErrNotActive
		}
		for _, kind := range model.DaemonKinds {
			if state.Daemon(kind).PID <= 0 {
				return fmt.Errorf("%s daemon has no pid: %w", kind, ErrInconsistentDaemonState)
			}
		}
		previous = state

		var errs []error
		for _, kind := range model.DaemonKinds {
			pid := state.Daemon(kind).PID
			if !s.alive(kind, pid) {
				s.logger.Info("daemon already gone", zap.String("kind", string(kind)), zap.Int("pid", pid))
			} else if err := s.kill(pid); err != nil {
				errs = append(errs, fmt.Errorf("kill %s daemon (pid %d): %w", kind, pid, err))
				continue
			}
			if err := s.store.DeleteDaemonAck(ctx, kind); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			return err
		}

		now := s.now()
		return s.store.SaveSupervisorState(ctx, model.SupervisorState{
			Active:    false,
			StartedAt: state.StartedAt,
			StoppedAt: &now,
		})
	})
	if err != nil {
		return model.SupervisorState{}, err
	}
	return previous, nil
}
