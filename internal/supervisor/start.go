package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/taskq/internal/model"
	"github.com/msageha/taskq/internal/store"
)

// StartResult reports what Start did.
type StartResult struct {
	AlreadyRunning bool
	State          model.SupervisorState
}

// Start spawns both daemons and records the queue as active once each has
// acknowledged its token. An already active queue is left untouched.
func (s *Supervisor) Start(ctx context.Context, caller model.Caller) (*StartResult, error) {
	if err := s.gate.RequireQueueOwner(caller, "start"); err != nil {
		return nil, err
	}

	var result *StartResult
	err := s.withLock(ctx, func() error {
		state, err := s.store.SupervisorState(ctx)
		if err != nil {
			return err
		}
		if state.Active {
			result = &StartResult{AlreadyRunning: true, State: state}
			return nil
		}

		refs := make(map[model.DaemonKind]model.DaemonRef, len(model.DaemonKinds))
		for _, kind := range model.DaemonKinds {
			token := uuid.NewString()
			pid, err := s.spawner.Spawn(kind, token)
			if err != nil {
				s.abandon(refs)
				return fmt.Errorf("spawn %s daemon: %w", kind, err)
			}
			s.logger.Info("daemon spawned", zap.String("kind", string(kind)), zap.Int("pid", pid))
			refs[kind] = model.DaemonRef{PID: pid, Token: token}
		}

		if err := s.waitReady(ctx, refs); err != nil {
			s.abandon(refs)
			return err
		}

		now := s.now()
		state = model.SupervisorState{Active: true, StartedAt: &now}
		for kind, ref := range refs {
			state.SetDaemon(kind, ref)
		}
		if err := s.store.SaveSupervisorState(ctx, state); err != nil {
			s.abandon(refs)
			return err
		}
		result = &StartResult{State: state}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// waitReady polls each daemon's acknowledgment concurrently until it carries
// the token the daemon was spawned with.
func (s *Supervisor) waitReady(ctx context.Context, refs map[model.DaemonKind]model.DaemonRef) error {
	timeout := time.Duration(s.config.Daemon.ReadyTimeoutSec) * time.Second
	poll := time.Duration(s.config.Daemon.ReadyPollMs) * time.Millisecond
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for kind, ref := range refs {
		g.Go(func() error {
			ticker := time.NewTicker(poll)
			defer ticker.Stop()
			for {
				ack, err := s.store.DaemonAck(ctx, kind)
				switch {
				case err == nil && ack.Token == ref.Token:
					return nil
				case err != nil && !errors.Is(err, store.ErrNotFound) && ctx.Err() == nil:
					return fmt.Errorf("read %s daemon ack: %w", kind, err)
				}
				select {
				case <-ctx.Done():
					return fmt.Errorf("%s daemon (pid %d) not ready after %s: %w", kind, ref.PID, timeout, ctx.Err())
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

// abandon kills whatever a failed start spawned, whether or not it got as
// far as taking its lock.
func (s *Supervisor) abandon(refs map[model.DaemonKind]model.DaemonRef) {
	for kind, ref := range refs {
		if err := s.kill(ref.PID); err != nil {
			s.logger.Warn("kill unready daemon", zap.String("kind", string(kind)), zap.Int("pid", ref.PID), zap.Error(err))
		}
		if err := s.store.DeleteDaemonAck(context.Background(), kind); err != nil {
			s.logger.Warn("delete daemon ack", zap.String("kind", string(kind)), zap.Error(err))
		}
	}
}
