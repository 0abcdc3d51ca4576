// Package supervisor starts, stops and reports on the task and abort
// daemons. Start and stop are serialized across CLI invocations by a file
// lock and recorded in a single supervisor record in the store.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/taskq/internal/auth"
	"github.com/msageha/taskq/internal/lock"
	"github.com/msageha/taskq/internal/model"
	"github.com/msageha/taskq/internal/proc"
	"github.com/msageha/taskq/internal/store"
)

var (
	// ErrNotActive is returned by Stop when the queue is not running.
	ErrNotActive = errors.New("queue is not active")
	// ErrInconsistentDaemonState is returned when the record claims the
	// queue is active but a daemon pid is missing.
	ErrInconsistentDaemonState = errors.New("inconsistent daemon state")
)

// Store is the part of the persistent store the supervisor uses.
type Store interface {
	SupervisorState(ctx context.Context) (model.SupervisorState, error)
	SaveSupervisorState(ctx context.Context, st model.SupervisorState) error
	DaemonAck(ctx context.Context, kind model.DaemonKind) (*model.DaemonAck, error)
	DeleteDaemonAck(ctx context.Context, kind model.DaemonKind) error
	CountTasks(ctx context.Context, status model.TaskStatus) (int, error)
	ListAbortRequests(ctx context.Context, f store.AbortFilter) ([]model.AbortRequest, error)
}

// Spawner launches a detached daemon process and returns its pid.
type Spawner interface {
	Spawn(kind model.DaemonKind, token string) (int, error)
}

// execSpawner re-executes the current binary as `taskq daemon <kind>`.
type execSpawner struct {
	exe string
	cfg model.Config
}

func (s execSpawner) Spawn(kind model.DaemonKind, token string) (int, error) {
	args := []string{"daemon", string(kind), "--token", token, "--home", s.cfg.Home}
	return proc.SpawnDetached(s.exe, args, s.cfg.DaemonLogPath(kind))
}

// Supervisor manages the daemon pair for one home.
type Supervisor struct {
	config  model.Config
	store   Store
	gate    auth.Gate
	lock    *lock.FileLock
	logger  *zap.Logger
	spawner Spawner
	kill    func(pid int) error
	alive   func(kind model.DaemonKind, pid int) bool
	now     func() time.Time
}

func New(cfg model.Config, st Store, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	exe, err := os.Executable()
	if err != nil {
		exe = "taskq"
	}
	s := &Supervisor{
		config:  cfg,
		store:   st,
		gate:    auth.NewGate(cfg.OwnerID),
		lock:    lock.NewFileLock(cfg.SupervisorLockPath()),
		logger:  logger.Named("supervisor"),
		spawner: execSpawner{exe: exe, cfg: cfg},
		kill:    proc.Kill,
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.alive = s.holdsDaemonLock
	return s
}

// SetSpawner overrides daemon process creation for testing.
func (s *Supervisor) SetSpawner(sp Spawner) {
	s.spawner = sp
}

// SetKillFunc overrides daemon termination for testing.
func (s *Supervisor) SetKillFunc(f func(pid int) error) {
	s.kill = f
}

// SetAliveFunc overrides the daemon liveness check for testing.
func (s *Supervisor) SetAliveFunc(f func(kind model.DaemonKind, pid int) bool) {
	s.alive = f
}

// holdsDaemonLock reports whether pid is the live daemon of kind. A bare
// pid check would also match an unrelated process that reused the pid.
func (s *Supervisor) holdsDaemonLock(kind model.DaemonKind, pid int) bool {
	lockPath := s.config.DaemonLockPath(kind)
	return pid > 0 && lock.Held(lockPath) && lock.Holder(lockPath) == pid
}

// withLock serializes supervisor operations across processes.
func (s *Supervisor) withLock(ctx context.Context, fn func() error) error {
	if err := s.lock.Lock(ctx); err != nil {
		return fmt.Errorf("supervisor lock: %w", err)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("release supervisor lock", zap.Error(err))
		}
	}()
	return fn()
}
