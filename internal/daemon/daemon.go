// Package daemon implements the two polling daemons: the task daemon runs
// the task executor, the abort daemon runs the abort coordinator. Each is
// woken by a ticker and by writes to the store file.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/taskq/internal/events"
	"github.com/msageha/taskq/internal/lock"
	"github.com/msageha/taskq/internal/logging"
	"github.com/msageha/taskq/internal/model"
	"github.com/msageha/taskq/internal/store"
	"github.com/msageha/taskq/internal/uds"
)

// maxAbortsPerTick bounds how many requests one abort tick drains.
const maxAbortsPerTick = 32

// Status is what a running daemon reports over its control socket.
type Status struct {
	Kind        model.DaemonKind `json:"kind"`
	PID         int              `json:"pid"`
	Token       string           `json:"token"`
	StartedAt   time.Time        `json:"started_at"`
	Ticks       int64            `json:"ticks"`
	LastTickAt  *time.Time       `json:"last_tick_at,omitempty"`
	LastMessage string           `json:"last_message,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	Executing   []int64          `json:"executing,omitempty"`
}

// TickReply is the control socket answer to a tick request.
type TickReply struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Shared  bool   `json:"shared,omitempty"`
}

// Daemon is one long-running polling process.
type Daemon struct {
	kind   model.DaemonKind
	token  string
	config model.Config
	logger *logging.Logger

	fileLock *lock.FileLock
	store    *store.Store
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker
	bus      *events.Bus
	audit    *events.AuditLogger

	taskHandler  *TaskHandler
	abortHandler *AbortHandler

	sf            singleflight.Group
	wake          chan struct{}
	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	statusMu  sync.Mutex
	status    Status
	executing map[int64]struct{}
	execWG    sync.WaitGroup

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	shutdown sync.Once
}

// New prepares a daemon of the given kind. Nothing is acquired until Start.
func New(cfg model.Config, kind model.DaemonKind, token string, logger *logging.Logger) (*Daemon, error) {
	if _, err := model.ParseDaemonKind(string(kind)); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		kind:      kind,
		token:     token,
		config:    cfg,
		logger:    logger,
		fileLock:  lock.NewFileLock(cfg.DaemonLockPath(kind)),
		server:    uds.NewServer(cfg.SocketPath(kind), uds.Identity{Kind: string(kind), PID: os.Getpid()}, logger.Logger),
		bus:       events.NewBus(0),
		wake:      make(chan struct{}, 1),
		executing: make(map[int64]struct{}),
		status: Status{
			Kind:  kind,
			PID:   os.Getpid(),
			Token: token,
		},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (d *Daemon) interval() time.Duration {
	sec := d.config.Daemon.TaskIntervalSec
	if d.kind == model.DaemonAbort {
		sec = d.config.Daemon.AbortIntervalSec
	}
	if sec <= 0 {
		sec = 1
	}
	return time.Duration(sec) * time.Second
}

// Run starts the daemon and blocks until SIGTERM or SIGINT.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start acquires the daemon lock, opens the store, starts the control
// socket and loops, and acknowledges readiness.
func (d *Daemon) Start() error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("%s daemon lock: %w", d.kind, err)
	}
	d.logger.Info("daemon starting", zap.String("token", d.token))

	st, err := store.Open(d.ctx, d.config.Store.Path, d.config.Store.BusyTimeoutMs)
	if err != nil {
		d.cleanup()
		return err
	}
	d.store = st

	audit, err := events.NewAuditLogger(d.config.AuditLogPath(), string(d.kind)+"-daemon", 0)
	if err != nil {
		d.cleanup()
		return err
	}
	d.audit = audit
	audit.Attach(d.bus, func(err error) {
		d.logger.Warn("audit write failed", zap.Error(err))
	})

	switch d.kind {
	case model.DaemonTask:
		d.taskHandler = NewTaskHandler(st, d.config, d.logger.Logger, d.bus)
	case model.DaemonAbort:
		d.abortHandler = NewAbortHandler(st, d.config, d.logger.Logger, d.bus)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher
	storeDir := filepath.Dir(d.config.Store.Path)
	if err := watcher.Add(storeDir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", storeDir, err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start control socket: %w", err)
	}

	d.ticker = time.NewTicker(d.interval())
	d.started.Store(true)
	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()

	now := time.Now().UTC()
	d.statusMu.Lock()
	d.status.StartedAt = now
	d.statusMu.Unlock()
	if err := st.SaveDaemonAck(d.ctx, model.DaemonAck{
		Kind:      d.kind,
		PID:       os.Getpid(),
		Token:     d.token,
		StartedAt: now,
	}); err != nil {
		d.Shutdown()
		return fmt.Errorf("acknowledge startup: %w", err)
	}
	d.bus.Publish(events.EventDaemonStarted, map[string]any{
		"pid":  os.Getpid(),
		"kind": string(d.kind),
	})
	d.logger.Info("daemon ready",
		zap.Duration("interval", d.interval()),
		zap.String("socket", d.config.SocketPath(d.kind)))

	d.signalWake()
	return nil
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CommandStatus, func(*uds.Request) *uds.Response {
		return uds.SuccessResponse(d.Status())
	})
	d.server.Handle(uds.CommandTick, func(*uds.Request) *uds.Response {
		msg, shared, err := d.Tick()
		reply := TickReply{Message: msg, Shared: shared}
		if err != nil {
			reply.Error = err.Error()
		}
		return uds.SuccessResponse(reply)
	})
}

// Tick runs one pass of the daemon's handler. Concurrent callers share a
// single pass.
func (d *Daemon) Tick() (string, bool, error) {
	v, err, shared := d.sf.Do("tick", func() (any, error) {
		var (
			msg string
			err error
		)
		if d.kind == model.DaemonTask {
			msg, err = d.dispatchTasks()
		} else {
			msg, err = d.processAborts()
		}
		d.recordTick(msg, err)
		return msg, err
	})
	msg, _ := v.(string)
	return msg, shared, err
}

// dispatchTasks claims waiting tasks until admission refuses and runs each
// claimed task in the background.
func (d *Daemon) dispatchTasks() (string, error) {
	var msg string
	for launched := 0; ; launched++ {
		if d.ctx.Err() != nil {
			return "daemon is shutting down", nil
		}
		claimed, res, err := d.taskHandler.Claim(d.ctx)
		if err != nil {
			return "", err
		}
		if claimed == nil {
			if launched == 0 {
				msg = res.Message()
			}
			return msg, nil
		}
		d.execute(claimed)
		msg = fmt.Sprintf("Task with ID=%d started.", claimed.Task.ID)
	}
}

func (d *Daemon) execute(c *ClaimedTask) {
	id := c.Task.ID
	d.statusMu.Lock()
	d.executing[id] = struct{}{}
	d.statusMu.Unlock()

	d.execWG.Add(1)
	go func() {
		defer d.execWG.Done()
		// Completion must be recorded even while shutting down.
		res, err := d.taskHandler.Execute(context.WithoutCancel(d.ctx), c)
		if err != nil {
			d.logger.Error("task execution failed", zap.Int64("task_id", id), zap.Error(err))
		}

		d.statusMu.Lock()
		delete(d.executing, id)
		d.statusMu.Unlock()
		d.recordTick(res.Message(), err)
		d.signalWake()
	}()
}

func (d *Daemon) processAborts() (string, error) {
	var last AbortTickResult
	for i := 0; i < maxAbortsPerTick; i++ {
		res, err := d.abortHandler.RunOnce(d.ctx)
		if err != nil {
			return res.Message(), err
		}
		if res.Outcome != OutcomeAborted {
			if i == 0 {
				return res.Message(), nil
			}
			break
		}
		last = res
		if d.ctx.Err() != nil {
			break
		}
	}
	return last.Message(), nil
}

func (d *Daemon) recordTick(msg string, err error) {
	now := time.Now().UTC()
	d.statusMu.Lock()
	d.status.Ticks++
	d.status.LastTickAt = &now
	d.status.LastMessage = msg
	d.status.LastError = ""
	if err != nil {
		d.status.LastError = err.Error()
	}
	d.statusMu.Unlock()

	if err != nil {
		d.logger.Error("tick failed", zap.String("message", msg), zap.Error(err))
		return
	}
	d.logger.Debug("tick", zap.String("message", msg))
}

// Status returns a snapshot of the daemon's progress.
func (d *Daemon) Status() Status {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	st := d.status
	for id := range d.executing {
		st.Executing = append(st.Executing, id)
	}
	slices.Sort(st.Executing)
	return st
}

// signalWake asks the ticker loop for an early tick.
func (d *Daemon) signalWake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// isStoreWrite reports whether name is the database file or its WAL.
func (d *Daemon) isStoreWrite(name string) bool {
	db := filepath.Base(d.config.Store.Path)
	base := filepath.Base(name)
	return base == db || base == db+"-wal"
}

func (d *Daemon) debounceWake(trigger string) {
	debounceSec := d.config.Daemon.DebounceSec
	if debounceSec <= 0 {
		debounceSec = 0.5
	}

	d.debounceMu.Lock()
	defer d.debounceMu.Unlock()
	if d.debounceTimer != nil {
		d.debounceTimer.Stop()
	}
	d.debounceTimer = time.AfterFunc(
		time.Duration(debounceSec*float64(time.Second)),
		func() {
			d.logger.Debug("debounced wake", zap.String("trigger", trigger))
			d.signalWake()
		},
	)
}

func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if (event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) && d.isStoreWrite(event.Name) {
				d.debounceWake(filepath.Base(event.Name))
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Error("fsnotify error", zap.Error(err))
		}
	}
}

func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
		case <-d.wake:
		}
		if d.ctx.Err() != nil {
			return
		}
		_, _, _ = d.Tick()
	}
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	d.logger.Info("received signal, shutting down", zap.Stringer("signal", sig))

	go func() {
		<-sigCh
		d.logger.Warn("received second signal, forcing exit")
		_ = d.logger.Sync()
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown stops the loops, waits for in-flight work up to the configured
// timeout and releases everything Start acquired. Safe to call repeatedly.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Info("shutdown started")
		d.server.Drain()
		d.cancel()

		if d.ticker != nil {
			d.ticker.Stop()
		}
		d.debounceMu.Lock()
		if d.debounceTimer != nil {
			d.debounceTimer.Stop()
		}
		d.debounceMu.Unlock()
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		_ = d.server.Stop()

		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			d.execWG.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.logger.Info("in-flight work drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.logger.Warn("shutdown timeout, tasks left running",
				zap.Int("timeout_sec", timeout),
				zap.Int64s("task_ids", d.Status().Executing))
		}

		if d.started.Load() {
			d.bus.Publish(events.EventDaemonStopped, map[string]any{
				"pid":  os.Getpid(),
				"kind": string(d.kind),
			})
		}
		d.cleanup()
		d.logger.Info("daemon stopped")
		_ = d.logger.Sync()
	})
}

// cleanup releases resources in reverse acquisition order.
func (d *Daemon) cleanup() {
	d.cancel()
	d.bus.Close()
	if d.audit != nil {
		_ = d.audit.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if err := d.fileLock.Unlock(); err != nil {
		d.logger.Warn("release daemon lock", zap.Error(err))
	}
}
