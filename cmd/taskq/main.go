package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/msageha/taskq/internal/auth"
	"github.com/msageha/taskq/internal/config"
	"github.com/msageha/taskq/internal/events"
	"github.com/msageha/taskq/internal/logging"
	"github.com/msageha/taskq/internal/model"
	"github.com/msageha/taskq/internal/queue"
	"github.com/msageha/taskq/internal/report"
	"github.com/msageha/taskq/internal/store"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := dispatch(ctx, os.Args[1], os.Args[2:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "install":
		return runInstall(ctx, args)
	case "check-config":
		return runCheckConfig(args)
	case "submit", "add":
		return runSubmit(ctx, args)
	case "abort":
		return runAbort(ctx, args)
	case "info":
		return runInfo(ctx, args)
	case "list-queue":
		return runListQueue(ctx, args)
	case "list-abort-queue":
		return runListAbortQueue(ctx, args)
	case "run-task-tick", "call-task-handler":
		return runTaskTick(ctx, args)
	case "run-abort-tick", "call-abort-handler":
		return runAbortTick(ctx, args)
	case "start":
		return runStart(ctx, args)
	case "stop":
		return runStop(ctx, args)
	case "status":
		return runStatus(ctx, args)
	case "daemon":
		return runDaemon(args)
	case "version":
		fmt.Printf("taskq %s\n", version)
		return nil
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// cli holds what every queue command needs. Events published through bus
// are appended to the audit log.
type cli struct {
	cfg    *model.Config
	logger *logging.Logger
	store  *store.Store
	bus    *events.Bus
	audit  *events.AuditLogger
	caller model.Caller
}

func openCLI(ctx context.Context) (*cli, error) {
	home := config.ResolveHome()
	cfg, err := config.Load(home)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w (run 'taskq install' first?)", home, err)
	}
	c := &cli{
		cfg:    cfg,
		logger: logging.ForCLI(cfg.Logging),
		bus:    events.NewBus(0),
		caller: model.CurrentCaller(),
	}

	c.store, err = store.Open(ctx, cfg.Store.Path, cfg.Store.BusyTimeoutMs)
	if err != nil {
		c.close()
		return nil, err
	}

	// Users other than the owner may lack write access to the audit log.
	audit, err := events.NewAuditLogger(cfg.AuditLogPath(), "cli", 0)
	if err != nil {
		c.logger.Debug("audit log unavailable", zap.Error(err))
	} else {
		c.audit = audit
		audit.Attach(c.bus, func(err error) {
			c.logger.Warn("audit write failed", zap.Error(err))
		})
	}
	return c, nil
}

func (c *cli) close() {
	c.bus.Close()
	if c.audit != nil {
		_ = c.audit.Close()
	}
	if c.store != nil {
		_ = c.store.Close()
	}
	_ = c.logger.Sync()
}

func (c *cli) queue() *queue.Service {
	return queue.NewService(c.store, auth.NewGate(c.cfg.OwnerID), c.bus)
}

func (c *cli) gate() auth.Gate {
	return auth.NewGate(c.cfg.OwnerID)
}

func renderOptions(jsonOutput bool) report.Options {
	return report.Options{JSON: jsonOutput, Width: report.TerminalWidth(os.Stdout)}
}

func parseTaskID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

// parseJSONFlag accepts only --json among args.
func parseJSONFlag(args []string, usage string) (bool, error) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			return false, fmt.Errorf("unknown flag: %s\nusage: %s", a, usage)
		}
	}
	return jsonOutput, nil
}

func noArgs(args []string, usage string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s\nusage: %s", args[0], usage)
	}
	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `taskq %s - single-host shell command queue

Usage: taskq <command> [options]

Queue:
  submit <command> [context]     Queue a shell command (alias: add)
  abort <task_id>                Cancel a waiting task or abort a running one
  info <task_id> [--json]        Show one task with its output
  list-queue [--waiting|--all|--running|--done|--mine] [--json]
  list-abort-queue [--waiting|--all|--done|--mine] [--json]

Daemons (queue owner):
  start                          Start the task and abort daemons
  stop                           Stop both daemons
  status [--json]                Show daemon and queue state
  run-task-tick                  Run one task executor tick (alias: call-task-handler)
  run-abort-tick                 Run one abort coordinator tick (alias: call-abort-handler)

Administration:
  install <home> <owner_uid>     Create a queue home
  check-config                   Validate <home>/config.yaml strictly

Internal:
  daemon <task|abort> --token <t> [--home <dir>]

  version                        Show version
  help                           Show this help

The home directory is $%s (default %s).
`, version, config.HomeEnv, config.DefaultHome)
}
