package main

import (
	"context"
	"fmt"
	"os"

	"github.com/msageha/taskq/internal/config"
	"github.com/msageha/taskq/internal/daemon"
	"github.com/msageha/taskq/internal/logging"
	"github.com/msageha/taskq/internal/model"
	"github.com/msageha/taskq/internal/report"
	"github.com/msageha/taskq/internal/supervisor"
)

func runTaskTick(ctx context.Context, args []string) error {
	if err := noArgs(args, "taskq run-task-tick"); err != nil {
		return err
	}
	c, err := openCLI(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.gate().RequireQueueOwner(c.caller, "run-task-tick"); err != nil {
		return err
	}
	res, err := daemon.NewTaskHandler(c.store, *c.cfg, c.logger.Logger, c.bus).RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Println(res.Message())
	return nil
}

func runAbortTick(ctx context.Context, args []string) error {
	if err := noArgs(args, "taskq run-abort-tick"); err != nil {
		return err
	}
	c, err := openCLI(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.gate().RequireQueueOwner(c.caller, "run-abort-tick"); err != nil {
		return err
	}
	res, err := daemon.NewAbortHandler(c.store, *c.cfg, c.logger.Logger, c.bus).RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Println(res.Message())
	return nil
}

func (c *cli) supervisor() *supervisor.Supervisor {
	return supervisor.New(*c.cfg, c.store, c.logger.Logger)
}

func runStart(ctx context.Context, args []string) error {
	if err := noArgs(args, "taskq start"); err != nil {
		return err
	}
	c, err := openCLI(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	res, err := c.supervisor().Start(ctx, c.caller)
	if err != nil {
		return err
	}
	st := res.State
	if res.AlreadyRunning {
		fmt.Printf("Queue is already running (task daemon PID=%d, abort daemon PID=%d).\n", st.TaskDaemon.PID, st.AbortDaemon.PID)
		return nil
	}
	fmt.Printf("Queue started (task daemon PID=%d, abort daemon PID=%d).\n", st.TaskDaemon.PID, st.AbortDaemon.PID)
	return nil
}

func runStop(ctx context.Context, args []string) error {
	if err := noArgs(args, "taskq stop"); err != nil {
		return err
	}
	c, err := openCLI(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	prev, err := c.supervisor().Stop(ctx, c.caller)
	if err != nil {
		return err
	}
	fmt.Printf("Queue stopped (task daemon PID=%d, abort daemon PID=%d).\n", prev.TaskDaemon.PID, prev.AbortDaemon.PID)
	return nil
}

func runStatus(ctx context.Context, args []string) error {
	jsonOutput, err := parseJSONFlag(args, "taskq status [--json]")
	if err != nil {
		return err
	}
	c, err := openCLI(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	rep, err := c.supervisor().Status(ctx)
	if err != nil {
		return err
	}
	return report.Status(os.Stdout, rep, renderOptions(jsonOutput))
}

// runDaemon is the entry point of a supervised daemon process. It runs until
// signaled and reloads the log level when config.yaml changes.
func runDaemon(args []string) error {
	const usage = "taskq daemon <task|abort> --token <token> [--home <dir>]"
	if len(args) < 1 {
		return fmt.Errorf("usage: %s", usage)
	}
	kind := model.DaemonKind(args[0])
	token := ""
	home := config.ResolveHome()
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--token", "--home":
			if i+1 >= len(args) {
				return fmt.Errorf("%s requires a value\nusage: %s", args[i], usage)
			}
			if args[i] == "--token" {
				token = args[i+1]
			} else {
				home = args[i+1]
			}
			i++
		default:
			return fmt.Errorf("unknown flag: %s\nusage: %s", args[i], usage)
		}
	}
	if token == "" {
		return fmt.Errorf("--token is required\nusage: %s", usage)
	}

	loader := config.NewLoader(home)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.ForDaemon(cfg.Logging, kind)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	loader.OnLevelChange(logger.SetLevel)

	d, err := daemon.New(*cfg, kind, token, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	return d.Run()
}
