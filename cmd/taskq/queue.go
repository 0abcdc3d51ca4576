package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/msageha/taskq/internal/queue"
	"github.com/msageha/taskq/internal/report"
)

func runSubmit(ctx context.Context, args []string) error {
	const usage = "taskq submit <command> [context]"
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: %s", usage)
	}
	opts := queue.SubmitOptions{Command: args[0]}
	if len(args) == 2 {
		opts.Context = args[1]
	}

	c, err := openCLI(ctx)
	if err != nil {
		return err
	}
	defer c.close()
	opts.Caller = c.caller

	res, err := c.queue().Submit(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Printf("Task with ID=%d successfully added to queue!\n", res.TaskID)
	return nil
}

func runAbort(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: taskq abort <task_id>")
	}
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}

	c, err := openCLI(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	res, err := c.queue().RequestAbort(ctx, id, c.caller)
	if err != nil {
		return err
	}
	fmt.Println(res.Message())
	return nil
}

func runInfo(ctx context.Context, args []string) error {
	const usage = "taskq info <task_id> [--json]"
	if len(args) < 1 {
		return fmt.Errorf("usage: %s", usage)
	}
	id, err := parseTaskID(args[0])
	if err != nil {
		return err
	}
	jsonOutput, err := parseJSONFlag(args[1:], usage)
	if err != nil {
		return err
	}

	c, err := openCLI(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	task, err := c.queue().Info(ctx, id)
	if err != nil {
		return err
	}
	return report.Task(os.Stdout, task, renderOptions(jsonOutput))
}

// parseListFlags reads one optional --<mode> flag and --json.
func parseListFlags(args []string, allowed []queue.ListMode, usage string) (queue.ListMode, bool, error) {
	var mode queue.ListMode
	jsonOutput := false
	for _, a := range args {
		if a == "--json" {
			jsonOutput = true
			continue
		}
		m, err := queue.ParseListMode(strings.TrimPrefix(a, "--"))
		if err != nil || !strings.HasPrefix(a, "--") || !containsMode(allowed, m) {
			return "", false, fmt.Errorf("unknown flag: %s\nusage: %s", a, usage)
		}
		if mode != "" && mode != m {
			return "", false, fmt.Errorf("--%s and --%s are mutually exclusive", mode, m)
		}
		mode = m
	}
	if mode == "" {
		mode = queue.ListWaiting
	}
	return mode, jsonOutput, nil
}

func containsMode(modes []queue.ListMode, m queue.ListMode) bool {
	for _, x := range modes {
		if x == m {
			return true
		}
	}
	return false
}

func runListQueue(ctx context.Context, args []string) error {
	const usage = "taskq list-queue [--waiting|--all|--running|--done|--mine] [--json]"
	mode, jsonOutput, err := parseListFlags(args,
		[]queue.ListMode{queue.ListWaiting, queue.ListAll, queue.ListRunning, queue.ListDone, queue.ListMine}, usage)
	if err != nil {
		return err
	}

	c, err := openCLI(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	tasks, err := c.queue().ListQueue(ctx, mode, c.caller)
	if err != nil {
		return err
	}
	return report.Tasks(os.Stdout, tasks, renderOptions(jsonOutput))
}

func runListAbortQueue(ctx context.Context, args []string) error {
	const usage = "taskq list-abort-queue [--waiting|--all|--done|--mine] [--json]"
	mode, jsonOutput, err := parseListFlags(args,
		[]queue.ListMode{queue.ListWaiting, queue.ListAll, queue.ListDone, queue.ListMine}, usage)
	if err != nil {
		return err
	}

	c, err := openCLI(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	reqs, err := c.queue().ListAbortQueue(ctx, mode, c.caller)
	if err != nil {
		return err
	}
	return report.Aborts(os.Stdout, reqs, renderOptions(jsonOutput))
}
