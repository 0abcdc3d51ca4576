package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/msageha/taskq/internal/config"
	"github.com/msageha/taskq/internal/setup"
)

func runInstall(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: taskq install <home> <owner_uid>")
	}
	ownerID, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid owner uid %q", args[1])
	}

	res, err := setup.Install(ctx, args[0], ownerID)
	if err != nil {
		return err
	}
	fmt.Printf("Installed taskq in %s (owner uid %d, schema version %d).\n", res.Config.Home, res.Config.OwnerID, res.SchemaVersion)
	if res.Config.Home != config.DefaultHome {
		fmt.Printf("Set %s=%s to use it.\n", config.HomeEnv, res.Config.Home)
	}
	return nil
}

func runCheckConfig(args []string) error {
	if err := noArgs(args, "taskq check-config"); err != nil {
		return err
	}
	home := config.ResolveHome()
	if err := config.Check(home); err != nil {
		return err
	}
	fmt.Printf("%s/config.yaml is valid.\n", home)
	return nil
}
