// Package setup prepares a taskq home directory.
package setup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/taskq/internal/config"
	"github.com/msageha/taskq/internal/model"
	"github.com/msageha/taskq/internal/store"
	"github.com/msageha/taskq/templates"
)

// ErrAlreadyInstalled is returned when home already holds a config file.
var ErrAlreadyInstalled = errors.New("already installed")

// Result describes a fresh installation.
type Result struct {
	Config        *model.Config
	SchemaVersion int64
}

// Install lays out home, writes config.yaml from the embedded template and
// creates the database at the current schema version.
func Install(ctx context.Context, home string, ownerID int) (*Result, error) {
	if ownerID < 0 {
		return nil, fmt.Errorf("owner uid must be >= 0, got %d", ownerID)
	}
	absHome, err := filepath.Abs(home)
	if err != nil {
		return nil, fmt.Errorf("resolve home: %w", err)
	}

	configPath := filepath.Join(absHome, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return nil, fmt.Errorf("%s: %w", configPath, ErrAlreadyInstalled)
	}

	cfg, err := generateConfig(absHome, ownerID)
	if err != nil {
		return nil, fmt.Errorf("generate config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config template: %w", err)
	}

	for _, d := range []string{cfg.Home, cfg.LogDir(), cfg.LockDir(), cfg.OutputDir(), cfg.RunDir()} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	st, err := store.Open(ctx, cfg.Store.Path, cfg.Store.BusyTimeoutMs)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	version, err := st.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}

	// Written last so a failed install can simply be retried.
	if err := config.Save(cfg); err != nil {
		return nil, fmt.Errorf("write config.yaml: %w", err)
	}
	return &Result{Config: cfg, SchemaVersion: version}, nil
}

func generateConfig(home string, ownerID int) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	cfg.OwnerID = ownerID
	cfg.Home = home
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(home, "taskq.db")
	}
	return &cfg, nil
}
