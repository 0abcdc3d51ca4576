// Package model defines the data structures for taskq's configuration, queue records and supervisor state.
package model

import (
	"fmt"
	"path/filepath"
)

type Config struct {
	OwnerID int           `yaml:"owner_id" mapstructure:"owner_id"`
	Home    string        `yaml:"home" mapstructure:"home"`
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Queue   QueueConfig   `yaml:"queue" mapstructure:"queue"`
	Daemon  DaemonConfig  `yaml:"daemon" mapstructure:"daemon"`
	Abort   AbortConfig   `yaml:"abort" mapstructure:"abort"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

type StoreConfig struct {
	Path          string `yaml:"path" mapstructure:"path"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

type QueueConfig struct {
	Slots          int `yaml:"slots" mapstructure:"slots"`
	MaxOutputBytes int `yaml:"max_output_bytes" mapstructure:"max_output_bytes"`
}

type DaemonConfig struct {
	TaskIntervalSec    int     `yaml:"task_interval_sec" mapstructure:"task_interval_sec"`
	AbortIntervalSec   int     `yaml:"abort_interval_sec" mapstructure:"abort_interval_sec"`
	DebounceSec        float64 `yaml:"debounce_sec" mapstructure:"debounce_sec"`
	ReadyTimeoutSec    int     `yaml:"ready_timeout_sec" mapstructure:"ready_timeout_sec"`
	ReadyPollMs        int     `yaml:"ready_poll_ms" mapstructure:"ready_poll_ms"`
	ShutdownTimeoutSec int     `yaml:"shutdown_timeout_sec" mapstructure:"shutdown_timeout_sec"`
}

type AbortConfig struct {
	GraceSec int `yaml:"grace_sec" mapstructure:"grace_sec"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" mapstructure:"level"`
	Encoding string `yaml:"encoding" mapstructure:"encoding"` // console | json
}

// DefaultConfig returns the configuration written by install for the given home.
func DefaultConfig(home string, ownerID int) Config {
	return Config{
		OwnerID: ownerID,
		Home:    home,
		Store: StoreConfig{
			Path:          filepath.Join(home, "taskq.db"),
			BusyTimeoutMs: 5000,
		},
		Queue: QueueConfig{
			Slots:          1,
			MaxOutputBytes: 64 * 1024,
		},
		Daemon: DaemonConfig{
			TaskIntervalSec:    10,
			AbortIntervalSec:   1,
			DebounceSec:        0.5,
			ReadyTimeoutSec:    10,
			ReadyPollMs:        200,
			ShutdownTimeoutSec: 30,
		},
		Abort: AbortConfig{GraceSec: 5},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "console",
		},
	}
}

// Home layout.

func (c Config) LogDir() string    { return filepath.Join(c.Home, "logs") }
func (c Config) LockDir() string   { return filepath.Join(c.Home, "locks") }
func (c Config) OutputDir() string { return filepath.Join(c.Home, "output") }
func (c Config) RunDir() string    { return filepath.Join(c.Home, "run") }

func (c Config) ConfigPath() string {
	return filepath.Join(c.Home, "config.yaml")
}

// TaskOutputPath is where the full output of a task is written.
func (c Config) TaskOutputPath(id int64) string {
	return filepath.Join(c.OutputDir(), fmt.Sprintf("task-%d.log", id))
}

func (c Config) DaemonLockPath(kind DaemonKind) string {
	return filepath.Join(c.LockDir(), string(kind)+"-daemon.lock")
}

// DaemonLogPath receives the stdout/stderr of a supervised daemon.
func (c Config) DaemonLogPath(kind DaemonKind) string {
	return filepath.Join(c.LogDir(), string(kind)+"-daemon.log")
}

// SocketPath is the control socket a running daemon listens on.
func (c Config) SocketPath(kind DaemonKind) string {
	return filepath.Join(c.RunDir(), string(kind)+".sock")
}

func (c Config) SupervisorLockPath() string {
	return filepath.Join(c.LockDir(), "supervisor.lock")
}

func (c Config) AuditLogPath() string {
	return filepath.Join(c.LogDir(), "audit.jsonl")
}
