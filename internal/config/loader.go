// Package config loads taskq configuration using the hierarchy
// defaults < <home>/config.yaml < TASKQ_* environment variables.
// owner_id and store.path are read from defaults and the file only.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/msageha/taskq/internal/model"
	yamlutil "github.com/msageha/taskq/internal/yaml"
)

const (
	// HomeEnv overrides the default home directory.
	HomeEnv     = "TASKQ_HOME"
	DefaultHome = "/var/lib/taskq"
	envPrefix   = "TASKQ"
)

// ResolveHome returns $TASKQ_HOME or the default home.
func ResolveHome() string {
	if h := strings.TrimSpace(os.Getenv(HomeEnv)); h != "" {
		return h
	}
	return DefaultHome
}

// Loader wraps a viper instance bound to one home directory. file sees the
// same defaults and config file but no environment.
type Loader struct {
	v    *viper.Viper
	file *viper.Viper
	home string
}

func NewLoader(home string) *Loader {
	v := viper.New()
	v.SetConfigFile(filepath.Join(home, "config.yaml"))
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	file := viper.New()
	file.SetConfigFile(filepath.Join(home, "config.yaml"))
	file.SetConfigType("yaml")

	d := model.DefaultConfig(home, homeOwner(home))
	setDefaults(v, d)
	setDefaults(file, d)
	return &Loader{v: v, file: file, home: home}
}

// Load reads the config file (optional) and environment overrides.
func Load(home string) (*model.Config, error) {
	return NewLoader(home).Load()
}

func (l *Loader) Load() (*model.Config, error) {
	for _, v := range []*viper.Viper{l.v, l.file} {
		if err := readOptional(v); err != nil {
			return nil, err
		}
	}

	var cfg model.Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	// The environment must not change who owns the queue or where it lives.
	cfg.OwnerID = l.file.GetInt("owner_id")
	cfg.Store.Path = l.file.GetString("store.path")
	// home is where the file lives; it cannot be redirected from inside it.
	cfg.Home = l.home
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(l.home, "taskq.db")
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, nil
}

func readOptional(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// OnLevelChange watches the config file and calls fn with the new logging
// level whenever it is rewritten.
func (l *Loader) OnLevelChange(fn func(level string)) {
	l.v.OnConfigChange(func(in fsnotify.Event) {
		if in.Op&fsnotify.Create != 0 {
			return
		}
		fn(l.v.GetString("logging.level"))
	})
	l.v.WatchConfig()
}

// Check decodes the config file strictly, reporting unknown keys that the
// layered loader would silently ignore.
func Check(home string) error {
	var cfg model.Config
	path := filepath.Join(home, "config.yaml")
	if err := yamlutil.LoadStrict(path, &cfg); err != nil {
		return err
	}
	full, err := Load(home)
	if err != nil {
		return err
	}
	return Validate(full)
}

// Validate checks value ranges.
func Validate(cfg *model.Config) error {
	var errs []error
	if cfg.OwnerID < 0 {
		errs = append(errs, fmt.Errorf("owner_id must be >= 0"))
	}
	if cfg.Queue.Slots < 1 {
		errs = append(errs, fmt.Errorf("queue.slots must be >= 1"))
	}
	if cfg.Queue.MaxOutputBytes < 0 {
		errs = append(errs, fmt.Errorf("queue.max_output_bytes must be >= 0"))
	}
	if cfg.Daemon.TaskIntervalSec < 1 {
		errs = append(errs, fmt.Errorf("daemon.task_interval_sec must be >= 1"))
	}
	if cfg.Daemon.AbortIntervalSec < 1 {
		errs = append(errs, fmt.Errorf("daemon.abort_interval_sec must be >= 1"))
	}
	if cfg.Daemon.DebounceSec < 0 {
		errs = append(errs, fmt.Errorf("daemon.debounce_sec must be >= 0"))
	}
	if cfg.Daemon.ReadyTimeoutSec < 1 {
		errs = append(errs, fmt.Errorf("daemon.ready_timeout_sec must be >= 1"))
	}
	if cfg.Daemon.ReadyPollMs < 1 {
		errs = append(errs, fmt.Errorf("daemon.ready_poll_ms must be >= 1"))
	}
	if cfg.Abort.GraceSec < 0 {
		errs = append(errs, fmt.Errorf("abort.grace_sec must be >= 0"))
	}
	if _, err := zapcore.ParseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch cfg.Logging.Encoding {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.encoding must be console or json, got %q", cfg.Logging.Encoding))
	}
	return errors.Join(errs...)
}

// Save writes cfg to <home>/config.yaml atomically.
func Save(cfg *model.Config) error {
	return yamlutil.AtomicWrite(cfg.ConfigPath(), cfg, 0644)
}

func setDefaults(v *viper.Viper, d model.Config) {
	v.SetDefault("owner_id", d.OwnerID)
	v.SetDefault("home", d.Home)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.busy_timeout_ms", d.Store.BusyTimeoutMs)
	v.SetDefault("queue.slots", d.Queue.Slots)
	v.SetDefault("queue.max_output_bytes", d.Queue.MaxOutputBytes)
	v.SetDefault("daemon.task_interval_sec", d.Daemon.TaskIntervalSec)
	v.SetDefault("daemon.abort_interval_sec", d.Daemon.AbortIntervalSec)
	v.SetDefault("daemon.debounce_sec", d.Daemon.DebounceSec)
	v.SetDefault("daemon.ready_timeout_sec", d.Daemon.ReadyTimeoutSec)
	v.SetDefault("daemon.ready_poll_ms", d.Daemon.ReadyPollMs)
	v.SetDefault("daemon.shutdown_timeout_sec", d.Daemon.ShutdownTimeoutSec)
	v.SetDefault("abort.grace_sec", d.Abort.GraceSec)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.encoding", d.Logging.Encoding)
}

// homeOwner is the uid owning home, used as queue owner when the config
// does not name one. A missing home falls back to the current uid.
func homeOwner(home string) int {
	info, err := os.Stat(home)
	if err != nil {
		return os.Getuid()
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return int(st.Uid)
	}
	return os.Getuid()
}
