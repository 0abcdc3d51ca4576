// Package logging builds the zap loggers used by the CLI and the daemons.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/msageha/taskq/internal/model"
)

// Logger pairs a zap logger with the level it can be retuned through.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncodeName = func(s string, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString("[" + s + "]")
	}
	return cfg
}

func newEncoder(encoding string) zapcore.Encoder {
	if encoding == "json" {
		return zapcore.NewJSONEncoder(encoderConfig())
	}
	return zapcore.NewConsoleEncoder(encoderConfig())
}

// Build returns the daemon logger: records below error go to out, errors and
// above go to errOut.
func Build(cfg model.LoggingConfig, out, errOut zapcore.WriteSyncer) (*Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	high := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	low := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return level.Enabled(lvl) && lvl < zapcore.ErrorLevel
	})

	enc := newEncoder(cfg.Encoding)
	core := zapcore.NewTee(
		zapcore.NewCore(enc, out, low),
		zapcore.NewCore(enc, errOut, high),
	)
	return &Logger{Logger: zap.New(core, zap.AddCaller()), level: level}, nil
}

// ForDaemon builds a logger writing to the process stdout/stderr, which the
// supervisor redirects into <home>/logs.
func ForDaemon(cfg model.LoggingConfig, kind model.DaemonKind) (*Logger, error) {
	l, err := Build(cfg, zapcore.Lock(os.Stdout), zapcore.Lock(os.Stderr))
	if err != nil {
		return nil, err
	}
	l.Logger = l.Named(string(kind) + "-daemon").With(zap.Int("pid", os.Getpid()))
	return l, nil
}

// ForCLI builds a logger that only surfaces warnings and errors on stderr,
// keeping stdout for command output.
func ForCLI(cfg model.LoggingConfig) *Logger {
	lc := cfg
	if lvl, err := zapcore.ParseLevel(cfg.Level); err != nil || lvl < zapcore.WarnLevel {
		lc.Level = zapcore.WarnLevel.String()
	}
	l, err := Build(lc, zapcore.Lock(os.Stderr), zapcore.Lock(os.Stderr))
	if err != nil {
		return Nop()
	}
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zap.NewNop(), level: zap.NewAtomicLevel()}
}

// SetLevel changes the level at runtime.
func (l *Logger) SetLevel(level string) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		l.Error("couldn't parse level", zap.String("value", level), zap.Error(err))
		return
	}
	l.level.SetLevel(lvl)
	l.Info("log level updated", zap.String("value", level))
}

func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}
