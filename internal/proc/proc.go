// Package proc starts task commands in their own process group and tears
// process groups down again.
package proc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Shell runs task commands.
const Shell = "/bin/sh"

// pipeDrainDelay bounds how long Wait keeps reading output after the shell
// exits while orphaned descendants still hold the pipe open.
const pipeDrainDelay = 10 * time.Second

// Process is a running task command.
type Process struct {
	cmd  *exec.Cmd
	out  *os.File
	tail *TailBuffer
}

// Result describes a finished command.
type Result struct {
	ExitCode int
	Output   string
}

// Spec configures Start.
type Spec struct {
	Command string
	Dir     string
	// OutputPath receives the full combined stdout/stderr. Optional.
	OutputPath string
	// MaxOutput bounds the tail kept in memory for Result.Output.
	MaxOutput int
	Env       []string
}

// Start launches spec.Command under /bin/sh -c in a new process group.
func Start(spec Spec) (*Process, error) {
	cmd := exec.Command(Shell, "-c", spec.Command)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = nil
	cmd.WaitDelay = pipeDrainDelay

	p := &Process{cmd: cmd, tail: NewTailBuffer(spec.MaxOutput)}
	var w io.Writer = p.tail
	if spec.OutputPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.OutputPath), 0755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
		f, err := os.OpenFile(spec.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return nil, fmt.Errorf("open output file: %w", err)
		}
		p.out = f
		w = io.MultiWriter(f, p.tail)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		if p.out != nil {
			_ = p.out.Close()
		}
		return nil, fmt.Errorf("start %q: %w", spec.Command, err)
	}
	return p, nil
}

func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Wait blocks until the command exits. A non-zero exit or death by signal
// is reported through Result.ExitCode, not as an error.
func (p *Process) Wait() (Result, error) {
	err := p.cmd.Wait()
	if p.out != nil {
		_ = p.out.Close()
	}
	res := Result{Output: p.tail.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitCode(exitErr)
	case errors.Is(err, exec.ErrWaitDelay):
		res.ExitCode = p.cmd.ProcessState.ExitCode()
	default:
		return res, fmt.Errorf("wait for pid %d: %w", p.PID(), err)
	}
	return res, nil
}

// exitCode maps death by signal N to -N.
func exitCode(e *exec.ExitError) int {
	if ws, ok := e.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return e.ExitCode()
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// signalTree sends sig to the process group led by pid and to pid itself.
// Missing processes are not an error.
func signalTree(pid int, sig syscall.Signal) error {
	var errs []error
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		errs = append(errs, fmt.Errorf("signal group %d: %w", pid, err))
	}
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		errs = append(errs, fmt.Errorf("signal pid %d: %w", pid, err))
	}
	return errors.Join(errs...)
}

// KillTree terminates the process group led by pid: SIGTERM first, then
// SIGKILL once grace has passed with the leader still alive. A process that
// is already gone counts as killed.
func KillTree(pid int, grace time.Duration) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := signalTree(pid, unix.SIGTERM); err != nil {
		return err
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return signalTree(pid, unix.SIGKILL)
}

// Kill sends SIGKILL to pid only.
func Kill(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}

// SpawnDetached starts a long-lived background process in its own process
// group with stdio redirected to logPath, and returns its pid without
// waiting for it.
func SpawnDetached(exe string, args []string, logPath string) (int, error) {
	var logFile *os.File
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return 0, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return 0, fmt.Errorf("open daemon log: %w", err)
		}
		logFile = f
		defer logFile.Close()
	}

	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = nil
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", exe, err)
	}
	pid := cmd.Process.Pid
	// Reap in the background so short-lived parents do not leave zombies.
	go func() {
		_ = cmd.Wait()
	}()
	return pid, nil
}

// TailBuffer is an io.Writer that keeps only the last max bytes written.
type TailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

// NewTailBuffer returns a buffer bounded to max bytes; max <= 0 means
// unbounded.
func NewTailBuffer(max int) *TailBuffer {
	return &TailBuffer{max: max}
}

func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if b.max > 0 && len(b.buf) > b.max {
		b.buf = append(b.buf[:0], b.buf[len(b.buf)-b.max:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *TailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Truncated reports whether earlier output was dropped.
func (b *TailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
