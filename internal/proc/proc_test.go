package proc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStart_CapturesOutputAndExitCode(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out", "task-1.log")
	p, err := Start(Spec{Command: "echo hello; echo oops 1>&2; exit 3", OutputPath: out, MaxOutput: 1024})
	require.NoError(t, err)
	assert.Greater(t, p.PID(), 0)

	res, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Output, "hello")
	assert.Contains(t, res.Output, "oops")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, res.Output, string(data))
}

func TestStart_RunsInDir(t *testing.T) {
	dir := t.TempDir()
	p, err := Start(Spec{Command: "pwd", Dir: dir})
	require.NoError(t, err)
	res, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(res.Output))
	assert.Equal(t, want, got)
}

func TestStart_BadDir(t *testing.T) {
	_, err := Start(Spec{Command: "true", Dir: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestKillTree_TerminatesGroup(t *testing.T) {
	p, err := Start(Spec{Command: "sleep 30 & sleep 30; wait"})
	require.NoError(t, err)

	done := make(chan Result, 1)
	go func() {
		res, _ := p.Wait()
		done <- res
	}()

	require.NoError(t, KillTree(p.PID(), 2*time.Second))

	select {
	case res := <-done:
		assert.Equal(t, -15, res.ExitCode, "shell should die by SIGTERM")
	case <-time.After(15 * time.Second):
		t.Fatal("process group still running after KillTree")
	}
}

func TestKillTree_EscalatesToSIGKILL(t *testing.T) {
	p, err := Start(Spec{Command: "trap '' TERM; sleep 30"})
	require.NoError(t, err)
	// Let the shell install its trap.
	time.Sleep(200 * time.Millisecond)

	done := make(chan Result, 1)
	go func() {
		res, _ := p.Wait()
		done <- res
	}()

	require.NoError(t, KillTree(p.PID(), 300*time.Millisecond))

	select {
	case res := <-done:
		assert.Equal(t, -9, res.ExitCode)
	case <-time.After(15 * time.Second):
		t.Fatal("process survived SIGKILL")
	}
}

func TestKillTree_MissingProcess(t *testing.T) {
	p, err := Start(Spec{Command: "true"})
	require.NoError(t, err)
	pid := p.PID()
	_, err = p.Wait()
	require.NoError(t, err)

	assert.NoError(t, KillTree(pid, 100*time.Millisecond))
	assert.False(t, Alive(pid))
	assert.Error(t, KillTree(0, time.Millisecond))
}

func TestAlive(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))
	assert.False(t, Alive(0))
	assert.False(t, Alive(-1))
}

func TestSpawnDetached(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "d.log")
	pid, err := SpawnDetached("/bin/sh", []string{"-c", "echo started; sleep 30"}, logPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = KillTree(pid, 100*time.Millisecond) })

	assert.True(t, Alive(pid))
	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(logPath)
		return strings.Contains(string(data), "started")
	}, 5*time.Second, 50*time.Millisecond)
}

func TestTailBuffer(t *testing.T) {
	b := NewTailBuffer(5)
	_, _ = b.Write([]byte("abc"))
	assert.Equal(t, "abc", b.String())
	assert.False(t, b.Truncated())

	_, _ = b.Write([]byte("defgh"))
	assert.Equal(t, "defgh", b.String())
	assert.True(t, b.Truncated())

	unbounded := NewTailBuffer(0)
	_, _ = unbounded.Write([]byte(strings.Repeat("x", 100)))
	assert.Len(t, unbounded.String(), 100)
}
