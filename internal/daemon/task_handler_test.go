package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskq/internal/events"
	"github.com/msageha/taskq/internal/model"
	"github.com/msageha/taskq/internal/proc"
	"github.com/msageha/taskq/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(et events.EventType, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events.Event{Type: et, Data: data})
}

func (r *recorder) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func testConfig(t *testing.T) model.Config {
	t.Helper()
	cfg := model.DefaultConfig(t.TempDir(), os.Getuid())
	cfg.Abort.GraceSec = 1
	return cfg
}

func openStore(t *testing.T, cfg model.Config) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), cfg.Store.Path, cfg.Store.BusyTimeoutMs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func insertTask(t *testing.T, st *store.Store, command string) int64 {
	t.Helper()
	id, err := st.InsertTask(context.Background(), &model.Task{
		UserID:   1000,
		UserName: "alice",
		Command:  command,
	})
	require.NoError(t, err)
	return id
}

func TestAdmission_TryAdmit(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	st := openStore(t, cfg)
	adm := NewAdmission(st, 2)

	ok, err := adm.TryAdmit(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	for i := 0; i < 2; i++ {
		id := insertTask(t, st, "true")
		claimed, err := st.ClaimTask(ctx, id, 2)
		require.NoError(t, err)
		require.True(t, claimed)
	}
	ok, err = adm.TryAdmit(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := st.CountTasks(ctx, model.TaskWaiting)
	require.NoError(t, err)
	assert.Zero(t, n, "admission must not change state")
}

func TestTaskHandler_IdleWhenQueueEmpty(t *testing.T) {
	cfg := testConfig(t)
	th := NewTaskHandler(openStore(t, cfg), cfg, nil, nil)

	res, err := th.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, res.Outcome)
	assert.Equal(t, "No eligible task to be executed.", res.Message())
}

func TestTaskHandler_RunsOldestWaitingTask(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	st := openStore(t, cfg)
	first := insertTask(t, st, "echo first")
	second := insertTask(t, st, "echo second")
	rec := &recorder{}
	th := NewTaskHandler(st, cfg, nil, rec)

	res, err := th.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, first, res.TaskID)
	assert.Positive(t, res.PID)
	assert.Equal(t, fmt.Sprintf("Task with ID=%d completed (PID=%d).", first, res.PID), res.Message())

	task, err := st.GetTask(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, model.TaskComplete, task.Status)
	assert.Equal(t, "first\n", task.Output)
	require.NotNil(t, task.ExitCode)
	assert.Equal(t, 0, *task.ExitCode)
	assert.Equal(t, res.PID, task.PID)
	assert.NotNil(t, task.StartedAt)
	assert.NotNil(t, task.CompletedAt)

	data, err := os.ReadFile(cfg.TaskOutputPath(first))
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(data))

	other, err := st.GetTask(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, model.TaskWaiting, other.Status)

	assert.Equal(t, []events.EventType{events.EventTaskStarted, events.EventTaskCompleted}, rec.types())
}

func TestTaskHandler_BusyWhenSlotsTaken(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	st := openStore(t, cfg)
	running := insertTask(t, st, "sleep 1")
	ok, err := st.ClaimTask(ctx, running, 1)
	require.NoError(t, err)
	require.True(t, ok)
	waiting := insertTask(t, st, "true")

	res, err := NewTaskHandler(st, cfg, nil, nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeBusy, res.Outcome)
	assert.Equal(t, "System is currently busy. Please, try again later.", res.Message())

	task, err := st.GetTask(ctx, waiting)
	require.NoError(t, err)
	assert.Equal(t, model.TaskWaiting, task.Status)
}

func TestTaskHandler_NonZeroExitCompletes(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	st := openStore(t, cfg)
	id := insertTask(t, st, "echo oops >&2; exit 3")

	res, err := NewTaskHandler(st, cfg, nil, nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 3, res.ExitCode)

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskComplete, task.Status)
	assert.Equal(t, "oops\n", task.Output)
	require.NotNil(t, task.ExitCode)
	assert.Equal(t, 3, *task.ExitCode)
}

func TestTaskHandler_RunsInContextDir(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	st := openStore(t, cfg)
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	id, err := st.InsertTask(ctx, &model.Task{UserID: 1000, UserName: "alice", Command: "pwd", Context: dir})
	require.NoError(t, err)

	_, err = NewTaskHandler(st, cfg, nil, nil).RunOnce(ctx)
	require.NoError(t, err)

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, dir, strings.TrimSpace(task.Output))
}

func TestTaskHandler_OutputTailIsBounded(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Queue.MaxOutputBytes = 4
	st := openStore(t, cfg)
	id := insertTask(t, st, "printf abcdefgh")

	_, err := NewTaskHandler(st, cfg, nil, nil).RunOnce(ctx)
	require.NoError(t, err)

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "efgh", task.Output)

	full, err := os.ReadFile(cfg.TaskOutputPath(id))
	require.NoError(t, err)
	assert.Equal(t, "abcdefgh", string(full))
}

func TestTaskHandler_SpawnFailureCompletesTask(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	st := openStore(t, cfg)
	id := insertTask(t, st, "true")
	th := NewTaskHandler(st, cfg, nil, nil)
	th.SetStartFunc(func(proc.Spec) (*proc.Process, error) {
		return nil, errors.New("fork: resource temporarily unavailable")
	})

	res, err := th.RunOnce(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resource temporarily unavailable")
	assert.Equal(t, -1, res.ExitCode)

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskComplete, task.Status)
	assert.Equal(t, "fork: resource temporarily unavailable", task.Output)
	require.NotNil(t, task.ExitCode)
	assert.Equal(t, -1, *task.ExitCode)
}

func TestTaskHandler_MissingContextDirIsSpawnFailure(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	st := openStore(t, cfg)
	id, err := st.InsertTask(ctx, &model.Task{
		UserID: 1000, UserName: "alice", Command: "true",
		Context: filepath.Join(t.TempDir(), "gone"),
	})
	require.NoError(t, err)

	_, err = NewTaskHandler(st, cfg, nil, nil).RunOnce(ctx)
	require.Error(t, err)

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskComplete, task.Status)
	require.NotNil(t, task.ExitCode)
	assert.Equal(t, -1, *task.ExitCode)
}

func TestTaskHandler_AbortInFlightEndsCanceled(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	st := openStore(t, cfg)
	id := insertTask(t, st, "echo partial")
	rec := &recorder{}
	th := NewTaskHandler(st, cfg, nil, rec)

	claimed, _, err := th.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	req, created, err := st.InsertAbortRequest(ctx, &model.AbortRequest{UserID: 1000, UserName: "alice", TaskID: id})
	require.NoError(t, err)
	require.True(t, created)
	ok, err := st.ClaimAbort(ctx, req.ID)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := th.Execute(ctx, claimed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCanceled, res.Outcome)

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, task.Status, "left for the abort coordinator")
	assert.Equal(t, "partial\n", task.Output)
	assert.NotContains(t, rec.types(), events.EventTaskCompleted)
}

func TestTaskHandler_CanceledCallerStillRecordsOutcome(t *testing.T) {
	cfg := testConfig(t)
	st := openStore(t, cfg)
	id := insertTask(t, st, "echo done")
	rec := &recorder{}
	th := NewTaskHandler(st, cfg, nil, rec)

	ctx, cancel := context.WithCancel(context.Background())
	claimed, _, err := th.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	cancel()

	res, err := th.Execute(ctx, claimed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	task, err := st.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskComplete, task.Status)
	assert.Equal(t, "done\n", task.Output)
	assert.Equal(t, res.PID, task.PID)
	assert.Contains(t, rec.types(), events.EventTaskCompleted)
}

func TestTaskHandler_CanceledCallerRecordsSpawnFailure(t *testing.T) {
	cfg := testConfig(t)
	st := openStore(t, cfg)
	rec := &recorder{}
	th := NewTaskHandler(st, cfg, nil, rec)
	th.SetStartFunc(func(proc.Spec) (*proc.Process, error) {
		return nil, errors.New("fork: resource temporarily unavailable")
	})
	id := insertTask(t, st, "echo never")

	ctx, cancel := context.WithCancel(context.Background())
	claimed, _, err := th.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	cancel()

	res, err := th.Execute(ctx, claimed)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	task, err := st.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskComplete, task.Status)
	require.NotNil(t, task.ExitCode)
	assert.Equal(t, -1, *task.ExitCode)
}

// claimLoser cancels the task right before the claim, as a concurrent abort
// would.
type claimLoser struct {
	*store.Store
}

func (c claimLoser) ClaimTask(ctx context.Context, id int64, slots int) (bool, error) {
	if _, err := c.CancelWaitingTask(ctx, id); err != nil {
		return false, err
	}
	return c.Store.ClaimTask(ctx, id, slots)
}

func TestTaskHandler_LostClaimIsIdle(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	st := openStore(t, cfg)
	id := insertTask(t, st, "true")

	res, err := NewTaskHandler(claimLoser{st}, cfg, nil, nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIdle, res.Outcome)

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCanceled, task.Status)
}

func TestTaskHandler_ConcurrentTicksRespectSlots(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Queue.Slots = 2
	st := openStore(t, cfg)
	for i := 0; i < 5; i++ {
		insertTask(t, st, "true")
	}
	th := NewTaskHandler(st, cfg, nil, nil)

	var (
		mu      sync.Mutex
		claimed []*ClaimedTask
		wg      sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, _, err := th.Claim(ctx)
			assert.NoError(t, err)
			if c != nil {
				mu.Lock()
				claimed = append(claimed, c)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.NotEmpty(t, claimed)
	assert.LessOrEqual(t, len(claimed), 2)

	n, err := st.CountTasks(ctx, model.TaskRunning)
	require.NoError(t, err)
	assert.Equal(t, len(claimed), n)

	// Whatever capacity is left is taken by a later tick, never more.
	for i := 0; i < 3; i++ {
		_, _, err := th.Claim(ctx)
		require.NoError(t, err)
	}
	n, err = st.CountTasks(ctx, model.TaskRunning)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
