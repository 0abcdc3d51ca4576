package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskq/internal/auth"
	"github.com/msageha/taskq/internal/events"
	"github.com/msageha/taskq/internal/model"
	"github.com/msageha/taskq/internal/store"
)

const ownerUID = 500

var (
	alice = model.Caller{UID: 1000, Name: "alice"}
	bob   = model.Caller{UID: 1001, Name: "bob"}
	owner = model.Caller{UID: ownerUID, Name: "taskq"}
)

type recorder struct {
	mu     sync.Mutex
	events []events.EventType
}

func (r *recorder) Publish(et events.EventType, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, et)
}

func newTestService(t *testing.T) (*Service, *store.Store, *recorder) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "taskq.db"), 1000)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	st.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		base = base.Add(time.Second)
		return base
	})

	rec := &recorder{}
	return NewService(st, auth.NewGate(ownerUID), rec), st, rec
}

func submit(t *testing.T, svc *Service, caller model.Caller, cmd string) int64 {
	t.Helper()
	res, err := svc.Submit(context.Background(), SubmitOptions{Command: cmd, Caller: caller})
	require.NoError(t, err)
	return res.TaskID
}

func run(t *testing.T, st *store.Store, id int64) {
	t.Helper()
	ok, err := st.ClaimTask(context.Background(), id, 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.SetTaskPID(context.Background(), id, 4321))
}

func TestSubmit(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()
	dir := t.TempDir()

	res, err := svc.Submit(ctx, SubmitOptions{Command: "echo hi", Context: dir, Caller: alice})
	require.NoError(t, err)

	task, err := svc.Info(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskWaiting, task.Status)
	assert.Equal(t, alice.UID, task.UserID)
	assert.Equal(t, "alice", task.UserName)
	assert.Equal(t, dir, task.Context)
	assert.Equal(t, []events.EventType{events.EventTaskSubmitted}, rec.events)
}

func TestSubmit_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitOptions{Command: "   ", Caller: alice})
	assert.Error(t, err)

	_, err = svc.Submit(ctx, SubmitOptions{Command: "ls", Context: filepath.Join(t.TempDir(), "nope"), Caller: alice})
	assert.Error(t, err)
}

func TestInfo_NotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Info(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequestAbort_WaitingIsSynchronous(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	id := submit(t, svc, alice, "sleep 10")

	res, err := svc.RequestAbort(ctx, id, alice)
	require.NoError(t, err)
	assert.Equal(t, AbortCanceledWaiting, res.Outcome)

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCanceled, task.Status)
	assert.NotNil(t, task.CanceledAt)

	reqs, err := st.ListAbortRequests(ctx, store.AbortFilter{})
	require.NoError(t, err)
	assert.Empty(t, reqs, "no abort request for a waiting task")
}

func TestRequestAbort_RunningIsQueued(t *testing.T) {
	svc, st, rec := newTestService(t)
	ctx := context.Background()
	id := submit(t, svc, alice, "sleep 10")
	run(t, st, id)

	res, err := svc.RequestAbort(ctx, id, alice)
	require.NoError(t, err)
	assert.Equal(t, AbortQueued, res.Outcome)
	require.NotNil(t, res.Request)
	assert.Equal(t, model.AbortWaiting, res.Request.Status)
	assert.Equal(t, 4321, res.Request.PID)
	assert.Contains(t, res.Message(), "successfully added to abort queue")

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunning, task.Status, "task keeps running until the abort daemon acts")

	again, err := svc.RequestAbort(ctx, id, owner)
	require.NoError(t, err)
	assert.Equal(t, AbortAlreadyQueued, again.Outcome)
	assert.Equal(t, res.Request.ID, again.Request.ID)

	reqs, err := st.ListAbortRequests(ctx, store.AbortFilter{})
	require.NoError(t, err)
	assert.Len(t, reqs, 1)
	assert.Contains(t, rec.events, events.EventAbortRequested)
}

func TestRequestAbort_Authorization(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	waiting := submit(t, svc, alice, "a")
	running := submit(t, svc, alice, "b")
	run(t, st, running)

	for _, id := range []int64{waiting, running} {
		_, err := svc.RequestAbort(ctx, id, bob)
		assert.True(t, errors.Is(err, auth.ErrForbidden), "task %d: %v", id, err)
	}

	// forbidden attempts change nothing
	task, err := st.GetTask(ctx, waiting)
	require.NoError(t, err)
	assert.Equal(t, model.TaskWaiting, task.Status)

	res, err := svc.RequestAbort(ctx, waiting, owner)
	require.NoError(t, err)
	assert.Equal(t, AbortCanceledWaiting, res.Outcome)
}

func TestRequestAbort_FinishedTasks(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	done := submit(t, svc, alice, "true")
	run(t, st, done)
	_, err := st.CompleteTask(ctx, done, "", 0)
	require.NoError(t, err)

	_, err = svc.RequestAbort(ctx, done, alice)
	assert.ErrorIs(t, err, ErrNotRunning)

	canceled := submit(t, svc, alice, "true")
	_, err = svc.RequestAbort(ctx, canceled, alice)
	require.NoError(t, err)
	_, err = svc.RequestAbort(ctx, canceled, alice)
	assert.ErrorIs(t, err, ErrNotRunning, "second abort of a canceled task is rejected")

	_, err = svc.RequestAbort(ctx, 12345, alice)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListQueue_Modes(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	w1 := submit(t, svc, alice, "w1")
	r := submit(t, svc, bob, "r")
	w2 := submit(t, svc, bob, "w2")
	c := submit(t, svc, alice, "c")
	run(t, st, r)
	_, err := svc.RequestAbort(ctx, c, alice)
	require.NoError(t, err)

	ids := func(tasks []model.Task) []int64 {
		out := make([]int64, len(tasks))
		for i, task := range tasks {
			out[i] = task.ID
		}
		return out
	}

	tests := []struct {
		mode ListMode
		want []int64
	}{
		{ListWaiting, []int64{w1, w2}},
		{ListAll, []int64{w1, r, w2, c}},
		{ListRunning, []int64{r}},
		{ListDone, []int64{c}},
		{ListMine, []int64{w1, c}},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			got, err := svc.ListQueue(ctx, tt.mode, alice)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestListAbortQueue_Modes(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	t1 := submit(t, svc, alice, "a")
	t2 := submit(t, svc, bob, "b")
	run(t, st, t1)
	run(t, st, t2)

	r1, err := svc.RequestAbort(ctx, t1, alice)
	require.NoError(t, err)
	_, err = svc.RequestAbort(ctx, t2, bob)
	require.NoError(t, err)

	ok, err := st.ClaimAbort(ctx, r1.Request.ID)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = st.FinishAbort(ctx, r1.Request.ID)
	require.NoError(t, err)

	open, err := svc.ListAbortQueue(ctx, ListWaiting, alice)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, t2, open[0].TaskID)

	done, err := svc.ListAbortQueue(ctx, ListDone, alice)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, t1, done[0].TaskID)

	mine, err := svc.ListAbortQueue(ctx, ListMine, bob)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, bob.UID, mine[0].UserID)

	all, err := svc.ListAbortQueue(ctx, ListAll, alice)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = svc.ListAbortQueue(ctx, ListRunning, alice)
	assert.Error(t, err)
}

func TestParseListMode(t *testing.T) {
	m, err := ParseListMode("")
	require.NoError(t, err)
	assert.Equal(t, ListWaiting, m)

	m, err = ParseListMode("done")
	require.NoError(t, err)
	assert.Equal(t, ListDone, m)

	_, err = ParseListMode("finished")
	assert.Error(t, err)
}
