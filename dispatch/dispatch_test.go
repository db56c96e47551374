package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/redteamnet/arbiter/logging"
	"github.com/redteamnet/arbiter/sandbox"
	"github.com/redteamnet/arbiter/types"
)

// fakeRunner scripts Execute responses per path.
type fakeRunner struct {
	onExecute func(h *sandbox.Handle, req sandbox.Request) ([]byte, error)
}

func (f *fakeRunner) Acquire(context.Context, string, string, sandbox.Role, sandbox.Limits) (*sandbox.Handle, error) {
	return &sandbox.Handle{}, nil
}

func (f *fakeRunner) Execute(_ context.Context, h *sandbox.Handle, req sandbox.Request, _ time.Duration) ([]byte, error) {
	return f.onExecute(h, req)
}

func (f *fakeRunner) Release(context.Context, *sandbox.Handle) {}

func testCtx(t *testing.T) context.Context {
	return logging.NewContext(context.Background(), zaptest.NewLogger(t))
}

func TestPullTasks_OrderedWithIDs(t *testing.T) {
	var pulls int
	runner := &fakeRunner{onExecute: func(_ *sandbox.Handle, req sandbox.Request) ([]byte, error) {
		require.Equal(t, "/task", req.Path)
		pulls++
		return []byte(fmt.Sprintf(`{"n":%d}`, pulls)), nil
	}}

	d := New(runner, time.Second)
	tasks, err := d.PullTasks(testCtx(t), &sandbox.Handle{}, 3)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for i, task := range tasks {
		require.Equal(t, i, task.Seq)
		require.NotEmpty(t, task.ID)
		require.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i+1), string(task.Payload))
	}
	require.NotEqual(t, tasks[0].ID, tasks[1].ID)
}

func TestPullTasks_RetriesThenFails(t *testing.T) {
	var attempts int
	runner := &fakeRunner{onExecute: func(*sandbox.Handle, sandbox.Request) ([]byte, error) {
		attempts++
		return nil, types.ErrTimeout
	}}

	d := New(runner, time.Second)
	_, err := d.PullTasks(testCtx(t), &sandbox.Handle{}, 1)
	require.ErrorIs(t, err, types.ErrTimeout)
	require.Equal(t, 3, attempts)
}

func TestPullTasks_RecoversWithinAttempts(t *testing.T) {
	var attempts int
	runner := &fakeRunner{onExecute: func(*sandbox.Handle, sandbox.Request) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, types.ErrTimeout
		}
		return []byte(`{"ok":true}`), nil
	}}

	d := New(runner, time.Second)
	tasks, err := d.PullTasks(testCtx(t), &sandbox.Handle{}, 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestRunMiner_FailureForfeitsOnlyThatTask(t *testing.T) {
	runner := &fakeRunner{onExecute: func(_ *sandbox.Handle, req sandbox.Request) ([]byte, error) {
		var solve struct {
			TaskID string `json:"task_id"`
			Seq    int    `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(req.Body, &solve))
		if solve.Seq == 1 {
			return nil, types.ErrTimeout
		}
		return []byte(fmt.Sprintf(`{"task_id":%q,"output":{"answer":%d}}`, solve.TaskID, solve.Seq)), nil
	}}

	d := New(runner, time.Second)
	tasks := []Task{
		{ID: "t0", Seq: 0, Payload: []byte(`{}`)},
		{ID: "t1", Seq: 1, Payload: []byte(`{}`)},
		{ID: "t2", Seq: 2, Payload: []byte(`{}`)},
	}
	results := d.RunMiner(testCtx(t), &sandbox.Handle{}, tasks)
	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	require.ErrorIs(t, results[1].Err, types.ErrTimeout)
	require.NoError(t, results[2].Err)
	require.JSONEq(t, `{"answer":2}`, string(results[2].Output))
}

func TestRunMiner_MisattributedResponseDiscarded(t *testing.T) {
	runner := &fakeRunner{onExecute: func(*sandbox.Handle, sandbox.Request) ([]byte, error) {
		return []byte(`{"task_id":"someone-else","output":{}}`), nil
	}}

	d := New(runner, time.Second)
	results := d.RunMiner(testCtx(t), &sandbox.Handle{}, []Task{{ID: "t0", Payload: []byte(`{}`)}})
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
	require.Nil(t, results[0].Output)
}
