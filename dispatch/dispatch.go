package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/redteamnet/arbiter/logging"
	"github.com/redteamnet/arbiter/sandbox"
)

// pullAttempts bounds retries against a flaky challenger per task.
const pullAttempts = 3

// Task is one unit of work produced by a challenger container. The ID
// is assigned by the dispatcher and must be echoed by the miner so
// responses can be attributed.
type Task struct {
	ID      string          `json:"task_id"`
	Seq     int             `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// Result is a miner's response to one task. Err is set when the task
// was forfeited (timeout, crash, bad correlation); the output is only
// meaningful when Err is nil.
type Result struct {
	TaskID string          `json:"task_id"`
	Output json.RawMessage `json:"output"`
	Err    error           `json:"-"`
}

// Dispatcher pulls ordered tasks from a challenger and runs them
// against miner sandboxes with per-task deadlines.
type Dispatcher struct {
	runner      sandbox.Runner
	taskTimeout time.Duration
}

func New(runner sandbox.Runner, taskTimeout time.Duration) *Dispatcher {
	return &Dispatcher{runner: runner, taskTimeout: taskTimeout}
}

// PullTasks fetches n tasks from the challenger's /task endpoint, in
// order. Each pull gets up to pullAttempts tries; a task that cannot
// be pulled fails the whole batch since later tasks depend on order.
func (d *Dispatcher) PullTasks(ctx context.Context, challenger *sandbox.Handle, n int) ([]Task, error) {
	logger := logging.FromContext(ctx)
	tasks := make([]Task, 0, n)

	for seq := 0; seq < n; seq++ {
		var payload json.RawMessage
		var err error
		for attempt := 1; attempt <= pullAttempts; attempt++ {
			payload, err = d.pullOne(ctx, challenger)
			if err == nil {
				break
			}
			logger.Warn("task pull failed",
				zap.Int("seq", seq),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		if err != nil {
			return nil, fmt.Errorf("pulling task %d: %w", seq, err)
		}
		tasks = append(tasks, Task{
			ID:      uuid.NewString(),
			Seq:     seq,
			Payload: payload,
		})
	}
	return tasks, nil
}

func (d *Dispatcher) pullOne(ctx context.Context, challenger *sandbox.Handle) (json.RawMessage, error) {
	body, err := d.runner.Execute(ctx, challenger, sandbox.Request{
		Method: http.MethodGet,
		Path:   "/task",
	}, d.taskTimeout)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("challenger returned invalid task body")
	}
	return body, nil
}

// solveRequest is the body sent to a miner's /solve endpoint.
type solveRequest struct {
	TaskID  string          `json:"task_id"`
	Seq     int             `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

type solveResponse struct {
	TaskID string          `json:"task_id"`
	Output json.RawMessage `json:"output"`
}

// RunMiner sends tasks to one miner sandbox in order. Each task runs
// under its own deadline; a failed task is recorded and forfeited,
// and the remaining tasks still run.
func (d *Dispatcher) RunMiner(ctx context.Context, miner *sandbox.Handle, tasks []Task) []Result {
	logger := logging.FromContext(ctx)
	results := make([]Result, 0, len(tasks))

	for _, task := range tasks {
		result := d.runTask(ctx, miner, task)
		if result.Err != nil {
			logger.Warn("task forfeited",
				zap.String("task", task.ID),
				zap.Int("seq", task.Seq),
				zap.Error(result.Err),
			)
		}
		results = append(results, result)
	}
	return results
}

func (d *Dispatcher) runTask(ctx context.Context, miner *sandbox.Handle, task Task) Result {
	result := Result{TaskID: task.ID}

	body, err := json.Marshal(solveRequest{TaskID: task.ID, Seq: task.Seq, Payload: task.Payload})
	if err != nil {
		result.Err = err
		return result
	}
	raw, err := d.runner.Execute(ctx, miner, sandbox.Request{
		Method: http.MethodPost,
		Path:   "/solve",
		Body:   body,
	}, d.taskTimeout)
	if err != nil {
		result.Err = err
		return result
	}

	var resp solveResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		result.Err = fmt.Errorf("decoding miner response: %w", err)
		return result
	}
	if resp.TaskID != task.ID {
		result.Err = fmt.Errorf("response for task %s attributed to %s, discarded", resp.TaskID, task.ID)
		return result
	}
	result.Output = resp.Output
	return result
}
