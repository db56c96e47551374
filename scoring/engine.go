package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/redteamnet/arbiter/dispatch"
	"github.com/redteamnet/arbiter/logging"
	"github.com/redteamnet/arbiter/sandbox"
	"github.com/redteamnet/arbiter/types"
)

// Engine grades miner outputs through the challenger container. A
// grading job is submitted with POST /score and its status polled at
// a fixed interval until it finishes or the total timeout elapses.
type Engine struct {
	runner       sandbox.Runner
	pollInterval time.Duration
	totalTimeout time.Duration
}

func NewEngine(runner sandbox.Runner, pollInterval, totalTimeout time.Duration) *Engine {
	return &Engine{
		runner:       runner,
		pollInterval: pollInterval,
		totalTimeout: totalTimeout,
	}
}

type scoreRequest struct {
	TaskID  string          `json:"task_id"`
	Payload json.RawMessage `json:"payload"`
	Output  json.RawMessage `json:"output"`
}

type scoreSubmitted struct {
	JobID string `json:"job_id"`
}

type scoreStatus struct {
	Done  bool    `json:"done"`
	Score float64 `json:"score"`
}

// Grade scores one task result. A forfeited task, a grading failure
// or a polling timeout all degrade to a zero score with an annotation
// in the log entry; grading never fails the surrounding cycle.
func (e *Engine) Grade(ctx context.Context, challenger *sandbox.Handle, task dispatch.Task, result dispatch.Result) types.ScoringLog {
	logger := logging.FromContext(ctx)
	log := types.ScoringLog{TaskID: task.ID}

	if result.Err != nil {
		log.Error = result.Err.Error()
		log.Annotation = "task forfeited before grading"
		return log
	}

	jobID, err := e.submit(ctx, challenger, task, result)
	if err != nil {
		logger.Warn("grading submission failed", zap.String("task", task.ID), zap.Error(err))
		log.Error = err.Error()
		log.Annotation = "grading submission failed"
		return log
	}

	score, err := e.poll(ctx, challenger, jobID)
	if err != nil {
		logger.Warn("grading poll failed", zap.String("task", task.ID), zap.String("job", jobID), zap.Error(err))
		log.Error = err.Error()
		log.Annotation = "grading did not complete in time"
		return log
	}

	log.Score = clamp01(score)
	return log
}

func (e *Engine) submit(ctx context.Context, challenger *sandbox.Handle, task dispatch.Task, result dispatch.Result) (string, error) {
	body, err := json.Marshal(scoreRequest{TaskID: task.ID, Payload: task.Payload, Output: result.Output})
	if err != nil {
		return "", err
	}
	raw, err := e.runner.Execute(ctx, challenger, sandbox.Request{
		Method: http.MethodPost,
		Path:   "/score",
		Body:   body,
	}, e.totalTimeout)
	if err != nil {
		return "", err
	}
	var submitted scoreSubmitted
	if err := json.Unmarshal(raw, &submitted); err != nil {
		return "", fmt.Errorf("decoding job id: %w", err)
	}
	if submitted.JobID == "" {
		return "", fmt.Errorf("challenger returned no job id")
	}
	return submitted.JobID, nil
}

// poll checks the job at a fixed interval, not exponentially: grading
// jobs have fairly uniform latency and a fixed cadence keeps the total
// timeout predictable.
func (e *Engine) poll(ctx context.Context, challenger *sandbox.Handle, jobID string) (float64, error) {
	deadline := time.Now().Add(e.totalTimeout)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		raw, err := e.runner.Execute(ctx, challenger, sandbox.Request{
			Method: http.MethodGet,
			Path:   "/score/" + jobID,
		}, e.pollInterval)
		if err == nil {
			var status scoreStatus
			if err := json.Unmarshal(raw, &status); err != nil {
				return 0, fmt.Errorf("decoding job status: %w", err)
			}
			if status.Done {
				return status.Score, nil
			}
		}

		if time.Now().After(deadline) {
			return 0, fmt.Errorf("%w: job %s after %v", types.ErrTimeout, jobID, e.totalTimeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
