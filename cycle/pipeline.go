package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/redteamnet/arbiter/cache"
	"github.com/redteamnet/arbiter/dispatch"
	"github.com/redteamnet/arbiter/logging"
	"github.com/redteamnet/arbiter/sandbox"
	"github.com/redteamnet/arbiter/scoring"
	"github.com/redteamnet/arbiter/similarity"
	"github.com/redteamnet/arbiter/submission"
	"github.com/redteamnet/arbiter/types"
)

// ChallengeSpec describes one challenge the service scores.
type ChallengeSpec struct {
	Name string
	// Image is the challenger container image.
	Image string
	// BaselineImage, when set, is run against the same tasks so miner
	// scores can be read relative to a known solver.
	BaselineImage string
	// Tasks is how many tasks each miner faces per scoring run.
	Tasks int
}

// Pipeline executes one challenge scoring batch: challenger up, tasks
// pulled, each new submission solved in a miner sandbox, outputs
// graded, code compared within the day's window, results cached.
//
// A submission whose content hash is already cached is never executed
// again; re-scoring work across epochs and restarts is driven entirely
// by cache misses.
type Pipeline struct {
	runner     sandbox.Runner
	dispatcher *dispatch.Dispatcher
	engine     *scoring.Engine
	store      *cache.Store
	limits     sandbox.Limits
	threshold  float64

	mu         sync.Mutex
	comparers  map[string]*similarity.Comparer
	candidates map[dayKey][]similarity.Candidate
}

type dayKey struct {
	challenge string
	date      string
}

func NewPipeline(
	runner sandbox.Runner,
	dispatcher *dispatch.Dispatcher,
	engine *scoring.Engine,
	store *cache.Store,
	limits sandbox.Limits,
	threshold float64,
) *Pipeline {
	return &Pipeline{
		runner:     runner,
		dispatcher: dispatcher,
		engine:     engine,
		store:      store,
		limits:     limits,
		threshold:  threshold,
		comparers:  make(map[string]*similarity.Comparer),
		candidates: make(map[dayKey][]similarity.Candidate),
	}
}

// ScoreBatch scores every pending submission for one challenge. A
// single miner's failure never fails the batch; challenger failures
// do, since nothing can be scored without one.
func (p *Pipeline) ScoreBatch(ctx context.Context, spec ChallengeSpec, subs []*submission.Submission, date string) error {
	logger := logging.FromContext(ctx).With(zap.String("challenge", spec.Name))
	ctx = logging.NewContext(ctx, logger)

	pending, err := p.pending(ctx, spec.Name, subs, date)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	challenger, err := p.runner.Acquire(ctx, spec.Name, spec.Image, sandbox.RoleChallenger, p.limits)
	if err != nil {
		return fmt.Errorf("acquiring challenger: %w", err)
	}
	defer p.runner.Release(ctx, challenger)

	tasks, err := p.dispatcher.PullTasks(ctx, challenger, spec.Tasks)
	if err != nil {
		return err
	}

	var baseline map[string]float64
	if spec.BaselineImage != "" {
		baseline, err = p.runBaseline(ctx, spec, challenger, tasks)
		if err != nil {
			logger.Warn("baseline run failed, scoring without it", zap.Error(err))
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, sub := range pending {
		sub := sub
		eg.Go(func() error {
			p.scoreOne(egCtx, spec, challenger, tasks, sub, baseline, date)
			return nil
		})
	}
	return eg.Wait()
}

// pending filters the batch down to revealed, valid submissions whose
// content is not cached yet, and registers every revealed submission
// as a comparison candidate for the day.
func (p *Pipeline) pending(ctx context.Context, challenge string, subs []*submission.Submission, date string) ([]*submission.Submission, error) {
	logger := logging.FromContext(ctx)
	var pending []*submission.Submission
	batch := make(map[string]struct{})

	for _, sub := range subs {
		if sub.Invalid || sub.Payload == nil {
			continue
		}
		hash, err := sub.ContentHash()
		if err != nil {
			logger.Warn("hashing submission", zap.String("miner", sub.Miner), zap.Error(err))
			continue
		}
		p.register(challenge, date, similarity.Candidate{
			Miner:       sub.Miner,
			ContentHash: hash,
			Code:        sub.Payload.Code,
		})

		cached, err := p.store.Has(challenge, hash)
		if err != nil {
			return nil, err
		}
		if cached {
			continue
		}
		// One execution per distinct content, even within a batch.
		if _, dup := batch[hash]; dup {
			continue
		}
		batch[hash] = struct{}{}
		pending = append(pending, sub)
	}
	return pending, nil
}

func (p *Pipeline) scoreOne(
	ctx context.Context,
	spec ChallengeSpec,
	challenger *sandbox.Handle,
	tasks []dispatch.Task,
	sub *submission.Submission,
	baseline map[string]float64,
	date string,
) {
	logger := logging.FromContext(ctx).With(zap.String("miner", sub.Miner))
	hash, err := sub.ContentHash()
	if err != nil {
		return
	}

	miner, err := p.runner.Acquire(ctx, spec.Name, sub.Payload.Image, sandbox.RoleMiner, p.limits)
	if err != nil {
		// An image that cannot run scores zero; transient slot pressure
		// leaves the submission for the next epoch.
		if errors.Is(err, types.ErrBuild) {
			p.storeResult(ctx, spec.Name, hash, sub, nil, date, err.Error())
			return
		}
		logger.Warn("acquiring miner sandbox", zap.Error(err))
		return
	}
	defer p.runner.Release(ctx, miner)

	results := p.dispatcher.RunMiner(ctx, miner, tasks)

	logs := make([]types.ScoringLog, 0, len(tasks))
	for i, task := range tasks {
		log := p.engine.Grade(ctx, challenger, task, results[i])
		if b, ok := baseline[task.ID]; ok {
			b := b
			log.BaselineScore = &b
		}
		logs = append(logs, log)
	}
	p.storeResult(ctx, spec.Name, hash, sub, logs, date, "")
}

func (p *Pipeline) storeResult(
	ctx context.Context,
	challenge, hash string,
	sub *submission.Submission,
	logs []types.ScoringLog,
	date string,
	failure string,
) {
	logger := logging.FromContext(ctx)

	result := &types.ScoringResult{
		Challenge:   challenge,
		ContentHash: hash,
		ScoringLogs: logs,
		ScoredAt:    time.Now().UTC(),
	}
	if failure != "" {
		result.ScoringLogs = []types.ScoringLog{{Error: failure, Annotation: "sandbox build failed"}}
	}
	result.RawScore = result.MeanScore()

	comparer := p.comparer(ctx, challenge)
	window := p.Candidates(challenge, date)
	compLogs, maxSim := comparer.Compare(similarity.Candidate{
		Miner:       sub.Miner,
		ContentHash: hash,
		Code:        sub.Payload.Code,
	}, window)
	result.ComparisonLogs = compLogs
	result.Penalty = scoring.Penalty(maxSim, p.threshold)
	result.FinalScore = scoring.Final(result.RawScore, result.Penalty)

	created, err := p.store.Put(result)
	if err != nil {
		logger.Error("caching scoring result", zap.String("hash", hash), zap.Error(err))
		return
	}
	if created {
		submissionsScored.WithLabelValues(challenge).Inc()
	}
	p.persistPairs(ctx, challenge, comparer)

	logger.Info("submission scored",
		zap.String("miner", sub.Miner),
		zap.String("hash", hash[:12]),
		zap.Float64("raw", result.RawScore),
		zap.Float64("penalty", result.Penalty),
	)
}

// runBaseline solves and grades the task set with the configured
// baseline image, producing a per-task reference score.
func (p *Pipeline) runBaseline(ctx context.Context, spec ChallengeSpec, challenger *sandbox.Handle, tasks []dispatch.Task) (map[string]float64, error) {
	miner, err := p.runner.Acquire(ctx, spec.Name, spec.BaselineImage, sandbox.RoleMiner, p.limits)
	if err != nil {
		return nil, err
	}
	defer p.runner.Release(ctx, miner)

	results := p.dispatcher.RunMiner(ctx, miner, tasks)
	scores := make(map[string]float64, len(tasks))
	for i, task := range tasks {
		log := p.engine.Grade(ctx, challenger, task, results[i])
		scores[task.ID] = log.Score
	}
	return scores, nil
}

func (p *Pipeline) comparer(ctx context.Context, challenge string) *similarity.Comparer {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.comparers[challenge]
	if !ok {
		c = similarity.NewComparer(logging.FromContext(ctx).With(zap.String("challenge", challenge)))
		if pairs, err := p.store.Pairs(challenge); err == nil {
			c.SeedPairs(pairs)
		}
		p.comparers[challenge] = c
	}
	return c
}

func (p *Pipeline) persistPairs(ctx context.Context, challenge string, comparer *similarity.Comparer) {
	for k, sim := range comparer.Pairs() {
		if err := p.store.PutPair(challenge, k[0], k[1], sim); err != nil {
			logging.FromContext(ctx).Warn("persisting pair score", zap.Error(err))
			return
		}
	}
}

func (p *Pipeline) register(challenge, date string, cand similarity.Candidate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := dayKey{challenge: challenge, date: date}
	for _, existing := range p.candidates[key] {
		if existing.ContentHash == cand.ContentHash && existing.Miner == cand.Miner {
			return
		}
	}
	p.candidates[key] = append(p.candidates[key], cand)
}

// Candidates returns the day's comparison window for a challenge.
func (p *Pipeline) Candidates(challenge, date string) []similarity.Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := dayKey{challenge: challenge, date: date}
	out := make([]similarity.Candidate, len(p.candidates[key]))
	copy(out, p.candidates[key])
	return out
}

// DropDay forgets a finished day's comparison window.
func (p *Pipeline) DropDay(challenge, date string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.candidates, dayKey{challenge: challenge, date: date})
}
