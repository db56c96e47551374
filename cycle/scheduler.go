package cycle

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/redteamnet/arbiter/aggregator"
	"github.com/redteamnet/arbiter/cache"
	"github.com/redteamnet/arbiter/logging"
	"github.com/redteamnet/arbiter/scoring"
	"github.com/redteamnet/arbiter/types"
)

// Phase is where a challenge's day currently stands.
type Phase int

const (
	PhaseAccumulating Phase = iota
	PhaseFinalizing
	PhasePublished
)

func (p Phase) String() string {
	switch p {
	case PhaseAccumulating:
		return "accumulating"
	case PhaseFinalizing:
		return "finalizing"
	default:
		return "published"
	}
}

const dateLayout = "2006-01-02"

// Scheduler drives the daily scoring cycle. Each epoch tick rebuilds
// the canonical set, scores whatever is new, and, past the
// finalization hour, runs the day's comparison pass, normalizes and
// publishes. Epochs never overlap: the next tick is armed only after
// the previous one finished.
type Scheduler struct {
	clock         clock.Clock
	agg           *aggregator.Aggregator
	pipeline      *Pipeline
	store         *cache.Store
	remote        cache.RemoteStore
	backupPath    string
	epochInterval time.Duration
	finalizeHour  int
	threshold     float64
	challenges    []ChallengeSpec

	mu sync.RWMutex
	// phases tracks today's FSM per challenge; scoredDates remembers
	// which (challenge, date) pairs already finalized, which makes a
	// second finalization of the same day a no-op.
	phases      map[string]Phase
	scoredDates map[dayKey]struct{}
	currentDate string
}

type SchedulerOption func(*Scheduler)

func WithClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

func WithRemote(r cache.RemoteStore) SchedulerOption {
	return func(s *Scheduler) { s.remote = r }
}

func NewScheduler(
	agg *aggregator.Aggregator,
	pipeline *Pipeline,
	store *cache.Store,
	backupPath string,
	epochInterval time.Duration,
	finalizeHour int,
	threshold float64,
	challenges []ChallengeSpec,
	opts ...SchedulerOption,
) *Scheduler {
	s := &Scheduler{
		clock:         clock.New(),
		agg:           agg,
		pipeline:      pipeline,
		store:         store,
		backupPath:    backupPath,
		epochInterval: epochInterval,
		finalizeHour:  finalizeHour,
		threshold:     threshold,
		challenges:    challenges,
		phases:        make(map[string]Phase),
		scoredDates:   make(map[dayKey]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run loops epochs until the context is cancelled. The cache backup is
// rehydrated before the first epoch so a wiped data dir still serves
// yesterday's published results.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	if err := s.store.Rehydrate(s.backupPath); err != nil {
		logger.Warn("rehydrating cache backup", zap.Error(err))
	}

	for {
		s.RunEpoch(ctx)

		timer := s.clock.Timer(s.epochInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// RunEpoch executes one tick: collect, score, maybe finalize.
func (s *Scheduler) RunEpoch(ctx context.Context) {
	logger := logging.FromContext(ctx)
	started := s.clock.Now()
	now := started.UTC()
	date := now.Format(dateLayout)

	s.rollDay(ctx, date)

	set, err := s.agg.Collect(ctx)
	if err != nil {
		logger.Error("collecting validator views", zap.Error(err))
		return
	}

	for _, spec := range s.challenges {
		subs := set.Challenge(spec.Name)
		if err := s.pipeline.ScoreBatch(ctx, spec, subs, date); err != nil {
			logger.Error("scoring batch", zap.String("challenge", spec.Name), zap.Error(err))
			continue
		}
		if now.Hour() >= s.finalizeHour {
			s.finalize(ctx, spec, date)
		}
	}

	epochsTotal.Inc()
	epochDuration.Observe(s.clock.Since(started).Seconds())
}

// rollDay resets every challenge to Accumulating when the UTC date
// changes and drops the previous day's comparison windows.
func (s *Scheduler) rollDay(ctx context.Context, date string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentDate == date {
		return
	}
	if s.currentDate != "" {
		for _, spec := range s.challenges {
			s.pipeline.DropDay(spec.Name, s.currentDate)
		}
		for key := range s.scoredDates {
			if key.date != date {
				delete(s.scoredDates, key)
			}
		}
		logging.FromContext(ctx).Info("new scoring day", zap.String("date", date))
	}
	s.currentDate = date
	for _, spec := range s.challenges {
		s.phases[spec.Name] = PhaseAccumulating
	}
}

// finalize runs the day's full comparison pass, recomputes penalties,
// normalizes final scores across the challenge, marks everything done
// and persists. Finalizing an already-finalized day is a no-op.
func (s *Scheduler) finalize(ctx context.Context, spec ChallengeSpec, date string) {
	logger := logging.FromContext(ctx).With(zap.String("challenge", spec.Name), zap.String("date", date))

	s.mu.Lock()
	if _, done := s.scoredDates[dayKey{challenge: spec.Name, date: date}]; done {
		s.mu.Unlock()
		return
	}
	s.phases[spec.Name] = PhaseFinalizing
	s.mu.Unlock()

	window := s.pipeline.Candidates(spec.Name, date)
	comparer := s.pipeline.comparer(ctx, spec.Name)

	results := make(map[string]*types.ScoringResult, len(window))
	var sum float64
	for _, cand := range window {
		result, err := s.store.Get(spec.Name, cand.ContentHash)
		if err != nil {
			logger.Warn("result missing at finalization", zap.String("hash", cand.ContentHash), zap.Error(err))
			continue
		}
		logs, maxSim := comparer.Compare(cand, window)
		result.ComparisonLogs = logs
		result.Penalty = scoring.Penalty(maxSim, s.threshold)
		result.FinalScore = scoring.Final(result.RawScore, result.Penalty)
		results[cand.ContentHash] = result
		sum += result.FinalScore
	}

	for _, result := range results {
		if sum > 0 {
			result.NormalizedScore = result.FinalScore / sum
		} else {
			result.NormalizedScore = 0
		}
		result.Finalized = true
		if err := s.store.Update(result); err != nil {
			logger.Error("persisting finalized result", zap.Error(err))
			return
		}
	}
	s.pipeline.persistPairs(ctx, spec.Name, comparer)

	s.persist(ctx, spec.Name, results)

	s.mu.Lock()
	s.scoredDates[dayKey{challenge: spec.Name, date: date}] = struct{}{}
	s.phases[spec.Name] = PhasePublished
	s.mu.Unlock()

	finalizationsTotal.WithLabelValues(spec.Name).Inc()
	logger.Info("day published", zap.Int("results", len(results)))
}

// persist snapshots the store locally and mirrors the day's results
// remotely. Both are best-effort: the durable leveldb copy already
// holds the truth.
func (s *Scheduler) persist(ctx context.Context, challenge string, results map[string]*types.ScoringResult) {
	logger := logging.FromContext(ctx)
	if err := s.store.WriteBackup(s.backupPath); err != nil {
		logger.Warn("writing cache backup", zap.Error(err))
	}
	if s.remote == nil {
		return
	}
	batch := make([]*types.ScoringResult, 0, len(results))
	for _, r := range results {
		batch = append(batch, r)
	}
	if err := s.remote.Upload(ctx, batch); err != nil {
		logger.Warn("mirroring results to remote storage", zap.Error(err))
	}
}

// Phase reports where a challenge stands today.
func (s *Scheduler) Phase(challenge string) Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phases[challenge]
}

// IsDone reports whether the challenge's current day has been
// finalized and published.
func (s *Scheduler) IsDone(challenge string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, done := s.scoredDates[dayKey{challenge: challenge, date: s.currentDate}]
	return done
}
