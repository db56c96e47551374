package aggregator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/redteamnet/arbiter/logging"
	"github.com/redteamnet/arbiter/submission"
	"github.com/redteamnet/arbiter/types"
)

// Aggregator rebuilds the canonical submission set each cycle from
// all trusted validator views. Fetches run concurrently with
// individual timeouts; a validator that fails or answers garbage is
// skipped for this cycle only and picked up again on the next one.
type Aggregator struct {
	chain        ChainClient
	fetcher      ViewFetcher
	clock        clock.Clock
	minStake     float64
	fetchTimeout time.Duration
	revealDelay  time.Duration

	mu        sync.RWMutex
	canonical *submission.CanonicalSet
}

type Option func(*Aggregator)

// WithClock swaps the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

// WithMinStake sets the stake below which a validator's view is not
// trusted.
func WithMinStake(stake float64) Option {
	return func(a *Aggregator) { a.minStake = stake }
}

// WithFetchTimeout bounds each individual view fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.fetchTimeout = d }
}

// WithRevealDelay sets how long after submission a payload must be
// decryptable before the submission is marked invalid.
func WithRevealDelay(d time.Duration) Option {
	return func(a *Aggregator) { a.revealDelay = d }
}

func New(chain ChainClient, fetcher ViewFetcher, opts ...Option) *Aggregator {
	a := &Aggregator{
		chain:        chain,
		fetcher:      fetcher,
		clock:        clock.New(),
		minStake:     1000,
		fetchTimeout: 30 * time.Second,
		revealDelay:  24 * time.Hour,
		canonical:    submission.BuildCanonicalSet(zap.NewNop(), nil),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Collect fetches every trusted validator's view, merges them into a
// fresh canonical set, decrypts due reveals and publishes the result.
// Carried-over invalid marks survive the rebuild so a payload that
// failed to decrypt past the delay is never retried.
func (a *Aggregator) Collect(ctx context.Context) (*submission.CanonicalSet, error) {
	logger := logging.FromContext(ctx)

	validators, err := a.chain.Validators(ctx)
	if err != nil {
		return nil, err
	}

	trusted := validators[:0]
	for _, v := range validators {
		if v.Stake >= a.minStake {
			trusted = append(trusted, v)
		} else {
			logger.Debug("validator below stake threshold",
				zap.String("validator", v.ID),
				zap.Float64("stake", v.Stake),
			)
		}
	}
	validatorsTrusted.Set(float64(len(trusted)))

	views := make([]*submission.ValidatorView, len(trusted))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, validator := range trusted {
		i, validator := i, validator
		eg.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(egCtx, a.fetchTimeout)
			defer cancel()
			view, err := a.fetcher.FetchView(fetchCtx, validator)
			if err != nil {
				fetchFailures.Inc()
				logger.Warn("skipping validator this cycle",
					zap.String("validator", validator.ID),
					zap.Error(err),
				)
				return nil
			}
			views[i] = view
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	merged := make([]submission.ValidatorView, 0, len(views))
	for _, view := range views {
		if view != nil {
			merged = append(merged, *view)
		}
	}

	set := submission.BuildCanonicalSet(logger, merged)
	a.reveal(ctx, set)

	a.mu.Lock()
	a.canonical = set
	a.mu.Unlock()

	logger.Info("canonical set rebuilt",
		zap.Int("validators", len(merged)),
		zap.Int("submissions", set.Len()),
	)
	return set, nil
}

// reveal decrypts every due submission in the set. Decryption runs
// once per rebuild; a failure past the reveal delay marks the
// submission invalid permanently (carried across rebuilds).
func (a *Aggregator) reveal(ctx context.Context, set *submission.CanonicalSet) {
	logger := logging.FromContext(ctx)
	now := a.clock.Now().UTC()

	a.mu.RLock()
	previous := a.canonical
	a.mu.RUnlock()

	for _, sub := range set.All() {
		if prev, ok := previous.Get(sub.Challenge, sub.Miner); ok &&
			prev.Invalid && prev.Encrypted == sub.Encrypted {
			sub.Invalid = true
			continue
		}
		if sub.Payload != nil || sub.Invalid {
			continue
		}
		if !sub.Revealed() {
			if sub.RevealDue(now, a.revealDelay) {
				sub.Invalid = true
				logger.Warn("submission never revealed, marking invalid",
					zap.String("challenge", sub.Challenge),
					zap.String("miner", sub.Miner),
				)
			}
			continue
		}
		if err := sub.Decrypt(); err != nil {
			if errors.Is(err, types.ErrDecryption) && sub.RevealDue(now, a.revealDelay) {
				sub.Invalid = true
			}
			logger.Warn("decrypting submission",
				zap.String("challenge", sub.Challenge),
				zap.String("miner", sub.Miner),
				zap.Bool("invalid", sub.Invalid),
				zap.Error(err),
			)
		}
	}
}

// Canonical returns the latest published canonical set.
func (a *Aggregator) Canonical() *submission.CanonicalSet {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.canonical
}
