package similarity

import (
	"sync"

	"go.uber.org/zap"

	"github.com/redteamnet/arbiter/types"
)

// Candidate is one revealed submission entering a comparison window.
type Candidate struct {
	Miner       string
	ContentHash string
	Code        string
}

// Comparer computes pairwise similarities within a window of
// candidates. Each unordered pair is measured once and cached under a
// canonical key, so re-running a window (incremental epochs, then the
// full-day pass at finalization) never repeats work.
type Comparer struct {
	logger *zap.Logger

	mu    sync.Mutex
	pairs map[pairKey]float64
	fps   map[string]*Fingerprint
}

type pairKey struct {
	a, b string
}

// canonicalPair orders the two content hashes so (x, y) and (y, x)
// address the same cache entry.
func canonicalPair(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a: a, b: b}
}

func NewComparer(logger *zap.Logger) *Comparer {
	return &Comparer{
		logger: logger,
		pairs:  make(map[pairKey]float64),
		fps:    make(map[string]*Fingerprint),
	}
}

// SeedPairs preloads previously persisted pair scores, keyed by the
// two content hashes in either order.
func (c *Comparer) SeedPairs(pairs map[[2]string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range pairs {
		c.pairs[canonicalPair(k[0], k[1])] = v
	}
}

// Pairs snapshots the pair cache for persistence.
func (c *Comparer) Pairs() map[[2]string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[[2]string]float64, len(c.pairs))
	for k, v := range c.pairs {
		out[[2]string{k.a, k.b}] = v
	}
	return out
}

// Compare measures sub against every window candidate from a distinct
// miner and returns the comparison logs plus the window similarity:
// the maximum similarity against any other miner. A fingerprint
// failure on either side fails open to similarity 0 with a warning so
// malformed code never blocks scoring.
func (c *Comparer) Compare(sub Candidate, window []Candidate) ([]types.ComparisonLog, float64) {
	var logs []types.ComparisonLog
	var maxSim float64

	for _, other := range window {
		if other.Miner == sub.Miner {
			continue
		}
		sim, err := c.pairSimilarity(sub, other)
		log := types.ComparisonLog{
			OtherMiner: other.Miner,
			OtherHash:  other.ContentHash,
			Similarity: sim,
		}
		if err != nil {
			log.Error = err.Error()
			c.logger.Warn("similarity comparison failed open",
				zap.String("miner", sub.Miner),
				zap.String("other", other.Miner),
				zap.Error(err),
			)
		}
		logs = append(logs, log)
		if sim > maxSim {
			maxSim = sim
		}
	}
	return logs, maxSim
}

func (c *Comparer) pairSimilarity(a, b Candidate) (float64, error) {
	key := canonicalPair(a.ContentHash, b.ContentHash)

	c.mu.Lock()
	if sim, ok := c.pairs[key]; ok {
		c.mu.Unlock()
		return sim, nil
	}
	c.mu.Unlock()

	// Byte-identical content is a copy no matter whether it
	// fingerprints cleanly.
	if a.ContentHash == b.ContentHash {
		c.mu.Lock()
		c.pairs[key] = 1.0
		c.mu.Unlock()
		return 1.0, nil
	}

	fpA, err := c.fingerprint(a)
	if err != nil {
		return 0, err
	}
	fpB, err := c.fingerprint(b)
	if err != nil {
		return 0, err
	}
	sim := fpA.Similarity(fpB)

	c.mu.Lock()
	c.pairs[key] = sim
	c.mu.Unlock()
	return sim, nil
}

func (c *Comparer) fingerprint(cand Candidate) (*Fingerprint, error) {
	c.mu.Lock()
	if fp, ok := c.fps[cand.ContentHash]; ok {
		c.mu.Unlock()
		return fp, nil
	}
	c.mu.Unlock()

	fp, err := Extract(cand.Code)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.fps[cand.ContentHash] = fp
	c.mu.Unlock()
	return fp, nil
}
