package submission

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

// ValidatorView is one validator's read-only snapshot of the
// submissions it has observed.
type ValidatorView struct {
	Validator   string
	Stake       float64
	Submissions []Submission
	FetchedAt   time.Time
}

// CanonicalSet holds exactly one submission per (challenge, miner):
// the latest-by-timestamp commit across all trusted validator views.
// A set is built fresh each cycle and never mutated afterwards.
type CanonicalSet struct {
	byKey map[string]*Submission
}

func canonicalKey(challenge, miner string) string {
	return challenge + "/" + miner
}

// BuildCanonicalSet merges validator views into a canonical set.
// Views are folded in ascending validator-identity order so ties are
// resolved the same way regardless of fetch completion order.
//
// Merge rules, per (challenge, miner):
//   - a different encrypted payload with a newer timestamp supersedes;
//   - the same encrypted payload with an older timestamp wins the
//     timestamp (earliest observation of the commit), and a reveal key
//     present in either view is kept;
//   - otherwise the first-observed submission stands.
func BuildCanonicalSet(logger *zap.Logger, views []ValidatorView) *CanonicalSet {
	sorted := make([]ValidatorView, len(views))
	copy(sorted, views)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Validator < sorted[j].Validator
	})

	set := &CanonicalSet{byKey: make(map[string]*Submission)}
	for _, view := range sorted {
		for i := range view.Submissions {
			sub := view.Submissions[i]
			key := canonicalKey(sub.Challenge, sub.Miner)
			cur, ok := set.byKey[key]
			if !ok {
				copied := sub
				set.byKey[key] = &copied
				continue
			}
			switch {
			case cur.Encrypted == sub.Encrypted:
				if sub.Timestamp.Before(cur.Timestamp) {
					cur.Timestamp = sub.Timestamp
				}
				if cur.RevealKey == "" && sub.RevealKey != "" {
					cur.RevealKey = sub.RevealKey
				}
			case sub.Timestamp.After(cur.Timestamp):
				logger.Debug("superseding submission",
					zap.String("challenge", sub.Challenge),
					zap.String("miner", sub.Miner),
					zap.Time("old", cur.Timestamp),
					zap.Time("new", sub.Timestamp),
				)
				copied := sub
				set.byKey[key] = &copied
			}
		}
	}
	return set
}

// Get returns the canonical submission for (challenge, miner).
func (c *CanonicalSet) Get(challenge, miner string) (*Submission, bool) {
	sub, ok := c.byKey[canonicalKey(challenge, miner)]
	return sub, ok
}

// ByPayloadHash returns the canonical submission whose encrypted
// payload hashes to the given value, if any.
func (c *CanonicalSet) ByPayloadHash(challenge, hash string) (*Submission, bool) {
	for _, sub := range c.byKey {
		if sub.Challenge == challenge && sub.PayloadHash() == hash {
			return sub, true
		}
	}
	return nil, false
}

// Challenge returns all canonical submissions for one challenge,
// ordered by miner identity.
func (c *CanonicalSet) Challenge(challenge string) []*Submission {
	var subs []*Submission
	for _, sub := range c.byKey {
		if sub.Challenge == challenge {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Miner < subs[j].Miner })
	return subs
}

// All returns every canonical submission, ordered by challenge then
// miner identity.
func (c *CanonicalSet) All() []*Submission {
	subs := make([]*Submission, 0, len(c.byKey))
	for _, sub := range c.byKey {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].Challenge != subs[j].Challenge {
			return subs[i].Challenge < subs[j].Challenge
		}
		return subs[i].Miner < subs[j].Miner
	})
	return subs
}

// Len returns the number of canonical submissions across challenges.
func (c *CanonicalSet) Len() int {
	return len(c.byKey)
}
