package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/redteamnet/arbiter/types"
)

// ErrNotFound is returned when no result exists for a key.
var ErrNotFound = errors.New("scoring result not found")

// Store is the durable scoring-result cache: leveldb underneath with
// an LRU front for the hot read path (the query API hits the same few
// hashes repeatedly while a day is being scored).
//
// Results are keyed by (challenge, content hash). Put never clobbers
// an existing record, so a submission's raw score is computed exactly
// once; Update overwrites and is reserved for finalization, which is
// idempotent by construction.
type Store struct {
	db  *leveldb.DB
	hot *lru.Cache
}

var syncWrite = &opt.WriteOptions{Sync: true}

func resultKey(challenge, hash string) []byte {
	return []byte("result/" + challenge + "/" + hash)
}

func pairKey(challenge, a, b string) []byte {
	if a > b {
		a, b = b, a
	}
	return []byte("pair/" + challenge + "/" + a + "/" + b)
}

func Open(path string, hotSize int) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}
	hot, err := lru.New(hotSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, hot: hot}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores a result unless one already exists for its key. The
// returned bool reports whether the record was created.
func (s *Store) Put(r *types.ScoringResult) (bool, error) {
	key := resultKey(r.Challenge, r.ContentHash)
	has, err := s.db.Has(key, nil)
	if err != nil {
		return false, err
	}
	if has {
		return false, nil
	}
	return true, s.write(key, r)
}

// Update overwrites the record for the result's key.
func (s *Store) Update(r *types.ScoringResult) error {
	return s.write(resultKey(r.Challenge, r.ContentHash), r)
}

func (s *Store) write(key []byte, r *types.ScoringResult) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := s.db.Put(key, raw, syncWrite); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	// Cache a copy, never the caller's pointer.
	s.hot.Add(string(key), cloneResult(r))
	return nil
}

// Get returns the result for (challenge, hash) or ErrNotFound. The
// returned record is the caller's own copy: the finalizer mutates
// results it reads while API handlers marshal theirs concurrently, so
// the hot cache must never hand the same struct to both.
func (s *Store) Get(challenge, hash string) (*types.ScoringResult, error) {
	key := resultKey(challenge, hash)
	if cached, ok := s.hot.Get(string(key)); ok {
		return cloneResult(cached.(*types.ScoringResult)), nil
	}
	raw, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r types.ScoringResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	s.hot.Add(string(key), &r)
	return cloneResult(&r), nil
}

func cloneResult(r *types.ScoringResult) *types.ScoringResult {
	out := *r
	out.ScoringLogs = append([]types.ScoringLog(nil), r.ScoringLogs...)
	out.ComparisonLogs = append([]types.ComparisonLog(nil), r.ComparisonLogs...)
	for i := range out.ScoringLogs {
		if b := out.ScoringLogs[i].BaselineScore; b != nil {
			v := *b
			out.ScoringLogs[i].BaselineScore = &v
		}
	}
	return &out
}

// Has reports whether a result exists without decoding it.
func (s *Store) Has(challenge, hash string) (bool, error) {
	key := resultKey(challenge, hash)
	if _, ok := s.hot.Get(string(key)); ok {
		return true, nil
	}
	return s.db.Has(key, nil)
}

// Challenge returns every stored result for one challenge.
func (s *Store) Challenge(challenge string) ([]*types.ScoringResult, error) {
	var results []*types.ScoringResult
	iter := s.db.NewIterator(util.BytesPrefix([]byte("result/"+challenge+"/")), nil)
	defer iter.Release()
	for iter.Next() {
		var r types.ScoringResult
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", iter.Key(), err)
		}
		results = append(results, &r)
	}
	return results, iter.Error()
}

// PutPair persists one pairwise similarity under its canonical key.
func (s *Store) PutPair(challenge, a, b string, similarity float64) error {
	raw, err := json.Marshal(similarity)
	if err != nil {
		return err
	}
	return s.db.Put(pairKey(challenge, a, b), raw, syncWrite)
}

// Pairs returns all persisted pair similarities for a challenge,
// keyed by the two content hashes in canonical order.
func (s *Store) Pairs(challenge string) (map[[2]string]float64, error) {
	prefix := "pair/" + challenge + "/"
	pairs := make(map[[2]string]float64)
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		rest := string(iter.Key())[len(prefix):]
		a, b, ok := strings.Cut(rest, "/")
		if !ok {
			continue
		}
		var sim float64
		if err := json.Unmarshal(iter.Value(), &sim); err != nil {
			return nil, err
		}
		pairs[[2]string{a, b}] = sim
	}
	return pairs, iter.Error()
}
