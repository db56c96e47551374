package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/redteamnet/arbiter/types"
)

// snapshot is the on-disk backup layout: every scoring result plus the
// persisted pair similarities, challenge by challenge.
type snapshot struct {
	Results []*types.ScoringResult `json:"results"`
	Pairs   map[string][]pairEntry `json:"pairs"`
}

type pairEntry struct {
	A          string  `json:"a"`
	B          string  `json:"b"`
	Similarity float64 `json:"similarity"`
}

// WriteBackup snapshots the whole store to a JSON file. The write is
// atomic (temp file + rename) so a crash mid-backup leaves the
// previous snapshot intact.
func (s *Store) WriteBackup(path string) error {
	snap := snapshot{Pairs: make(map[string][]pairEntry)}

	iter := s.db.NewIterator(util.BytesPrefix([]byte("result/")), nil)
	for iter.Next() {
		var r types.ScoringResult
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			iter.Release()
			return fmt.Errorf("decoding %s: %w", iter.Key(), err)
		}
		snap.Results = append(snap.Results, &r)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}

	challenges := make(map[string]struct{})
	for _, r := range snap.Results {
		challenges[r.Challenge] = struct{}{}
	}
	for challenge := range challenges {
		pairs, err := s.Pairs(challenge)
		if err != nil {
			return err
		}
		for k, sim := range pairs {
			snap.Pairs[challenge] = append(snap.Pairs[challenge], pairEntry{A: k[0], B: k[1], Similarity: sim})
		}
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Rehydrate loads a backup snapshot into the store. Existing records
// win: the backup only fills gaps, so a rehydrate after a partial
// data-dir loss cannot roll live results back. A missing backup file
// is not an error.
func (s *Store) Rehydrate(path string) error {
	raw, err := os.ReadFile(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("decoding backup %s: %w", path, err)
	}

	for _, r := range snap.Results {
		if _, err := s.Put(r); err != nil {
			return err
		}
	}
	for challenge, entries := range snap.Pairs {
		for _, e := range entries {
			key := pairKey(challenge, e.A, e.B)
			has, err := s.db.Has(key, nil)
			if err != nil {
				return err
			}
			if has {
				continue
			}
			if err := s.PutPair(challenge, e.A, e.B, e.Similarity); err != nil {
				return err
			}
		}
	}
	return nil
}
