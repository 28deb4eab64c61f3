// Package persistence gives the Agent Channel Manager a small keyed-blob
// store across restarts: the redirected-port replay list and the
// recent-files record spec.md §9 flags as module-scope state to recast as
// explicit, passed-in configuration rather than a global singleton.
package persistence

import (
	"encoding/binary"
	"encoding/json"
	"path/filepath"
	"sort"
	"time"

	"github.com/boltdb/bolt"

	"github.com/spicevd/agentchannel/internal/validation"
)

var (
	bucketRedirections = []byte("redirections")
	bucketRecentFiles  = []byte("recent_files")
)

// Store wraps a bolt database, grounded on the teacher's BoltCAS
// (daemon/manager/cas_bolt.go): one struct around *bolt.DB, buckets created
// up front in Open, every access wrapped in a View/Update closure.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bolt file at path and ensures both
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(filepath.Clean(path), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists(bucketRedirections); e != nil {
			return e
		}
		_, e := tx.CreateBucketIfNotExists(bucketRecentFiles)
		return e
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SaveRedirections persists the redirection list under kind ("remote" or
// "local"), replacing whatever was stored for that kind before.
func (s *Store) SaveRedirections(kind string, redirections []validation.Redirection) error {
	data, err := json.Marshal(redirections)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRedirections).Put([]byte(kind), data)
	})
}

// LoadRedirections returns the redirection list previously saved under kind,
// or an empty slice if none was ever saved — the Agent Session replays an
// empty list as a no-op.
func (s *Store) LoadRedirections(kind string) ([]validation.Redirection, error) {
	var redirections []validation.Redirection
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRedirections).Get([]byte(kind))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &redirections)
	})
	if err != nil {
		return nil, err
	}
	return redirections, nil
}

// RecordRecentFile records path as having just been transferred, keyed by
// path with an 8-byte big-endian unix-seconds value following the teacher's
// BoltCAS.PutChunk encoding, so RecentFiles can order by recency without a
// secondary index.
func (s *Store) RecordRecentFile(path string, when time.Time) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(when.Unix()))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecentFiles).Put([]byte(path), buf)
	})
}

// RecentFiles returns up to limit paths, most-recently-recorded first.
func (s *Store) RecentFiles(limit int) ([]string, error) {
	type entry struct {
		path string
		at   int64
	}
	var entries []entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecentFiles).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) < 8 {
				continue
			}
			entries = append(entries, entry{path: string(k), at: int64(binary.BigEndian.Uint64(v))})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].at > entries[j].at })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.path
	}
	return paths, nil
}

// PruneRecentFiles removes recorded files older than maxAge, following the
// teacher's BoltCAS.GC cutoff pattern.
func (s *Store) PruneRecentFiles(maxAge time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-maxAge).Unix()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecentFiles).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) < 8 {
				continue
			}
			if int64(binary.BigEndian.Uint64(v)) < cutoff {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}
