// Package storage wraps a Pebble database as a small key-value store for ledger documents.
package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage closed")

// KeyValue represents a key-value pair for batch operations.
type KeyValue struct {
	Key   []byte // Key is the key to store
	Value []byte // Value is the value to store
}

// Storage is a Pebble-backed key-value store.
// Every write is synced to the WAL before returning, so a committed value survives a crash.
type Storage struct {
	db     *pebble.DB // db is the underlying Pebble database
	closed bool       // closed is set once Close has run
}

// Open opens or creates a store at the given path.
func Open(path string) (*Storage, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(8 << 20), // 8 MB cache
		MemTableSize: 4 << 20,                  // 4 MB memtable
	}
	defer opts.Cache.Unref()

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s:\n%w", path, err)
	}

	return &Storage{db: db}, nil
}

// Get retrieves the value for the given key.
// Returns nil if the key does not exist.
func (s *Storage) Get(key []byte) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}

	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// value is invalid once closer is closed
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Has reports whether the key exists.
func (s *Storage) Has(key []byte) (bool, error) {
	value, err := s.Get(key)
	return value != nil, err
}

// SetBatch atomically stores multiple key-value pairs.
// Either all pairs are written or none.
func (s *Storage) SetBatch(pairs []KeyValue) error {
	if s.closed {
		return ErrClosed
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, kv := range pairs {
		if err := batch.Set(kv.Key, kv.Value, nil); err != nil {
			return err
		}
	}

	return batch.Commit(pebble.Sync)
}

// IteratePrefix calls fn for each key-value pair with the given prefix in key order.
// If fn returns an error, iteration stops and the error is returned.
func (s *Storage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	if s.closed {
		return ErrClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// DeleteRange removes every key in [start, end) durably.
func (s *Storage) DeleteRange(start, end []byte) error {
	if s.closed {
		return ErrClosed
	}

	return s.db.DeleteRange(start, end, pebble.Sync)
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}

// Close closes the database. Calling Close twice is a no-op.
func (s *Storage) Close() error {
	if s.closed {
		return nil
	}

	s.closed = true

	return s.db.Close()
}
