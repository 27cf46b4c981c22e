package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"Ceremony/internal/storage"
)

var (
	currentKey     = []byte("ledger/current")    // currentKey holds the latest document
	revisionPrefix = []byte("ledger/revisions/") // revisionPrefix holds past documents keyed by version
)

// PebbleStore keeps zstd-compressed ledger documents in a Pebble database.
// The latest document and its revision are written in one synced batch.
type PebbleStore struct {
	db      *storage.Storage // db is the key-value store
	encoder *zstd.Encoder    // encoder compresses documents
	decoder *zstd.Decoder    // decoder decompresses documents
	retain  int              // retain is the number of revisions kept, latest included (0 = none)
}

// NewPebbleStore opens a Pebble-backed ledger store at path, keeping the newest retain revisions.
func NewPebbleStore(path string, retain int) (*PebbleStore, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder:\n%w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd decoder:\n%w", err)
	}

	return &PebbleStore{db: db, encoder: encoder, decoder: decoder, retain: retain}, nil
}

// Exists reports whether a document has been written.
func (s *PebbleStore) Exists() (bool, error) {
	return s.db.Has(currentKey)
}

// Read returns the latest document.
func (s *PebbleStore) Read() ([]byte, error) {
	compressed, err := s.db.Get(currentKey)
	if err != nil {
		return nil, err
	}

	if compressed == nil {
		return nil, fmt.Errorf("ledger document missing")
	}

	return s.decode(compressed)
}

// Write stores the document as current and as a revision, then prunes old revisions.
func (s *PebbleStore) Write(version uint64, doc []byte) error {
	compressed := s.encoder.EncodeAll(doc, nil)

	pairs := []storage.KeyValue{{Key: currentKey, Value: compressed}}
	if s.retain > 0 {
		pairs = append(pairs, storage.KeyValue{Key: revisionKey(version), Value: compressed})
	}

	if err := s.db.SetBatch(pairs); err != nil {
		return fmt.Errorf("write ledger document:\n%w", err)
	}

	if s.retain > 0 && version >= uint64(s.retain) {
		return s.prune(version - uint64(s.retain) + 1)
	}

	return nil
}

// Revisions calls fn for each retained past document, oldest first.
func (s *PebbleStore) Revisions(fn func(version uint64, doc []byte) error) error {
	return s.db.IteratePrefix(revisionPrefix, func(key, value []byte) error {
		doc, err := s.decode(value)
		if err != nil {
			return err
		}

		version := binary.BigEndian.Uint64(key[len(revisionPrefix):])

		return fn(version, doc)
	})
}

// Close releases the codecs and the database.
func (s *PebbleStore) Close() error {
	s.decoder.Close()

	if err := s.encoder.Close(); err != nil {
		s.db.Close()
		return err
	}

	return s.db.Close()
}

// prune deletes revisions older than the given version.
func (s *PebbleStore) prune(before uint64) error {
	if err := s.db.DeleteRange(revisionKey(0), revisionKey(before)); err != nil {
		return fmt.Errorf("prune ledger revisions:\n%w", err)
	}

	return nil
}

func (s *PebbleStore) decode(compressed []byte) ([]byte, error) {
	doc, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress ledger document:\n%w", err)
	}

	return doc, nil
}

// revisionKey builds a revision key; big-endian versions sort numerically.
func revisionKey(version uint64) []byte {
	key := make([]byte, len(revisionPrefix)+8)
	copy(key, revisionPrefix)
	binary.BigEndian.PutUint64(key[len(revisionPrefix):], version)

	return key
}
