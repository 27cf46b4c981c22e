// Package ledger holds the durable, single-writer record of a ceremony.
//
// Every commit is applied to a private copy, validated, written to the store in full
// and only then published. Readers get the last published copy and never see a
// partially applied mutation.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"Ceremony/internal/ceremony"
	"Ceremony/internal/logger"
)

// ErrNoChange can be returned by a mutation to abort the commit without error.
var ErrNoChange = errors.New("no change")

// Store persists the ledger document as a whole.
type Store interface {
	// Exists reports whether a ledger document has been written.
	Exists() (bool, error)

	// Read returns the last written document.
	Read() ([]byte, error)

	// Write atomically replaces the document.
	Write(version uint64, doc []byte) error

	// Close releases the store.
	Close() error
}

// Mutation modifies a private copy of the ceremony.
type Mutation func(c *ceremony.Ceremony) error

// Ledger is the authoritative ceremony state.
type Ledger struct {
	store   Store                              // store persists every commit
	mu      sync.Mutex                         // mu serializes commits
	current atomic.Pointer[ceremony.Ceremony] // current is the last published ceremony
}

// Open loads the ledger from the store.
// It fails with ceremony.ErrFatal if the document is missing, undecodable or invalid.
func Open(store Store) (*Ledger, error) {
	exists, err := store.Exists()
	if err != nil {
		return nil, fmt.Errorf("%w: check ledger:\n%w", ceremony.ErrFatal, err)
	}

	if !exists {
		return nil, fmt.Errorf("%w: no ledger found, run init first", ceremony.ErrFatal)
	}

	doc, err := store.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: read ledger:\n%w", ceremony.ErrFatal, err)
	}

	c, err := Decode(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: decode ledger:\n%w", ceremony.ErrFatal, err)
	}

	l := &Ledger{store: store}
	l.current.Store(c)

	logger.Info("ledger loaded",
		"version", c.Version,
		"chunks", len(c.Chunks),
		"remaining", len(c.Remaining()),
	)

	return l, nil
}

// Init creates a new ledger from a configuration. It refuses to overwrite an existing
// ledger with ceremony.ErrFatal and leaves that ledger untouched.
func Init(store Store, cfg *ceremony.Config, seedLocation func(chunkID string) string) (*Ledger, error) {
	exists, err := store.Exists()
	if err != nil {
		return nil, fmt.Errorf("%w: check ledger:\n%w", ceremony.ErrFatal, err)
	}

	if exists {
		return nil, fmt.Errorf("%w: ledger already exists", ceremony.ErrFatal)
	}

	c, err := ceremony.New(cfg, seedLocation, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("build ceremony:\n%w", err)
	}

	c.Version = 1

	return create(store, c)
}

// Restore creates a new ledger from a previously exported document, such as a backup.
// Like Init, it refuses to overwrite an existing ledger. The document version is kept.
func Restore(store Store, doc []byte) (*Ledger, error) {
	exists, err := store.Exists()
	if err != nil {
		return nil, fmt.Errorf("%w: check ledger:\n%w", ceremony.ErrFatal, err)
	}

	if exists {
		return nil, fmt.Errorf("%w: ledger already exists", ceremony.ErrFatal)
	}

	c, err := Decode(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: decode backup:\n%w", ceremony.ErrInvalidInput, err)
	}

	return create(store, c)
}

func create(store Store, c *ceremony.Ceremony) (*Ledger, error) {
	doc, err := Encode(c)
	if err != nil {
		return nil, err
	}

	if err := store.Write(c.Version, doc); err != nil {
		return nil, fmt.Errorf("%w: write ledger:\n%w", ceremony.ErrStorage, err)
	}

	l := &Ledger{store: store}
	l.current.Store(c)

	logger.Info("ledger initialized", "version", c.Version, "chunks", len(c.Chunks), "rounds", c.Rounds)

	return l, nil
}

// Snapshot returns the last committed ceremony. The returned value is shared and must
// not be modified; use Clone for a private copy.
func (l *Ledger) Snapshot() *ceremony.Ceremony {
	return l.current.Load()
}

// Commit applies a mutation atomically and persists the result before publishing it.
// If the mutation fails or returns ErrNoChange, nothing is persisted.
// The version is incremented on every persisted commit.
func (l *Ledger) Commit(mutate Mutation) (*ceremony.Ceremony, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	base := l.current.Load()
	next := base.Clone()

	if err := mutate(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return base, nil
		}
		return base, err
	}

	next.Version = base.Version + 1

	if err := next.Validate(); err != nil {
		return base, fmt.Errorf("mutation broke ledger invariants:\n%w", err)
	}

	doc, err := Encode(next)
	if err != nil {
		return base, err
	}

	if err := l.store.Write(next.Version, doc); err != nil {
		return base, fmt.Errorf("%w: persist ledger version %d:\n%w", ceremony.ErrStorage, next.Version, err)
	}

	l.current.Store(next)

	return next, nil
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}

// Encode serializes a ceremony as the ledger document.
func Encode(c *ceremony.Ceremony) ([]byte, error) {
	doc, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode ledger:\n%w", err)
	}

	return doc, nil
}

// Decode parses and validates a ledger document.
func Decode(doc []byte) (*ceremony.Ceremony, error) {
	var c ceremony.Ceremony
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("decode ledger:\n%w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate ledger:\n%w", err)
	}

	return &c, nil
}
