package coordinator

import (
	"fmt"

	"Ceremony/internal/ceremony"
	"Ceremony/internal/logger"
)

// GetCeremony returns the current ceremony. The value is shared and must not be modified.
func (c *Coordinator) GetCeremony() *ceremony.Ceremony {
	return c.ledger.Snapshot()
}

// GetChunk returns a chunk of the current ceremony.
func (c *Coordinator) GetChunk(chunkID string) (*ceremony.Chunk, error) {
	return c.ledger.Snapshot().Chunk(chunkID)
}

// GetChunksRemaining returns the chunks that still need contributions or verifications.
func (c *Coordinator) GetChunksRemaining() []*ceremony.Chunk {
	return c.ledger.Snapshot().Remaining()
}

// SetCeremony replaces the ceremony with next.
//
// next.Version must equal the current version, otherwise ceremony.ErrConflict is returned.
// Locks carried by next are ignored: current locks are kept, and a locked chunk must be
// present with identical contributions. Locks whose holder left the role set are released.
// A structurally invalid replacement fails with ceremony.ErrInvalidInput.
func (c *Coordinator) SetCeremony(next *ceremony.Ceremony) error {
	if next == nil {
		return fmt.Errorf("%w: empty ceremony", ceremony.ErrInvalidInput)
	}

	if err := next.CheckEntries(); err != nil {
		return fmt.Errorf("replace ceremony:\n%w", err)
	}

	var superseded []string

	err := c.commit(func(cur *ceremony.Ceremony) error {
		if next.Version != cur.Version {
			return fmt.Errorf("%w: ceremony version %d does not match current version %d",
				ceremony.ErrConflict, next.Version, cur.Version)
		}

		cand := next.Clone()
		for _, chunk := range cand.Chunks {
			chunk.Lock = nil
		}

		for i, chunk := range cur.Chunks {
			if chunk.Lock == nil {
				continue
			}

			if i >= len(cand.Chunks) {
				return fmt.Errorf("%w: locked chunk %s would be removed", ceremony.ErrConflict, chunk.ChunkID)
			}

			if !sameContributions(chunk, cand.Chunks[i]) {
				return fmt.Errorf("%w: locked chunk %s would be modified", ceremony.ErrConflict, chunk.ChunkID)
			}

			lock := *chunk.Lock
			cand.Chunks[i].Lock = &lock
		}

		superseded = c.locks.Supersede(cand)

		if err := cand.Validate(); err != nil {
			return err
		}

		*cur = *cand

		return nil
	})
	if err != nil {
		return fmt.Errorf("replace ceremony:\n%w", err)
	}

	logger.Info("ceremony replaced",
		"version", c.ledger.Snapshot().Version,
		"chunks", len(next.Chunks),
		"superseded", len(superseded),
	)

	return nil
}

// sameContributions reports whether two chunks carry the same contribution history.
func sameContributions(a, b *ceremony.Chunk) bool {
	if a.ChunkID != b.ChunkID || len(a.Contributions) != len(b.Contributions) {
		return false
	}

	for i, x := range a.Contributions {
		y := b.Contributions[i]
		if x.Position != y.Position ||
			x.AuthorID != y.AuthorID ||
			x.Role != y.Role ||
			x.Location != y.Location ||
			x.Digest != y.Digest ||
			!x.Timestamp.Equal(y.Timestamp) {
			return false
		}
	}

	return true
}
