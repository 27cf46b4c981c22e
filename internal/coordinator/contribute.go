package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"

	"Ceremony/internal/ceremony"
	"Ceremony/internal/chunkstore"
	"Ceremony/internal/ledger"
	"Ceremony/internal/logger"
)

// heldLock resolves the lock a participant must hold to act on a chunk and the position
// the next contribution will occupy.
func heldLock(c *ceremony.Ceremony, chunkID, participantID string) (*ceremony.Lock, int, error) {
	chunk, err := c.Chunk(chunkID)
	if err != nil {
		return nil, 0, err
	}

	if !c.IsParticipant(participantID) {
		return nil, 0, fmt.Errorf("%w: unknown participant %q", ceremony.ErrInvalidInput, participantID)
	}

	if chunk.Lock == nil || chunk.Lock.HolderID != participantID {
		return nil, 0, fmt.Errorf("%w: participant %s does not hold the lock on chunk %s",
			ceremony.ErrStateConflict, participantID, chunkID)
	}

	return chunk.Lock, chunk.NextPosition(), nil
}

// WriteLocation returns where the lock holder must upload its contribution.
func (c *Coordinator) WriteLocation(ctx context.Context, chunkID, participantID string) (string, error) {
	_, version, err := heldLock(c.ledger.Snapshot(), chunkID, participantID)
	if err != nil {
		return "", err
	}

	location, err := c.store.WriteLocation(ctx, chunkID, version, participantID)
	if err != nil {
		c.metrics.StorageFailure("write_location")
		return "", fmt.Errorf("%w: get write location:\n%w", ceremony.ErrStorage, err)
	}

	return location, nil
}

// StageContribution accepts a proxied upload for the lock holder's next position.
func (c *Coordinator) StageContribution(ctx context.Context, chunkID string, version int, participantID string, r io.Reader) error {
	stager, ok := c.store.(chunkstore.Stager)
	if !ok {
		return fmt.Errorf("%w: storage backend does not accept proxied uploads", ceremony.ErrInvalidInput)
	}

	_, next, err := heldLock(c.ledger.Snapshot(), chunkID, participantID)
	if err != nil {
		return err
	}

	if version != next {
		return fmt.Errorf("%w: chunk %s expects version %d, got %d", ceremony.ErrStateConflict, chunkID, next, version)
	}

	if err := stager.Stage(ctx, chunkID, version, participantID, r); err != nil {
		c.metrics.StorageFailure("stage")
		return fmt.Errorf("%w: stage contribution:\n%w", ceremony.ErrStorage, err)
	}

	return nil
}

// ContributeChunk finalizes the lock holder's uploaded contribution: the payload is promoted
// to its canonical location, then the contribution is appended and the lock released in a
// single commit. A storage failure releases the lock so the chunk can be retried. Without an
// upload from the holder the lock is kept and ErrStateConflict returned.
func (c *Coordinator) ContributeChunk(ctx context.Context, chunkID, participantID string) (*ceremony.Chunk, error) {
	lock, position, err := heldLock(c.ledger.Snapshot(), chunkID, participantID)
	if err != nil {
		return nil, err
	}

	obj, err := c.store.CopyToCanonical(ctx, chunkID, position, participantID)
	if errors.Is(err, chunkstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: finalize chunk %s version %d:\n%w", ceremony.ErrStateConflict, chunkID, position, err)
	}
	if err != nil {
		c.metrics.StorageFailure("copy_to_canonical")
		c.releaseAfterFailure(chunkID, participantID, position)

		return nil, fmt.Errorf("%w: finalize chunk %s version %d:\n%w", ceremony.ErrStorage, chunkID, position, err)
	}

	var result *ceremony.Chunk

	err = c.commit(func(cer *ceremony.Ceremony) error {
		current, next, err := heldLock(cer, chunkID, participantID)
		if err != nil {
			return err
		}

		if next != position || current.Role != lock.Role {
			return fmt.Errorf("%w: chunk %s moved while finalizing", ceremony.ErrStateConflict, chunkID)
		}

		chunk, _ := cer.Chunk(chunkID)

		contrib := &ceremony.Contribution{
			Position:  position,
			AuthorID:  participantID,
			Role:      lock.Role,
			Location:  obj.Location,
			Digest:    obj.Digest,
			Timestamp: c.now(),
		}

		if err := ceremony.Apply(chunk, cer.Rounds, contrib); err != nil {
			return err
		}

		chunk.Lock = nil
		result = chunk

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("contribute chunk %s:\n%w", chunkID, err)
	}

	c.metrics.Contribution(string(lock.Role))

	logger.Info("contribution recorded",
		"chunk", chunkID,
		"participant", participantID,
		"role", lock.Role,
		"position", position,
		"state", ceremony.StateOf(result, c.ledger.Snapshot().Rounds),
	)

	return result, nil
}

// releaseAfterFailure clears the lock if the participant still holds it at the same position.
func (c *Coordinator) releaseAfterFailure(chunkID, participantID string, position int) {
	released := false

	err := c.commit(func(cer *ceremony.Ceremony) error {
		_, next, err := heldLock(cer, chunkID, participantID)
		if err != nil || next != position {
			return ledger.ErrNoChange
		}

		released = true

		return c.locks.Unlock(cer, chunkID)
	})
	if err != nil {
		logger.Error("release lock after storage failure", "chunk", chunkID, "error", err)
		return
	}

	if released {
		logger.Warn("lock released after storage failure", "chunk", chunkID, "participant", participantID)
	}
}

// WriteSeed stores the initial challenge of a chunk. Only verifiers may seed, and each chunk
// is seeded once.
func (c *Coordinator) WriteSeed(ctx context.Context, chunkID, participantID string, data []byte) error {
	cer := c.ledger.Snapshot()

	if _, err := cer.Chunk(chunkID); err != nil {
		return err
	}

	if !cer.IsVerifier(participantID) {
		return fmt.Errorf("%w: only verifiers may write seeds", ceremony.ErrInvalidInput)
	}

	if err := c.store.Write(ctx, chunkID, 0, data); err != nil {
		if errors.Is(err, chunkstore.ErrExists) {
			return fmt.Errorf("%w: chunk %s is already seeded", ceremony.ErrStateConflict, chunkID)
		}

		c.metrics.StorageFailure("write_seed")

		return fmt.Errorf("%w: write seed:\n%w", ceremony.ErrStorage, err)
	}

	digest := chunkstore.Digest(data)
	location := c.store.Location(chunkID, 0)

	err := c.commit(func(cer *ceremony.Ceremony) error {
		chunk, err := cer.Chunk(chunkID)
		if err != nil {
			return err
		}

		seed := chunk.Contributions[0]
		if seed.Location != location || seed.Digest == digest {
			return ledger.ErrNoChange
		}

		seed.Digest = digest

		return nil
	})
	if err != nil {
		return fmt.Errorf("record seed digest:\n%w", err)
	}

	logger.Info("chunk seeded", "chunk", chunkID, "by", participantID, "bytes", len(data))

	return nil
}

// ReadContribution returns the payload recorded at a chunk position.
func (c *Coordinator) ReadContribution(ctx context.Context, chunkID string, version int) ([]byte, error) {
	chunk, err := c.ledger.Snapshot().Chunk(chunkID)
	if err != nil {
		return nil, err
	}

	if version < 0 || version >= len(chunk.Contributions) {
		return nil, fmt.Errorf("%w: chunk %s has no version %d", ceremony.ErrInvalidInput, chunkID, version)
	}

	data, err := c.store.Read(ctx, chunkID, version)
	if errors.Is(err, chunkstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: chunk %s version %d is not uploaded yet", ceremony.ErrStateConflict, chunkID, version)
	}
	if err != nil {
		c.metrics.StorageFailure("read")
		return nil, fmt.Errorf("%w: read contribution:\n%w", ceremony.ErrStorage, err)
	}

	return data, nil
}
