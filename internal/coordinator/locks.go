package coordinator

import (
	"fmt"
	"time"

	"Ceremony/internal/ceremony"
	"Ceremony/internal/ledger"
	"Ceremony/internal/logger"
)

// TryLockChunk attempts to lock a chunk for a participant. The role is resolved from the
// participant's membership and the chunk's expected role. Returns false when the chunk is
// locked, complete, expects the other role or the participant is at its lock cap.
func (c *Coordinator) TryLockChunk(chunkID, participantID string) (bool, error) {
	if _, err := ceremony.ChunkIndex(chunkID); err != nil {
		return false, err
	}

	if !c.ledger.Snapshot().IsParticipant(participantID) {
		return false, fmt.Errorf("%w: unknown participant %q", ceremony.ErrInvalidInput, participantID)
	}

	granted := false
	var role ceremony.Role

	err := c.commit(func(cer *ceremony.Ceremony) error {
		chunk, err := cer.Chunk(chunkID)
		if err != nil {
			return err
		}

		expected, ok := ceremony.StateOf(chunk, cer.Rounds).ExpectedRole()
		if !ok || !cer.IsEligible(participantID, expected) {
			return ledger.ErrNoChange
		}

		granted, err = c.locks.TryLock(cer, chunkID, participantID, expected, c.now())
		if err != nil {
			return err
		}

		if !granted {
			return ledger.ErrNoChange
		}

		role = expected

		return nil
	})

	c.metrics.LockAttempt(granted && err == nil)

	if err != nil {
		return false, fmt.Errorf("lock chunk %s:\n%w", chunkID, err)
	}

	if granted {
		logger.Info("chunk locked", "chunk", chunkID, "participant", participantID, "role", role)
	}

	return granted, nil
}

// UnlockChunk releases a chunk's lock. Only the holder or a verifier may release it.
// Releasing an unlocked chunk is a no-op.
func (c *Coordinator) UnlockChunk(chunkID, participantID string) error {
	if !c.ledger.Snapshot().IsParticipant(participantID) {
		return fmt.Errorf("%w: unknown participant %q", ceremony.ErrInvalidInput, participantID)
	}

	released := false

	err := c.commit(func(cer *ceremony.Ceremony) error {
		chunk, err := cer.Chunk(chunkID)
		if err != nil {
			return err
		}

		if chunk.Lock == nil {
			return ledger.ErrNoChange
		}

		if chunk.Lock.HolderID != participantID && !cer.IsVerifier(participantID) {
			return fmt.Errorf("%w: chunk %s is locked by %s", ceremony.ErrStateConflict, chunkID, chunk.Lock.HolderID)
		}

		released = true

		return c.locks.Unlock(cer, chunkID)
	})
	if err != nil {
		return fmt.Errorf("unlock chunk %s:\n%w", chunkID, err)
	}

	if released {
		logger.Info("chunk unlocked", "chunk", chunkID, "by", participantID)
	}

	return nil
}

// ReclaimExpired releases every lock older than the lease and returns the chunk ids.
// It does nothing when no lease is configured.
func (c *Coordinator) ReclaimExpired(now time.Time) ([]string, error) {
	if c.locks.Lease <= 0 {
		return nil, nil
	}

	var reclaimed []string

	err := c.commit(func(cer *ceremony.Ceremony) error {
		reclaimed = c.locks.Reclaim(cer, now)
		if len(reclaimed) == 0 {
			return ledger.ErrNoChange
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reclaim locks:\n%w", err)
	}

	if len(reclaimed) > 0 {
		c.metrics.LocksReclaimed(len(reclaimed))
		logger.Warn("expired locks reclaimed", "chunks", reclaimed, "lease", c.locks.Lease)
	}

	return reclaimed, nil
}

// StartReaper periodically reclaims expired locks until Stop is called.
// It does nothing when no lease is configured.
func (c *Coordinator) StartReaper(interval time.Duration) {
	if c.locks.Lease <= 0 || c.stopReaper != nil {
		return
	}

	c.stopReaper = make(chan struct{})
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := c.ReclaimExpired(c.now()); err != nil {
					logger.Error("lock reaper failed", "error", err)
				}
			case <-c.stopReaper:
				return
			}
		}
	}()
}

// Stop stops the reaper loop.
func (c *Coordinator) Stop() {
	if c.stopReaper == nil {
		return
	}

	close(c.stopReaper)
	c.wg.Wait()
	c.stopReaper = nil
}
