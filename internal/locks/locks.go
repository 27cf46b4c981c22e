// Package locks grants and releases exclusive chunk locks on a ceremony.
// The manager mutates the ceremony it is given; callers run it inside a ledger commit.
package locks

import (
	"time"

	"Ceremony/internal/ceremony"
)

// Manager decides lock eligibility.
type Manager struct {
	Lease time.Duration // Lease is how long a lock may be held before it can be reclaimed (0 = forever)
}

// New creates a lock manager with the given lease. A zero lease disables expiry.
func New(lease time.Duration) *Manager {
	return &Manager{Lease: lease}
}

// TryLock acquires the chunk for participantID in role if it is unlocked, the chunk
// expects role, the participant is in the role's set and is below the lock cap.
// Returns false without error when any of those conditions fails.
func (m *Manager) TryLock(c *ceremony.Ceremony, chunkID, participantID string, role ceremony.Role, now time.Time) (bool, error) {
	if _, err := ceremony.ParseRole(string(role)); err != nil {
		return false, err
	}

	chunk, err := c.Chunk(chunkID)
	if err != nil {
		return false, err
	}

	if chunk.Lock != nil {
		return false, nil
	}

	expected, ok := ceremony.StateOf(chunk, c.Rounds).ExpectedRole()
	if !ok || expected != role {
		return false, nil
	}

	if !c.IsEligible(participantID, role) {
		return false, nil
	}

	if c.MaxLocks > 0 && c.LocksHeldBy(participantID) >= c.MaxLocks {
		return false, nil
	}

	chunk.Lock = &ceremony.Lock{
		ChunkID:    chunk.ChunkID,
		HolderID:   participantID,
		Role:       role,
		AcquiredAt: now,
	}

	return true, nil
}

// Unlock clears the chunk's lock unconditionally.
func (m *Manager) Unlock(c *ceremony.Ceremony, chunkID string) error {
	chunk, err := c.Chunk(chunkID)
	if err != nil {
		return err
	}

	chunk.Lock = nil

	return nil
}

// Holds reports whether participantID holds the chunk's lock in role.
func (m *Manager) Holds(c *ceremony.Ceremony, chunkID, participantID string, role ceremony.Role) (bool, error) {
	chunk, err := c.Chunk(chunkID)
	if err != nil {
		return false, err
	}

	lock := chunk.Lock

	return lock != nil && lock.HolderID == participantID && lock.Role == role, nil
}

// Expired returns the ids of chunks whose lock is older than the lease.
func (m *Manager) Expired(c *ceremony.Ceremony, now time.Time) []string {
	if m.Lease <= 0 {
		return nil
	}

	var ids []string
	for _, chunk := range c.Chunks {
		if chunk.Lock != nil && now.Sub(chunk.Lock.AcquiredAt) >= m.Lease {
			ids = append(ids, chunk.ChunkID)
		}
	}

	return ids
}

// Reclaim clears every expired lock and returns the affected chunk ids.
func (m *Manager) Reclaim(c *ceremony.Ceremony, now time.Time) []string {
	ids := m.Expired(c, now)

	for _, id := range ids {
		// ids come from c.Chunks, so the lookup cannot fail
		chunk, _ := c.Chunk(id)
		chunk.Lock = nil
	}

	return ids
}

// Supersede clears locks that no longer match the chunk's expected role or whose
// holder left the role's set. Returns the affected chunk ids.
func (m *Manager) Supersede(c *ceremony.Ceremony) []string {
	var ids []string

	for _, chunk := range c.Chunks {
		if chunk.Lock == nil {
			continue
		}

		expected, ok := ceremony.StateOf(chunk, c.Rounds).ExpectedRole()
		if ok && chunk.Lock.Role == expected && c.IsEligible(chunk.Lock.HolderID, expected) {
			continue
		}

		chunk.Lock = nil
		ids = append(ids, chunk.ChunkID)
	}

	return ids
}
