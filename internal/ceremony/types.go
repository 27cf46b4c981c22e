package ceremony

import (
	"fmt"
	"slices"
	"strconv"
	"time"
)

// Role identifies who produced a contribution or may hold a lock.
type Role string

const (
	// RoleSeed marks the initial contribution at position 0.
	RoleSeed Role = "seed"

	// RoleContributor transforms a chunk.
	RoleContributor Role = "contributor"

	// RoleVerifier checks and finalizes a contributor's transformation.
	RoleVerifier Role = "verifier"
)

// ParseRole parses a lock role. Only contributor and verifier can hold locks.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleContributor, RoleVerifier:
		return Role(s), nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
	}
}

// Ceremony is the root aggregate persisted by the ledger.
type Ceremony struct {
	Version        uint64   `json:"version"`        // Version is incremented on every committed mutation
	Rounds         int      `json:"rounds"`         // Rounds is the number of contributor+verifier cycles per chunk
	MaxLocks       int      `json:"maxLocks"`       // MaxLocks caps concurrent locks per participant (0 = unlimited)
	ContributorIDs []string `json:"contributorIds"` // ContributorIDs are the participants allowed to contribute
	VerifierIDs    []string `json:"verifierIds"`    // VerifierIDs are the participants allowed to verify
	Chunks         []*Chunk `json:"chunks"`         // Chunks are indexed by their position
}

// Chunk is an independently progressable unit of work.
type Chunk struct {
	ChunkID       string          `json:"chunkId"`        // ChunkID is the decimal index of the chunk
	Lock          *Lock           `json:"lock,omitempty"` // Lock is the current exclusive claim, if any
	Contributions []*Contribution `json:"contributions"`  // Contributions are appended in position order
	Verified      int             `json:"verified"`       // Verified counts verified contributions
}

// Contribution is one immutable transformation recorded on a chunk.
type Contribution struct {
	ChunkID   string    `json:"chunkId"`
	Position  int       `json:"position"`
	AuthorID  string    `json:"authorId"`
	Role      Role      `json:"role"`
	Location  string    `json:"location"`
	Digest    string    `json:"digest,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Lock is an exclusive claim on a chunk.
type Lock struct {
	ChunkID    string    `json:"chunkId"`
	HolderID   string    `json:"holderId"`
	Role       Role      `json:"role"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// ChunkIndex parses a chunk id into its index.
func ChunkIndex(chunkID string) (int, error) {
	idx, err := strconv.Atoi(chunkID)
	if err != nil || idx < 0 || strconv.Itoa(idx) != chunkID {
		return 0, fmt.Errorf("%w: malformed chunk id %q", ErrInvalidInput, chunkID)
	}

	return idx, nil
}

// Chunk returns the chunk with the given id.
func (c *Ceremony) Chunk(chunkID string) (*Chunk, error) {
	idx, err := ChunkIndex(chunkID)
	if err != nil {
		return nil, err
	}

	if idx >= len(c.Chunks) {
		return nil, fmt.Errorf("%w: unknown chunk %s", ErrInvalidInput, chunkID)
	}

	return c.Chunks[idx], nil
}

// IsContributor reports whether id may contribute.
func (c *Ceremony) IsContributor(id string) bool {
	return slices.Contains(c.ContributorIDs, id)
}

// IsVerifier reports whether id may verify.
func (c *Ceremony) IsVerifier(id string) bool {
	return slices.Contains(c.VerifierIDs, id)
}

// IsParticipant reports whether id belongs to any role set.
func (c *Ceremony) IsParticipant(id string) bool {
	return c.IsContributor(id) || c.IsVerifier(id)
}

// IsEligible reports whether id may act in the given role.
func (c *Ceremony) IsEligible(id string, role Role) bool {
	switch role {
	case RoleContributor:
		return c.IsContributor(id)
	case RoleVerifier:
		return c.IsVerifier(id)
	default:
		return false
	}
}

// LocksHeldBy counts the locks currently held by a participant.
func (c *Ceremony) LocksHeldBy(id string) int {
	n := 0
	for _, chunk := range c.Chunks {
		if chunk.Lock != nil && chunk.Lock.HolderID == id {
			n++
		}
	}

	return n
}

// Remaining returns the chunks that are not yet complete.
func (c *Ceremony) Remaining() []*Chunk {
	var out []*Chunk
	for _, chunk := range c.Chunks {
		if !StateOf(chunk, c.Rounds).Complete() {
			out = append(out, chunk)
		}
	}

	return out
}

// Latest returns the most recently appended contribution.
func (ch *Chunk) Latest() *Contribution {
	if len(ch.Contributions) == 0 {
		return nil
	}

	return ch.Contributions[len(ch.Contributions)-1]
}

// NextPosition returns the position the next contribution will occupy.
func (ch *Chunk) NextPosition() int {
	return len(ch.Contributions)
}

// Clone returns a deep copy of the ceremony.
func (c *Ceremony) Clone() *Ceremony {
	out := &Ceremony{
		Version:        c.Version,
		Rounds:         c.Rounds,
		MaxLocks:       c.MaxLocks,
		ContributorIDs: slices.Clone(c.ContributorIDs),
		VerifierIDs:    slices.Clone(c.VerifierIDs),
		Chunks:         make([]*Chunk, len(c.Chunks)),
	}

	for i, chunk := range c.Chunks {
		out.Chunks[i] = chunk.Clone()
	}

	return out
}

// Clone returns a deep copy of the chunk.
func (ch *Chunk) Clone() *Chunk {
	out := &Chunk{
		ChunkID:       ch.ChunkID,
		Verified:      ch.Verified,
		Contributions: make([]*Contribution, len(ch.Contributions)),
	}

	if ch.Lock != nil {
		lock := *ch.Lock
		out.Lock = &lock
	}

	for i, contrib := range ch.Contributions {
		cp := *contrib
		out.Contributions[i] = &cp
	}

	return out
}
