package ceremony

import (
	"fmt"
	"strconv"
	"time"
)

// Config is the externally supplied configuration used to initialize a ceremony.
type Config struct {
	ChunkCount     int      `json:"chunkCount"`
	Rounds         int      `json:"rounds"`
	MaxLocks       int      `json:"maxLocks"`
	ContributorIDs []string `json:"contributorIds"`
	VerifierIDs    []string `json:"verifierIds"`
	SeedLocations  []string `json:"seedLocations,omitempty"` // SeedLocations override the storage-derived seed location per chunk
}

// Validate checks that the configuration can produce a valid ceremony.
func (cfg *Config) Validate() error {
	if cfg.ChunkCount < 1 {
		return fmt.Errorf("%w: chunk count must be at least 1, got %d", ErrInvalidInput, cfg.ChunkCount)
	}

	if cfg.Rounds < 1 {
		return fmt.Errorf("%w: round count must be at least 1, got %d", ErrInvalidInput, cfg.Rounds)
	}

	if cfg.MaxLocks < 0 {
		return fmt.Errorf("%w: max locks must not be negative", ErrInvalidInput)
	}

	if len(cfg.SeedLocations) != 0 && len(cfg.SeedLocations) != cfg.ChunkCount {
		return fmt.Errorf("%w: %d seed locations for %d chunks", ErrInvalidInput, len(cfg.SeedLocations), cfg.ChunkCount)
	}

	return validateMembers(cfg.ContributorIDs, cfg.VerifierIDs)
}

// New builds a fresh ceremony from a configuration. Each chunk starts with its seed
// contribution and zero verifications. seedLocation is consulted for chunks without
// an explicit seed location.
func New(cfg *Config, seedLocation func(chunkID string) string, now time.Time) (*Ceremony, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Ceremony{
		Rounds:         cfg.Rounds,
		MaxLocks:       cfg.MaxLocks,
		ContributorIDs: append([]string(nil), cfg.ContributorIDs...),
		VerifierIDs:    append([]string(nil), cfg.VerifierIDs...),
		Chunks:         make([]*Chunk, cfg.ChunkCount),
	}

	for i := range c.Chunks {
		id := strconv.Itoa(i)

		location := ""
		if len(cfg.SeedLocations) > 0 {
			location = cfg.SeedLocations[i]
		} else if seedLocation != nil {
			location = seedLocation(id)
		}

		c.Chunks[i] = &Chunk{
			ChunkID: id,
			Contributions: []*Contribution{{
				ChunkID:   id,
				Position:  0,
				Role:      RoleSeed,
				Location:  location,
				Timestamp: now,
			}},
		}
	}

	return c, c.Validate()
}

// Validate checks every structural invariant of the ceremony.
func (c *Ceremony) Validate() error {
	if c.Rounds < 1 {
		return fmt.Errorf("%w: round count must be at least 1, got %d", ErrInvalidInput, c.Rounds)
	}

	if c.MaxLocks < 0 {
		return fmt.Errorf("%w: max locks must not be negative", ErrInvalidInput)
	}

	if len(c.Chunks) == 0 {
		return fmt.Errorf("%w: ceremony has no chunks", ErrInvalidInput)
	}

	if err := validateMembers(c.ContributorIDs, c.VerifierIDs); err != nil {
		return err
	}

	for i, chunk := range c.Chunks {
		if chunk == nil {
			return fmt.Errorf("%w: chunk %d is null", ErrInvalidInput, i)
		}

		if chunk.ChunkID != strconv.Itoa(i) {
			return fmt.Errorf("%w: chunk at index %d has id %q", ErrInvalidInput, i, chunk.ChunkID)
		}

		if err := c.validateChunk(chunk); err != nil {
			return err
		}
	}

	return nil
}

// CheckEntries reports the first null chunk or contribution. Clone and the lock helpers
// expect every entry to be present, so callers holding untrusted input check first.
func (c *Ceremony) CheckEntries() error {
	for i, chunk := range c.Chunks {
		if chunk == nil {
			return fmt.Errorf("%w: chunk %d is null", ErrInvalidInput, i)
		}

		for pos, contrib := range chunk.Contributions {
			if contrib == nil {
				return fmt.Errorf("%w: chunk %s contribution %d is null", ErrInvalidInput, chunk.ChunkID, pos)
			}
		}
	}

	return nil
}

// validateChunk checks position ordering, role alternation, the verification cursor and the lock.
func (c *Ceremony) validateChunk(chunk *Chunk) error {
	if len(chunk.Contributions) == 0 {
		return fmt.Errorf("%w: chunk %s has no seed contribution", ErrInvalidInput, chunk.ChunkID)
	}

	if len(chunk.Contributions) > 2*c.Rounds+1 {
		return fmt.Errorf("%w: chunk %s has %d contributions for %d rounds",
			ErrInvalidInput, chunk.ChunkID, len(chunk.Contributions), c.Rounds)
	}

	verified := 0
	for pos, contrib := range chunk.Contributions {
		if contrib == nil {
			return fmt.Errorf("%w: chunk %s contribution %d is null", ErrInvalidInput, chunk.ChunkID, pos)
		}

		if contrib.Position != pos || contrib.ChunkID != chunk.ChunkID {
			return fmt.Errorf("%w: chunk %s contribution %d is out of order", ErrInvalidInput, chunk.ChunkID, pos)
		}

		if contrib.Role != RoleAt(pos) {
			return fmt.Errorf("%w: chunk %s position %d must be %s, got %s",
				ErrInvalidInput, chunk.ChunkID, pos, RoleAt(pos), contrib.Role)
		}

		if contrib.Role == RoleVerifier {
			verified++
		}
	}

	if chunk.Verified != verified {
		return fmt.Errorf("%w: chunk %s verification cursor %d, expected %d",
			ErrInvalidInput, chunk.ChunkID, chunk.Verified, verified)
	}

	return c.validateLock(chunk)
}

// validateLock checks that a lock matches the role the chunk expects and an eligible holder.
func (c *Ceremony) validateLock(chunk *Chunk) error {
	if chunk.Lock == nil {
		return nil
	}

	expected, ok := StateOf(chunk, c.Rounds).ExpectedRole()
	if !ok {
		return fmt.Errorf("%w: complete chunk %s is locked", ErrInvalidInput, chunk.ChunkID)
	}

	if chunk.Lock.ChunkID != chunk.ChunkID || chunk.Lock.Role != expected {
		return fmt.Errorf("%w: chunk %s lock does not match expected role %s", ErrInvalidInput, chunk.ChunkID, expected)
	}

	if !c.IsEligible(chunk.Lock.HolderID, expected) {
		return fmt.Errorf("%w: chunk %s lock holder %q is not an eligible %s",
			ErrInvalidInput, chunk.ChunkID, chunk.Lock.HolderID, expected)
	}

	return nil
}

// validateMembers rejects empty, duplicate and overlapping participant ids.
func validateMembers(contributors, verifiers []string) error {
	seen := make(map[string]Role, len(contributors)+len(verifiers))

	check := func(ids []string, role Role) error {
		for _, id := range ids {
			if id == "" {
				return fmt.Errorf("%w: empty %s id", ErrInvalidInput, role)
			}

			if prev, ok := seen[id]; ok {
				return fmt.Errorf("%w: participant %q listed as %s and %s", ErrInvalidInput, id, prev, role)
			}

			seen[id] = role
		}

		return nil
	}

	if err := check(contributors, RoleContributor); err != nil {
		return err
	}

	return check(verifiers, RoleVerifier)
}
