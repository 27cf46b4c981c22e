package ceremony

import "fmt"

// Phase is the progression phase of a chunk within its current round.
type Phase int

const (
	// PhaseAwaitingContribution expects a contributor to transform the chunk.
	PhaseAwaitingContribution Phase = iota

	// PhaseAwaitingVerification expects a verifier to check the last contribution.
	PhaseAwaitingVerification

	// PhaseComplete means every round has been contributed and verified.
	PhaseComplete
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseAwaitingContribution:
		return "awaiting_contribution"
	case PhaseAwaitingVerification:
		return "awaiting_verification"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// State is the derived state of a chunk. Round is 1-based.
type State struct {
	Phase Phase
	Round int
}

// String formats the state as Phase(round).
func (s State) String() string {
	return fmt.Sprintf("%s(%d)", s.Phase, s.Round)
}

// Complete reports whether the chunk is terminal.
func (s State) Complete() bool {
	return s.Phase == PhaseComplete
}

// ExpectedRole returns the role allowed to act next. Returns false for complete chunks.
func (s State) ExpectedRole() (Role, bool) {
	switch s.Phase {
	case PhaseAwaitingContribution:
		return RoleContributor, true
	case PhaseAwaitingVerification:
		return RoleVerifier, true
	default:
		return "", false
	}
}

// StateOf derives a chunk's state from its contribution sequence.
// Position 0 is the seed; round r occupies positions 2r-1 (contributor) and 2r (verifier).
func StateOf(chunk *Chunk, rounds int) State {
	applied := len(chunk.Contributions) - 1

	if applied >= 2*rounds {
		return State{Phase: PhaseComplete, Round: rounds}
	}

	if applied < 0 {
		applied = 0
	}

	if applied%2 == 0 {
		return State{Phase: PhaseAwaitingContribution, Round: applied/2 + 1}
	}

	return State{Phase: PhaseAwaitingVerification, Round: (applied + 1) / 2}
}

// RoleAt returns the role that must author the contribution at a position.
func RoleAt(position int) Role {
	switch {
	case position == 0:
		return RoleSeed
	case position%2 == 1:
		return RoleContributor
	default:
		return RoleVerifier
	}
}

// Apply validates a contribution against the chunk's state and appends it.
// It is a pure transition over the given chunk; the ledger owns persistence.
func Apply(chunk *Chunk, rounds int, contrib *Contribution) error {
	state := StateOf(chunk, rounds)

	expected, ok := state.ExpectedRole()
	if !ok {
		return fmt.Errorf("%w: chunk %s is complete", ErrStateConflict, chunk.ChunkID)
	}

	if contrib.Role != expected {
		return fmt.Errorf("%w: chunk %s is %s, got %s contribution", ErrStateConflict, chunk.ChunkID, state, contrib.Role)
	}

	if contrib.Position != chunk.NextPosition() {
		return fmt.Errorf("%w: chunk %s position %d is not next (next is %d)",
			ErrStateConflict, chunk.ChunkID, contrib.Position, chunk.NextPosition())
	}

	contrib.ChunkID = chunk.ChunkID
	chunk.Contributions = append(chunk.Contributions, contrib)

	if contrib.Role == RoleVerifier {
		chunk.Verified++
	}

	return nil
}
