package ceremony

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// newTestCeremony builds a valid ceremony with the given shape.
func newTestCeremony(t *testing.T, chunks, rounds int) *Ceremony {
	t.Helper()

	c, err := New(&Config{
		ChunkCount:     chunks,
		Rounds:         rounds,
		ContributorIDs: []string{"alice", "bob"},
		VerifierIDs:    []string{"victor"},
	}, func(id string) string { return "seed/" + id }, time.Unix(0, 0))
	require.NoError(t, err)

	return c
}

func contribution(chunk *Chunk, author string) *Contribution {
	pos := chunk.NextPosition()

	return &Contribution{
		Position: pos,
		AuthorID: author,
		Role:     RoleAt(pos),
		Location: chunk.ChunkID + "/" + strconv.Itoa(pos),
	}
}

func TestStateOf(t *testing.T) {
	c := newTestCeremony(t, 1, 2)
	chunk := c.Chunks[0]

	want := []State{
		{PhaseAwaitingContribution, 1},
		{PhaseAwaitingVerification, 1},
		{PhaseAwaitingContribution, 2},
		{PhaseAwaitingVerification, 2},
		{PhaseComplete, 2},
	}

	for i, w := range want {
		assert.Equal(t, w, StateOf(chunk, c.Rounds), "after %d contributions", i)

		if w.Complete() {
			break
		}

		require.NoError(t, Apply(chunk, c.Rounds, contribution(chunk, "alice")))
	}

	assert.Equal(t, 2, chunk.Verified)
	assert.Len(t, chunk.Contributions, 5)
}

func TestApplyRejectsWrongRole(t *testing.T) {
	c := newTestCeremony(t, 1, 1)
	chunk := c.Chunks[0]

	err := Apply(chunk, c.Rounds, &Contribution{Position: 1, Role: RoleVerifier})
	require.ErrorIs(t, err, ErrStateConflict)
	assert.Len(t, chunk.Contributions, 1)
}

func TestApplyRejectsFilledPosition(t *testing.T) {
	c := newTestCeremony(t, 1, 1)
	chunk := c.Chunks[0]

	require.NoError(t, Apply(chunk, c.Rounds, contribution(chunk, "alice")))

	err := Apply(chunk, c.Rounds, &Contribution{Position: 1, Role: RoleContributor})
	require.ErrorIs(t, err, ErrStateConflict)
}

func TestApplyRejectsCompleteChunk(t *testing.T) {
	c := newTestCeremony(t, 1, 1)
	chunk := c.Chunks[0]

	require.NoError(t, Apply(chunk, c.Rounds, contribution(chunk, "alice")))
	require.NoError(t, Apply(chunk, c.Rounds, contribution(chunk, "victor")))

	err := Apply(chunk, c.Rounds, &Contribution{Position: 3, Role: RoleContributor})
	require.ErrorIs(t, err, ErrStateConflict)
}

func TestRoleAt(t *testing.T) {
	assert.Equal(t, RoleSeed, RoleAt(0))
	assert.Equal(t, RoleContributor, RoleAt(1))
	assert.Equal(t, RoleVerifier, RoleAt(2))
	assert.Equal(t, RoleContributor, RoleAt(7))
}

// TestApplyProperties drives random contribution attempts through Apply and checks that
// accepted sequences stay gap-free, alternate roles and keep the cursor consistent.
func TestApplyProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rounds := rapid.IntRange(1, 4).Draw(t, "rounds")
		c, err := New(&Config{
			ChunkCount:     1,
			Rounds:         rounds,
			ContributorIDs: []string{"c"},
			VerifierIDs:    []string{"v"},
		}, nil, time.Unix(0, 0))
		require.NoError(t, err)

		chunk := c.Chunks[0]
		steps := rapid.IntRange(0, 20).Draw(t, "steps")

		for i := 0; i < steps; i++ {
			role := rapid.SampledFrom([]Role{RoleContributor, RoleVerifier}).Draw(t, "role")
			pos := rapid.IntRange(0, 2*rounds+2).Draw(t, "position")

			before := len(chunk.Contributions)
			err := Apply(chunk, rounds, &Contribution{Position: pos, Role: role})

			if err == nil {
				require.Len(t, chunk.Contributions, before+1, "accepted contribution did not append")
			} else {
				require.Len(t, chunk.Contributions, before, "rejected contribution mutated chunk")
			}
		}

		require.NoError(t, c.Validate())
		require.LessOrEqual(t, len(chunk.Contributions), 2*rounds+1, "chunk grew past completion")
	})
}
