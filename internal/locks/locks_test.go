package locks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Ceremony/internal/ceremony"
)

// newTestCeremony creates a two-chunk, one-round ceremony with one contributor and one verifier.
func newTestCeremony(t *testing.T, maxLocks int) *ceremony.Ceremony {
	t.Helper()

	c, err := ceremony.New(&ceremony.Config{
		ChunkCount:     2,
		Rounds:         1,
		MaxLocks:       maxLocks,
		ContributorIDs: []string{"alice", "bob"},
		VerifierIDs:    []string{"victor"},
	}, nil, time.Unix(0, 0))
	require.NoError(t, err)

	return c
}

func TestTryLockGrantsOnce(t *testing.T) {
	c := newTestCeremony(t, 0)
	m := New(0)

	ok, err := m.TryLock(c, "0", "alice", ceremony.RoleContributor, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.TryLock(c, "0", "bob", ceremony.RoleContributor, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "second lock must not be granted")

	assert.Equal(t, "alice", c.Chunks[0].Lock.HolderID)
}

func TestTryLockWrongRole(t *testing.T) {
	c := newTestCeremony(t, 0)
	m := New(0)

	// Chunk awaits a contribution, so the verifier cannot lock it.
	ok, err := m.TryLock(c, "0", "victor", ceremony.RoleVerifier, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	// A verifier claiming the contributor role is not in the contributor set.
	ok, _ = m.TryLock(c, "0", "victor", ceremony.RoleContributor, time.Now())
	assert.False(t, ok, "verifier must not lock as contributor")
}

func TestTryLockMaxLocks(t *testing.T) {
	c := newTestCeremony(t, 1)
	m := New(0)

	ok, _ := m.TryLock(c, "0", "alice", ceremony.RoleContributor, time.Now())
	require.True(t, ok, "first lock must be granted")

	ok, _ = m.TryLock(c, "1", "alice", ceremony.RoleContributor, time.Now())
	assert.False(t, ok, "lock above cap must not be granted")

	ok, _ = m.TryLock(c, "1", "bob", ceremony.RoleContributor, time.Now())
	assert.True(t, ok, "other participant must get the chunk")
}

func TestTryLockInvalidInput(t *testing.T) {
	c := newTestCeremony(t, 0)
	m := New(0)

	_, err := m.TryLock(c, "9", "alice", ceremony.RoleContributor, time.Now())
	require.ErrorIs(t, err, ceremony.ErrInvalidInput)

	_, err = m.TryLock(c, "0", "alice", ceremony.RoleSeed, time.Now())
	require.ErrorIs(t, err, ceremony.ErrInvalidInput)
}

// TestContributorThenVerifier walks one chunk through a contributor lock, contribution and
// verifier lock, checking who may lock at each step.
func TestContributorThenVerifier(t *testing.T) {
	c := newTestCeremony(t, 0)
	m := New(0)
	chunk := c.Chunks[0]

	ok, _ := m.TryLock(c, "0", "alice", ceremony.RoleContributor, time.Now())
	require.True(t, ok, "contributor lock must be granted")

	err := ceremony.Apply(chunk, c.Rounds, &ceremony.Contribution{Position: 1, AuthorID: "alice", Role: ceremony.RoleContributor})
	require.NoError(t, err)
	require.NoError(t, m.Unlock(c, "0"))

	ok, _ = m.TryLock(c, "0", "bob", ceremony.RoleContributor, time.Now())
	assert.False(t, ok, "contributor must not lock a chunk awaiting verification")

	ok, _ = m.TryLock(c, "0", "victor", ceremony.RoleVerifier, time.Now())
	assert.True(t, ok, "verifier lock must be granted")
}

func TestExpiredAndReclaim(t *testing.T) {
	c := newTestCeremony(t, 0)
	start := time.Unix(1000, 0)

	m := New(time.Minute)
	m.TryLock(c, "0", "alice", ceremony.RoleContributor, start)
	m.TryLock(c, "1", "bob", ceremony.RoleContributor, start.Add(50*time.Second))

	assert.Empty(t, m.Expired(c, start.Add(30*time.Second)))

	assert.Equal(t, []string{"0"}, m.Reclaim(c, start.Add(70*time.Second)))
	assert.Nil(t, c.Chunks[0].Lock)
	assert.NotNil(t, c.Chunks[1].Lock)
}

func TestExpiredDisabled(t *testing.T) {
	c := newTestCeremony(t, 0)
	m := New(0)
	m.TryLock(c, "0", "alice", ceremony.RoleContributor, time.Unix(0, 0))

	assert.Nil(t, m.Expired(c, time.Now()), "zero lease must never expire")
}

func TestSupersede(t *testing.T) {
	c := newTestCeremony(t, 0)
	m := New(0)
	m.TryLock(c, "0", "alice", ceremony.RoleContributor, time.Now())
	m.TryLock(c, "1", "bob", ceremony.RoleContributor, time.Now())

	// bob leaves the contributor set
	c.ContributorIDs = []string{"alice"}

	assert.Equal(t, []string{"1"}, m.Supersede(c))

	held, _ := m.Holds(c, "0", "alice", ceremony.RoleContributor)
	assert.True(t, held, "alice must keep chunk 0")
}
