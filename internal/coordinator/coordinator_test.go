package coordinator

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Ceremony/internal/ceremony"
	"Ceremony/internal/chunkstore"
	"Ceremony/internal/ledger"
)

// testEnv is a coordinator over a file ledger and a disk chunk store in a temp directory.
type testEnv struct {
	dir   string
	coord *Coordinator
	store *chunkstore.DiskStore
}

func newTestEnv(t *testing.T, cfg *ceremony.Config, opts ...Option) *testEnv {
	t.Helper()

	dir := t.TempDir()

	store, err := chunkstore.NewDiskStore(filepath.Join(dir, "chunks"), "http://localhost:8080")
	require.NoError(t, err)

	fs, err := ledger.NewFileStore(filepath.Join(dir, "db.json"))
	require.NoError(t, err)

	l, err := ledger.Init(fs, cfg, func(id string) string { return store.Location(id, 0) })
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	return &testEnv{dir: dir, coord: New(l, store, opts...), store: store}
}

func defaultConfig() *ceremony.Config {
	return &ceremony.Config{
		ChunkCount:     2,
		Rounds:         1,
		ContributorIDs: []string{"alice", "bob"},
		VerifierIDs:    []string{"victor"},
	}
}

// upload stages a payload for the participant at the chunk's next position.
func (e *testEnv) upload(t *testing.T, chunkID, participantID string, data []byte) {
	t.Helper()

	chunk, err := e.coord.GetChunk(chunkID)
	require.NoError(t, err)

	err = e.coord.StageContribution(context.Background(), chunkID, chunk.NextPosition(), participantID, bytes.NewReader(data))
	require.NoError(t, err)
}

// TestOneRoundScenario drives one chunk through contributor and verifier with one round.
func TestOneRoundScenario(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, defaultConfig())
	c := env.coord

	ok, err := c.TryLockChunk("0", "alice")
	require.NoError(t, err)
	require.True(t, ok)

	env.upload(t, "0", "alice", []byte("response-1"))

	chunk, err := c.ContributeChunk(ctx, "0", "alice")
	require.NoError(t, err)
	assert.Nil(t, chunk.Lock)
	assert.Len(t, chunk.Contributions, 2)
	assert.Equal(t, ceremony.State{Phase: ceremony.PhaseAwaitingVerification, Round: 1}, ceremony.StateOf(chunk, 1))

	// a contributor cannot take the chunk while it awaits verification
	ok, err = c.TryLockChunk("0", "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.TryLockChunk("0", "victor")
	require.NoError(t, err)
	require.True(t, ok)

	env.upload(t, "0", "victor", []byte("challenge-2"))

	chunk, err = c.ContributeChunk(ctx, "0", "victor")
	require.NoError(t, err)
	assert.Equal(t, 1, chunk.Verified)
	assert.True(t, ceremony.StateOf(chunk, 1).Complete())

	remaining := c.GetChunksRemaining()
	require.Len(t, remaining, 1)
	assert.Equal(t, "1", remaining[0].ChunkID)

	data, err := c.ReadContribution(ctx, "0", 2)
	require.NoError(t, err)
	assert.Equal(t, "challenge-2", string(data))

	assert.Equal(t, chunkstore.Digest([]byte("response-1")), chunk.Contributions[1].Digest)
}

// TestLockRequiresExpectedRole checks a second contributor is turned away and the
// contribution must come from the holder.
func TestLockRequiresExpectedRole(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, defaultConfig())
	c := env.coord

	ok, _ := c.TryLockChunk("1", "alice")
	require.True(t, ok)

	ok, err := c.TryLockChunk("1", "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = c.TryLockChunk("1", "victor")
	assert.False(t, ok)

	_, err = c.ContributeChunk(ctx, "1", "bob")
	require.ErrorIs(t, err, ceremony.ErrStateConflict)
}

func TestRacingTryLockGrantsOne(t *testing.T) {
	cfg := defaultConfig()
	cfg.ContributorIDs = []string{"p0", "p1", "p2", "p3", "p4", "p5", "p6", "p7"}
	c := newTestEnv(t, cfg).coord

	var granted atomic.Int32
	var wg sync.WaitGroup

	for _, id := range cfg.ContributorIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()

			ok, err := c.TryLockChunk("0", id)
			assert.NoError(t, err)
			if ok {
				granted.Add(1)
			}
		}(id)
	}
	wg.Wait()

	assert.EqualValues(t, 1, granted.Load())
	assert.NotNil(t, c.GetCeremony().Chunks[0].Lock)
}

func TestContributeWithoutLockLeavesLedgerUnchanged(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	c := env.coord

	before := c.GetCeremony()

	_, err := c.ContributeChunk(context.Background(), "0", "alice")
	require.ErrorIs(t, err, ceremony.ErrStateConflict)

	assert.Same(t, before, c.GetCeremony())
}

func TestInvalidInput(t *testing.T) {
	c := newTestEnv(t, defaultConfig()).coord

	_, err := c.TryLockChunk("x", "alice")
	require.ErrorIs(t, err, ceremony.ErrInvalidInput)

	_, err = c.TryLockChunk("0", "mallory")
	require.ErrorIs(t, err, ceremony.ErrInvalidInput)

	_, err = c.GetChunk("7")
	require.ErrorIs(t, err, ceremony.ErrInvalidInput)

	_, err = c.ReadContribution(context.Background(), "0", 3)
	require.ErrorIs(t, err, ceremony.ErrInvalidInput)
}

func TestMaxLocks(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxLocks = 1
	c := newTestEnv(t, cfg).coord

	ok, _ := c.TryLockChunk("0", "alice")
	require.True(t, ok)

	ok, _ = c.TryLockChunk("1", "alice")
	assert.False(t, ok)
}

func TestUnlockPermissions(t *testing.T) {
	c := newTestEnv(t, defaultConfig()).coord

	ok, _ := c.TryLockChunk("0", "alice")
	require.True(t, ok)

	require.ErrorIs(t, c.UnlockChunk("0", "bob"), ceremony.ErrStateConflict)

	require.NoError(t, c.UnlockChunk("0", "victor"))
	assert.Nil(t, c.GetCeremony().Chunks[0].Lock)

	// unlocking an unlocked chunk is a no-op
	version := c.GetCeremony().Version
	require.NoError(t, c.UnlockChunk("0", "alice"))
	assert.Equal(t, version, c.GetCeremony().Version)
}

// failingStore wraps a store and fails canonicalization.
type failingStore struct {
	*chunkstore.DiskStore
}

func (f failingStore) CopyToCanonical(context.Context, string, int, string) (chunkstore.Object, error) {
	return chunkstore.Object{}, errors.New("bucket unavailable")
}

func TestStorageFailureReleasesLock(t *testing.T) {
	dir := t.TempDir()

	disk, err := chunkstore.NewDiskStore(dir, "")
	require.NoError(t, err)

	fs, err := ledger.NewFileStore(filepath.Join(dir, "db.json"))
	require.NoError(t, err)

	l, err := ledger.Init(fs, defaultConfig(), nil)
	require.NoError(t, err)
	defer l.Close()

	c := New(l, failingStore{disk})

	ok, _ := c.TryLockChunk("0", "alice")
	require.True(t, ok)

	_, err = c.ContributeChunk(context.Background(), "0", "alice")
	require.ErrorIs(t, err, ceremony.ErrStorage)

	chunk, err := c.GetChunk("0")
	require.NoError(t, err)
	assert.Nil(t, chunk.Lock)
	assert.Len(t, chunk.Contributions, 1)
}

func TestRestartKeepsProgress(t *testing.T) {
	env := newTestEnv(t, defaultConfig())
	c := env.coord

	ok, _ := c.TryLockChunk("0", "alice")
	require.True(t, ok)
	env.upload(t, "0", "alice", []byte("r"))
	_, err := c.ContributeChunk(context.Background(), "0", "alice")
	require.NoError(t, err)

	ok, _ = c.TryLockChunk("1", "bob")
	require.True(t, ok)

	require.NoError(t, c.ledger.Close())

	fs, err := ledger.NewFileStore(filepath.Join(env.dir, "db.json"))
	require.NoError(t, err)

	l, err := ledger.Open(fs)
	require.NoError(t, err)
	defer l.Close()

	restarted := New(l, env.store)

	chunk, err := restarted.GetChunk("0")
	require.NoError(t, err)
	assert.Len(t, chunk.Contributions, 2)

	chunk, err = restarted.GetChunk("1")
	require.NoError(t, err)
	require.NotNil(t, chunk.Lock)
	assert.Equal(t, "bob", chunk.Lock.HolderID)
}

func TestSetCeremony(t *testing.T) {
	c := newTestEnv(t, defaultConfig()).coord

	ok, _ := c.TryLockChunk("0", "alice")
	require.True(t, ok)

	t.Run("stale version", func(t *testing.T) {
		next := c.GetCeremony().Clone()
		next.Version--
		require.ErrorIs(t, c.SetCeremony(next), ceremony.ErrConflict)
	})

	t.Run("locked chunk removed", func(t *testing.T) {
		next := c.GetCeremony().Clone()
		next.Chunks = next.Chunks[1:]
		require.ErrorIs(t, c.SetCeremony(next), ceremony.ErrConflict)
	})

	t.Run("invalid", func(t *testing.T) {
		next := c.GetCeremony().Clone()
		next.Rounds = 0
		require.ErrorIs(t, c.SetCeremony(next), ceremony.ErrInvalidInput)
	})

	t.Run("null chunk", func(t *testing.T) {
		next := c.GetCeremony().Clone()
		next.Chunks = append(next.Chunks, nil)
		require.ErrorIs(t, c.SetCeremony(next), ceremony.ErrInvalidInput)
	})

	t.Run("null contribution", func(t *testing.T) {
		next := c.GetCeremony().Clone()
		next.Chunks[1].Contributions = append(next.Chunks[1].Contributions, nil)
		require.ErrorIs(t, c.SetCeremony(next), ceremony.ErrInvalidInput)
	})

	t.Run("null locked contribution", func(t *testing.T) {
		next := c.GetCeremony().Clone()
		next.Chunks[0].Contributions[0] = nil
		require.ErrorIs(t, c.SetCeremony(next), ceremony.ErrInvalidInput)
	})

	t.Run("add participant and round", func(t *testing.T) {
		next := c.GetCeremony().Clone()
		version := next.Version
		next.ContributorIDs = append(next.ContributorIDs, "carol")
		next.Rounds = 2
		next.Chunks[0].Lock = nil // ignored

		require.NoError(t, c.SetCeremony(next))

		cur := c.GetCeremony()
		assert.Equal(t, version+1, cur.Version)
		assert.True(t, cur.IsContributor("carol"))
		assert.Equal(t, 2, cur.Rounds)
		require.NotNil(t, cur.Chunks[0].Lock)
		assert.Equal(t, "alice", cur.Chunks[0].Lock.HolderID)
	})

	t.Run("removed holder loses lock", func(t *testing.T) {
		next := c.GetCeremony().Clone()
		next.ContributorIDs = []string{"bob", "carol"}

		require.NoError(t, c.SetCeremony(next))
		assert.Nil(t, c.GetCeremony().Chunks[0].Lock)
	})
}

func TestWriteSeed(t *testing.T) {
	ctx := context.Background()
	c := newTestEnv(t, defaultConfig()).coord

	require.ErrorIs(t, c.WriteSeed(ctx, "0", "alice", []byte("seed")), ceremony.ErrInvalidInput)

	require.NoError(t, c.WriteSeed(ctx, "0", "victor", []byte("seed")))
	require.ErrorIs(t, c.WriteSeed(ctx, "0", "victor", []byte("again")), ceremony.ErrStateConflict)

	chunk, _ := c.GetChunk("0")
	assert.Equal(t, chunkstore.Digest([]byte("seed")), chunk.Contributions[0].Digest)

	data, err := c.ReadContribution(ctx, "0", 0)
	require.NoError(t, err)
	assert.Equal(t, "seed", string(data))

	_, err = c.ReadContribution(ctx, "1", 0)
	require.ErrorIs(t, err, ceremony.ErrStateConflict)
}

func TestStageRejectsWrongVersion(t *testing.T) {
	c := newTestEnv(t, defaultConfig()).coord

	ok, _ := c.TryLockChunk("0", "alice")
	require.True(t, ok)

	err := c.StageContribution(context.Background(), "0", 2, "alice", bytes.NewReader(nil))
	require.ErrorIs(t, err, ceremony.ErrStateConflict)
}

func TestReclaimExpired(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	clock := func() time.Time { return now }

	c := newTestEnv(t, defaultConfig(), WithLease(time.Minute), WithClock(clock)).coord

	ok, _ := c.TryLockChunk("0", "alice")
	require.True(t, ok)

	got, err := c.ReclaimExpired(now.Add(30 * time.Second))
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = c.ReclaimExpired(now.Add(2 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"0"}, got)
	assert.Nil(t, c.GetCeremony().Chunks[0].Lock)
}

// TestReclaimedChunkIgnoresPreviousHoldersPromotion covers a holder whose payload was
// promoted but never committed: the next holder must upload their own bytes.
func TestReclaimedChunkIgnoresPreviousHoldersPromotion(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_000_000, 0)
	clock := func() time.Time { return now }

	env := newTestEnv(t, defaultConfig(), WithLease(time.Minute), WithClock(clock))
	c := env.coord

	ok, _ := c.TryLockChunk("0", "alice")
	require.True(t, ok)

	env.upload(t, "0", "alice", []byte("alice-bytes"))

	_, err := env.store.CopyToCanonical(ctx, "0", 1, "alice")
	require.NoError(t, err)

	got, err := c.ReclaimExpired(now.Add(2 * time.Minute))
	require.NoError(t, err)
	require.Equal(t, []string{"0"}, got)

	ok, err = c.TryLockChunk("0", "bob")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = c.ContributeChunk(ctx, "0", "bob")
	require.ErrorIs(t, err, ceremony.ErrStateConflict)

	chunk, err := c.GetChunk("0")
	require.NoError(t, err)
	assert.Len(t, chunk.Contributions, 1)
	require.NotNil(t, chunk.Lock)
	assert.Equal(t, "bob", chunk.Lock.HolderID)

	env.upload(t, "0", "bob", []byte("bob-bytes"))

	chunk, err = c.ContributeChunk(ctx, "0", "bob")
	require.NoError(t, err)
	require.Len(t, chunk.Contributions, 2)
	assert.Equal(t, "bob", chunk.Contributions[1].AuthorID)
	assert.Equal(t, chunkstore.Digest([]byte("bob-bytes")), chunk.Contributions[1].Digest)

	data, err := c.ReadContribution(ctx, "0", 1)
	require.NoError(t, err)
	assert.Equal(t, "bob-bytes", string(data))
}

func TestConcurrentWriteSeedSeedsOnce(t *testing.T) {
	ctx := context.Background()
	c := newTestEnv(t, defaultConfig()).coord

	const writers = 8

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
	)

	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := c.WriteSeed(ctx, "0", "victor", []byte{byte('a' + i)})
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ceremony.ErrStateConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(writers-1), conflicts.Load())

	data, err := c.ReadContribution(ctx, "0", 0)
	require.NoError(t, err)

	chunk, _ := c.GetChunk("0")
	assert.Equal(t, chunkstore.Digest(data), chunk.Contributions[0].Digest)
}
