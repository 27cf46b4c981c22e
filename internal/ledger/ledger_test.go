package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Ceremony/internal/ceremony"
)

func testConfig() *ceremony.Config {
	return &ceremony.Config{
		ChunkCount:     2,
		Rounds:         1,
		ContributorIDs: []string{"alice"},
		VerifierIDs:    []string{"victor"},
	}
}

func seedAt(id string) string { return "chunks/" + id + "/contributions/0" }

// newFileStore opens a file store in a temp directory and closes it with the test.
func newFileStore(t *testing.T, dir string) *FileStore {
	t.Helper()

	s, err := NewFileStore(filepath.Join(dir, "db.json"))
	require.NoError(t, err)

	return s
}

// lockChunk is a mutation that locks a chunk for alice.
func lockChunk(id string) Mutation {
	return func(c *ceremony.Ceremony) error {
		chunk, err := c.Chunk(id)
		if err != nil {
			return err
		}

		chunk.Lock = &ceremony.Lock{ChunkID: id, HolderID: "alice", Role: ceremony.RoleContributor, AcquiredAt: time.Now()}
		return nil
	}
}

func TestInitAndOpen(t *testing.T) {
	dir := t.TempDir()

	store := newFileStore(t, dir)
	l, err := Init(store, testConfig(), seedAt)
	require.NoError(t, err)
	assert.EqualValues(t, 1, l.Snapshot().Version)
	require.NoError(t, l.Close())

	l, err = Open(newFileStore(t, dir))
	require.NoError(t, err)
	defer l.Close()

	c := l.Snapshot()
	require.Len(t, c.Chunks, 2)
	assert.Equal(t, seedAt("1"), c.Chunks[1].Latest().Location)
}

func TestInitRefusesExisting(t *testing.T) {
	dir := t.TempDir()

	l, err := Init(newFileStore(t, dir), testConfig(), seedAt)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	path := filepath.Join(dir, "db.json")
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	store := newFileStore(t, dir)
	defer store.Close()

	_, err = Init(store, testConfig(), seedAt)
	require.ErrorIs(t, err, ceremony.ErrFatal)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestOpenMissingIsFatal(t *testing.T) {
	store := newFileStore(t, t.TempDir())
	defer store.Close()

	_, err := Open(store)
	require.ErrorIs(t, err, ceremony.ErrFatal)
}

func TestOpenCorruptIsFatal(t *testing.T) {
	docs := map[string]string{
		"not json":     "{chunks:",
		"no chunks":    `{"version":1,"rounds":1,"chunks":[]}`,
		"bad position": `{"version":1,"rounds":1,"chunks":[{"chunkId":"0","contributions":[{"chunkId":"0","position":3,"role":"seed"}],"verified":0}]}`,
	}

	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "db.json"), []byte(doc), 0o644))

			store := newFileStore(t, dir)
			defer store.Close()

			_, err := Open(store)
			require.ErrorIs(t, err, ceremony.ErrFatal)
		})
	}
}

// TestCommitSurvivesRestart locks a chunk, reopens the ledger and expects the lock to persist.
func TestCommitSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	l, err := Init(newFileStore(t, dir), testConfig(), seedAt)
	require.NoError(t, err)

	next, err := l.Commit(lockChunk("1"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, next.Version)
	require.NoError(t, l.Close())

	l, err = Open(newFileStore(t, dir))
	require.NoError(t, err)
	defer l.Close()

	c := l.Snapshot()
	require.NotNil(t, c.Chunks[1].Lock)
	assert.Equal(t, "alice", c.Chunks[1].Lock.HolderID)
	assert.EqualValues(t, 2, c.Version)
}

func TestCommitFailureLeavesStateUntouched(t *testing.T) {
	store := newFileStore(t, t.TempDir())
	l, err := Init(store, testConfig(), seedAt)
	require.NoError(t, err)
	defer l.Close()

	before := l.Snapshot()

	boom := errors.New("boom")
	_, err = l.Commit(func(c *ceremony.Ceremony) error {
		c.Chunks[0].Lock = &ceremony.Lock{ChunkID: "0", HolderID: "alice", Role: ceremony.RoleContributor}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// a mutation that breaks invariants is rejected even without an error
	_, err = l.Commit(func(c *ceremony.Ceremony) error {
		c.Chunks[0].Verified = 5
		return nil
	})
	require.ErrorIs(t, err, ceremony.ErrInvalidInput)

	got, err := l.Commit(func(*ceremony.Ceremony) error { return ErrNoChange })
	require.NoError(t, err)

	assert.Same(t, before, got)
	assert.Same(t, before, l.Snapshot())
	assert.Nil(t, l.Snapshot().Chunks[0].Lock)
}

func TestSnapshotIsNotMutatedByCommit(t *testing.T) {
	l, err := Init(newFileStore(t, t.TempDir()), testConfig(), seedAt)
	require.NoError(t, err)
	defer l.Close()

	before := l.Snapshot()
	_, err = l.Commit(lockChunk("0"))
	require.NoError(t, err)

	assert.Nil(t, before.Chunks[0].Lock)
	assert.NotNil(t, l.Snapshot().Chunks[0].Lock)
}

func TestConcurrentCommitsSerialize(t *testing.T) {
	l, err := Init(newFileStore(t, t.TempDir()), testConfig(), seedAt)
	require.NoError(t, err)
	defer l.Close()

	const n = 20

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := l.Commit(func(c *ceremony.Ceremony) error {
				// toggle the lock so every commit changes the document
				if c.Chunks[0].Lock == nil {
					return lockChunk("0")(c)
				}
				c.Chunks[0].Lock = nil
				return nil
			})
			assert.NoError(t, err)

			// readers always see a published, valid snapshot
			assert.NoError(t, l.Snapshot().Validate())
		}()
	}
	wg.Wait()

	assert.EqualValues(t, n+1, l.Snapshot().Version)
	assert.Nil(t, l.Snapshot().Chunks[0].Lock)
}

func TestFileStoreExclusiveLock(t *testing.T) {
	dir := t.TempDir()

	store := newFileStore(t, dir)
	defer store.Close()

	_, err := NewFileStore(filepath.Join(dir, "db.json"))
	require.ErrorIs(t, err, ErrLocked)
}

func TestRestoreKeepsVersion(t *testing.T) {
	src, err := Init(newFileStore(t, t.TempDir()), testConfig(), seedAt)
	require.NoError(t, err)
	defer src.Close()

	_, err = src.Commit(lockChunk("0"))
	require.NoError(t, err)

	doc, err := Encode(src.Snapshot())
	require.NoError(t, err)

	dir := t.TempDir()

	l, err := Restore(newFileStore(t, dir), doc)
	require.NoError(t, err)
	assert.EqualValues(t, 2, l.Snapshot().Version)
	assert.NotNil(t, l.Snapshot().Chunks[0].Lock)
	require.NoError(t, l.Close())

	store := newFileStore(t, dir)
	defer store.Close()

	_, err = Restore(store, doc)
	require.ErrorIs(t, err, ceremony.ErrFatal)

	_, err = Restore(newFileStore(t, t.TempDir()), []byte("{"))
	require.ErrorIs(t, err, ceremony.ErrInvalidInput)
}
