package chunkstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDiskStore(t *testing.T) *DiskStore {
	t.Helper()

	s, err := NewDiskStore(t.TempDir(), "http://coordinator:8080/")
	require.NoError(t, err)

	return s
}

func TestDiskStageAndPromote(t *testing.T) {
	ctx := context.Background()
	s := newTestDiskStore(t)

	payload := make([]byte, 64<<10)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	require.NoError(t, s.Stage(ctx, "3", 1, "alice", bytes.NewReader(payload)))

	obj, err := s.CopyToCanonical(ctx, "3", 1, "alice")
	require.NoError(t, err)
	assert.Equal(t, "chunks/3/contributions/1", obj.Location)
	assert.Equal(t, Digest(payload), obj.Digest)

	got, err := s.Read(ctx, "3", 1)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDiskCopyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestDiskStore(t)

	require.NoError(t, s.Stage(ctx, "0", 1, "alice", bytes.NewReader([]byte("response"))))

	first, err := s.CopyToCanonical(ctx, "0", 1, "alice")
	require.NoError(t, err)

	second, err := s.CopyToCanonical(ctx, "0", 1, "alice")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDiskCopyWithoutUpload(t *testing.T) {
	s := newTestDiskStore(t)

	_, err := s.CopyToCanonical(context.Background(), "0", 1, "alice")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDiskCopyOnlyReturnsOwnPromotion(t *testing.T) {
	ctx := context.Background()
	s := newTestDiskStore(t)

	require.NoError(t, s.Stage(ctx, "0", 1, "alice", bytes.NewReader([]byte("alice-bytes"))))
	_, err := s.CopyToCanonical(ctx, "0", 1, "alice")
	require.NoError(t, err)

	_, err = s.CopyToCanonical(ctx, "0", 1, "bob")
	require.ErrorIs(t, err, ErrNotFound)

	obj, err := s.CopyToCanonical(ctx, "0", 1, "alice")
	require.NoError(t, err)
	assert.Equal(t, Digest([]byte("alice-bytes")), obj.Digest)
}

func TestDiskStagingReplacesUnrecordedCanonical(t *testing.T) {
	ctx := context.Background()
	s := newTestDiskStore(t)

	require.NoError(t, s.Stage(ctx, "0", 1, "alice", bytes.NewReader([]byte("old"))))
	_, err := s.CopyToCanonical(ctx, "0", 1, "alice")
	require.NoError(t, err)

	require.NoError(t, s.Stage(ctx, "0", 1, "bob", bytes.NewReader([]byte("new"))))
	obj, err := s.CopyToCanonical(ctx, "0", 1, "bob")
	require.NoError(t, err)
	assert.Equal(t, Digest([]byte("new")), obj.Digest)

	got, err := s.Read(ctx, "0", 1)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestDiskWriteRefusesOverwrite(t *testing.T) {
	ctx := context.Background()
	s := newTestDiskStore(t)

	require.NoError(t, s.Write(ctx, "0", 0, []byte("seed")))
	require.ErrorIs(t, s.Write(ctx, "0", 0, []byte("other")), ErrExists)

	got, err := s.Read(ctx, "0", 0)
	require.NoError(t, err)
	assert.Equal(t, "seed", string(got))
}

func TestDiskConcurrentWriteHasOneWinner(t *testing.T) {
	ctx := context.Background()
	s := newTestDiskStore(t)

	const writers = 16

	errs := make([]error, writers)

	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Write(ctx, "0", 0, []byte(fmt.Sprintf("seed-%d", i)))
		}()
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			require.Equal(t, -1, winner, "two writers succeeded")
			winner = i
			continue
		}
		require.ErrorIs(t, err, ErrExists)
	}
	require.NotEqual(t, -1, winner)

	got, err := s.Read(ctx, "0", 0)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("seed-%d", winner), string(got))
}

func TestDiskReadMissing(t *testing.T) {
	_, err := newTestDiskStore(t).Read(context.Background(), "0", 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDiskWriteLocation(t *testing.T) {
	loc, err := newTestDiskStore(t).WriteLocation(context.Background(), "2", 3, "alice")
	require.NoError(t, err)
	assert.Equal(t, "http://coordinator:8080/chunks/2/contribution/3", loc)
}

func TestStagingKeyEscapesParticipant(t *testing.T) {
	assert.Equal(t, "staging/1/2/a%2Fb", StagingKey("1", 2, "a/b"))
	assert.Equal(t, "staging/1/2/%2E..", StagingKey("1", 2, ".."))
	assert.Equal(t, "chunks/1/contributions/2", CanonicalKey("1", 2))
}

func TestStageCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newTestDiskStore(t).Stage(ctx, "0", 1, "alice", bytes.NewReader([]byte("x")))
	require.ErrorIs(t, err, context.Canceled)
}
