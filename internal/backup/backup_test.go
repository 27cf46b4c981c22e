package backup

import (
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Ceremony/internal/ceremony"
	"Ceremony/internal/ledger"
)

// fakeSource serves a ceremony whose version can be bumped by the test.
type fakeSource struct {
	version atomic.Uint64
}

func (s *fakeSource) Snapshot() *ceremony.Ceremony {
	c, _ := ceremony.New(&ceremony.Config{
		ChunkCount:     1,
		Rounds:         1,
		ContributorIDs: []string{"alice"},
		VerifierIDs:    []string{"victor"},
	}, nil, time.Unix(0, 0).UTC())

	c.Version = s.version.Load()

	return c
}

func TestBackupSkipsUnchangedVersion(t *testing.T) {
	src := &fakeSource{}
	src.version.Store(1)

	m, err := NewManager(t.TempDir(), src)
	require.NoError(t, err)

	path, err := m.Backup()
	require.NoError(t, err)
	require.NotEmpty(t, path)

	path, err = m.Backup()
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestBackupRoundTrip(t *testing.T) {
	src := &fakeSource{}
	src.version.Store(7)

	m, err := NewManager(t.TempDir(), src)
	require.NoError(t, err)

	path, err := m.Backup()
	require.NoError(t, err)

	doc, err := Load(path)
	require.NoError(t, err)

	c, err := ledger.Decode(doc)
	require.NoError(t, err)
	assert.EqualValues(t, 7, c.Version)
	assert.Equal(t, []string{"alice"}, c.ContributorIDs)
}

func TestBackupKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{}

	m, err := NewManager(dir, src, WithKeep(3))
	require.NoError(t, err)

	for v := uint64(1); v <= 6; v++ {
		src.version.Store(v)

		_, err := m.Backup()
		require.NoError(t, err)
	}

	versions, err := List(dir)
	require.NoError(t, err)
	assert.Equal(t, []uint64{6, 5, 4}, versions)
}

func TestListIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/notes.txt", nil, 0o644))
	require.NoError(t, os.WriteFile(dir+"/ceremony-x.json.zst", nil, 0o644))
	require.NoError(t, os.WriteFile(Path(dir, 2), nil, 0o644))

	versions, err := List(dir)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, versions)
}

// TestStopWritesFinalBackup expects the loop to back up the latest version on shutdown.
func TestStopWritesFinalBackup(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{}
	src.version.Store(3)

	m, err := NewManager(dir, src, WithInterval(time.Hour))
	require.NoError(t, err)

	m.Start()
	m.Stop()

	versions, err := List(dir)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, versions)
}
