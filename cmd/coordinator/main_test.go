package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Ceremony/internal/backup"
	"Ceremony/internal/ceremony"
	"Ceremony/internal/ledger"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()

	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	return cmd.Execute()
}

func openLedger(t *testing.T, path string) *ledger.Ledger {
	t.Helper()

	store, err := ledger.NewFileStore(path)
	require.NoError(t, err)

	l, err := ledger.Open(store)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	return l
}

func TestInitCreatesLedger(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, execute(t, "init",
		"--data-dir", dir,
		"--base-url", "http://coordinator.test",
		"--chunks", "2",
		"--rounds", "3",
		"--contributors", "alice,bob",
		"--verifiers", "victor",
	))

	c := openLedger(t, filepath.Join(dir, "db.json")).Snapshot()
	assert.Equal(t, 3, c.Rounds)
	assert.Equal(t, []string{"alice", "bob"}, c.ContributorIDs)
	require.Len(t, c.Chunks, 2)
	assert.Equal(t, "chunks/1/contributions/0", c.Chunks[1].Contributions[0].Location)
}

func TestInitRefusesExistingLedger(t *testing.T) {
	dir := t.TempDir()
	args := []string{"init", "--data-dir", dir, "--contributors", "alice", "--verifiers", "victor"}

	require.NoError(t, execute(t, args...))
	require.ErrorIs(t, execute(t, args...), ceremony.ErrFatal)
}

func TestInitFromCeremonyFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(t.TempDir(), "ceremony.json")
	require.NoError(t, os.WriteFile(file, []byte(
		`{"chunkCount":4,"rounds":1,"maxLocks":2,"contributorIds":["carol"],"verifierIds":["victor"]}`,
	), 0o600))

	require.NoError(t, execute(t, "init", "--data-dir", dir, "--ceremony-file", file))

	c := openLedger(t, filepath.Join(dir, "db.json")).Snapshot()
	assert.Len(t, c.Chunks, 4)
	assert.Equal(t, 2, c.MaxLocks)
	assert.Equal(t, []string{"carol"}, c.ContributorIDs)
}

func TestInitRestoresBackup(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, execute(t, "init", "--data-dir", src, "--contributors", "alice", "--verifiers", "victor"))

	l := openLedger(t, filepath.Join(src, "db.json"))
	_, err := l.Commit(func(c *ceremony.Ceremony) error {
		c.MaxLocks = 5
		return nil
	})
	require.NoError(t, err)

	m, err := backup.NewManager(filepath.Join(src, "backups"), l)
	require.NoError(t, err)

	path, err := m.Backup()
	require.NoError(t, err)

	dst := t.TempDir()
	require.NoError(t, execute(t, "init", "--data-dir", dst, "--restore", path))

	restored := openLedger(t, filepath.Join(dst, "db.json")).Snapshot()
	assert.Equal(t, l.Snapshot().Version, restored.Version)
	assert.Equal(t, 5, restored.MaxLocks)
}

func TestLoadConfigRejectsUnknownBackends(t *testing.T) {
	dir := t.TempDir()

	require.Error(t, execute(t, "init", "--data-dir", dir, "--storage", "ftp"))
	require.Error(t, execute(t, "init", "--data-dir", dir, "--ledger", "sqlite"))
	require.Error(t, execute(t, "init", "--data-dir", dir, "--storage", "s3"))
}

func TestInitRestoresPebbleRevision(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, execute(t, "init", "--data-dir", src, "--ledger", "pebble",
		"--contributors", "alice", "--verifiers", "victor"))

	store, err := ledger.NewPebbleStore(filepath.Join(src, "ledger"), 10)
	require.NoError(t, err)

	l, err := ledger.Open(store)
	require.NoError(t, err)

	_, err = l.Commit(func(c *ceremony.Ceremony) error {
		c.MaxLocks = 5
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	old := t.TempDir()
	require.NoError(t, execute(t, "init", "--data-dir", old,
		"--restore-from", filepath.Join(src, "ledger"), "--revision", "1"))

	restored := openLedger(t, filepath.Join(old, "db.json")).Snapshot()
	assert.Equal(t, uint64(1), restored.Version)
	assert.Equal(t, 1, restored.MaxLocks)

	latest := t.TempDir()
	require.NoError(t, execute(t, "init", "--data-dir", latest, "--restore-from", filepath.Join(src, "ledger")))
	assert.Equal(t, 5, openLedger(t, filepath.Join(latest, "db.json")).Snapshot().MaxLocks)

	err = execute(t, "init", "--data-dir", t.TempDir(), "--restore-from", filepath.Join(src, "ledger"), "--revision", "9")
	require.ErrorIs(t, err, ceremony.ErrInvalidInput)
}
