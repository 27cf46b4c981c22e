// Package backup writes periodic compressed copies of the ledger document.
package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"Ceremony/internal/ceremony"
	"Ceremony/internal/ledger"
	"Ceremony/internal/logger"
)

const (
	// defaultInterval is the default interval between backup checks.
	defaultInterval = time.Minute

	// defaultKeep is the default number of backup files retained.
	defaultKeep = 10

	filePrefix = "ceremony-"
	fileSuffix = ".json.zst"
)

// Source provides the ceremony to back up.
type Source interface {
	Snapshot() *ceremony.Ceremony
}

// Manager writes a backup whenever the ledger version changed since the last one.
type Manager struct {
	dir      string        // dir receives the backup files
	source   Source        // source is the ledger being backed up
	interval time.Duration // interval between checks
	keep     int           // keep is how many files are retained

	mu      sync.Mutex
	version uint64 // version of the last written backup

	stop chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithInterval sets the interval between checks.
func WithInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

// WithKeep sets how many backup files are retained (0 = all).
func WithKeep(n int) Option {
	return func(m *Manager) { m.keep = n }
}

// NewManager creates a backup manager writing into dir.
func NewManager(dir string, source Source, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory:\n%w", err)
	}

	m := &Manager{
		dir:      dir,
		source:   source,
		interval: defaultInterval,
		keep:     defaultKeep,
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Start begins the periodic backup loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop stops the loop, takes a final backup and waits for it to finish.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			m.backupAndLog()
			return
		case <-ticker.C:
			m.backupAndLog()
		}
	}
}

func (m *Manager) backupAndLog() {
	if _, err := m.Backup(); err != nil {
		logger.Error("ledger backup failed", "error", err)
	}
}

// Backup writes the current ledger document if its version changed since the last backup.
// It returns the written path, or "" when nothing changed.
func (m *Manager) Backup() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.source.Snapshot()
	if c.Version == m.version {
		return "", nil
	}

	doc, err := ledger.Encode(c)
	if err != nil {
		return "", err
	}

	compressed, err := compress(doc)
	if err != nil {
		return "", err
	}

	path := Path(m.dir, c.Version)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return "", fmt.Errorf("write backup:\n%w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename backup:\n%w", err)
	}

	m.version = c.Version

	if err := m.prune(); err != nil {
		return path, err
	}

	logger.Debug("ledger backed up",
		"version", c.Version,
		"size", len(doc),
		"compressed", len(compressed),
	)

	return path, nil
}

// List returns the versions of the backups in dir, newest first.
func List(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read backup directory:\n%w", err)
	}

	var versions []uint64

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}

		v, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
		if err != nil {
			continue
		}

		versions = append(versions, v)
	}

	slices.Sort(versions)
	slices.Reverse(versions)

	return versions, nil
}

// Load reads a backup file and returns the plain ledger document.
func Load(path string) ([]byte, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backup:\n%w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer dec.Close()

	doc, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress backup:\n%w", err)
	}

	return doc, nil
}

// prune removes the oldest backups beyond the retention count.
func (m *Manager) prune() error {
	if m.keep <= 0 {
		return nil
	}

	versions, err := List(m.dir)
	if err != nil {
		return err
	}

	if len(versions) <= m.keep {
		return nil
	}

	for _, v := range versions[m.keep:] {
		if err := os.Remove(Path(m.dir, v)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove old backup:\n%w", err)
		}
	}

	return nil
}

// Path returns the backup file for a version in dir.
func Path(dir string, version uint64) string {
	return filepath.Join(dir, fileName(version))
}

func fileName(version uint64) string {
	return fmt.Sprintf("%s%020d%s", filePrefix, version, fileSuffix)
}

func compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer enc.Close()

	return enc.EncodeAll(data, nil), nil
}
