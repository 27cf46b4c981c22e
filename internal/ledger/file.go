package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process already serves the ledger file.
var ErrLocked = errors.New("ledger is locked by another process")

// FileStore keeps the ledger as a single JSON document on disk.
// Writes go to a temporary file that is fsynced and renamed over the document.
type FileStore struct {
	path string       // path is the ledger document
	lock *flock.Flock // lock keeps other processes off the document
}

// NewFileStore opens a file store and takes an exclusive process lock next to the document.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory:\n%w", err)
	}

	lock := flock.New(path + ".lock")

	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock ledger:\n%w", err)
	}

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	return &FileStore{path: path, lock: lock}, nil
}

// Path returns the document path.
func (s *FileStore) Path() string {
	return s.path
}

// Exists reports whether the document exists.
func (s *FileStore) Exists() (bool, error) {
	_, err := os.Stat(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	return err == nil, err
}

// Read returns the document.
func (s *FileStore) Read() ([]byte, error) {
	return os.ReadFile(s.path)
}

// Write replaces the document atomically.
func (s *FileStore) Write(_ uint64, doc []byte) error {
	return writeFileAtomic(s.path, doc)
}

// Close releases the process lock.
func (s *FileStore) Close() error {
	return s.lock.Unlock()
}

// writeFileAtomic writes data to a temporary sibling, syncs it and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file:\n%w", err)
	}

	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file:\n%w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file:\n%w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file:\n%w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename %s:\n%w", path, err)
	}

	return syncDir(dir)
}

// syncDir flushes a directory entry so a rename survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Sync()
}
