package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DiskStore keeps payloads as files under a root directory.
// Participants upload through the coordinator, so write locations point at its API.
type DiskStore struct {
	root    string // root is the directory holding every object
	baseURL string // baseURL is the coordinator's public API address
}

// NewDiskStore creates a disk store rooted at dir.
func NewDiskStore(dir, baseURL string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk directory:\n%w", err)
	}

	return &DiskStore{root: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// WriteLocation returns the coordinator's proxied upload endpoint for the chunk version.
func (s *DiskStore) WriteLocation(_ context.Context, chunkID string, version int, _ string) (string, error) {
	return fmt.Sprintf("%s/chunks/%s/contribution/%d", s.baseURL, chunkID, version), nil
}

// Stage writes a participant upload to its staging file.
func (s *DiskStore) Stage(ctx context.Context, chunkID string, version int, participantID string, r io.Reader) error {
	return s.writeFile(ctx, StagingKey(chunkID, version, participantID), r)
}

// CopyToCanonical moves the staged file to the canonical path, recording the participant
// as its author first. A pending staged upload always replaces the canonical file, since a
// version only becomes referenced once the ledger records it.
func (s *DiskStore) CopyToCanonical(ctx context.Context, chunkID string, version int, participantID string) (Object, error) {
	staging := s.path(StagingKey(chunkID, version, participantID))
	canonical := s.path(CanonicalKey(chunkID, version))

	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	if _, err := os.Stat(staging); errors.Is(err, os.ErrNotExist) {
		return s.promoted(chunkID, version, participantID)
	}

	data, err := os.ReadFile(staging)
	if err != nil {
		return Object{}, fmt.Errorf("read staged file:\n%w", err)
	}

	if err := s.writeFile(ctx, authorKey(chunkID, version), strings.NewReader(participantID)); err != nil {
		return Object{}, fmt.Errorf("record author:\n%w", err)
	}

	if err := os.Rename(staging, canonical); err != nil {
		return Object{}, fmt.Errorf("promote staged file:\n%w", err)
	}

	return Object{Location: s.Location(chunkID, version), Digest: Digest(data)}, nil
}

// promoted returns the canonical object when participantID's upload was already promoted.
func (s *DiskStore) promoted(chunkID string, version int, participantID string) (Object, error) {
	author, err := os.ReadFile(s.path(authorKey(chunkID, version)))
	if errors.Is(err, os.ErrNotExist) || (err == nil && string(author) != participantID) {
		return Object{}, noUpload(chunkID, version, participantID)
	}
	if err != nil {
		return Object{}, fmt.Errorf("read author:\n%w", err)
	}

	data, err := os.ReadFile(s.path(CanonicalKey(chunkID, version)))
	if errors.Is(err, os.ErrNotExist) {
		return Object{}, noUpload(chunkID, version, participantID)
	}
	if err != nil {
		return Object{}, fmt.Errorf("read canonical file:\n%w", err)
	}

	return Object{Location: s.Location(chunkID, version), Digest: Digest(data)}, nil
}

// Location returns the canonical key relative to the root.
func (s *DiskStore) Location(chunkID string, version int) string {
	return CanonicalKey(chunkID, version)
}

// Read returns the canonical payload.
func (s *DiskStore) Read(_ context.Context, chunkID string, version int) ([]byte, error) {
	data, err := os.ReadFile(s.path(CanonicalKey(chunkID, version)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: chunk %s version %d", ErrNotFound, chunkID, version)
	}

	return data, err
}

// Write stores a canonical payload unless one already exists. The file is hard linked into
// place, which fails if the path is taken.
func (s *DiskStore) Write(ctx context.Context, chunkID string, version int, data []byte) error {
	key := CanonicalKey(chunkID, version)

	tmp, err := s.writeTemp(ctx, key, bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, s.path(key)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: chunk %s version %d", ErrExists, chunkID, version)
		}

		return fmt.Errorf("publish %s:\n%w", key, err)
	}

	return nil
}

// Close is a no-op.
func (s *DiskStore) Close() error {
	return nil
}

// path maps an object key to a file path.
func (s *DiskStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// writeFile streams r to a temporary file and renames it over the key's path.
func (s *DiskStore) writeFile(ctx context.Context, key string, r io.Reader) error {
	tmp, err := s.writeTemp(ctx, key, r)
	if err != nil {
		return err
	}

	if err := os.Rename(tmp, s.path(key)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish %s:\n%w", key, err)
	}

	return nil
}

// writeTemp streams r to a synced temporary file next to the key's path and returns its name.
func (s *DiskStore) writeTemp(ctx context.Context, key string, r io.Reader) (string, error) {
	dir := filepath.Dir(s.path(key))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory:\n%w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file:\n%w", err)
	}

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r}); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write %s:\n%w", key, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("sync %s:\n%w", key, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	return tmp.Name(), nil
}

// ctxReader stops a copy once the context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}
