// Package chunkstore stores contribution payloads on local disk or in a cloud bucket.
//
// Every backend shares the same key layout. Participants first upload to a staging key
// owned by them; the coordinator then promotes the staged object to the canonical key
// that the ledger records.
package chunkstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/zeebo/blake3"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrExists is returned when writing over an existing canonical object.
	ErrExists = errors.New("object already exists")
)

// Object describes a canonical contribution payload.
type Object struct {
	Location string // Location is the reference recorded in the ledger
	Digest   string // Digest is the hex blake3 hash of the payload
}

// Store is a contribution payload backend.
type Store interface {
	// WriteLocation returns where participantID must upload the payload for a chunk version.
	WriteLocation(ctx context.Context, chunkID string, version int, participantID string) (string, error)

	// CopyToCanonical promotes the participant's staged upload to the canonical key and
	// records the participant as its author. Calling it again after a successful promotion
	// returns the same object to the same participant. Without a staged upload from
	// participantID, and no canonical object authored by them, it fails with ErrNotFound.
	CopyToCanonical(ctx context.Context, chunkID string, version int, participantID string) (Object, error)

	// Location returns the canonical reference of a chunk version.
	Location(chunkID string, version int) string

	// Read returns the canonical payload of a chunk version.
	Read(ctx context.Context, chunkID string, version int) ([]byte, error)

	// Write stores a canonical payload directly. It fails with ErrExists if one is present.
	Write(ctx context.Context, chunkID string, version int, data []byte) error

	// Close releases backend resources.
	Close() error
}

// Stager is implemented by stores that accept uploads proxied through the coordinator.
type Stager interface {
	Stage(ctx context.Context, chunkID string, version int, participantID string, r io.Reader) error
}

// CanonicalKey is the object key of a recorded contribution.
func CanonicalKey(chunkID string, version int) string {
	return fmt.Sprintf("chunks/%s/contributions/%d", chunkID, version)
}

// authorMetadata is the object metadata key holding the participant whose upload was promoted.
const authorMetadata = "author"

// authorKey is the disk sidecar recording the author of a canonical object.
func authorKey(chunkID string, version int) string {
	return CanonicalKey(chunkID, version) + ".author"
}

// noUpload reports that participantID has nothing to promote at a chunk version.
func noUpload(chunkID string, version int, participantID string) error {
	return fmt.Errorf("%w: no upload from %s for chunk %s version %d", ErrNotFound, participantID, chunkID, version)
}

// StagingKey is the object key a participant uploads to before promotion.
// The participant id is escaped since addresses may contain arbitrary characters.
func StagingKey(chunkID string, version int, participantID string) string {
	name := url.PathEscape(participantID)
	if name == "" || name == "." || name == ".." {
		name = "%2E" + name
	}

	return fmt.Sprintf("staging/%s/%d/%s", chunkID, version, name)
}

// Digest returns the hex blake3 hash of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// digestReader wraps a reader and hashes everything read through it.
type digestReader struct {
	r io.Reader
	h *blake3.Hasher
}

func newDigestReader(r io.Reader) *digestReader {
	return &digestReader{r: r, h: blake3.New()}
}

func (d *digestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	d.h.Write(p[:n])
	return n, err
}

// Sum returns the hex digest of the bytes read so far.
func (d *digestReader) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}
