package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSConfig configures a Google Cloud Storage backend.
type GCSConfig struct {
	Bucket          string        // Bucket holds every object
	CredentialsFile string        // CredentialsFile is a service account key; empty uses ambient credentials
	URLExpiry       time.Duration // URLExpiry bounds the lifetime of signed upload URLs
}

// GCSStore keeps payloads in a GCS bucket. Participants upload directly with signed URLs.
type GCSStore struct {
	client *storage.Client       // client is the GCS API client
	bucket *storage.BucketHandle // bucket is the configured bucket
	name   string                // name is the bucket name
	expiry time.Duration         // expiry is the signed URL lifetime
}

// NewGCSStore connects to the configured bucket.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client:\n%w", err)
	}

	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	return &GCSStore{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		name:   cfg.Bucket,
		expiry: expiry,
	}, nil
}

// WriteLocation returns a V4 signed PUT URL for the participant's staging object.
func (s *GCSStore) WriteLocation(_ context.Context, chunkID string, version int, participantID string) (string, error) {
	url, err := s.bucket.SignedURL(StagingKey(chunkID, version, participantID), &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodPut,
		Expires: time.Now().Add(s.expiry),
	})
	if err != nil {
		return "", fmt.Errorf("sign upload url:\n%w", err)
	}

	return url, nil
}

// CopyToCanonical streams the staged object into the canonical key, hashing it on the way
// and tagging it with its author, then deletes the staged object.
func (s *GCSStore) CopyToCanonical(ctx context.Context, chunkID string, version int, participantID string) (Object, error) {
	staging := s.bucket.Object(StagingKey(chunkID, version, participantID))
	canonical := s.bucket.Object(CanonicalKey(chunkID, version))

	src, err := staging.NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return s.existing(ctx, chunkID, version, participantID)
	}
	if err != nil {
		return Object{}, fmt.Errorf("open staged object:\n%w", err)
	}
	defer src.Close()

	hashed := newDigestReader(src)

	dst := canonical.NewWriter(ctx)
	dst.Metadata = map[string]string{authorMetadata: participantID}
	if _, err := io.Copy(dst, hashed); err != nil {
		dst.Close()
		return Object{}, fmt.Errorf("copy staged object:\n%w", err)
	}

	if err := dst.Close(); err != nil {
		return Object{}, fmt.Errorf("finalize canonical object:\n%w", err)
	}

	if err := staging.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return Object{}, fmt.Errorf("delete staged object:\n%w", err)
	}

	return Object{Location: s.Location(chunkID, version), Digest: hashed.Sum()}, nil
}

// existing returns the canonical object when participantID's upload was already promoted.
func (s *GCSStore) existing(ctx context.Context, chunkID string, version int, participantID string) (Object, error) {
	attrs, err := s.bucket.Object(CanonicalKey(chunkID, version)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return Object{}, noUpload(chunkID, version, participantID)
	}
	if err != nil {
		return Object{}, fmt.Errorf("stat canonical object:\n%w", err)
	}

	if attrs.Metadata[authorMetadata] != participantID {
		return Object{}, noUpload(chunkID, version, participantID)
	}

	data, err := s.Read(ctx, chunkID, version)
	if err != nil {
		return Object{}, err
	}

	return Object{Location: s.Location(chunkID, version), Digest: Digest(data)}, nil
}

// Location returns the gs:// URL of the canonical object.
func (s *GCSStore) Location(chunkID string, version int) string {
	return fmt.Sprintf("gs://%s/%s", s.name, CanonicalKey(chunkID, version))
}

// Read downloads the canonical object.
func (s *GCSStore) Read(ctx context.Context, chunkID string, version int) ([]byte, error) {
	r, err := s.bucket.Object(CanonicalKey(chunkID, version)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: chunk %s version %d", ErrNotFound, chunkID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("open canonical object:\n%w", err)
	}
	defer r.Close()

	return io.ReadAll(r)
}

// Write uploads a canonical object with a does-not-exist precondition.
func (s *GCSStore) Write(ctx context.Context, chunkID string, version int, data []byte) error {
	obj := s.bucket.Object(CanonicalKey(chunkID, version)).If(storage.Conditions{DoesNotExist: true})

	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write canonical object:\n%w", err)
	}

	err := w.Close()

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
		return fmt.Errorf("%w: chunk %s version %d", ErrExists, chunkID, version)
	}
	if err != nil {
		return fmt.Errorf("finalize canonical object:\n%w", err)
	}

	return nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
