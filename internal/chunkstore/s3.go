package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures an S3-compatible backend.
type S3Config struct {
	Bucket    string        // Bucket holds every object
	Region    string        // Region is the bucket region; empty uses the ambient configuration
	Endpoint  string        // Endpoint overrides the service URL for S3-compatible stores
	PathStyle bool          // PathStyle addresses buckets by path instead of subdomain
	URLExpiry time.Duration // URLExpiry bounds the lifetime of presigned upload URLs
}

// S3Store keeps payloads in an S3 bucket. Participants upload directly with presigned URLs.
type S3Store struct {
	client    *s3.Client        // client is the S3 API client
	presigner *s3.PresignClient // presigner signs upload URLs
	uploader  *manager.Uploader // uploader streams multipart uploads
	bucket    string            // bucket is the bucket name
	expiry    time.Duration     // expiry is the presigned URL lifetime
}

// NewS3Store loads the AWS configuration and connects to the bucket.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config:\n%w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.EndpointResolver = s3.EndpointResolverFromURL(cfg.Endpoint)
		}
	})

	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	return &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		uploader:  manager.NewUploader(client),
		bucket:    cfg.Bucket,
		expiry:    expiry,
	}, nil
}

// WriteLocation returns a presigned PUT URL for the participant's staging object.
func (s *S3Store) WriteLocation(ctx context.Context, chunkID string, version int, participantID string) (string, error) {
	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(StagingKey(chunkID, version, participantID)),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", fmt.Errorf("presign upload url:\n%w", err)
	}

	return req.URL, nil
}

// CopyToCanonical streams the staged object into the canonical key, hashing it on the way
// and tagging it with its author, then deletes the staged object.
func (s *S3Store) CopyToCanonical(ctx context.Context, chunkID string, version int, participantID string) (Object, error) {
	stagingKey := StagingKey(chunkID, version, participantID)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(stagingKey),
	})
	if isNotFound(err) {
		return s.existing(ctx, chunkID, version, participantID)
	}
	if err != nil {
		return Object{}, fmt.Errorf("open staged object:\n%w", err)
	}
	defer out.Body.Close()

	hashed := newDigestReader(out.Body)

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(CanonicalKey(chunkID, version)),
		Body:     hashed,
		Metadata: map[string]string{authorMetadata: participantID},
	})
	if err != nil {
		return Object{}, fmt.Errorf("copy staged object:\n%w", err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(stagingKey),
	})
	if err != nil {
		return Object{}, fmt.Errorf("delete staged object:\n%w", err)
	}

	return Object{Location: s.Location(chunkID, version), Digest: hashed.Sum()}, nil
}

// existing returns the canonical object when participantID's upload was already promoted.
func (s *S3Store) existing(ctx context.Context, chunkID string, version int, participantID string) (Object, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(CanonicalKey(chunkID, version)),
	})
	if isNotFound(err) {
		return Object{}, noUpload(chunkID, version, participantID)
	}
	if err != nil {
		return Object{}, fmt.Errorf("check canonical object:\n%w", err)
	}

	if head.Metadata[authorMetadata] != participantID {
		return Object{}, noUpload(chunkID, version, participantID)
	}

	data, err := s.Read(ctx, chunkID, version)
	if err != nil {
		return Object{}, err
	}

	return Object{Location: s.Location(chunkID, version), Digest: Digest(data)}, nil
}

// Location returns the s3:// URL of the canonical object.
func (s *S3Store) Location(chunkID string, version int) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, CanonicalKey(chunkID, version))
}

// Read downloads the canonical object.
func (s *S3Store) Read(ctx context.Context, chunkID string, version int) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(CanonicalKey(chunkID, version)),
	})
	if isNotFound(err) {
		return nil, fmt.Errorf("%w: chunk %s version %d", ErrNotFound, chunkID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("open canonical object:\n%w", err)
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

// Write uploads a canonical object after checking that none exists.
// The check and the upload are not atomic; only the coordinator writes canonical keys.
func (s *S3Store) Write(ctx context.Context, chunkID string, version int, data []byte) error {
	key := CanonicalKey(chunkID, version)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return fmt.Errorf("%w: chunk %s version %d", ErrExists, chunkID, version)
	}
	if !isNotFound(err) {
		return fmt.Errorf("check canonical object:\n%w", err)
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("write canonical object:\n%w", err)
	}

	return nil
}

// Close is a no-op; the S3 client holds no resources.
func (s *S3Store) Close() error {
	return nil
}

// isNotFound reports whether an S3 call failed with HTTP 404.
func isNotFound(err error) bool {
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}
