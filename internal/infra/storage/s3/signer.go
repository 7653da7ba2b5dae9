package s3

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"marketchat/internal/app/policies"
)

// maxPresignTTL is the longest expiry S3 accepts for a presigned URL.
const maxPresignTTL = 7 * 24 * time.Hour

// Signer issues time-limited GET URLs for objects in one bucket.
type Signer struct {
	bucket string
	client *minio.Client
	logger *slog.Logger

	mu            sync.Mutex
	bucketChecked bool
}

// NewSigner configures a signer. publicEndpoint is the host embedded in
// signed URLs; it may differ from the endpoint the service talks to.
func NewSigner(endpoint, publicEndpoint string, useSSL bool, accessKey, secretKey, bucket string, logger *slog.Logger) (*Signer, error) {
	cleanEndpoint := strings.TrimSpace(endpoint)
	if cleanEndpoint == "" {
		return nil, errors.New("s3: endpoint is required")
	}
	if bucket = strings.TrimSpace(bucket); bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	host := parseEndpoint(cleanEndpoint)
	if pub := strings.TrimSpace(publicEndpoint); pub != "" {
		host = parseEndpoint(pub)
	}

	minioClient, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(accessKey), strings.TrimSpace(secretKey), ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &Signer{bucket: bucket, client: minioClient, logger: logger}, nil
}

// SignedURL presigns a GET for objectPath. A cancelled ctx yields ok=false
// with no error. Missing objects are reported as policies.ErrNotFound.
func (s *Signer) SignedURL(ctx context.Context, objectPath string, ttl time.Duration) (string, bool, error) {
	key := objectKey(objectPath, s.bucket)
	if key == "" {
		return "", false, errors.New("s3: object key is required")
	}
	if ctx.Err() != nil {
		return "", false, nil
	}
	if err := s.ensureBucket(ctx); err != nil {
		if canceled(ctx) {
			return "", false, nil
		}
		return "", false, err
	}
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if canceled(ctx) {
			return "", false, nil
		}
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", false, fmt.Errorf("s3: object %s: %w", key, policies.ErrNotFound)
		}
		return "", false, fmt.Errorf("s3: stat %s: %w", key, err)
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, clampTTL(ttl), url.Values{})
	if err != nil {
		if canceled(ctx) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("s3: presign %s: %w", key, err)
	}
	if s.logger != nil {
		s.logger.Debug("s3 url signed", "bucket", s.bucket, "key", key, "ttl", ttl)
	}
	return u.String(), true, nil
}

// Ping checks that the bucket is reachable.
func (s *Signer) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

// ensureBucket checks the bucket once it has been seen to exist. Failures are
// not remembered, so a cancelled or timed out first check is retried.
func (s *Signer) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	checked := s.bucketChecked
	s.mu.Unlock()
	if checked {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("s3: check bucket: %w", err)
	}
	if !exists {
		return fmt.Errorf("s3: bucket %s: %w", s.bucket, policies.ErrNotFound)
	}
	s.mu.Lock()
	s.bucketChecked = true
	s.mu.Unlock()
	return nil
}

func canceled(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

// objectKey strips slashes and a leading bucket segment, so "avatars/users/x"
// and "users/x" address the same object in bucket "avatars".
func objectKey(path, bucket string) string {
	key := strings.Trim(strings.TrimSpace(path), "/")
	if rest, ok := strings.CutPrefix(key, bucket+"/"); ok {
		key = rest
	}
	return key
}

func clampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return 15 * time.Minute
	case ttl > maxPresignTTL:
		return maxPresignTTL
	default:
		return ttl
	}
}

func parseEndpoint(endpoint string) string {
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return endpoint
}
