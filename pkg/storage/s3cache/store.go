// Package s3cache provides an S3-backed cache tier implementation for
// deployments where the fast tier is object storage (S3, MinIO, Ceph RGW)
// rather than local disk.
package s3cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/tierfs/tierfs/pkg/storage"
)

// Config holds configuration for the S3 cache store.
type Config struct {
	// Bucket is the bucket name (required).
	Bucket string

	// Region is the AWS region. Default: us-east-1
	Region string

	// Endpoint overrides the S3 endpoint, for MinIO and similar.
	Endpoint string

	// Prefix is prepended to all object keys.
	Prefix string

	// AccessKeyID and SecretAccessKey are static credentials. When empty,
	// the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// UsePathStyle forces path-style addressing (required by MinIO).
	UsePathStyle bool
}

// Store is an S3-backed implementation of storage.CacheStore.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
	closed bool
}

// New creates an S3 cache store and verifies the bucket is reachable.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	store := &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}

	if err := store.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("bucket %q is not reachable: %w", cfg.Bucket, err)
	}

	return store, nil
}

// NewWithClient creates a store around an existing client (for testing).
func NewWithClient(client *s3.Client, bucket, prefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (s *Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *Store) stripPrefix(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, s.prefix+"/")
}

// Write uploads r to the object at key. S3 PUTs are atomic: readers see
// either the old object or the complete new one.
func (s *Store) Write(ctx context.Context, key string, r io.Reader) (int64, error) {
	if s.closed {
		return 0, storage.ErrStoreClosed
	}

	counting := &countingReader{r: r}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   counting,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to put object: %w", err)
	}

	return counting.n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Open returns a reader over the whole object.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, convertS3Error(err)
	}
	return out.Body, nil
}

// OpenRange returns a reader over length bytes starting at offset using an
// HTTP Range request. A negative length reads to the end of the object.
func (s *Store) OpenRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	if s.closed {
		return nil, storage.ErrStoreClosed
	}
	if offset < 0 {
		return nil, storage.ErrInvalidRange
	}

	var rangeHeader string
	if length < 0 {
		rangeHeader = fmt.Sprintf("bytes=%d-", offset)
	} else {
		rangeHeader = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		return nil, convertS3Error(err)
	}
	return out.Body, nil
}

// Stat returns object metadata via a HEAD request.
func (s *Store) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	if s.closed {
		return storage.ObjectInfo{}, storage.ErrStoreClosed
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return storage.ObjectInfo{}, convertS3Error(err)
	}

	info := storage.ObjectInfo{Key: key}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		info.ModTime = *out.LastModified
	}
	return info, nil
}

// Delete removes the object. S3 deletes are idempotent.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s.closed {
		return storage.ErrStoreClosed
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// DeleteByPrefix removes all objects under the prefix, page by page.
func (s *Store) DeleteByPrefix(ctx context.Context, prefix string) error {
	if s.closed {
		return storage.ErrStoreClosed
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list objects: %w", err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}

		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects: %w", err)
		}
	}

	return nil
}

// ListByPrefix returns all keys under the prefix in lexical order, which is
// the order S3 lists in.
func (s *Store) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectKey(prefix)),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, s.stripPrefix(aws.ToString(obj.Key)))
		}
	}

	return keys, nil
}

// Move copies the object to the new key and deletes the original. S3 has no
// rename, so this is copy-then-delete and not atomic; callers must tolerate
// a brief window where both keys exist.
func (s *Store) Move(ctx context.Context, oldKey, newKey string) error {
	if s.closed {
		return storage.ErrStoreClosed
	}

	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(s.bucket + "/" + s.objectKey(oldKey)),
		Key:        aws.String(s.objectKey(newKey)),
	})
	if err != nil {
		return convertS3Error(err)
	}

	return s.Delete(ctx, oldKey)
}

// HealthCheck verifies the bucket is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.closed {
		return storage.ErrStoreClosed
	}

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3 health check failed: %w", err)
	}
	return nil
}

// Close marks the store as closed. The underlying HTTP client is shared and
// needs no explicit teardown.
func (s *Store) Close() error {
	s.closed = true
	return nil
}

// convertS3Error maps SDK error types to the tier store sentinels.
func convertS3Error(err error) error {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return storage.ErrObjectNotFound
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return storage.ErrObjectNotFound
	}

	// Range requests past the end come back as HTTP 416 without a typed
	// error in the SDK.
	if strings.Contains(err.Error(), "InvalidRange") {
		return storage.ErrInvalidRange
	}

	return err
}

// Ensure Store implements storage.CacheStore.
var _ storage.CacheStore = (*Store)(nil)
