// Package s3store implements remote.ObjectStore on top of S3 compatible storage.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/lucasew/coachsync/internal/errutil"
	"github.com/lucasew/coachsync/internal/remote"
)

// Scheme prefixes every locator produced by this store.
const Scheme = "s3://"

// Config holds configuration for the S3 object store.
type Config struct {
	// Region is the AWS region (optional, uses SDK default if empty).
	Region string

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services).
	Endpoint string

	// AccessKey and SecretKey set static credentials instead of the default chain.
	AccessKey string
	SecretKey string

	// KeyPrefix is prepended to all object keys.
	KeyPrefix string

	// ForcePathStyle forces path-style addressing (required for MinIO).
	ForcePathStyle bool
}

// Store maps (bucket, path) to S3 objects. The bucket is the S3 bucket itself.
type Store struct {
	client    *s3.Client
	presign   *s3.PresignClient
	keyPrefix string
}

// New creates a store with an existing client.
func New(client *s3.Client, cfg Config) *Store {
	return &Store{
		client:    client,
		presign:   s3.NewPresignClient(client),
		keyPrefix: cfg.KeyPrefix,
	}
}

// NewFromConfig creates a store by building an S3 client from cfg.
func NewFromConfig(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return New(client, cfg), nil
}

func (s *Store) Locator(bucket, path string) string {
	return Scheme + bucket + "/" + s.key(path)
}

// ParseLocator splits an s3://bucket/key locator.
func ParseLocator(locator string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(locator, Scheme)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", remote.ErrInvalidLocator, locator)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %s", remote.ErrInvalidLocator, locator)
	}
	return bucket, key, nil
}

func (s *Store) Put(ctx context.Context, bucket, path string, r io.Reader) (string, error) {
	loc := s.Locator(bucket, path)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(s.key(path)),
		Body:   r,
	})
	if err != nil {
		return "", &errutil.FetchError{Locator: loc, Err: fmt.Errorf("s3 put object: %w", err)}
	}
	return loc, nil
}

func (s *Store) SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(s.key(path)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("s3 presign: %w", err)
	}
	return req.URL, nil
}

// Fetch downloads the object. S3 holds originals only, so the variant is ignored.
func (s *Store) Fetch(ctx context.Context, locator string, _ remote.Variant, out io.Writer) error {
	bucket, key, err := ParseLocator(locator)
	if err != nil {
		return err
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return fmt.Errorf("s3 get object: %w", errutil.ErrNotFound)
		}
		return fmt.Errorf("s3 get object: %w", err)
	}
	defer func() {
		errutil.LogMsg(resp.Body.Close(), "Failed to close s3 object body")
	}()

	cw := &remote.CountingWriter{Writer: out}
	if _, err := io.Copy(cw, resp.Body); err != nil {
		if cw.N > 0 {
			return fmt.Errorf("%w: %w", remote.ErrPartialWrite, err)
		}
		return fmt.Errorf("read s3 object body: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, locator string) error {
	bucket, key, err := ParseLocator(locator)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFoundError(err) {
		return &errutil.FetchError{Locator: locator, Err: fmt.Errorf("s3 delete object: %w", err)}
	}
	return nil
}

func (s *Store) key(path string) string {
	return s.keyPrefix + strings.TrimLeft(path, "/")
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "NoSuchKey") ||
		strings.Contains(errStr, "NotFound") ||
		strings.Contains(errStr, "StatusCode: 404")
}
