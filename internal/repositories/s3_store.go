package repositories

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/your-org/checksync/internal/domain"
)

const folderMarker = ".keep"

// s3API is the subset of *s3.Client the store needs
type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Options configures the bucket backend
type S3Options struct {
	Bucket         string
	Region         string
	Endpoint       string
	ForcePathStyle bool
}

// S3Store keeps remote documents as objects in one bucket.
// The object key is the logical path without the "$/" root marker.
type S3Store struct {
	client s3API
	bucket string
	logger *zap.Logger
}

// NewS3Store builds an S3 client from the default AWS credential chain
func NewS3Store(ctx context.Context, opts S3Options, logger *zap.Logger) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if opts.Region != "" {
		cfg.Region = opts.Region
	} else if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}
	if opts.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return newS3StoreWithClient(s3.NewFromConfig(cfg, s3Opts...), opts.Bucket, logger), nil
}

func newS3StoreWithClient(client s3API, bucket string, logger *zap.Logger) *S3Store {
	return &S3Store{client: client, bucket: bucket, logger: logger}
}

func objectKey(logical string) string {
	return localPath(logical)
}

// isNotFound reports a missing object by error type only; error text
// carries request ids that can contain anything
func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}

// Find implements domain.RemoteStore
func (s *S3Store) Find(ctx context.Context, logical string) (*domain.RemoteHandle, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(logical)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: head %s: %v", domain.ErrRemoteUnavailable, logical, err)
	}

	handle := &domain.RemoteHandle{Path: logical}
	if out.ContentLength != nil {
		handle.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		handle.ModifiedAt = *out.LastModified
	}
	return handle, nil
}

// Download implements domain.RemoteStore
func (s *S3Store) Download(ctx context.Context, handle *domain.RemoteHandle) ([]byte, error) {
	if handle == nil {
		return nil, fmt.Errorf("%w: nil handle", domain.ErrRemoteUnavailable)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(handle.Path)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", domain.ErrRemoteUnavailable, handle.Path, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrRemoteUnavailable, handle.Path, err)
	}
	return data, nil
}

// Upload implements domain.RemoteStore; S3 puts are atomic per object
func (s *S3Store) Upload(ctx context.Context, logical string, data []byte) error {
	start := time.Now()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey(logical)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", domain.ErrRemoteUnavailable, logical, err)
	}

	s.logger.Debug("document uploaded",
		zap.String("bucket", s.bucket),
		zap.String("key", objectKey(logical)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// EnsureFolder writes a marker object so the folder shows up in listings
func (s *S3Store) EnsureFolder(ctx context.Context, logical string) error {
	key := strings.TrimSuffix(objectKey(logical), "/") + "/" + folderMarker
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return nil
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return fmt.Errorf("%w: create folder %s: %v", domain.ErrRemoteUnavailable, logical, err)
	}
	return nil
}

// CheckConnection verifies the bucket is reachable
func (s *S3Store) CheckConnection(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("%w: bucket %s: %v", domain.ErrRemoteUnavailable, s.bucket, err)
	}
	return nil
}

var (
	_ domain.RemoteStore   = (*S3Store)(nil)
	_ domain.HealthChecker = (*S3Store)(nil)
)
