// Package storage is the object store behind knowledge base data sources.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ErrNotFound is returned when the bucket has no object under the key.
var ErrNotFound = errors.New("storage: object not found")

// Object describes one stored object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// API is the subset of the S3 client the store uses.
type API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Config holds S3 client settings.
type Config struct {
	Endpoint string // Optional custom endpoint (LocalStack, MinIO)
}

// S3Store reads and writes knowledge base documents in S3.
type S3Store struct {
	client API
	logger *slog.Logger
}

// NewS3Store wraps an S3 API client.
func NewS3Store(client API) *S3Store {
	return &S3Store{
		client: client,
		logger: slog.Default().With("component", "storage"),
	}
}

// NewFromConfig builds an S3Store from a loaded AWS config.
func NewFromConfig(awsCfg aws.Config, cfg Config) *S3Store {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	})
	return NewS3Store(client)
}

// ListObjects returns every object under prefix, following continuation tokens.
func (s *S3Store) ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error) {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if prefix != "" {
		in.Prefix = aws.String(prefix)
	}

	var out []Object
	pages := s3.NewListObjectsV2Paginator(s.client, in)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list failed for %s/%s: %w", bucket, prefix, mapError(err))
		}
		for _, obj := range page.Contents {
			out = append(out, Object{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return out, nil
}

// GetObject downloads an object's body.
func (s *S3Store) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get failed for %s/%s: %w", bucket, key, mapError(err))
	}
	defer func() { _ = result.Body.Close() }()

	return io.ReadAll(result.Body)
}

// PutObject uploads body with a content type and user metadata.
func (s *S3Store) PutObject(ctx context.Context, bucket, key string, body []byte, contentType string, metadata map[string]string) error {
	in := &s3.PutObjectInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(body),
		Metadata: metadata,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("s3 put failed for %s/%s: %w", bucket, key, mapError(err))
	}
	s.logger.DebugContext(ctx, "object stored", "bucket", bucket, "key", key, "bytes", len(body))
	return nil
}

// HeadObject returns an object's attributes without its body.
func (s *S3Store) HeadObject(ctx context.Context, bucket, key string) (Object, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Object{}, fmt.Errorf("s3 head failed for %s/%s: %w", bucket, key, mapError(err))
	}
	return Object{
		Key:          key,
		Size:         aws.ToInt64(head.ContentLength),
		LastModified: aws.ToTime(head.LastModified),
		ContentType:  aws.ToString(head.ContentType),
		Metadata:     head.Metadata,
	}, nil
}

// DeleteObject removes an object. S3 deletes are idempotent, so the object is checked
// first and a missing key reports ErrNotFound.
func (s *S3Store) DeleteObject(ctx context.Context, bucket, key string) error {
	if _, err := s.HeadObject(ctx, bucket, key); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed for %s/%s: %w", bucket, key, mapError(err))
	}
	s.logger.InfoContext(ctx, "object deleted", "bucket", bucket, "key", key)
	return nil
}

// mapError folds S3's not-found shapes into ErrNotFound and keeps the cause.
func mapError(err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	return err
}
