package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fixbase/docpipe/internal/config"
	pipeerr "github.com/fixbase/docpipe/internal/errors"
)

// S3Store is the S3 backend. A custom endpoint switches to path-style
// addressing for S3-compatible stores (MinIO, Hetzner).
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
	bucket   string
}

var _ Store = (*S3Store)(nil)

// NewS3Store creates an S3-backed blob store. Credentials come from the
// default AWS chain (environment, shared config, instance role).
func NewS3Store(ctx context.Context, cfg config.BlobConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, pipeerr.New(pipeerr.ErrCodeConfigInvalid, "blob.bucket is required for the s3 backend", nil)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, pipeerr.Newf(pipeerr.ErrCodeConfigInvalid, err, "load aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO
		}
	})

	s := &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		presign:  s3.NewPresignClient(client),
		bucket:   cfg.Bucket,
	}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, pipeerr.Newf(pipeerr.ErrCodeBlobStore, err, "bucket %s not accessible", cfg.Bucket)
	}
	return s, nil
}

// Put uploads data under key and returns the canonical object URL.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", pipeerr.Newf(pipeerr.ErrCodeBlobStore, err, "upload %s", key)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Get downloads the object at key.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, pipeerr.Newf(pipeerr.ErrCodeFileNotFound, err, "blob %s not found", key)
		}
		return nil, pipeerr.Newf(pipeerr.ErrCodeBlobStore, err, "get %s", key)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, pipeerr.Newf(pipeerr.ErrCodeBlobStore, err, "read %s", key)
	}
	return data, nil
}

// Delete removes the object at key; absent keys are a no-op (S3 delete is
// idempotent).
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return pipeerr.Newf(pipeerr.ErrCodeBlobStore, err, "delete %s", key)
	}
	return nil
}

// Exists heads the object at key.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, pipeerr.Newf(pipeerr.ErrCodeBlobStore, err, "head %s", key)
	}
	return true, nil
}

// SignedURL presigns a GET for the object at key.
func (s *S3Store) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", pipeerr.Newf(pipeerr.ErrCodeBlobStore, err, "presign %s", key)
	}
	return req.URL, nil
}

// New creates a blob store from config: "s3" when configured, otherwise
// the filesystem backend rooted under the data directory.
func New(ctx context.Context, cfg config.BlobConfig, dataDir string) (Store, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3Store(ctx, cfg)
	default:
		dir := cfg.Dir
		if dir == "" {
			dir = dataDir + "/blobs"
		}
		return NewFSStore(dir)
	}
}
