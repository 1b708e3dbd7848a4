package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"vigil/pkg/platform/sentinel"
)

// S3Store stores archive blobs in S3-compatible object storage. Point it at a
// bucket with object lock / WORM enabled so archived audit data cannot be
// altered post-write.
type S3Store struct {
	client *s3.Client
	bucket string
}

// S3Config holds connection settings for the archive bucket.
type S3Config struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3 constructs an S3-backed blob store with static credentials and
// path-style addressing, which keeps it compatible with MinIO and R2.
func NewS3(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("archive storage credentials are required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	opts := s3.Options{
		Region: region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return &S3Store{client: s3.New(opts), bucket: cfg.Bucket}, nil
}

// objectKey derives the deterministic key for a partition boundary, so
// re-running an interrupted archive targets the same object.
func objectKey(boundary time.Time) string {
	return fmt.Sprintf("audit/%04d/%s.jsonl", boundary.Year(), boundary.Format("2006-01"))
}

func (s *S3Store) uri(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

func (s *S3Store) keyFromURI(uri string) (string, error) {
	prefix := fmt.Sprintf("s3://%s/", s.bucket)
	if !strings.HasPrefix(uri, prefix) {
		return "", fmt.Errorf("uri %q does not belong to bucket %s", uri, s.bucket)
	}
	return strings.TrimPrefix(uri, prefix), nil
}

func (s *S3Store) Upload(ctx context.Context, boundary time.Time, data io.Reader) (*UploadResult, error) {
	payload, err := io.ReadAll(data)
	if err != nil {
		return nil, fmt.Errorf("read archive payload: %w", err)
	}
	sum := sha256.Sum256(payload)

	key := objectKey(boundary)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/jsonl"),
	})
	if err != nil {
		return nil, fmt.Errorf("upload archive blob: %w", err)
	}

	return &UploadResult{
		URI:         s.uri(key),
		ContentHash: hex.EncodeToString(sum[:]),
		SizeBytes:   int64(len(payload)),
	}, nil
}

func (s *S3Store) Download(ctx context.Context, uri string) (io.ReadCloser, error) {
	key, err := s.keyFromURI(uri)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("archive blob %s: %w", uri, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("download archive blob: %w", err)
	}
	return out.Body, nil
}

func (s *S3Store) GetBlobHash(ctx context.Context, uri string) (string, error) {
	body, err := s.Download(ctx, uri)
	if err != nil {
		return "", err
	}
	defer body.Close()

	h := sha256.New()
	if _, err := io.Copy(h, body); err != nil {
		return "", fmt.Errorf("hash archive blob: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *S3Store) Exists(ctx context.Context, uri string) (bool, error) {
	key, err := s.keyFromURI(uri)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("head archive blob: %w", err)
	}
	return true, nil
}
