package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds the connection settings for an S3-compatible endpoint.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Region    string
}

// S3Service is a BlobStore backed by one bucket of S3-compatible storage.
type S3Service struct {
	client *minio.Client
	bucket string
	region string
}

// NewS3Service initializes and returns a new S3 storage service.
func NewS3Service(cfg S3Config) (*S3Service, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("missing one or more required settings: endpoint, access key, secret key, bucket")
	}

	minioClient, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	log.Println("Successfully connected to MinIO endpoint:", cfg.Endpoint)
	return &S3Service{client: minioClient, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the service bucket when it does not exist yet.
func (s *S3Service) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("error checking bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	log.Printf("Created bucket '%s'", s.bucket)
	return nil
}

// Put uploads r under key and returns the key as the object reference.
func (s *S3Service) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("failed to store object %s in S3: %w", key, err)
	}
	log.Printf("Stored object in bucket '%s' with key '%s' (%d bytes)", s.bucket, key, size)
	return key, nil
}

// Open streams the object at ref. A missing object yields an error wrapping
// fs.ErrNotExist.
func (s *S3Service) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	key := s.keyOf(ref)
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("object %s: %w", key, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("stat object %s: %w", key, err)
	}
	return obj, nil
}

// Delete removes the object at ref. Removing a missing object is not an error.
func (s *S3Service) Delete(ctx context.Context, ref string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, s.keyOf(ref), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", ref, err)
	}
	return nil
}

// keyOf accepts a bare key or an s3://bucket/key locator.
func (s *S3Service) keyOf(ref string) string {
	return strings.TrimPrefix(ref, "s3://"+s.bucket+"/")
}

func isNoSuchKey(err error) bool {
	if err == nil {
		return false
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey"
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
