// Package artifact stores workflow step outputs under content-derived keys.
// The key is the SHA-256 of the bytes, so re-writing the same artifact after
// a crash-and-retry lands on the same object and is harmless regardless of
// what the idempotency guard knows.
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store persists immutable artifacts and returns their content key.
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
}

// Key derives the storage key for a blob.
func Key(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// LocalStore writes artifacts under a base directory, one file per key.
type LocalStore struct {
	baseDir string
}

func NewLocalStore(baseDir string) *LocalStore {
	if baseDir == "" {
		baseDir = "./artifacts"
	}
	return &LocalStore{baseDir: baseDir}
}

func (s *LocalStore) Put(_ context.Context, data []byte, _ string) (string, error) {
	key := Key(data)
	path := filepath.Join(s.baseDir, key)
	if _, err := os.Stat(path); err == nil {
		return key, nil // identical content already stored
	}
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("finalize artifact: %w", err)
	}
	return key, nil
}

// S3Store writes artifacts to a bucket keyed by content hash.
type S3Store struct {
	client *s3.Client
	bucket string
}

func NewS3Store(ctx context.Context, bucket string) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Store{client: s3.NewFromConfig(awsCfg), bucket: bucket}, nil
}

func (s *S3Store) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	key := Key(data)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put artifact %s: %w", key, err)
	}
	return key, nil
}
