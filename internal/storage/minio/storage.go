// Package minio provides the MinIO-backed blob store used in production.
package minio

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Storage stores blobs as objects in a single bucket. References returned by
// Save are object keys.
type Storage struct {
	client *minio.Client
	bucket string
}

// NewStorage connects to MinIO and ensures the bucket exists.
func NewStorage(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}

	return &Storage{client: client, bucket: bucket}, nil
}

// Save uploads the blob under subdir/filename and returns the object key.
func (s *Storage) Save(ctx context.Context, subdir, filename string, src io.Reader, size int64, contentType string) (string, error) {
	ref := path.Join(subdir, filename)

	_, err := s.client.PutObject(ctx, s.bucket, ref, src, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", ref, err)
	}

	return ref, nil
}

// Load opens an object by key. Stat is issued up front so a missing object
// surfaces here instead of on the first read.
func (s *Storage) Load(ctx context.Context, ref string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", ref, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("failed to stat object %s: %w", ref, err)
	}
	return obj, nil
}

// Delete removes an object by key.
func (s *Storage) Delete(ctx context.Context, ref string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, ref, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove object %s: %w", ref, err)
	}
	return nil
}
