// Package file provides a local-filesystem blob store, mainly for
// development and tests. Production deployments use the MinIO backend.
package file

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Storage stores blobs under a base directory. References returned by Save
// are paths relative to that base.
type Storage struct {
	basePath string
}

// NewStorage creates a Storage rooted at basePath.
func NewStorage(basePath string) *Storage {
	return &Storage{basePath: basePath}
}

// Save writes the blob into the given subdirectory (e.g. "original" or
// "overlays") and returns its reference. Size and content type are accepted
// for interface parity with object stores and ignored here.
func (s *Storage) Save(ctx context.Context, subdir, filename string, src io.Reader, size int64, contentType string) (string, error) {
	_ = ctx

	dir := filepath.Join(s.basePath, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	ref := filepath.Join(subdir, filename)
	dst, err := os.Create(filepath.Join(s.basePath, ref))
	if err != nil {
		return "", fmt.Errorf("failed to create file %s: %w", ref, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("failed to save file %s: %w", ref, err)
	}

	return ref, nil
}

// Load opens a blob by reference.
func (s *Storage) Load(ctx context.Context, ref string) (io.ReadCloser, error) {
	_ = ctx
	return os.Open(filepath.Join(s.basePath, ref))
}

// Delete removes a blob by reference.
func (s *Storage) Delete(ctx context.Context, ref string) error {
	_ = ctx
	return os.Remove(filepath.Join(s.basePath, ref))
}
