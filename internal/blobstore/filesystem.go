package blobstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"spt-go/internal/digest"
)

// FileSystemStore is a filesystem-based implementation of Store.
// Blobs live directly under the root directory, one file per blob, named by
// the content digest (the digest's base32 form is filesystem-safe).
type FileSystemStore struct {
	root string
}

// NewFileSystemStore creates a filesystem blob store rooted at the given path.
func NewFileSystemStore(root string) (*FileSystemStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FileSystemStore{root: root}, nil
}

func (s *FileSystemStore) blobPath(d digest.Digest) string {
	return filepath.Join(s.root, string(d))
}

// Put stores content under its digest.
// The operation is idempotent: storing the same digest multiple times is safe.
func (s *FileSystemStore) Put(d digest.Digest, r io.Reader, size int64) error {
	destPath := s.blobPath(d)

	// If the blob already exists, skip (idempotent).
	if _, err := os.Stat(destPath); err == nil {
		written, err := io.Copy(io.Discard, r)
		if err != nil {
			return fmt.Errorf("failed to read content: %w", err)
		}
		if written != size {
			return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
		}
		return nil
	}

	return s.writeFile(destPath, r, size)
}

// Get retrieves the blob addressed by d and writes it to w.
func (s *FileSystemStore) Get(d digest.Digest, w io.Writer) error {
	f, err := os.Open(s.blobPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, d)
		}
		return fmt.Errorf("failed to open blob: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read blob: %w", err)
	}
	return nil
}

// Has reports whether a blob exists for d.
func (s *FileSystemStore) Has(d digest.Digest) (bool, error) {
	if _, err := os.Stat(s.blobPath(d)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat blob: %w", err)
	}
	return true, nil
}

// writeFile writes data from r to destPath using atomic write (temp file + rename).
func (s *FileSystemStore) writeFile(destPath string, r io.Reader, expectedSize int64) error {
	dir := filepath.Dir(destPath)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Compile-time check that FileSystemStore implements Store
var _ Store = (*FileSystemStore)(nil)
