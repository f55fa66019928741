package blobstore

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"spt-go/internal/digest"
)

// MemoryStore is an in-memory implementation of Store, useful for testing.
// Safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[digest.Digest][]byte
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[digest.Digest][]byte)}
}

// PutBytes is a test convenience: stores data under its computed digest and
// returns that digest.
func (m *MemoryStore) PutBytes(data []byte) digest.Digest {
	d := digest.FromBytes(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[d] = append([]byte(nil), data...)
	return d
}

// Delete removes a blob. Test convenience for simulating missing content.
func (m *MemoryStore) Delete(d digest.Digest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, d)
}

// Put stores content under its digest.
func (m *MemoryStore) Put(d digest.Digest, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[d] = data
	return nil
}

// Get retrieves the blob addressed by d and writes it to w.
func (m *MemoryStore) Get(d digest.Digest, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.blobs[d]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, d)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	return nil
}

// Has reports whether a blob exists for d.
func (m *MemoryStore) Has(d digest.Digest) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[d]
	return ok, nil
}

// Compile-time check that MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
