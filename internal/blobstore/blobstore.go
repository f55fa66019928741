// Package blobstore provides the patched-content blob store: a
// content-addressable byte store holding the exact "after" bytes a patch
// applies, addressed by their own content digest. It is populated by an
// external fetch step; the patch engine only reads from it during apply.
package blobstore

import (
	"errors"
	"io"

	"spt-go/internal/digest"
)

// ErrNotFound is returned by Get when no blob exists for a digest.
var ErrNotFound = errors.New("blob not found")

// Store is a content-addressable blob store.
// All operations stream through io.Reader/io.Writer to support large files.
type Store interface {
	// Put stores content under its digest. Idempotent: storing the same
	// digest multiple times is safe. size is the number of bytes read from r.
	Put(d digest.Digest, r io.Reader, size int64) error

	// Get retrieves the blob addressed by d and writes it to w.
	// Returns ErrNotFound if the blob does not exist.
	Get(d digest.Digest, w io.Writer) error

	// Has reports whether a blob exists for d.
	Has(d digest.Digest) (bool, error)
}
