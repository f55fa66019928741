// Package patch implements the patch engine: per-file state assessment,
// backup-then-overwrite application, and removal with restore from backup.
package patch

import (
	"bytes"
	"fmt"
	"os"

	"spt-go/internal/backup"
	"spt-go/internal/blobstore"
	"spt-go/internal/digest"
	"spt-go/internal/manifest"
)

// FileState classifies one installed file against its manifest transform.
type FileState int

const (
	// StateReady means the file matches the expected pre-patch content and
	// can be patched.
	StateReady FileState = iota
	// StateAlreadyPatched means the file already has the post-patch content.
	StateAlreadyPatched
	// StateNoFile means the file does not exist on disk.
	StateNoFile
	// StateHashError means the file exists but could not be read or hashed.
	StateHashError
	// StateMismatch means the file content matches neither the pre-patch nor
	// the post-patch digest. The file is never touched in this state.
	StateMismatch
)

func (s FileState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateAlreadyPatched:
		return "already-patched"
	case StateNoFile:
		return "no-file"
	case StateHashError:
		return "hash-error"
	case StateMismatch:
		return "mismatch"
	default:
		return fmt.Sprintf("FileState(%d)", int(s))
	}
}

// FileOutcome is the result of processing a single file.
type FileOutcome struct {
	Path           string
	State          FileState
	ExpectedBefore digest.Digest
	ExpectedAfter  digest.Digest
	Actual         digest.Digest // empty when the file is missing or unreadable
	Patched        bool          // true when this call overwrote the file
	Err            error
}

// Blocked reports whether this outcome prevents the containing package from
// being patched.
func (o FileOutcome) Blocked() bool {
	if o.Err != nil {
		return true
	}
	return o.State != StateReady && o.State != StateAlreadyPatched
}

// BackupStore is the backup interface consumed by the patch engine,
// implemented by backup.Store.
type BackupStore interface {
	CreateBackup(patchID, filePath string) (*backup.FileInfo, error)
	HasBackup(patchID, filePath string) (bool, error)
	RestoreAll(patchID string) (*backup.RestoreResult, error)
	ListBackups(patchID string) ([]string, error)
	GetMetadata(patchID string) (*backup.Metadata, error)
	Cleanup(patchID string) bool
}

var _ BackupStore = (*backup.Store)(nil)

// Processor assesses and patches individual files.
type Processor struct {
	Backups BackupStore
	Blobs   blobstore.Store
	Logger  Logger
}

// Process assesses path against tf and, unless dryRun is set, patches a
// StateReady file: the original bytes are backed up first, then the patched
// content is fetched from the blob store, verified, and written over the
// file. A file is only ever mutated from StateReady, and only after its
// backup exists and the replacement bytes have verified.
func (p *Processor) Process(patchID, path string, tf manifest.FileTransform, dryRun bool) FileOutcome {
	out := FileOutcome{
		Path:           path,
		ExpectedBefore: tf.BeforeHash,
		ExpectedAfter:  tf.AfterHash,
	}

	// Stat follows symlinks, matching the hashing open below: a dangling
	// symlink is a missing file, and perm bits come from the real target.
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			out.State = StateNoFile
			return out
		}
		out.State = StateHashError
		out.Err = fmt.Errorf("stat %s: %w", path, err)
		return out
	}

	actual, _, err := digest.FromFile(path)
	if err != nil {
		out.State = StateHashError
		out.Err = fmt.Errorf("hashing %s: %w", path, err)
		return out
	}
	out.Actual = actual

	switch actual {
	case tf.AfterHash:
		out.State = StateAlreadyPatched
		return out
	case tf.BeforeHash:
		out.State = StateReady
	default:
		out.State = StateMismatch
		p.Logger.Warn("file content mismatch", "path", path, "actual", actual)
		return out
	}

	if dryRun {
		return out
	}

	// Backup before any mutation. First-write-wins inside the store, so a
	// re-run after a partial failure never overwrites the original capture.
	has, err := p.Backups.HasBackup(patchID, path)
	if err != nil {
		out.Err = fmt.Errorf("checking backup for %s: %w", path, err)
		return out
	}
	if !has {
		if _, err := p.Backups.CreateBackup(patchID, path); err != nil {
			out.Err = fmt.Errorf("backing up %s: %w", path, err)
			return out
		}
	}

	var buf bytes.Buffer
	if err := p.Blobs.Get(tf.AfterHash, &buf); err != nil {
		out.Err = fmt.Errorf("fetching patched content for %s: %w", path, err)
		return out
	}
	if !tf.AfterHash.Verify(buf.Bytes()) {
		out.Err = fmt.Errorf("patched content for %s failed verification", path)
		return out
	}

	if err := os.WriteFile(path, buf.Bytes(), info.Mode().Perm()); err != nil {
		out.Err = fmt.Errorf("writing %s: %w", path, err)
		return out
	}

	out.Patched = true
	p.Logger.Debug("patched file", "path", path, "digest", tf.AfterHash)
	return out
}
