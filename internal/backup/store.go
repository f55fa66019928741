// Package backup implements the content-addressable backup store: before a
// patch overwrites an installed file, the original bytes are captured here so
// the mutation stays reversible. Captured blobs are keyed by patch identifier
// plus a short stable hash of the file path; a per-identifier JSON ledger
// records integrity metadata for every captured file.
package backup

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/valyala/gozstd"

	"spt-go/internal/digest"
)

// FileInfo records one captured file in a patch's ledger.
// Created exactly once per (patch, file); never updated afterwards.
type FileInfo struct {
	Integrity    digest.Digest `json:"integrity"`
	Size         int64         `json:"size"`
	BackedUpAt   time.Time     `json:"backedUpAt"`
	OriginalPath string        `json:"originalPath"`
}

// Metadata is the durable ledger for one patch identifier. It grows
// monotonically as files are backed up and is deleted wholesale on cleanup.
type Metadata struct {
	UUID      string              `json:"uuid"`
	PatchedAt time.Time           `json:"patchedAt"`
	Files     map[string]FileInfo `json:"files"`
}

// RestoreResult reports the outcome of RestoreAll.
type RestoreResult struct {
	Restored []string
	Failed   []string
}

// Clock abstracts time retrieval so ledger timestamps are deterministic in
// tests.
type Clock interface {
	Now() time.Time
}

// Store is the backup store rooted at a per-user directory.
//
// Stored blobs are optionally zstd-compressed and optionally encrypted; the
// recorded integrity digest is always over the original plaintext bytes and
// is re-verified after decoding on every restore.
type Store struct {
	root     string
	queue    *KeyedQueue
	clock    Clock
	compress bool
	enc      Encryptor         // nil = store plaintext
	dec      DecryptionContext // set via Unlock; required to restore encrypted blobs
}

// Options configures a Store.
type Options struct {
	Compress  bool
	Encryptor Encryptor
}

// NewStore creates a backup store rooted at root.
func NewStore(root string, queue *KeyedQueue, clock Clock, opts Options) (*Store, error) {
	for _, dir := range []string{metaDir(root), blobDir(root)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create backup directory: %w", err)
		}
	}
	return &Store{
		root:     root,
		queue:    queue,
		clock:    clock,
		compress: opts.Compress,
		enc:      opts.Encryptor,
	}, nil
}

func metaDir(root string) string { return filepath.Join(root, "meta") }
func blobDir(root string) string { return filepath.Join(root, "blobs") }

func (s *Store) metaPath(patchID string) string {
	return filepath.Join(metaDir(s.root), patchID+".json")
}

// blobPath derives the cache location for a captured file. The file path is
// reduced to a short stable hash so keys stay filesystem-safe regardless of
// what characters the original path contains.
func (s *Store) blobPath(patchID, filePath string) string {
	sum := sha256.Sum256([]byte(filePath))
	return filepath.Join(blobDir(s.root), patchID+"-"+hex.EncodeToString(sum[:])[:12])
}

// Unlock prepares the store for restoring encrypted backups.
// A no-op when the store is not encrypted.
func (s *Store) Unlock(passphrase string) error {
	if s.enc == nil {
		return nil
	}
	dec, err := s.enc.Unlock(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking backup store: %w", err)
	}
	s.dec = dec
	return nil
}

// CreateBackup captures the current bytes of filePath for patchID.
// If the ledger already has an entry for this file, the existing entry is
// returned and nothing is written (first-write-wins). All work for one patch
// identifier is serialized through the keyed queue, so concurrent captures
// can never lose ledger entries.
func (s *Store) CreateBackup(patchID, filePath string) (*FileInfo, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading file for backup: %w", err)
	}

	release := s.queue.Acquire(patchID)
	defer release()

	meta, err := s.readMetadata(patchID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		meta = &Metadata{
			UUID:      patchID,
			PatchedAt: s.clock.Now(),
			Files:     make(map[string]FileInfo),
		}
	}
	if existing, ok := meta.Files[filePath]; ok {
		return &existing, nil
	}

	stored, err := s.encode(data)
	if err != nil {
		return nil, fmt.Errorf("encoding backup blob: %w", err)
	}
	if err := atomicWrite(s.blobPath(patchID, filePath), stored, 0644); err != nil {
		return nil, fmt.Errorf("writing backup blob: %w", err)
	}

	info := FileInfo{
		Integrity:    digest.FromBytes(data),
		Size:         int64(len(data)),
		BackedUpAt:   s.clock.Now(),
		OriginalPath: filePath,
	}
	meta.Files[filePath] = info

	if err := s.writeMetadata(patchID, meta); err != nil {
		return nil, err
	}
	return &info, nil
}

// HasBackup reports whether patchID's ledger has an entry for filePath.
func (s *Store) HasBackup(patchID, filePath string) (bool, error) {
	meta, err := s.readMetadata(patchID)
	if err != nil {
		return false, err
	}
	if meta == nil {
		return false, nil
	}
	_, ok := meta.Files[filePath]
	return ok, nil
}

// ListBackups returns the original paths recorded in patchID's ledger,
// sorted for stable output. Returns nil if no ledger exists.
func (s *Store) ListBackups(patchID string) ([]string, error) {
	meta, err := s.readMetadata(patchID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}
	paths := make([]string, 0, len(meta.Files))
	for p := range meta.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// GetMetadata returns the ledger for patchID, or nil if none exists.
func (s *Store) GetMetadata(patchID string) (*Metadata, error) {
	return s.readMetadata(patchID)
}

// Restore writes the captured bytes for (patchID, filePath) back to the
// original path. Returns false without touching the filesystem when there is
// no ledger entry, the blob is missing, or the decoded bytes fail integrity
// verification (fail-closed).
func (s *Store) Restore(patchID, filePath string) (bool, error) {
	meta, err := s.readMetadata(patchID)
	if err != nil {
		return false, err
	}
	if meta == nil {
		return false, nil
	}
	info, ok := meta.Files[filePath]
	if !ok {
		return false, nil
	}
	return s.restoreFile(patchID, info)
}

// RestoreAll restores every file recorded in patchID's ledger, continuing
// past individual failures. Only a ledger read error is returned as an error.
func (s *Store) RestoreAll(patchID string) (*RestoreResult, error) {
	meta, err := s.readMetadata(patchID)
	if err != nil {
		return nil, err
	}
	result := &RestoreResult{}
	if meta == nil {
		return result, nil
	}

	paths := make([]string, 0, len(meta.Files))
	for p := range meta.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		ok, err := s.restoreFile(patchID, meta.Files[p])
		if err != nil || !ok {
			result.Failed = append(result.Failed, p)
			continue
		}
		result.Restored = append(result.Restored, p)
	}
	return result, nil
}

// restoreFile retrieves, decodes, verifies and writes back a single file.
// The original path is only written after verification succeeds.
func (s *Store) restoreFile(patchID string, info FileInfo) (bool, error) {
	stored, err := os.ReadFile(s.blobPath(patchID, info.OriginalPath))
	if err != nil {
		return false, nil // missing or unreadable blob: fail closed
	}

	data, err := s.decode(stored)
	if err != nil {
		return false, err
	}

	if !info.Integrity.Verify(data) {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(info.OriginalPath), 0755); err != nil {
		return false, err
	}
	if err := os.WriteFile(info.OriginalPath, data, 0644); err != nil {
		return false, err
	}
	return true, nil
}

// Cleanup deletes every stored blob for patchID and then the ledger itself.
// Blob deletion is best-effort: "already gone" counts as success, any other
// error flips the return to false, and the ledger is deleted regardless.
func (s *Store) Cleanup(patchID string) bool {
	ok := true

	meta, err := s.readMetadata(patchID)
	if err != nil {
		ok = false
	}
	if meta != nil {
		for p := range meta.Files {
			if err := os.Remove(s.blobPath(patchID, p)); err != nil && !os.IsNotExist(err) {
				ok = false
			}
		}
	}

	if err := os.Remove(s.metaPath(patchID)); err != nil && !os.IsNotExist(err) {
		ok = false
	}
	return ok
}

func (s *Store) readMetadata(patchID string) (*Metadata, error) {
	data, err := os.ReadFile(s.metaPath(patchID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backup ledger: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing backup ledger %s: %w", patchID, err)
	}
	if meta.Files == nil {
		meta.Files = make(map[string]FileInfo)
	}
	return &meta, nil
}

func (s *Store) writeMetadata(patchID string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding backup ledger: %w", err)
	}
	data = append(data, '\n')
	if err := atomicWrite(s.metaPath(patchID), data, 0644); err != nil {
		return fmt.Errorf("writing backup ledger: %w", err)
	}
	return nil
}

// encode applies the configured at-rest transforms: compress, then encrypt.
func (s *Store) encode(plain []byte) ([]byte, error) {
	data := plain
	if s.compress {
		data = gozstd.Compress(nil, data)
	}
	if s.enc != nil {
		var buf bytes.Buffer
		if err := s.enc.Encrypt(bytes.NewReader(data), &buf); err != nil {
			return nil, err
		}
		data = buf.Bytes()
	}
	return data, nil
}

// decode reverses encode: decrypt, then decompress.
func (s *Store) decode(stored []byte) ([]byte, error) {
	data := stored
	if s.enc != nil {
		if s.dec == nil {
			return nil, fmt.Errorf("backup store is encrypted: passphrase required")
		}
		var buf bytes.Buffer
		if err := s.dec.Decrypt(bytes.NewReader(data), &buf); err != nil {
			return nil, fmt.Errorf("decrypting backup blob: %w", err)
		}
		data = buf.Bytes()
	}
	if s.compress {
		out, err := gozstd.Decompress(nil, data)
		if err != nil {
			return nil, fmt.Errorf("decompressing backup blob: %w", err)
		}
		data = out
	}
	return data, nil
}

// atomicWrite writes data to path via a temp file and rename.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
