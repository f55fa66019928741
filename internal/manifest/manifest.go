// Package manifest defines the per-project patch manifest: which installed
// packages have vetted file-level patches, and the before/after content
// digests for every file each patch touches.
package manifest

import (
	"fmt"
	"strings"
	"time"

	"spt-go/internal/digest"
)

// CurrentVersion is the manifest schema version written by this tool.
const CurrentVersion = "1.0.0"

// PackageID uniquely names an ecosystem package at a version, in the
// normalized form "ecosystem:name@version" (e.g. "npm:lodash@4.17.20",
// "npm:@babel/core@7.26.0"). The ecosystem segment is always lower case.
type PackageID string

// NewPackageID builds a normalized PackageID from its components.
func NewPackageID(ecosystem, name, version string) PackageID {
	return PackageID(strings.ToLower(ecosystem) + ":" + name + "@" + version)
}

// ParsePackageID splits a package identifier into its components.
// The input is normalized (ecosystem lower-cased) before splitting.
func ParsePackageID(s string) (ecosystem, name, version string, err error) {
	colon := strings.Index(s, ":")
	if colon <= 0 {
		return "", "", "", fmt.Errorf("package identifier %q has no ecosystem", s)
	}
	ecosystem = strings.ToLower(s[:colon])
	rest := s[colon+1:]

	// The version separator is the last '@'. An '@' at position zero is a
	// scope prefix (npm "@scope/name"), not a separator.
	at := strings.LastIndex(rest, "@")
	if at <= 0 {
		return "", "", "", fmt.Errorf("package identifier %q has no version", s)
	}
	name = rest[:at]
	version = rest[at+1:]
	if name == "" || version == "" {
		return "", "", "", fmt.Errorf("package identifier %q has empty name or version", s)
	}
	return ecosystem, name, version, nil
}

// Normalize parses a raw identifier string and returns its canonical PackageID.
func Normalize(s string) (PackageID, error) {
	eco, name, ver, err := ParsePackageID(s)
	if err != nil {
		return "", err
	}
	return NewPackageID(eco, name, ver), nil
}

// Ecosystem returns the ecosystem segment of the identifier, or "" if the
// identifier is malformed.
func (id PackageID) Ecosystem() string {
	eco, _, _, err := ParsePackageID(string(id))
	if err != nil {
		return ""
	}
	return eco
}

// Manifest is the durable per-project patch document.
type Manifest struct {
	Version string                   `json:"version"`
	Patches map[PackageID]PatchRecord `json:"patches"`
}

// NewManifest returns an empty manifest at the current schema version.
func NewManifest() *Manifest {
	return &Manifest{
		Version: CurrentVersion,
		Patches: make(map[PackageID]PatchRecord),
	}
}

// PatchRecord describes one package's file-level content transformation and
// the vulnerabilities it remediates. Records are exported by the upstream
// patch source and consumed read-only here; removal deletes whole records.
type PatchRecord struct {
	UUID            string                   `json:"uuid,omitempty"`
	ExportedAt      time.Time                `json:"exportedAt"`
	Files           map[string]FileTransform `json:"files"`
	Vulnerabilities map[string]Vulnerability `json:"vulnerabilities"`
	Description     string                   `json:"description,omitempty"`
	License         string                   `json:"license,omitempty"`
	Tier            string                   `json:"tier,omitempty"`
}

// FileTransform is the whole-file content replacement for one file,
// identified purely by content digest: a file hashing to BeforeHash is
// replaced by the blob addressed by AfterHash.
type FileTransform struct {
	BeforeHash digest.Digest `json:"beforeHash"`
	AfterHash  digest.Digest `json:"afterHash"`
}

// Vulnerability describes one advisory remediated by a patch.
type Vulnerability struct {
	CVEs             []string `json:"cves"`
	Summary          string   `json:"summary"`
	Severity         string   `json:"severity"`
	Description      string   `json:"description"`
	PatchExplanation string   `json:"patchExplanation"`
}

// Validate checks the manifest against the schema. It is called on read and
// again before every write, so an invalid manifest is never persisted.
// File digests are rewritten into their canonical encoding: upstream exports
// may use any multibase, but every later comparison is plain string equality.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return &ValidationError{Reason: "missing manifest version"}
	}
	for id, rec := range m.Patches {
		if _, _, _, err := ParsePackageID(string(id)); err != nil {
			return &ValidationError{Reason: fmt.Sprintf("invalid package identifier: %v", err)}
		}
		if len(rec.Files) == 0 {
			return &ValidationError{Reason: fmt.Sprintf("patch %s has no files", id)}
		}
		for path, tr := range rec.Files {
			if path == "" {
				return &ValidationError{Reason: fmt.Sprintf("patch %s has an empty file path", id)}
			}
			before, err := digest.Parse(string(tr.BeforeHash))
			if err != nil {
				return &ValidationError{Reason: fmt.Sprintf("patch %s file %s: bad beforeHash: %v", id, path, err)}
			}
			after, err := digest.Parse(string(tr.AfterHash))
			if err != nil {
				return &ValidationError{Reason: fmt.Sprintf("patch %s file %s: bad afterHash: %v", id, path, err)}
			}
			if before != tr.BeforeHash || after != tr.AfterHash {
				rec.Files[path] = FileTransform{BeforeHash: before, AfterHash: after}
			}
		}
	}
	return nil
}

// ParseError reports a manifest file that is not valid JSON.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing manifest %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError reports a manifest that parsed but does not conform to the
// schema.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid manifest: " + e.Reason
}
