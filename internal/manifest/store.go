package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// FileName is the manifest location relative to the project root.
const FileName = ".spt/manifest.json"

// Path returns the manifest file path for a project root.
func Path(projectRoot string) string {
	return filepath.Join(projectRoot, filepath.FromSlash(FileName))
}

// Store reads and writes the per-project manifest file.
type Store struct{}

// NewStore creates a manifest store.
func NewStore() *Store { return &Store{} }

// Read loads the manifest for a project. A missing file yields an empty
// manifest at the current version. Invalid JSON yields a *ParseError;
// a parsed document that fails schema checks yields a *ValidationError.
func (s *Store) Read(projectRoot string) (*Manifest, error) {
	path := Path(projectRoot)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewManifest(), nil
		}
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	if m.Patches == nil {
		m.Patches = make(map[PackageID]PatchRecord)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Write persists the manifest, validating first so an invalid manifest is
// never written. Output is stable, human-diffable JSON (sorted keys,
// two-space indent, trailing newline).
func (s *Store) Write(m *Manifest, projectRoot string) error {
	if err := m.Validate(); err != nil {
		return err
	}

	path := Path(projectRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating manifest directory: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// AddPatch inserts or replaces a patch record and persists the manifest.
func (s *Store) AddPatch(id PackageID, rec PatchRecord, projectRoot string) error {
	m, err := s.Read(projectRoot)
	if err != nil {
		return err
	}
	m.Patches[id] = rec
	return s.Write(m, projectRoot)
}

// RemovePatch deletes a patch record and persists the manifest.
// Returns whether the identifier existed.
func (s *Store) RemovePatch(id PackageID, projectRoot string) (bool, error) {
	m, err := s.Read(projectRoot)
	if err != nil {
		return false, err
	}
	if _, ok := m.Patches[id]; !ok {
		return false, nil
	}
	delete(m.Patches, id)
	if err := s.Write(m, projectRoot); err != nil {
		return false, err
	}
	return true, nil
}
