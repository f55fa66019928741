// Package locate walks installed-package trees under a project root and maps
// installed packages to entries in the project's patch manifest.
package locate

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"spt-go/internal/manifest"
)

// TreeDirName is the directory that marks an installed-package tree.
const TreeDirName = "node_modules"

// Descriptor is the minimal installed-package descriptor: what we need to
// build a normalized identifier and nothing more.
type Descriptor struct {
	Name    string
	Version string
}

// DescriptorReader reads the descriptor of the package installed in dir.
// A nil result means "not a readable package" and the directory is skipped
// without failing the scan.
type DescriptorReader func(dir string) *Descriptor

// Installed is one installed package found under the project root.
type Installed struct {
	ID      manifest.PackageID
	Name    string
	Version string
	Dir     string // absolute path of the installed package directory
}

// Match pairs an installed package with its manifest patch record.
type Match struct {
	Installed Installed
	Record    manifest.PatchRecord
}

// Filter restricts scanning to packages with a given namespace and name,
// independent of version. For npm, the namespace is the scope ("@babel" for
// "@babel/core") and is empty for unscoped packages.
type Filter struct {
	Namespace string
	Name      string
}

// ParseFilter parses "name" or "@scope/name" into a Filter.
func ParseFilter(s string) (Filter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Filter{}, fmt.Errorf("empty package filter")
	}
	if strings.HasPrefix(s, "@") {
		slash := strings.Index(s, "/")
		if slash <= 1 || slash == len(s)-1 {
			return Filter{}, fmt.Errorf("invalid scoped package filter %q", s)
		}
		return Filter{Namespace: s[:slash], Name: s[slash+1:]}, nil
	}
	return Filter{Name: s}, nil
}

func (f Filter) matches(name string) bool {
	if ns, rest, ok := splitScope(name); ok {
		return f.Namespace == ns && f.Name == rest
	}
	return f.Namespace == "" && f.Name == name
}

func splitScope(name string) (scope, rest string, ok bool) {
	if !strings.HasPrefix(name, "@") {
		return "", "", false
	}
	slash := strings.Index(name, "/")
	if slash < 0 {
		return "", "", false
	}
	return name[:slash], name[slash+1:], true
}

// Index is a lookup structure built once per scan from the manifest,
// bucketed by ecosystem so large manifests stay cheap to probe.
type Index struct {
	byEcosystem map[string]map[manifest.PackageID]manifest.PatchRecord
}

// NewIndex builds an index over a manifest's patch entries.
func NewIndex(m *manifest.Manifest) *Index {
	idx := &Index{byEcosystem: make(map[string]map[manifest.PackageID]manifest.PatchRecord)}
	for id, rec := range m.Patches {
		eco := id.Ecosystem()
		bucket, ok := idx.byEcosystem[eco]
		if !ok {
			bucket = make(map[manifest.PackageID]manifest.PatchRecord)
			idx.byEcosystem[eco] = bucket
		}
		bucket[id] = rec
	}
	return idx
}

// Lookup returns the patch record for an installed package identifier.
func (idx *Index) Lookup(id manifest.PackageID) (manifest.PatchRecord, bool) {
	bucket, ok := idx.byEcosystem[id.Ecosystem()]
	if !ok {
		return manifest.PatchRecord{}, false
	}
	rec, ok := bucket[id]
	return rec, ok
}

// Locator discovers installed packages beneath a project root.
type Locator struct {
	ecosystem      string
	readDescriptor DescriptorReader
}

// NewLocator creates a locator for npm-style node_modules trees.
func NewLocator() *Locator {
	return &Locator{ecosystem: "npm", readDescriptor: ReadPackageJSON}
}

// NewLocatorWithReader creates a locator with a custom descriptor reader.
// Used by tests and by callers layering other ecosystems on the same walk.
func NewLocatorWithReader(ecosystem string, rd DescriptorReader) *Locator {
	return &Locator{ecosystem: ecosystem, readDescriptor: rd}
}

// Match walks every installed-package tree under projectRoot and returns the
// installed packages that have an entry in m, optionally restricted by
// filters. Packages without a manifest entry are skipped; so are package
// directories with missing or unparseable descriptors.
func (l *Locator) Match(projectRoot string, m *manifest.Manifest, filters []Filter) ([]Match, error) {
	idx := NewIndex(m)

	installed, err := l.FindInstalled(projectRoot)
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, pkg := range installed {
		if len(filters) > 0 && !anyFilterMatches(filters, pkg.Name) {
			continue
		}
		rec, ok := idx.Lookup(pkg.ID)
		if !ok {
			continue
		}
		matches = append(matches, Match{Installed: pkg, Record: rec})
	}
	return matches, nil
}

func anyFilterMatches(filters []Filter, name string) bool {
	for _, f := range filters {
		if f.matches(name) {
			return true
		}
	}
	return false
}

// FindInstalled returns every installed package beneath projectRoot,
// including packages in nested and workspace node_modules trees.
// Symlinked directories are not followed, which also breaks cycles.
func (l *Locator) FindInstalled(projectRoot string) ([]Installed, error) {
	root, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving project root: %w", err)
	}

	var found []Installed
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtree: skip it rather than failing the scan.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		// WalkDir does not follow symlinks, but make the exclusion explicit
		// so symlinked package dirs are never treated as packages either.
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if !isPackageDir(path) {
			return nil
		}
		desc := l.readDescriptor(path)
		if desc == nil || desc.Name == "" || desc.Version == "" {
			return nil
		}
		found = append(found, Installed{
			ID:      manifest.NewPackageID(l.ecosystem, desc.Name, desc.Version),
			Name:    desc.Name,
			Version: desc.Version,
			Dir:     path,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return found, nil
}

// isPackageDir reports whether path is an installed package root: a direct
// child of a node_modules directory, or a child of a scope directory that is
// itself a direct child of node_modules.
func isPackageDir(path string) bool {
	base := filepath.Base(path)
	if base == TreeDirName || strings.HasPrefix(base, ".") {
		return false
	}
	parent := filepath.Base(filepath.Dir(path))
	if strings.HasPrefix(base, "@") {
		// Scope directory, not a package.
		return false
	}
	if parent == TreeDirName {
		return true
	}
	if strings.HasPrefix(parent, "@") {
		grandparent := filepath.Base(filepath.Dir(filepath.Dir(path)))
		return grandparent == TreeDirName
	}
	return false
}

// ReadPackageJSON is the npm DescriptorReader: it reads dir/package.json and
// extracts name and version. Any read or parse failure yields nil.
func ReadPackageJSON(dir string) *Descriptor {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil
	}
	var pkg struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil
	}
	if pkg.Name == "" || pkg.Version == "" {
		return nil
	}
	return &Descriptor{Name: pkg.Name, Version: pkg.Version}
}
