package locate

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"spt-go/internal/digest"
	"spt-go/internal/manifest"
)

// installPackage writes a minimal installed package under root.
// name may be scoped ("@scope/name").
func installPackage(t *testing.T, treeDir, name, version string) string {
	t.Helper()
	dir := filepath.Join(treeDir, filepath.FromSlash(name))
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	pkgJSON := fmt.Sprintf("{\"name\": %q, \"version\": %q}\n", name, version)
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(pkgJSON), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func manifestWith(ids ...manifest.PackageID) *manifest.Manifest {
	m := manifest.NewManifest()
	for _, id := range ids {
		m.Patches[id] = manifest.PatchRecord{
			UUID:       "uuid-" + string(id),
			ExportedAt: time.Now().UTC(),
			Files: map[string]manifest.FileTransform{
				"index.js": {
					BeforeHash: digest.FromBytes([]byte("before")),
					AfterHash:  digest.FromBytes([]byte("after")),
				},
			},
		}
	}
	return m
}

func TestFindInstalled(t *testing.T) {
	root := t.TempDir()
	nm := filepath.Join(root, "node_modules")

	installPackage(t, nm, "lodash", "4.17.20")
	installPackage(t, nm, "@babel/core", "7.26.0")

	// Nested tree inside an installed package.
	lodashNM := filepath.Join(nm, "lodash", "node_modules")
	installPackage(t, lodashNM, "minimist", "1.2.5")

	// Workspace tree deeper in the project.
	wsNM := filepath.Join(root, "packages", "app", "node_modules")
	installPackage(t, wsNM, "express", "4.18.0")

	// Broken descriptor: must be skipped, not fail the scan.
	badDir := filepath.Join(nm, "broken")
	if err := os.MkdirAll(badDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(badDir, "package.json"), []byte("{nope"), 0644); err != nil {
		t.Fatal(err)
	}

	// Dot directories are never packages.
	if err := os.MkdirAll(filepath.Join(nm, ".bin"), 0755); err != nil {
		t.Fatal(err)
	}

	got, err := NewLocator().FindInstalled(root)
	if err != nil {
		t.Fatalf("FindInstalled() error = %v", err)
	}

	wantIDs := map[manifest.PackageID]bool{
		"npm:lodash@4.17.20":     true,
		"npm:@babel/core@7.26.0": true,
		"npm:minimist@1.2.5":     true,
		"npm:express@4.18.0":     true,
	}
	if len(got) != len(wantIDs) {
		t.Fatalf("found %d packages, want %d: %+v", len(got), len(wantIDs), got)
	}
	for _, pkg := range got {
		if !wantIDs[pkg.ID] {
			t.Errorf("unexpected package %s at %s", pkg.ID, pkg.Dir)
		}
	}
}

func TestFindInstalled_SkipsSymlinkedDirs(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}

	root := t.TempDir()
	outside := t.TempDir()
	installPackage(t, filepath.Join(outside, "node_modules"), "evil", "1.0.0")

	nm := filepath.Join(root, "node_modules")
	installPackage(t, nm, "lodash", "4.17.20")

	// Symlink a package dir into the tree; it must not be scanned.
	if err := os.Symlink(filepath.Join(outside, "node_modules", "evil"), filepath.Join(nm, "linked")); err != nil {
		t.Fatal(err)
	}

	got, err := NewLocator().FindInstalled(root)
	if err != nil {
		t.Fatalf("FindInstalled() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "npm:lodash@4.17.20" {
		t.Errorf("FindInstalled() = %+v, want only lodash", got)
	}
}

func TestMatch(t *testing.T) {
	root := t.TempDir()
	nm := filepath.Join(root, "node_modules")
	installPackage(t, nm, "lodash", "4.17.20")
	installPackage(t, nm, "express", "4.18.0")

	m := manifestWith("npm:lodash@4.17.20", "npm:minimist@1.2.5")

	matches, err := NewLocator().Match(root, m, nil)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("Match() = %d matches, want 1", len(matches))
	}
	if matches[0].Installed.ID != "npm:lodash@4.17.20" {
		t.Errorf("matched %s, want npm:lodash@4.17.20", matches[0].Installed.ID)
	}
	if matches[0].Record.UUID == "" {
		t.Error("match carries no patch record")
	}
}

func TestMatch_FilterIgnoresVersion(t *testing.T) {
	root := t.TempDir()
	nm := filepath.Join(root, "node_modules")
	installPackage(t, nm, "lodash", "4.17.20")
	installPackage(t, nm, "@babel/core", "7.26.0")

	m := manifestWith("npm:lodash@4.17.20", "npm:@babel/core@7.26.0")

	// Filter on name only: version still matched against the manifest entry.
	f, err := ParseFilter("lodash")
	if err != nil {
		t.Fatal(err)
	}
	matches, err := NewLocator().Match(root, m, []Filter{f})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if len(matches) != 1 || matches[0].Installed.Name != "lodash" {
		t.Errorf("Match() with filter = %+v, want only lodash", matches)
	}

	// Scoped filter.
	f, err = ParseFilter("@babel/core")
	if err != nil {
		t.Fatal(err)
	}
	matches, err = NewLocator().Match(root, m, []Filter{f})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if len(matches) != 1 || matches[0].Installed.Name != "@babel/core" {
		t.Errorf("Match() with scoped filter = %+v, want only @babel/core", matches)
	}
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		input     string
		namespace string
		name      string
		wantErr   bool
	}{
		{"lodash", "", "lodash", false},
		{"@babel/core", "@babel", "core", false},
		{"@/x", "", "", true},
		{"@babel/", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			f, err := ParseFilter(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFilter(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && (f.Namespace != tt.namespace || f.Name != tt.name) {
				t.Errorf("ParseFilter(%q) = %+v, want {%s %s}", tt.input, f, tt.namespace, tt.name)
			}
		})
	}
}
