package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"

	"spt-go/internal/digest"
)

func testRecord(uuid string) PatchRecord {
	return PatchRecord{
		UUID:       uuid,
		ExportedAt: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
		Files: map[string]FileTransform{
			"lib/index.js": {
				BeforeHash: digest.FromBytes([]byte("vulnerable")),
				AfterHash:  digest.FromBytes([]byte("fixed")),
			},
		},
		Vulnerabilities: map[string]Vulnerability{
			"GHSA-xxxx-yyyy-zzzz": {
				CVEs:     []string{"CVE-2026-0001"},
				Summary:  "prototype pollution",
				Severity: "high",
			},
		},
	}
}

func TestParsePackageID(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		ecosystem string
		pkg       string
		version   string
		wantErr   bool
	}{
		{"plain package", "npm:lodash@4.17.20", "npm", "lodash", "4.17.20", false},
		{"scoped package", "npm:@babel/core@7.26.0", "npm", "@babel/core", "7.26.0", false},
		{"ecosystem normalized", "NPM:lodash@4.17.20", "npm", "lodash", "4.17.20", false},
		{"no ecosystem", "lodash@4.17.20", "", "", "", true},
		{"no version", "npm:lodash", "", "", "", true},
		{"scope only, no version", "npm:@babel/core", "", "", "", true},
		{"empty", "", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eco, pkg, ver, err := ParsePackageID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePackageID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if eco != tt.ecosystem || pkg != tt.pkg || ver != tt.version {
				t.Errorf("ParsePackageID(%q) = (%q, %q, %q), want (%q, %q, %q)",
					tt.input, eco, pkg, ver, tt.ecosystem, tt.pkg, tt.version)
			}
		})
	}
}

func TestStore_Read_MissingFile(t *testing.T) {
	s := NewStore()

	m, err := s.Read(t.TempDir())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if m.Version != CurrentVersion {
		t.Errorf("Version = %q, want %q", m.Version, CurrentVersion)
	}
	if len(m.Patches) != 0 {
		t.Errorf("Patches = %d entries, want 0", len(m.Patches))
	}
}

func TestStore_Read_InvalidJSON(t *testing.T) {
	root := t.TempDir()
	path := Path(root)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	s := NewStore()
	_, err := s.Read(root)
	var parseErr *ParseError
	if err == nil {
		t.Fatal("Read() error = nil, want *ParseError")
	}
	if !errors.As(err, &parseErr) {
		t.Errorf("Read() error = %T, want *ParseError", err)
	}
}

func TestStore_Read_SchemaViolation(t *testing.T) {
	root := t.TempDir()
	path := Path(root)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	// Parses fine, but the file hash is a raw hex digest.
	doc := `{
  "version": "1.0.0",
  "patches": {
    "npm:lodash@4.17.20": {
      "exportedAt": "2026-02-10T12:00:00Z",
      "files": {"lib/index.js": {"beforeHash": "deadbeef", "afterHash": "deadbeef"}},
      "vulnerabilities": {}
    }
  }
}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	s := NewStore()
	_, err := s.Read(root)
	var valErr *ValidationError
	if err == nil {
		t.Fatal("Read() error = nil, want *ValidationError")
	}
	if !errors.As(err, &valErr) {
		t.Errorf("Read() error = %T, want *ValidationError", err)
	}
}

// base58Digest encodes the sha2-256 multihash of data in base58btc, a valid
// but non-canonical multibase.
func base58Digest(t *testing.T, data []byte) string {
	t.Helper()
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		t.Fatal(err)
	}
	s, err := multibase.Encode(multibase.Base58BTC, mh)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStore_Read_CanonicalizesDigests(t *testing.T) {
	root := t.TempDir()
	path := Path(root)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}

	// Upstream-exported manifest whose digests use a non-canonical base.
	before := []byte("vulnerable")
	after := []byte("fixed")
	doc := fmt.Sprintf(`{
  "version": "1.0.0",
  "patches": {
    "npm:lodash@4.17.20": {
      "uuid": "uuid-1",
      "exportedAt": "2026-02-10T12:00:00Z",
      "files": {"lib/index.js": {"beforeHash": %q, "afterHash": %q}},
      "vulnerabilities": {}
    }
  }
}`, base58Digest(t, before), base58Digest(t, after))
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := NewStore().Read(root)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	tr := m.Patches["npm:lodash@4.17.20"].Files["lib/index.js"]
	if tr.BeforeHash != digest.FromBytes(before) {
		t.Errorf("beforeHash = %q, want canonical %q", tr.BeforeHash, digest.FromBytes(before))
	}
	if tr.AfterHash != digest.FromBytes(after) {
		t.Errorf("afterHash = %q, want canonical %q", tr.AfterHash, digest.FromBytes(after))
	}
}

func TestStore_RoundTrip(t *testing.T) {
	root := t.TempDir()
	s := NewStore()

	id := NewPackageID("npm", "lodash", "4.17.20")
	if err := s.AddPatch(id, testRecord("uuid-1"), root); err != nil {
		t.Fatalf("AddPatch() error = %v", err)
	}

	got, err := s.Read(root)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	rec, ok := got.Patches[id]
	if !ok {
		t.Fatalf("patch %s missing after round trip", id)
	}
	want := testRecord("uuid-1")
	if rec.UUID != want.UUID {
		t.Errorf("UUID = %q, want %q", rec.UUID, want.UUID)
	}
	for path, tr := range want.Files {
		gotTr, ok := rec.Files[path]
		if !ok {
			t.Fatalf("file %s missing after round trip", path)
		}
		if gotTr.BeforeHash != tr.BeforeHash || gotTr.AfterHash != tr.AfterHash {
			t.Errorf("file %s hashes changed across round trip", path)
		}
	}

	// Writing the re-read manifest must be byte-stable.
	if err := s.Write(got, root); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	again, err := s.Read(root)
	if err != nil {
		t.Fatalf("second Read() error = %v", err)
	}
	if len(again.Patches) != len(got.Patches) {
		t.Errorf("patch count changed: %d vs %d", len(again.Patches), len(got.Patches))
	}
}

func TestStore_Write_FailsClosed(t *testing.T) {
	root := t.TempDir()
	s := NewStore()

	bad := NewManifest()
	bad.Patches["npm:left-pad@1.3.0"] = PatchRecord{} // no files

	if err := s.Write(bad, root); err == nil {
		t.Fatal("Write() accepted an invalid manifest")
	}
	if _, err := os.Stat(Path(root)); !os.IsNotExist(err) {
		t.Error("invalid manifest was written to disk")
	}
}

func TestStore_RemovePatch(t *testing.T) {
	root := t.TempDir()
	s := NewStore()
	id := NewPackageID("npm", "lodash", "4.17.20")

	if err := s.AddPatch(id, testRecord("uuid-1"), root); err != nil {
		t.Fatalf("AddPatch() error = %v", err)
	}

	removed, err := s.RemovePatch(id, root)
	if err != nil {
		t.Fatalf("RemovePatch() error = %v", err)
	}
	if !removed {
		t.Error("RemovePatch() = false for existing patch")
	}

	removed, err = s.RemovePatch(id, root)
	if err != nil {
		t.Fatalf("second RemovePatch() error = %v", err)
	}
	if removed {
		t.Error("RemovePatch() = true for missing patch")
	}
}
