package patch

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"spt-go/internal/backup"
	"spt-go/internal/blobstore"
	"spt-go/internal/digest"
	"spt-go/internal/manifest"
	"spt-go/internal/testutil"
)

func newTestProcessor(t *testing.T) (*Processor, *blobstore.MemoryStore) {
	t.Helper()
	backups, err := backup.NewStore(filepath.Join(t.TempDir(), "backups"),
		backup.NewKeyedQueue(), testutil.FixedClock(), backup.Options{})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	blobs := blobstore.NewMemoryStore()
	return &Processor{Backups: backups, Blobs: blobs, Logger: NopLogger{}}, blobs
}

func transform(before, after []byte) manifest.FileTransform {
	return manifest.FileTransform{
		BeforeHash: digest.FromBytes(before),
		AfterHash:  digest.FromBytes(after),
	}
}

func TestProcessor_Process_States(t *testing.T) {
	before := []byte("original")
	after := []byte("patched")
	tf := transform(before, after)

	tests := []struct {
		name    string
		content []byte // nil means no file
		want    FileState
	}{
		{name: "missing file", content: nil, want: StateNoFile},
		{name: "pristine file", content: before, want: StateReady},
		{name: "already patched", content: after, want: StateAlreadyPatched},
		{name: "unexpected content", content: []byte("modified locally"), want: StateMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProcessor(t)
			path := filepath.Join(t.TempDir(), "index.js")
			if tt.content != nil {
				if err := os.WriteFile(path, tt.content, 0644); err != nil {
					t.Fatal(err)
				}
			}

			out := p.Process("uuid-1", path, tf, true)
			if out.State != tt.want {
				t.Errorf("State = %v, want %v", out.State, tt.want)
			}
			if out.Err != nil {
				t.Errorf("Err = %v, want nil", out.Err)
			}
			if out.Patched {
				t.Error("dry run reported Patched = true")
			}

			// Dry run never mutates.
			if tt.content != nil {
				data, _ := os.ReadFile(path)
				if string(data) != string(tt.content) {
					t.Errorf("dry run changed the file to %q", data)
				}
			}
		})
	}
}

func TestProcessor_Process_UnreadableFile(t *testing.T) {
	p, _ := newTestProcessor(t)
	// A directory passes Stat but cannot be hashed as a file.
	path := filepath.Join(t.TempDir(), "dir-not-file")
	if err := os.Mkdir(path, 0755); err != nil {
		t.Fatal(err)
	}

	out := p.Process("uuid-1", path, transform([]byte("a"), []byte("b")), true)
	if out.State != StateHashError {
		t.Errorf("State = %v, want %v", out.State, StateHashError)
	}
	if out.Err == nil {
		t.Error("Err = nil, want hash error")
	}
}

func TestProcessor_Process_DanglingSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}

	p, _ := newTestProcessor(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "index.js")
	if err := os.Symlink(filepath.Join(dir, "missing-target"), path); err != nil {
		t.Fatal(err)
	}

	out := p.Process("uuid-1", path, transform([]byte("a"), []byte("b")), true)
	if out.State != StateNoFile {
		t.Errorf("State = %v, want %v", out.State, StateNoFile)
	}
	if out.Err != nil {
		t.Errorf("Err = %v, want nil", out.Err)
	}
}

func TestProcessor_Process_Apply(t *testing.T) {
	before := []byte("original")
	after := []byte("patched")
	tf := transform(before, after)

	p, blobs := newTestProcessor(t)
	blobs.PutBytes(after)

	path := filepath.Join(t.TempDir(), "index.js")
	if err := os.WriteFile(path, before, 0644); err != nil {
		t.Fatal(err)
	}

	out := p.Process("uuid-1", path, tf, false)
	if out.Err != nil {
		t.Fatalf("Process() error = %v", out.Err)
	}
	if out.State != StateReady || !out.Patched {
		t.Errorf("Process() = {State: %v, Patched: %v}, want ready and patched", out.State, out.Patched)
	}

	data, _ := os.ReadFile(path)
	if string(data) != string(after) {
		t.Errorf("file content = %q, want %q", data, after)
	}

	has, err := p.Backups.HasBackup("uuid-1", path)
	if err != nil || !has {
		t.Errorf("HasBackup() = (%v, %v), want (true, nil)", has, err)
	}
}

func TestProcessor_Process_ApplyIsIdempotent(t *testing.T) {
	before := []byte("original")
	after := []byte("patched")
	tf := transform(before, after)

	p, blobs := newTestProcessor(t)
	blobs.PutBytes(after)

	path := filepath.Join(t.TempDir(), "index.js")
	if err := os.WriteFile(path, before, 0644); err != nil {
		t.Fatal(err)
	}

	first := p.Process("uuid-1", path, tf, false)
	if first.Err != nil || !first.Patched {
		t.Fatalf("first Process() = %+v", first)
	}
	second := p.Process("uuid-1", path, tf, false)
	if second.Err != nil {
		t.Fatalf("second Process() error = %v", second.Err)
	}
	if second.State != StateAlreadyPatched || second.Patched {
		t.Errorf("second Process() = {State: %v, Patched: %v}, want already-patched without a write",
			second.State, second.Patched)
	}

	// The backup must still hold the pre-patch original, not the patched bytes.
	restored, err := p.Backups.RestoreAll("uuid-1")
	if err != nil || len(restored.Restored) != 1 {
		t.Fatalf("RestoreAll() = (%+v, %v)", restored, err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != string(before) {
		t.Errorf("restored content = %q, want original %q", data, before)
	}
}

func TestProcessor_Process_MissingBlob(t *testing.T) {
	before := []byte("original")
	tf := transform(before, []byte("patched"))

	p, _ := newTestProcessor(t) // blob never stored

	path := filepath.Join(t.TempDir(), "index.js")
	if err := os.WriteFile(path, before, 0644); err != nil {
		t.Fatal(err)
	}

	out := p.Process("uuid-1", path, tf, false)
	if out.Err == nil {
		t.Fatal("Process() succeeded without the replacement blob")
	}
	if out.Patched {
		t.Error("Patched = true despite missing blob")
	}

	data, _ := os.ReadFile(path)
	if string(data) != string(before) {
		t.Errorf("file mutated to %q despite missing blob", data)
	}
}

func TestProcessor_Process_MismatchNeverMutates(t *testing.T) {
	after := []byte("patched")
	tf := transform([]byte("original"), after)

	p, blobs := newTestProcessor(t)
	blobs.PutBytes(after)

	path := filepath.Join(t.TempDir(), "index.js")
	local := []byte("locally modified")
	if err := os.WriteFile(path, local, 0644); err != nil {
		t.Fatal(err)
	}

	out := p.Process("uuid-1", path, tf, false)
	if out.State != StateMismatch {
		t.Errorf("State = %v, want %v", out.State, StateMismatch)
	}
	data, _ := os.ReadFile(path)
	if string(data) != string(local) {
		t.Errorf("mismatched file was mutated to %q", data)
	}
	has, _ := p.Backups.HasBackup("uuid-1", path)
	if has {
		t.Error("backup created for a mismatched file")
	}
}
