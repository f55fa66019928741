package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"spt-go/internal/config"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_BeginFinish(t *testing.T) {
	s := openMemory(t)
	started := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	id, err := s.Begin("apply", `{"dryRun":false}`, started)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	op, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if op == nil || op.Status != StatusRunning || op.FinishedAt != nil {
		t.Fatalf("Get() = %+v, want running and unfinished", op)
	}
	if op.Operation != "apply" || op.Parameters != `{"dryRun":false}` {
		t.Errorf("Get() = %+v", op)
	}

	if err := s.Finish(id, StatusSuccess, started.Add(2*time.Second)); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	op, err = s.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if op.Status != StatusSuccess || op.FinishedAt == nil {
		t.Errorf("Get() after finish = %+v", op)
	}
}

func TestStore_FinishUnknownID(t *testing.T) {
	s := openMemory(t)
	if err := s.Finish(42, StatusSuccess, time.Now()); err == nil {
		t.Error("Finish() of unknown id succeeded")
	}
}

func TestStore_Recent(t *testing.T) {
	s := openMemory(t)
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if _, err := s.Begin("apply", "", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}

	ops, err := s.Recent(3)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("Recent(3) returned %d operations", len(ops))
	}
	// Newest first.
	for i := 1; i < len(ops); i++ {
		if ops[i].StartedAt.After(ops[i-1].StartedAt) {
			t.Errorf("Recent() not sorted newest first: %v", ops)
		}
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := openMemory(t)
	op, err := s.Get(999)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if op != nil {
		t.Errorf("Get(999) = %+v, want nil", op)
	}
}

func TestNewFromConfig(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		s, err := NewFromConfig(config.HistoryConfig{Type: "memory"})
		if err != nil {
			t.Fatalf("NewFromConfig() error = %v", err)
		}
		defer s.Close()
		if s.Path() != ":memory:" {
			t.Errorf("Path() = %q", s.Path())
		}
	})

	t.Run("sqlite", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "history")
		s, err := NewFromConfig(config.HistoryConfig{Type: "sqlite", DataDir: dir})
		if err != nil {
			t.Fatalf("NewFromConfig() error = %v", err)
		}
		defer s.Close()
		if _, err := os.Stat(filepath.Join(dir, "history.db")); err != nil {
			t.Errorf("history.db not created: %v", err)
		}
	})

	t.Run("sqlite without data_dir", func(t *testing.T) {
		if _, err := NewFromConfig(config.HistoryConfig{Type: "sqlite"}); err == nil {
			t.Error("NewFromConfig() succeeded without data_dir")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if _, err := NewFromConfig(config.HistoryConfig{Type: "postgres"}); err == nil {
			t.Error("NewFromConfig() accepted unknown type")
		}
	})
}
