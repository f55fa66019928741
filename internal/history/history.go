// Package history records every apply and remove run in a local SQLite
// database so users can audit what the tool did and when.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"spt-go/internal/config"
	"spt-go/internal/history/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Operation statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Operation is one recorded run.
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
}

// Store is the operation history database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (and migrates) the history database at path.
// path can be a file path or ":memory:" for an in-memory database.
func Open(path string) (*Store, error) {
	db, err := openConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// NewFromConfig creates a history store based on the history config type.
func NewFromConfig(cfg config.HistoryConfig) (*Store, error) {
	switch cfg.Type {
	case "sqlite", "":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite history")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
		return Open(filepath.Join(cfg.DataDir, "history.db"))
	case "memory":
		return Open(":memory:")
	default:
		return nil, fmt.Errorf("unknown history type: %s", cfg.Type)
	}
}

func openConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// SQLite ships with foreign keys off for backward compatibility.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return db, nil
}

// Begin inserts a running operation record and returns its identifier.
func (s *Store) Begin(operation, parameters string, startedAt time.Time) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO operations (operation, parameters, started_at, status) VALUES (?, ?, ?, ?)`,
		operation, parameters, startedAt, StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("recording operation start: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading operation id: %w", err)
	}
	return id, nil
}

// Finish marks an operation as completed with the given status.
func (s *Store) Finish(id int64, status string, finishedAt time.Time) error {
	res, err := s.db.Exec(
		`UPDATE operations SET finished_at = ?, status = ? WHERE id = ?`,
		finishedAt, status, id,
	)
	if err != nil {
		return fmt.Errorf("recording operation finish: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("recording operation finish: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("no operation with id %d", id)
	}
	return nil
}

// Recent returns the most recent operations, newest first.
func (s *Store) Recent(limit int) ([]Operation, error) {
	rows, err := s.db.Query(
		`SELECT id, operation, parameters, started_at, finished_at, status
		 FROM operations ORDER BY started_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var op Operation
		var finished sql.NullTime
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.StartedAt, &finished, &op.Status); err != nil {
			return nil, fmt.Errorf("scanning operation row: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			op.FinishedAt = &t
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}

// Get returns one operation by id, or nil if it does not exist.
func (s *Store) Get(id int64) (*Operation, error) {
	var op Operation
	var finished sql.NullTime
	err := s.db.QueryRow(
		`SELECT id, operation, parameters, started_at, finished_at, status
		 FROM operations WHERE id = ?`, id,
	).Scan(&op.ID, &op.Operation, &op.Parameters, &op.StartedAt, &finished, &op.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading operation %d: %w", id, err)
	}
	if finished.Valid {
		t := finished.Time
		op.FinishedAt = &t
	}
	return &op, nil
}

// Path returns the database file path (or ":memory:").
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
