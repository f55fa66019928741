// Package app is the application layer between the CLI and the patch
// service. It constructs all dependencies from config, records operations in
// the history database, and manages resource lifecycles on Close.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"

	"spt-go/internal/backup"
	"spt-go/internal/blobstore"
	"spt-go/internal/config"
	"spt-go/internal/encryption"
	"spt-go/internal/history"
	"spt-go/internal/locate"
	"spt-go/internal/manifest"
	"spt-go/internal/patch"
)

// App wires the patch engine together for one CLI invocation.
type App struct {
	cfg     *config.Config
	blobs   blobstore.Store
	backups *backup.Store
	hist    *history.Store
	service *patch.Service
	clock   patch.Clock
	logFile *os.File
}

// NewApp creates a fully wired App from the given config.
// The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	blobs, err := blobstore.NewStoreFromConfig(ctx, cfg.BlobStore)
	if err != nil {
		return nil, fmt.Errorf("creating blob store: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	clock := patch.RealClock{}
	backups, err := backup.NewStore(cfg.BackupCache.Dir, backup.NewKeyedQueue(), clock, backup.Options{
		Compress:  cfg.BackupCache.Compress,
		Encryptor: enc,
	})
	if err != nil {
		return nil, fmt.Errorf("creating backup store: %w", err)
	}

	hist, err := history.NewFromConfig(cfg.History)
	if err != nil {
		return nil, fmt.Errorf("creating history store: %w", err)
	}

	// Correlation id for this invocation: timestamp plus a random suffix so
	// concurrent runs in the same second stay distinguishable in the log.
	ids := patch.UUIDGenerator{}
	opID := time.Now().UTC().Format("20060102T150405Z") + "-" + ids.New()[:8]
	logger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		hist.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	dryRunReady := cfg.Apply.DryRunReady
	if dryRunReady == "" {
		dryRunReady = patch.DryRunReadySuccess
	}

	adapter := &slogAdapter{l: logger}
	svc := &patch.Service{
		Manifests:   manifest.NewStore(),
		Locator:     locate.NewLocator(),
		Processor:   &patch.Processor{Backups: backups, Blobs: blobs, Logger: adapter},
		Backups:     backups,
		Logger:      adapter,
		DryRunReady: dryRunReady,
	}

	return &App{
		cfg:     cfg,
		blobs:   blobs,
		backups: backups,
		hist:    hist,
		service: svc,
		clock:   clock,
		logFile: logFile,
	}, nil
}

// Unlock prepares the backup store for restoring encrypted backups.
func (a *App) Unlock(passphrase string) error {
	return a.backups.Unlock(passphrase)
}

// SetupKeys generates the encryption key pair for the configured encryptor.
func (a *App) SetupKeys(passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(a.cfg.Encryption)
	if err != nil {
		return err
	}
	if enc == nil {
		return fmt.Errorf("encryption is not enabled in the configuration")
	}
	return enc.Setup(passphrase)
}

// Apply applies (or dry-runs) all matching patches under projectRoot.
// pkgs optionally restricts the run to the named packages.
func (a *App) Apply(projectRoot string, dryRun bool, pkgs []string) (*patch.ApplyResult, error) {
	filters := make([]locate.Filter, 0, len(pkgs))
	for _, p := range pkgs {
		f, err := locate.ParseFilter(p)
		if err != nil {
			return nil, &patch.InputError{Msg: err.Error()}
		}
		filters = append(filters, f)
	}

	opID := a.beginOperation("apply", map[string]any{
		"projectRoot": projectRoot,
		"dryRun":      dryRun,
		"packages":    pkgs,
	})

	result, err := a.service.Apply(patch.ApplyOptions{
		ProjectRoot: projectRoot,
		DryRun:      dryRun,
		Filters:     filters,
	})
	a.finishOperation(opID, err == nil && (result == nil || len(result.Failed()) == 0))
	return result, err
}

// Remove removes the patch for the given package identifier: restores
// originals from backup, deletes the backups (unless keepBackups), and drops
// the manifest entry.
func (a *App) Remove(projectRoot, rawID string, keepBackups bool) (*patch.RemoveResult, error) {
	id, err := manifest.Normalize(rawID)
	if err != nil {
		return nil, &patch.InputError{Msg: err.Error()}
	}

	opID := a.beginOperation("remove", map[string]any{
		"projectRoot": projectRoot,
		"package":     string(id),
		"keepBackups": keepBackups,
	})

	result, err := a.service.Remove(patch.RemoveOptions{
		ProjectRoot: projectRoot,
		ID:          id,
		KeepBackups: keepBackups,
	})
	a.finishOperation(opID, err == nil && (result == nil || len(result.RestoreFailed) == 0))
	return result, err
}

// List returns the project's manifest.
func (a *App) List(projectRoot string) (*manifest.Manifest, error) {
	return a.service.Manifests.Read(projectRoot)
}

// Backups returns the backup ledger for the given package identifier, or nil
// when no backups are recorded.
func (a *App) Backups(projectRoot, rawID string) (*backup.Metadata, error) {
	id, err := manifest.Normalize(rawID)
	if err != nil {
		return nil, &patch.InputError{Msg: err.Error()}
	}
	m, err := a.service.Manifests.Read(projectRoot)
	if err != nil {
		return nil, err
	}
	rec, ok := m.Patches[id]
	if !ok {
		return nil, &patch.InputError{Msg: fmt.Sprintf("no patch entry for %s", id)}
	}
	if rec.UUID == "" {
		return nil, nil
	}
	return a.backups.GetMetadata(rec.UUID)
}

// History returns the most recent recorded operations.
func (a *App) History(limit int) ([]history.Operation, error) {
	return a.hist.Recent(limit)
}

// beginOperation records an operation start. History failures are logged and
// swallowed: a broken history database never blocks patching.
func (a *App) beginOperation(operation string, params map[string]any) int64 {
	data, err := json.Marshal(params)
	if err != nil {
		data = []byte("{}")
	}
	id, err := a.hist.Begin(operation, string(data), a.clock.Now())
	if err != nil {
		a.service.Logger.Warn("failed to record operation start", "operation", operation, "error", err)
		return 0
	}
	return id
}

func (a *App) finishOperation(id int64, ok bool) {
	if id == 0 {
		return
	}
	status := history.StatusSuccess
	if !ok {
		status = history.StatusFailure
	}
	if err := a.hist.Finish(id, status, a.clock.Now()); err != nil {
		a.service.Logger.Warn("failed to record operation finish", "id", id, "error", err)
	}
}

// Close releases all resources.
func (a *App) Close() error {
	var firstErr error
	if err := a.hist.Close(); err != nil {
		firstErr = fmt.Errorf("closing history database: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
