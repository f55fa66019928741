package patch

import (
	"fmt"

	"spt-go/internal/manifest"
)

// InputError marks a failure caused by the caller's input rather than the
// system, so command surfaces can report it without a stack of wrapping.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return e.Msg }

// RemoveOptions configures a single Remove run.
type RemoveOptions struct {
	ProjectRoot string
	ID          manifest.PackageID
	KeepBackups bool
}

// RemoveResult reports what a Remove run did.
type RemoveResult struct {
	ID              manifest.PackageID
	PatchUUID       string
	FilesRestored   int
	RestoreFailed   []string
	BackupsDeleted  bool
	ManifestUpdated bool
	Warnings        []string
}

// Remove restores the original files for a patched package, deletes its
// backups, and drops its manifest entry.
//
// Only a missing manifest entry or a record without a patch identifier stops
// the run. Everything after that is carried through to the end: restore
// failures are reported but do not block backup cleanup, and cleanup problems
// do not block the manifest update. The intent is that one stuck file never
// leaves the whole removal wedged.
func (s *Service) Remove(opts RemoveOptions) (*RemoveResult, error) {
	m, err := s.Manifests.Read(opts.ProjectRoot)
	if err != nil {
		return nil, err
	}

	rec, ok := m.Patches[opts.ID]
	if !ok {
		return nil, &InputError{Msg: fmt.Sprintf("no patch entry for %s", opts.ID)}
	}
	if rec.UUID == "" {
		return nil, &InputError{Msg: fmt.Sprintf("patch entry for %s has no identifier; backups cannot be located", opts.ID)}
	}

	result := &RemoveResult{ID: opts.ID, PatchUUID: rec.UUID}

	meta, err := s.Backups.GetMetadata(rec.UUID)
	if err != nil {
		return nil, fmt.Errorf("reading backup ledger for %s: %w", rec.UUID, err)
	}

	if meta == nil {
		msg := fmt.Sprintf("no backups recorded for %s; removing manifest entry only", rec.UUID)
		s.Logger.Warn(msg, "package", opts.ID)
		result.Warnings = append(result.Warnings, msg)
	} else {
		restored, err := s.Backups.RestoreAll(rec.UUID)
		if err != nil {
			return nil, fmt.Errorf("restoring backups for %s: %w", rec.UUID, err)
		}
		result.FilesRestored = len(restored.Restored)
		result.RestoreFailed = restored.Failed
		for _, p := range restored.Failed {
			s.Logger.Error("failed to restore file", "path", p, "patch", rec.UUID)
		}
	}

	if !opts.KeepBackups {
		result.BackupsDeleted = s.Backups.Cleanup(rec.UUID)
		if !result.BackupsDeleted {
			msg := fmt.Sprintf("some backup data for %s could not be deleted", rec.UUID)
			s.Logger.Warn(msg)
			result.Warnings = append(result.Warnings, msg)
		}
	}

	removed, err := s.Manifests.RemovePatch(opts.ID, opts.ProjectRoot)
	if err != nil {
		return result, fmt.Errorf("updating manifest: %w", err)
	}
	result.ManifestUpdated = removed

	s.Logger.Info("patch removed", "package", opts.ID, "restored", result.FilesRestored,
		"restoreFailed", len(result.RestoreFailed), "keepBackups", opts.KeepBackups)
	return result, nil
}
