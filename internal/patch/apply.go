package patch

import (
	"fmt"
	"path/filepath"
	"sort"

	"spt-go/internal/locate"
	"spt-go/internal/manifest"
)

// Dry-run policies for files in StateReady. "success" treats a patchable file
// as a passing outcome; "failure" treats it as failing, which lets CI verify
// that everything is already patched.
const (
	DryRunReadySuccess = "success"
	DryRunReadyFailure = "failure"
)

// Service orchestrates patch application and removal for one project.
type Service struct {
	Manifests   *manifest.Store
	Locator     *locate.Locator
	Processor   *Processor
	Backups     BackupStore
	Logger      Logger
	DryRunReady string // DryRunReadySuccess or DryRunReadyFailure
}

// ApplyOptions configures a single Apply run.
type ApplyOptions struct {
	ProjectRoot string
	DryRun      bool
	Filters     []locate.Filter
}

// PackageResult is the per-package outcome of an Apply run.
type PackageResult struct {
	ID        manifest.PackageID
	PatchUUID string
	Dir       string
	Files     []FileOutcome
	OK        bool
	Err       error // first blocking problem, nil when OK
}

// ApplyResult aggregates all package outcomes of one Apply run.
type ApplyResult struct {
	DryRun   bool
	Packages []PackageResult
}

// Patched returns the identifiers of packages that passed.
func (r *ApplyResult) Patched() []manifest.PackageID {
	var ids []manifest.PackageID
	for _, p := range r.Packages {
		if p.OK {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// Failed returns the identifiers of packages that did not pass.
func (r *ApplyResult) Failed() []manifest.PackageID {
	var ids []manifest.PackageID
	for _, p := range r.Packages {
		if !p.OK {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// Apply locates every installed package with a manifest patch entry and
// applies (or, with DryRun, assesses) its file transforms. Packages are
// isolated from each other: one package failing never stops the others.
func (s *Service) Apply(opts ApplyOptions) (*ApplyResult, error) {
	m, err := s.Manifests.Read(opts.ProjectRoot)
	if err != nil {
		return nil, err
	}

	matches, err := s.Locator.Match(opts.ProjectRoot, m, opts.Filters)
	if err != nil {
		return nil, err
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Installed.ID != matches[j].Installed.ID {
			return matches[i].Installed.ID < matches[j].Installed.ID
		}
		return matches[i].Installed.Dir < matches[j].Installed.Dir
	})

	result := &ApplyResult{DryRun: opts.DryRun}
	for _, mt := range matches {
		pr := s.applyPackage(mt, opts.DryRun)
		if pr.OK {
			s.Logger.Info("package processed", "package", pr.ID, "dir", pr.Dir, "dryRun", opts.DryRun)
		} else {
			s.Logger.Error("package failed", "package", pr.ID, "dir", pr.Dir, "error", pr.Err)
		}
		result.Packages = append(result.Packages, pr)
	}
	return result, nil
}

// applyPackage runs the two-pass protocol for one installed package: assess
// every file first, and only mutate when every file is ready or already
// patched. A blocked file leaves the whole package untouched.
func (s *Service) applyPackage(mt locate.Match, dryRun bool) PackageResult {
	rec := mt.Record
	pr := PackageResult{ID: mt.Installed.ID, PatchUUID: rec.UUID, Dir: mt.Installed.Dir}

	rels := make([]string, 0, len(rec.Files))
	for rel := range rec.Files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	assess := func(apply bool) []FileOutcome {
		outcomes := make([]FileOutcome, 0, len(rels))
		for _, rel := range rels {
			abs := filepath.Join(mt.Installed.Dir, filepath.FromSlash(rel))
			outcomes = append(outcomes, s.Processor.Process(rec.UUID, abs, rec.Files[rel], !apply))
		}
		return outcomes
	}

	pr.Files = assess(false)
	if err := firstBlocker(pr.Files); err != nil {
		pr.Err = err
		return pr
	}

	if dryRun {
		pr.OK = true
		if s.DryRunReady == DryRunReadyFailure {
			for _, out := range pr.Files {
				if out.State == StateReady {
					pr.OK = false
					pr.Err = fmt.Errorf("%s is not patched", out.Path)
					break
				}
			}
		}
		return pr
	}

	// Preflight: every replacement blob must be available before any file is
	// mutated, so a missing blob cannot leave the package half patched.
	for _, out := range pr.Files {
		if out.State != StateReady {
			continue
		}
		has, err := s.Processor.Blobs.Has(out.ExpectedAfter)
		if err != nil {
			pr.Err = fmt.Errorf("checking patched content for %s: %w", out.Path, err)
			return pr
		}
		if !has {
			pr.Err = fmt.Errorf("patched content for %s is not available", out.Path)
			return pr
		}
	}

	// Second pass performs the writes. Each file is re-assessed immediately
	// before mutation, so a file that changed between passes is caught.
	pr.Files = assess(true)
	if err := firstBlocker(pr.Files); err != nil {
		pr.Err = err
		return pr
	}
	pr.OK = true
	return pr
}

func firstBlocker(outcomes []FileOutcome) error {
	for _, out := range outcomes {
		if !out.Blocked() {
			continue
		}
		if out.Err != nil {
			return out.Err
		}
		return fmt.Errorf("%s: %s", out.Path, out.State)
	}
	return nil
}
