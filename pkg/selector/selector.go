// Package selector decides which source files participate in a run, per
// spec §4.C. It is grounded on the teacher's pkg/planner (the "plan built
// once from config, then consumed" shape) generalized from the teacher's
// two-mode incremental/snapshot split to the spec's three-mode
// full/incremental/differential decision, and reuses the exclusion-matching
// technique from pkg/pathsync/exclusions.go.
package selector

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pixelgardenlabs/pglb/pkg/manifest"
	"github.com/pixelgardenlabs/pglb/pkg/util"
)

// Mode mirrors manifest.Mode; kept distinct so selector call sites don't
// need to import manifest just to name a mode.
type Mode = manifest.Mode

const (
	Full         = manifest.ModeFull
	Incremental  = manifest.ModeIncremental
	Differential = manifest.ModeDifferential
)

// Record is one file the Selector has decided participates in this run.
// Content hash is deliberately absent: it is computed lazily by the copier,
// per spec §3's "Source File Record" data model.
type Record struct {
	RelPath    string // forward-slash, relative to source root
	AbsPath    string
	Size       int64
	ModTime    time.Time
	IsSymlink  bool
	LinkTarget string
}

// Select walks sourceRoot and returns the deterministic file set for mode,
// given the latest (and, for differential, latest full) manifests already
// read from the destination under evaluation. Each destination is
// evaluated independently by the caller passing that destination's own
// manifests, per spec §4.C ("if destinations disagree on latest, each
// destination is evaluated independently").
func Select(sourceRoot string, mode Mode, latest, latestFull *manifest.Manifest, excludes ExclusionSet) ([]Record, error) {
	all, err := walk(sourceRoot, excludes)
	if err != nil {
		return nil, err
	}

	switch mode {
	case Full:
		return all, nil
	case Incremental:
		return filterSince(all, latest), nil
	case Differential:
		return filterSince(all, latestFull), nil
	default:
		return nil, fmt.Errorf("selector: unsupported mode %q", mode)
	}
}

// walk enumerates every regular file and symlink under root, minus
// exclusions, ordered lexicographically by relative path so runs are
// diff-reproducible (spec §4.C "Ordering").
func walk(root string, excludes ExclusionSet) ([]Record, error) {
	var records []Record

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		relKey := util.NormalizePath(rel)

		if d.IsDir() {
			if excludes.Matches(relKey) {
				return filepath.SkipDir
			}
			return nil
		}

		if excludes.Matches(relKey) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rec := Record{RelPath: relKey, AbsPath: path, Size: info.Size(), ModTime: info.ModTime()}

		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("selector: readlink %s: %w", path, err)
			}
			rec.IsSymlink = true
			rec.LinkTarget = target
		} else if !info.Mode().IsRegular() {
			// Neither a regular file nor a symlink (device, socket, etc):
			// not part of the spec's data model, silently skip.
			return nil
		}

		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("selector: walk %s: %w", root, err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].RelPath < records[j].RelPath })
	return records, nil
}

// filterSince keeps only records that changed since base (the comparison
// manifest), or are absent from it entirely. A nil base (no prior manifest)
// means everything qualifies — matching "no prior runs" being treated as a
// green field rather than an error.
func filterSince(all []Record, base *manifest.Manifest) []Record {
	if base == nil {
		return all
	}

	seen := make(map[string]bool, len(base.Files))
	for _, f := range base.Files {
		seen[f.Path] = true
	}

	out := make([]Record, 0, len(all))
	for _, rec := range all {
		if !seen[rec.RelPath] || rec.ModTime.After(base.StartedAt) {
			out = append(out, rec)
		}
	}
	return out
}
