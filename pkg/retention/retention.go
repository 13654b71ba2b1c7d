// Package retention applies independent age- and count-based pruning over
// the manifests at one destination, per spec §4.J. The worker-pool
// parallel deletion mechanism is adapted from the teacher's
// pkg/pathretention/pathretention.go, dropping its GFS-style
// hourly/daily/weekly/monthly/yearly bucketing in favor of the spec's
// simpler pair of independent rules.
package retention

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pixelgardenlabs/pglb/pkg/manifest"
	"github.com/pixelgardenlabs/pglb/pkg/plog"
)

// Policy is the RETENTION section of the config file, per spec §6.
type Policy struct {
	MaxAgeDays int
	MaxCount   int
	DryRun     bool
	Workers    int
}

// Stats summarizes one retention run.
type Stats struct {
	ManifestsKept    int
	ManifestsPruned  int
	FilesUnlinked    int
	FilesSkippedKept int // would be unlinked but a surviving manifest still references the path
}

// FileRemover deletes one file at a destination; returning a tagged
// interface rather than requiring a *destination.Local lets tests exercise
// the unlink logic without touching a real filesystem.
type FileRemover interface {
	Remove(absPath string) error
}

// Apply scans all, decides which manifests survive under policy, and
// unlinks the files belonging to every pruned manifest that no surviving
// manifest still references, per spec §3 Run definition and §9's
// "Retention vs. hardlinks" design note. rootDir resolves a manifest's
// recorded stored_path to an absolute path for unlinking.
func Apply(ctx context.Context, policy Policy, all []*manifest.Manifest, rootDir func(relPath string) string, remover FileRemover) (Stats, error) {
	var stats Stats

	if policy.MaxAgeDays == 0 && policy.MaxCount == 0 {
		plog.Debug("retention: policy disabled (max_age_days and max_count both zero)")
		return stats, nil
	}

	if len(all) == 0 {
		return stats, nil
	}

	sorted := make([]*manifest.Manifest, len(all))
	copy(sorted, all)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartedAt.After(sorted[j].StartedAt) })

	keep := determineKeep(sorted, policy)

	kept := make([]*manifest.Manifest, 0, len(sorted))
	doomed := make([]*manifest.Manifest, 0, len(sorted))
	for _, m := range sorted {
		if keep[m.RunID] {
			kept = append(kept, m)
		} else {
			doomed = append(doomed, m)
		}
	}
	stats.ManifestsKept = len(kept)
	stats.ManifestsPruned = len(doomed)

	if len(doomed) == 0 {
		return stats, nil
	}

	survivingPaths := make(map[string]bool)
	for _, m := range kept {
		for _, f := range m.Files {
			survivingPaths[f.StoredPath] = true
		}
	}

	var doomedPaths []string
	for _, m := range doomed {
		for _, f := range m.Files {
			if survivingPaths[f.StoredPath] {
				stats.FilesSkippedKept++
				continue
			}
			doomedPaths = append(doomedPaths, rootDir(f.StoredPath))
		}
		// A run is its manifest plus the files it references, per spec
		// §4.J; the manifest itself is never referenced by StoredPath, so
		// it has to be queued for deletion separately.
		doomedPaths = append(doomedPaths, rootDir(m.FileName()))
	}

	deleted, failed := deleteParallel(ctx, doomedPaths, policy, remover)
	stats.FilesUnlinked = deleted
	if failed > 0 {
		plog.Warn("retention: some files failed to unlink", "count", failed)
	}

	return stats, nil
}

// determineKeep applies the age rule first, then the count rule to what's
// left, per spec §4.J's two-pass reading (the original retention.py
// removes everything older than max_age_days, then cuts the remainder
// down to max_count). sorted must be newest-first. A zero policy value
// means that rule imposes no cutoff.
func determineKeep(sorted []*manifest.Manifest, policy Policy) map[string]bool {
	survivors := sorted
	if policy.MaxAgeDays > 0 {
		cutoff := time.Now().Add(-time.Duration(policy.MaxAgeDays) * 24 * time.Hour)
		survivors = survivors[:0:0]
		for _, m := range sorted {
			if m.StartedAt.After(cutoff) {
				survivors = append(survivors, m)
			}
		}
	}

	keep := make(map[string]bool)
	if policy.MaxCount > 0 {
		for i, m := range survivors {
			if i < policy.MaxCount {
				keep[m.RunID] = true
			}
		}
	} else {
		for _, m := range survivors {
			keep[m.RunID] = true
		}
	}

	return keep
}

func deleteParallel(ctx context.Context, paths []string, policy Policy, remover FileRemover) (deleted, failed int) {
	workers := policy.Workers
	if workers <= 0 {
		workers = 4
	}

	jobs := make(chan string, workers*2)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}

				if policy.DryRun {
					plog.Notice("[DRY RUN] retention: unlink", "path", path)
					mu.Lock()
					deleted++
					mu.Unlock()
					continue
				}

				if err := remover.Remove(path); err != nil {
					plog.Warn("retention: unlink failed", "path", path, "error", err)
					mu.Lock()
					failed++
					mu.Unlock()
					continue
				}
				plog.Notice("retention: unlinked", "path", path)
				mu.Lock()
				deleted++
				mu.Unlock()
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, p := range paths {
			select {
			case <-ctx.Done():
				return
			case jobs <- p:
			}
		}
	}()

	wg.Wait()
	return deleted, failed
}
