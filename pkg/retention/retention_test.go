package retention

import (
	"context"
	"testing"
	"time"

	"github.com/pixelgardenlabs/pglb/pkg/manifest"
)

type fakeRemover struct {
	removed []string
}

func (f *fakeRemover) Remove(path string) error {
	f.removed = append(f.removed, path)
	return nil
}

func mkManifest(runID string, started time.Time, paths ...string) *manifest.Manifest {
	m := &manifest.Manifest{RunID: runID, StartedAt: started}
	for _, p := range paths {
		m.Files = append(m.Files, manifest.File{StoredPath: p, Status: manifest.StatusCopied})
	}
	return m
}

func identity(p string) string { return p }

func TestApplyNoopWhenPolicyDisabled(t *testing.T) {
	m := mkManifest("1", time.Now(), "a")
	remover := &fakeRemover{}
	stats, err := Apply(context.Background(), Policy{}, []*manifest.Manifest{m}, identity, remover)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if stats.ManifestsPruned != 0 || len(remover.removed) != 0 {
		t.Errorf("expected no-op, got %+v removed=%v", stats, remover.removed)
	}
}

func TestApplyMaxCountKeepsNewest(t *testing.T) {
	now := time.Now()
	m1 := mkManifest("1", now.Add(-3*time.Hour), "a")
	m2 := mkManifest("2", now.Add(-2*time.Hour), "b")
	m3 := mkManifest("3", now.Add(-1*time.Hour), "c")

	remover := &fakeRemover{}
	stats, err := Apply(context.Background(), Policy{MaxCount: 2}, []*manifest.Manifest{m1, m2, m3}, identity, remover)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if stats.ManifestsKept != 2 || stats.ManifestsPruned != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if !containsAll(remover.removed, "a", manifest.FileNameFor("1")) || len(remover.removed) != 2 {
		t.Errorf("expected 'a' and its manifest removed, got %v", remover.removed)
	}
}

func containsAll(got []string, want ...string) bool {
	set := make(map[string]bool, len(got))
	for _, g := range got {
		set[g] = true
	}
	for _, w := range want {
		if !set[w] {
			return false
		}
	}
	return true
}

func TestApplyNeverUnlinksPathStillReferencedBySurvivor(t *testing.T) {
	now := time.Now()
	// m1 and m2 share file "shared" (hardlinked), m1 is doomed, m2 survives.
	m1 := mkManifest("1", now.Add(-3*time.Hour), "shared", "only-in-m1")
	m2 := mkManifest("2", now.Add(-1*time.Hour), "shared")

	remover := &fakeRemover{}
	stats, err := Apply(context.Background(), Policy{MaxCount: 1}, []*manifest.Manifest{m1, m2}, identity, remover)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if stats.FilesSkippedKept != 1 {
		t.Errorf("expected 'shared' to be skipped, got stats %+v", stats)
	}
	for _, p := range remover.removed {
		if p == "shared" {
			t.Fatalf("'shared' must never be unlinked while a surviving manifest references it")
		}
	}
	if !containsAll(remover.removed, "only-in-m1", manifest.FileNameFor("1")) || len(remover.removed) != 2 {
		t.Errorf("expected 'only-in-m1' and its manifest removed, got %v", remover.removed)
	}
}

func TestApplyMaxAgeDaysKeepsRecent(t *testing.T) {
	now := time.Now()
	recent := mkManifest("2", now.Add(-1*time.Hour), "b")
	old := mkManifest("1", now.Add(-30*24*time.Hour), "a")

	remover := &fakeRemover{}
	stats, err := Apply(context.Background(), Policy{MaxAgeDays: 7}, []*manifest.Manifest{old, recent}, identity, remover)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if stats.ManifestsKept != 1 {
		t.Fatalf("expected only the recent manifest kept, got %+v", stats)
	}
	if !containsAll(remover.removed, "a", manifest.FileNameFor("1")) || len(remover.removed) != 2 {
		t.Errorf("expected 'a' and its manifest removed, got %v", remover.removed)
	}
}

func TestApplyBothRulesAreSequentialNotUnion(t *testing.T) {
	now := time.Now()
	m1 := mkManifest("1", now.Add(-3*time.Hour), "a")
	m2 := mkManifest("2", now.Add(-2*time.Hour), "b")
	m3 := mkManifest("3", now.Add(-1*time.Hour), "c")

	remover := &fakeRemover{}
	stats, err := Apply(context.Background(), Policy{MaxAgeDays: 30, MaxCount: 2}, []*manifest.Manifest{m1, m2, m3}, identity, remover)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if stats.ManifestsKept != 2 || stats.ManifestsPruned != 1 {
		t.Fatalf("expected age rule (all pass) then count rule to keep only the newest 2, got %+v", stats)
	}
	if !containsAll(remover.removed, "a", manifest.FileNameFor("1")) || len(remover.removed) != 2 {
		t.Errorf("expected the oldest run 'a' and its manifest removed, got %v", remover.removed)
	}
}
