package selector

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pixelgardenlabs/pglb/pkg/manifest"
)

func writeTree(t *testing.T, root string) {
	t.Helper()
	must := func(err error) {
		if err != nil {
			t.Fatalf("setup: %v", err)
		}
	}
	must(os.WriteFile(filepath.Join(root, "a.txt"), []byte("0123456789"), 0644))
	must(os.MkdirAll(filepath.Join(root, "dir"), 0755))
	must(os.WriteFile(filepath.Join(root, "dir", "b.txt"), []byte("hello"), 0644))
	must(os.Symlink("a.txt", filepath.Join(root, "link")))
}

func TestSelectFull(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	recs, err := Select(root, Full, nil, nil, NewExclusionSet(nil))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d: %+v", len(recs), recs)
	}
	if recs[0].RelPath != "a.txt" || recs[1].RelPath != "dir/b.txt" || recs[2].RelPath != "link" {
		t.Errorf("unexpected order/paths: %+v", recs)
	}
	if !recs[2].IsSymlink || recs[2].LinkTarget != "a.txt" {
		t.Errorf("expected link record to be a symlink to a.txt, got %+v", recs[2])
	}
}

func TestSelectExcludesGlobs(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	recs, err := Select(root, Full, nil, nil, NewExclusionSet([]string{"*.txt"}))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for _, r := range recs {
		if filepath.Ext(r.RelPath) == ".txt" {
			t.Errorf("expected *.txt excluded, found %s", r.RelPath)
		}
	}
}

func TestSelectIncrementalOnlyChangedSinceLatest(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	base := &manifest.Manifest{
		StartedAt: time.Now(),
		Files: []manifest.File{
			{Path: "a.txt"}, {Path: "dir/b.txt"}, {Path: "link"},
		},
	}

	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("0123456789x"), 0644); err != nil {
		t.Fatalf("rewrite a.txt: %v", err)
	}

	recs, err := Select(root, Incremental, base, nil, NewExclusionSet(nil))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(recs) != 1 || recs[0].RelPath != "a.txt" {
		t.Errorf("expected only a.txt to be selected, got %+v", recs)
	}
}

func TestSelectIncrementalNoPriorManifestSelectsAll(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	recs, err := Select(root, Incremental, nil, nil, NewExclusionSet(nil))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("expected all 3 records with no prior manifest, got %d", len(recs))
	}
}

func TestSelectDifferentialComparesAgainstLatestFull(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root)

	full := &manifest.Manifest{
		StartedAt: time.Now(),
		Files: []manifest.File{
			{Path: "a.txt"}, {Path: "dir/b.txt"}, {Path: "link"},
		},
	}

	time.Sleep(10 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(root, "dir", "b.txt"), []byte("world"), 0644); err != nil {
		t.Fatalf("rewrite b.txt: %v", err)
	}

	// A more recent (but irrelevant for differential) latest incremental
	// manifest should be ignored in favor of latestFull.
	recentIncremental := &manifest.Manifest{StartedAt: time.Now().Add(time.Hour)}

	recs, err := Select(root, Differential, recentIncremental, full, NewExclusionSet(nil))
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(recs) != 1 || recs[0].RelPath != "dir/b.txt" {
		t.Errorf("expected only dir/b.txt selected, got %+v", recs)
	}
}
