package destination

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pixelgardenlabs/pglb/pkg/manifest"
)

func TestLocalPutAndReadBack(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	d, err := NewLocal(dir)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	defer d.Close()

	if err := d.Put(ctx, "sub/a.txt", strings.NewReader("hello"), 5); err != nil {
		t.Fatalf("Put: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "sub", "a.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected hello, got %q", data)
	}
}

func TestLocalPutSymlink(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	d, err := NewLocal(dir)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	defer d.Close()

	if err := d.PutSymlink(ctx, "link", "a.txt"); err != nil {
		t.Fatalf("PutSymlink: %v", err)
	}

	target, err := os.Readlink(filepath.Join(dir, "link"))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != "a.txt" {
		t.Errorf("expected link target a.txt, got %s", target)
	}
}

func TestLocalManifestRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	d, err := NewLocal(dir)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	defer d.Close()

	m := manifest.New("20260101_000000", manifest.ModeFull, "/s", dir)
	m.Add(manifest.File{Path: "a.txt", StoredPath: "a.txt", Size: 5, SHA256: "abc", Status: manifest.StatusCopied})
	m.Finish()

	if err := d.WriteManifest(ctx, m); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}

	names, err := d.ListManifests(ctx)
	if err != nil {
		t.Fatalf("ListManifests: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("expected 1 manifest, got %d", len(names))
	}

	got, err := d.ReadManifest(ctx, "20260101_000000")
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if got == nil || len(got.Files) != 1 {
		t.Fatalf("expected manifest with 1 file, got %+v", got)
	}
}

func TestLocalFilesystemID(t *testing.T) {
	dir := t.TempDir()
	a, err := NewLocal(dir)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	defer a.Close()
	b, err := NewLocal(dir)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	defer b.Close()

	idA, err := a.FilesystemID()
	if err != nil {
		t.Fatalf("FilesystemID: %v", err)
	}
	idB, err := b.FilesystemID()
	if err != nil {
		t.Fatalf("FilesystemID: %v", err)
	}
	if idA != idB {
		t.Errorf("expected equal filesystem IDs for same root, got %s vs %s", idA, idB)
	}
}
