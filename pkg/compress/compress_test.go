package compress

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	kzip "github.com/klauspost/compress/zip"
)

func writeSourceTree(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("world"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCompressPlainArchiveContainsAllFiles(t *testing.T) {
	src := t.TempDir()
	writeSourceTree(t, src)

	archivePath := filepath.Join(t.TempDir(), "backup.zip")
	if err := Compress(context.Background(), src, archivePath, ""); err != nil {
		t.Fatalf("Compress: %v", err)
	}

	zr, err := kzip.OpenReader(archivePath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()

	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{"a.txt", "sub/b.txt"} {
		if !names[want] {
			t.Errorf("expected archive to contain %q, got %v", want, names)
		}
	}
}

func TestCompressEncryptedArchiveRequiresPassword(t *testing.T) {
	src := t.TempDir()
	writeSourceTree(t, src)

	archivePath := filepath.Join(t.TempDir(), "backup.zip")
	if err := Compress(context.Background(), src, archivePath, "s3cret"); err != nil {
		t.Fatalf("Compress: %v", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		t.Fatalf("stat archive: %v", err)
	}
	if info.Size() == 0 {
		t.Error("expected non-empty encrypted archive")
	}

	zr, err := kzip.OpenReader(archivePath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()
	if len(zr.File) == 0 {
		t.Fatal("expected entries in encrypted archive")
	}
	for _, f := range zr.File {
		if f.Flags&0x1 == 0 {
			t.Errorf("expected entry %q to carry the encryption flag", f.Name)
		}
	}
}

func TestGeneratePasswordIsNonEmptyAndVaries(t *testing.T) {
	a, err := GeneratePassword()
	if err != nil {
		t.Fatalf("GeneratePassword: %v", err)
	}
	b, err := GeneratePassword()
	if err != nil {
		t.Fatalf("GeneratePassword: %v", err)
	}
	if a == "" || b == "" {
		t.Fatal("expected non-empty passwords")
	}
	if a == b {
		t.Error("expected two generated passwords to differ")
	}
}
