package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pixelgardenlabs/pglb/pkg/crypto"
	"github.com/pixelgardenlabs/pglb/pkg/fingerprint"
	"github.com/pixelgardenlabs/pglb/pkg/manifest"
)

func TestVerifyPlainFileOK(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello world"), 0o644)
	hash, size, _ := fingerprint.File(filepath.Join(dir, "a.txt"))

	m := &manifest.Manifest{Files: []manifest.File{
		{Path: "a.txt", StoredPath: "a.txt", Status: manifest.StatusCopied, SHA256: hash, Size: size},
	}}

	summary, err := Verify(context.Background(), dir, m, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if summary.Verified != 1 || summary.Total != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestVerifyDetectsMissingFile(t *testing.T) {
	dir := t.TempDir()
	m := &manifest.Manifest{Files: []manifest.File{
		{Path: "gone.txt", StoredPath: "gone.txt", Status: manifest.StatusCopied, SHA256: "deadbeef"},
	}}

	summary, err := Verify(context.Background(), dir, m, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if summary.Missing != 1 {
		t.Fatalf("expected 1 missing, got %+v", summary)
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("tampered"), 0o644)

	m := &manifest.Manifest{Files: []manifest.File{
		{Path: "a.txt", StoredPath: "a.txt", Status: manifest.StatusCopied, SHA256: "0000000000000000000000000000000000000000000000000000000000000000"},
	}}

	summary, err := Verify(context.Background(), dir, m, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if summary.Corrupted != 1 {
		t.Fatalf("expected 1 corrupted, got %+v", summary)
	}
}

func TestVerifyEncryptedFileWithKeyMaterial(t *testing.T) {
	dir := t.TempDir()
	keys := crypto.KeySource{Passphrase: "test-passphrase"}

	plainPath := filepath.Join(t.TempDir(), "a.txt")
	os.WriteFile(plainPath, []byte("secret content"), 0o644)
	hash, size, _ := fingerprint.File(plainPath)

	encPath := filepath.Join(dir, "a.txt.enc")
	if err := crypto.EncryptFile(keys, plainPath, encPath); err != nil {
		t.Fatalf("EncryptFile: %v", err)
	}

	m := &manifest.Manifest{Files: []manifest.File{
		{Path: "a.txt", StoredPath: "a.txt.enc", Status: manifest.StatusCopied, SHA256: hash, Size: size},
	}}

	summary, err := Verify(context.Background(), dir, m, &keys)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if summary.Verified != 1 {
		t.Fatalf("expected verified, got %+v", summary)
	}
}

func TestVerifyEncryptedFileWithoutKeyChecksExistenceOnly(t *testing.T) {
	dir := t.TempDir()
	keys := crypto.KeySource{Passphrase: "test-passphrase"}

	plainPath := filepath.Join(t.TempDir(), "a.txt")
	os.WriteFile(plainPath, []byte("secret content"), 0o644)
	hash, size, _ := fingerprint.File(plainPath)

	encPath := filepath.Join(dir, "a.txt.enc")
	if err := crypto.EncryptFile(keys, plainPath, encPath); err != nil {
		t.Fatalf("EncryptFile: %v", err)
	}

	m := &manifest.Manifest{Files: []manifest.File{
		{Path: "a.txt", StoredPath: "a.txt.enc", Status: manifest.StatusCopied, SHA256: hash, Size: size},
	}}

	summary, err := Verify(context.Background(), dir, m, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if summary.Verified != 1 {
		t.Fatalf("expected verified (existence-only), got %+v", summary)
	}
}
