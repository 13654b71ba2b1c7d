package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	k := KeySource{Passphrase: "correct horse battery staple"}
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	envelope, err := Encrypt(k, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(envelope) != SaltSize+NonceSize+len(plaintext)+16 {
		t.Fatalf("unexpected envelope length %d", len(envelope))
	}

	got, err := Decrypt(k, envelope)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round-trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptWrongPassphraseFails(t *testing.T) {
	envelope, err := Encrypt(KeySource{Passphrase: "right"}, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(KeySource{Passphrase: "wrong"}, envelope); err == nil {
		t.Error("expected decryption with wrong passphrase to fail")
	}
}

func TestKeyFileBeatsPassphrase(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key.bin")
	key := bytes.Repeat([]byte{0x42}, KeySize)
	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	k := KeySource{KeyFile: keyPath, Passphrase: "ignored"}
	envelope, err := Encrypt(k, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Decrypting with just the keyfile (no passphrase) must still work,
	// proving the keyfile path, not the passphrase, supplied the key.
	got, err := Decrypt(KeySource{KeyFile: keyPath}, envelope)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("expected %q, got %q", "payload", got)
	}
}

func TestEncryptIsDeterministicForIdenticalPlaintext(t *testing.T) {
	k := KeySource{Passphrase: "same-key"}
	plaintext := bytes.Repeat([]byte("payload"), 1024)

	a, err := Encrypt(k, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := Encrypt(k, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("two files with identical plaintext must produce byte-identical envelopes, or dedup hardlinking of .enc files cannot work")
	}
}

func TestNoKeyMaterialFails(t *testing.T) {
	_, err := Encrypt(KeySource{}, []byte("x"))
	if err != ErrNoKeyMaterial {
		t.Errorf("expected ErrNoKeyMaterial, got %v", err)
	}
}

func TestEncryptFileDecryptFile(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(srcPath, []byte("plaintext body"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	k := KeySource{Passphrase: "hunter2"}
	encPath := srcPath + ".enc"
	if err := EncryptFile(k, srcPath, encPath); err != nil {
		t.Fatalf("EncryptFile: %v", err)
	}

	outPath := filepath.Join(dir, "recovered.txt")
	if err := DecryptFile(k, encPath, outPath); err != nil {
		t.Fatalf("DecryptFile: %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "plaintext body" {
		t.Errorf("expected recovered plaintext, got %q", got)
	}
}
