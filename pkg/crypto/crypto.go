// Package crypto implements the per-file AES-256-GCM envelope used by the
// Encryptor stage: a 16-byte salt and 12-byte nonce both derived from the
// plaintext's SHA-256, then ciphertext with the GCM tag appended, no
// framing. The AEAD primitives are grounded on gentoomaniac-backup-tool's
// pkg/crypt/aes256 (Seal/Open over crypto/aes + crypto/cipher); key
// derivation uses golang.org/x/crypto/pbkdf2 since the pack carries
// golang.org/x/crypto as a dependency but no example repo derives a key
// from a passphrase itself.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSize is the length of the salt prefixed to every envelope, taken
	// from the plaintext's SHA-256.
	SaltSize = 16
	// NonceSize is the GCM standard nonce length.
	NonceSize = 12
	// KeySize is the AES-256 key length.
	KeySize = 32
	// PBKDF2Iterations is fixed per spec §3 (Encryption Envelope invariant).
	PBKDF2Iterations = 600_000
)

// KeySource supplies the 32-byte AES key material for a run. A keyfile
// always wins over a passphrase per spec §3; this type holds whichever was
// configured, and DeriveKey turns it into the key for each file's
// envelope.
type KeySource struct {
	// KeyFile, if non-empty, is read as a raw 32-byte key.
	KeyFile string
	// Passphrase, used only if KeyFile is empty. Each file's salt is taken
	// from its plaintext's SHA-256, so files with different content get
	// different derived keys and files with identical content get the same
	// key.
	Passphrase string
}

// ErrNoKeyMaterial is returned when neither a keyfile nor a passphrase is
// configured; the Encryptor stage treats this as fatal for the destination.
var ErrNoKeyMaterial = fmt.Errorf("crypto: no key material configured (need keyfile or passphrase)")

// resolveKeyFile reads and validates a 32-byte keyfile.
func resolveKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read keyfile %s: %w", path, err)
	}
	if len(data) != KeySize {
		return nil, fmt.Errorf("crypto: keyfile %s must be exactly %d bytes, got %d", path, KeySize, len(data))
	}
	return data, nil
}

// DeriveKey returns the AES key for one file's envelope. If a keyfile is
// configured it is used verbatim (the salt is still generated and stored,
// but ignored when deriving from a keyfile, since the keyfile itself is
// already 256 bits of uniform material). Otherwise the key is derived from
// the passphrase and the given per-file salt via PBKDF2-HMAC-SHA256.
func (k KeySource) DeriveKey(salt []byte) ([]byte, error) {
	if k.KeyFile != "" {
		return resolveKeyFile(k.KeyFile)
	}
	if k.Passphrase == "" {
		return nil, ErrNoKeyMaterial
	}
	return pbkdf2.Key([]byte(k.Passphrase), salt, PBKDF2Iterations, KeySize, sha256.New), nil
}

// Encrypt seals plaintext under a salt and nonce derived from the
// plaintext's own content hash, returning the full envelope: salt ‖
// nonce ‖ ciphertext-with-tag. The derivation is deterministic rather
// than random by necessity: the Deduplicator hardlinks .enc files
// together by their manifest-recorded plaintext SHA-256 (spec §4.I), and
// a hardlink only saves space if two files encrypted from identical
// plaintext are themselves byte-identical. A random nonce per file would
// make that impossible even for the same key and content.
func Encrypt(k KeySource, plaintext []byte) ([]byte, error) {
	contentHash := sha256.Sum256(plaintext)
	salt := contentHash[:SaltSize]

	key, err := k.DeriveKey(salt)
	if err != nil {
		return nil, err
	}

	nonceSource := sha256.Sum256(append(salt, byte(1)))
	nonce := nonceSource[:NonceSize]

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	envelope := make([]byte, 0, SaltSize+NonceSize+len(ciphertext))
	envelope = append(envelope, salt...)
	envelope = append(envelope, nonce...)
	envelope = append(envelope, ciphertext...)
	return envelope, nil
}

// Decrypt opens an envelope produced by Encrypt, returning the plaintext.
func Decrypt(k KeySource, envelope []byte) ([]byte, error) {
	if len(envelope) < SaltSize+NonceSize {
		return nil, fmt.Errorf("crypto: envelope too short (%d bytes)", len(envelope))
	}
	salt := envelope[:SaltSize]
	nonce := envelope[SaltSize : SaltSize+NonceSize]
	ciphertext := envelope[SaltSize+NonceSize:]

	key, err := k.DeriveKey(salt)
	if err != nil {
		return nil, err
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return aead, nil
}

// EncryptFile reads srcPath fully, encrypts it, and writes the envelope to
// dstPath via write-then-rename so a crash mid-write never leaves a
// partial .enc file (per spec §4.H "per-file all-or-nothing").
func EncryptFile(k KeySource, srcPath, dstPath string) error {
	plaintext, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("crypto: read %s: %w", srcPath, err)
	}
	envelope, err := Encrypt(k, plaintext)
	if err != nil {
		return err
	}
	return writeFileAtomic(dstPath, envelope)
}

// DecryptFile reads an envelope from srcPath and writes the recovered
// plaintext to dstPath.
func DecryptFile(k KeySource, srcPath, dstPath string) error {
	envelope, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("crypto: read %s: %w", srcPath, err)
	}
	plaintext, err := Decrypt(k, envelope)
	if err != nil {
		return err
	}
	return writeFileAtomic(dstPath, plaintext)
}

func writeFileAtomic(dstPath string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dstPath), filepath.Base(dstPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("crypto: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if _, statErr := os.Stat(tmpPath); statErr == nil {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("crypto: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("crypto: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("crypto: close: %w", err)
	}
	return os.Rename(tmpPath, dstPath)
}

// CopyStream is a convenience for callers verifying envelope sizes without
// loading the whole plaintext, e.g. the Verifier decrypting to a temp path.
func CopyStream(w io.Writer, r io.Reader) (int64, error) {
	return io.Copy(w, r)
}
