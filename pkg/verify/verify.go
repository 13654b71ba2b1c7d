// Package verify re-hashes destination files against the latest manifest
// per destination and reports per-file outcomes without mutating
// anything, per spec §4.L. The category set (verified/missing/corrupted)
// follows original_source/src/verify.py's result shape; the strict
// path-to-stored_path lookup (rather than that script's name-based
// directory rglob fallback) follows from the manifest's own stored_path
// field, which the original script never had since it predates per-file
// manifests recording the backup-side path directly.
package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pixelgardenlabs/pglb/pkg/crypto"
	"github.com/pixelgardenlabs/pglb/pkg/fingerprint"
	"github.com/pixelgardenlabs/pglb/pkg/manifest"
	"github.com/pixelgardenlabs/pglb/pkg/plog"
)

// encryptedExt is the suffix the Encryptor stage appends, per spec §4.H.
const encryptedExt = ".enc"

// Outcome is one file's verification result.
type Outcome string

const (
	OutcomeVerified  Outcome = "verified"
	OutcomeMissing   Outcome = "missing"
	OutcomeCorrupted Outcome = "corrupted"
	OutcomeError     Outcome = "error"
)

// Detail records one file's verification result.
type Detail struct {
	Path    string
	Outcome Outcome
	Reason  string
}

// Summary tallies a verification run over one destination's manifest.
type Summary struct {
	Total     int
	Verified  int
	Missing   int
	Corrupted int
	Errors    int
	Details   []Detail
}

func (s *Summary) record(path string, outcome Outcome, reason string) {
	s.Total++
	switch outcome {
	case OutcomeVerified:
		s.Verified++
	case OutcomeMissing:
		s.Missing++
	case OutcomeCorrupted:
		s.Corrupted++
	case OutcomeError:
		s.Errors++
	}
	s.Details = append(s.Details, Detail{Path: path, Outcome: outcome, Reason: reason})
}

// Verify checks every copied row of m against the files physically present
// under destRoot. Rows recorded as ".enc" are decrypted to a temp file
// before hashing when keys is non-nil; without key material an encrypted
// file is checked only for existence and a non-zero size.
func Verify(ctx context.Context, destRoot string, m *manifest.Manifest, keys *crypto.KeySource) (Summary, error) {
	var summary Summary

	for _, f := range m.Files {
		if f.Status != manifest.StatusCopied && f.Status != manifest.StatusSymlink {
			continue
		}

		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		absPath := filepath.Join(destRoot, filepath.FromSlash(f.StoredPath))
		info, err := os.Stat(absPath)
		if err != nil {
			if os.IsNotExist(err) {
				plog.Warn("verify: missing file", "path", f.Path, "stored_path", f.StoredPath)
				summary.record(f.Path, OutcomeMissing, "file not found at stored_path")
				continue
			}
			summary.record(f.Path, OutcomeError, err.Error())
			continue
		}

		if f.Status == manifest.StatusSymlink {
			summary.record(f.Path, OutcomeVerified, "")
			continue
		}

		isEncrypted := filepath.Ext(absPath) == encryptedExt
		if isEncrypted && keys == nil {
			if info.Size() == 0 {
				summary.record(f.Path, OutcomeCorrupted, "encrypted file is empty")
				continue
			}
			summary.record(f.Path, OutcomeVerified, "encrypted, not decrypted (no key material)")
			continue
		}

		sha256Hex, _, err := hashOf(absPath, isEncrypted, keys)
		if err != nil {
			summary.record(f.Path, OutcomeError, err.Error())
			continue
		}
		if sha256Hex != f.SHA256 {
			plog.Warn("verify: checksum mismatch", "path", f.Path, "want", f.SHA256, "got", sha256Hex)
			summary.record(f.Path, OutcomeCorrupted, fmt.Sprintf("checksum mismatch: want %s got %s", f.SHA256, sha256Hex))
			continue
		}
		summary.record(f.Path, OutcomeVerified, "")
	}

	return summary, nil
}

func hashOf(absPath string, isEncrypted bool, keys *crypto.KeySource) (string, int64, error) {
	if !isEncrypted {
		return fingerprint.File(absPath)
	}

	tmp, err := os.CreateTemp("", "pglb-verify-*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("verify: create temp for decrypt: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := crypto.DecryptFile(*keys, absPath, tmpPath); err != nil {
		return "", 0, fmt.Errorf("verify: decrypt %s: %w", absPath, err)
	}
	return fingerprint.File(tmpPath)
}
