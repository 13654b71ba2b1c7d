// Package restore is the thin manifest-consuming counterpart to the
// backup pipeline, per spec §6's `--restore --from-dir --to-dir
// --restore-timestamp` flags and §13's note that the interactive restore
// command is out of scope "covered only insofar as it consumes the
// manifests the core writes" — this package provides exactly that
// consumption, not a full restore CLI/UX.
package restore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pixelgardenlabs/pglb/pkg/crypto"
	"github.com/pixelgardenlabs/pglb/pkg/manifest"
	"github.com/pixelgardenlabs/pglb/pkg/plog"
)

// Target describes where a restore reads from and writes to. FromDir is a
// local filesystem path per spec §6 (remote path syntaxes are parsed by
// ParseRemotePath for destinations not yet mounted locally, but copying
// from a remote source is left to the out-of-scope interactive tool).
type Target struct {
	FromDir string
	ToDir   string
	// Timestamp, if non-empty, selects the latest manifest whose run-id
	// sorts <= this run-id, per spec §4 "point-in-time
	// selection via manifest.AllUpTo".
	Timestamp string
	Keys      *crypto.KeySource
}

// RemotePath is a parsed SSH or object-store restore source path, per
// spec §6 "SSH remote path syntax for restore: user@host:/abs/path or
// ssh://user@host/abs/path. Object-store restore path syntax:
// s3://bucket/prefix."
type RemotePath struct {
	Scheme string // "ssh" or "s3"
	User   string
	Host   string
	Path   string // absolute path (ssh) or bucket/prefix (s3)
}

// ParseRemotePath recognizes the three restore source syntaxes the spec
// pins. It returns ok=false for a plain local path.
func ParseRemotePath(s string) (RemotePath, bool) {
	if strings.HasPrefix(s, "s3://") {
		rest := strings.TrimPrefix(s, "s3://")
		return RemotePath{Scheme: "s3", Path: rest}, true
	}
	if strings.HasPrefix(s, "ssh://") {
		rest := strings.TrimPrefix(s, "ssh://")
		at := strings.Index(rest, "@")
		if at < 0 {
			return RemotePath{}, false
		}
		user := rest[:at]
		hostPath := rest[at+1:]
		slash := strings.Index(hostPath, "/")
		if slash < 0 {
			return RemotePath{}, false
		}
		return RemotePath{Scheme: "ssh", User: user, Host: hostPath[:slash], Path: hostPath[slash:]}, true
	}
	if at := strings.Index(s, "@"); at >= 0 && strings.Contains(s, ":") {
		colon := strings.Index(s, ":")
		if colon > at {
			return RemotePath{Scheme: "ssh", User: s[:at], Host: s[at+1 : colon], Path: s[colon+1:]}, true
		}
	}
	return RemotePath{}, false
}

// Summary tallies one restore operation.
type Summary struct {
	RunID        string
	FilesWritten int
	FilesFailed  int
}

// Restore copies every file in the selected manifest from t.FromDir into
// t.ToDir, recreating symlinks rather than following them and decrypting
// ".enc" entries when t.Keys is set, per spec §3 "Symlinks".
func Restore(ctx context.Context, t Target) (Summary, error) {
	m, err := selectManifest(t)
	if err != nil {
		return Summary{}, err
	}

	var summary Summary
	summary.RunID = m.RunID

	for _, f := range m.Files {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		if f.Status != manifest.StatusCopied && f.Status != manifest.StatusSymlink {
			continue
		}

		dstPath := filepath.Join(t.ToDir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
			plog.Warn("restore: mkdir failed", "path", f.Path, "error", err)
			summary.FilesFailed++
			continue
		}

		srcPath := filepath.Join(t.FromDir, filepath.FromSlash(f.StoredPath))

		if f.Status == manifest.StatusSymlink {
			target, err := os.Readlink(srcPath)
			if err != nil {
				plog.Warn("restore: readlink failed", "path", f.Path, "error", err)
				summary.FilesFailed++
				continue
			}
			os.Remove(dstPath)
			if err := os.Symlink(target, dstPath); err != nil {
				plog.Warn("restore: symlink creation failed (may require elevated privilege)", "path", f.Path, "error", err)
				summary.FilesFailed++
				continue
			}
			summary.FilesWritten++
			continue
		}

		if err := restoreFile(srcPath, dstPath, t.Keys); err != nil {
			plog.Warn("restore: file restore failed", "path", f.Path, "error", err)
			summary.FilesFailed++
			continue
		}
		summary.FilesWritten++
	}

	return summary, nil
}

func restoreFile(srcPath, dstPath string, keys *crypto.KeySource) error {
	if filepath.Ext(srcPath) == ".enc" {
		if keys == nil {
			return fmt.Errorf("restore: %s is encrypted but no key material was provided", srcPath)
		}
		return crypto.DecryptFile(*keys, srcPath, dstPath)
	}

	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("restore: read %s: %w", srcPath, err)
	}
	return os.WriteFile(dstPath, data, 0o644)
}

// selectManifest picks the manifest satisfying t.Timestamp ("" means
// latest) per spec's point-in-time selection semantics.
func selectManifest(t Target) (*manifest.Manifest, error) {
	if t.Timestamp == "" {
		m, err := manifest.Latest(t.FromDir)
		if err != nil {
			return nil, fmt.Errorf("restore: read latest manifest in %s: %w", t.FromDir, err)
		}
		if m == nil {
			return nil, fmt.Errorf("restore: no manifests found in %s", t.FromDir)
		}
		return m, nil
	}

	candidates, err := manifest.AllUpTo(t.FromDir, t.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("restore: scan manifests up to %s: %w", t.Timestamp, err)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("restore: no manifest at or before %s in %s", t.Timestamp, t.FromDir)
	}
	return candidates[len(candidates)-1], nil
}
