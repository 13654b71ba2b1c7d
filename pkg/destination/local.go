package destination

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pixelgardenlabs/pglb/pkg/manifest"
	"github.com/pixelgardenlabs/pglb/pkg/util"
)

// Local is a plain directory on the machine running the orchestrator.
// Grounded on the teacher's native_syncer.go write discipline: created
// directories always get the owner-write bit so a read-only source tree
// never locks the backup user out of its own destination on the next run.
type Local struct {
	root string
}

// NewLocal constructs a Local destination rooted at root. The root is
// created if missing.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, util.UserWritableDirPerms); err != nil {
		return nil, fmt.Errorf("destination: mkdir %s: %w", root, err)
	}
	return &Local{root: root}, nil
}

func (l *Local) Kind() Kind   { return KindLocal }
func (l *Local) Name() string { return l.root }
func (l *Local) Root() string { return l.root }
func (l *Local) Close() error { return nil }

func (l *Local) Mkdirs(_ context.Context, relPath string) error {
	dir := filepath.Dir(filepath.Join(l.root, util.DenormalizePath(relPath)))
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("destination: mkdir %s: %w", dir, err)
	}
	return nil
}

func (l *Local) Put(ctx context.Context, relPath string, r io.Reader, _ int64) error {
	if err := l.Mkdirs(ctx, relPath); err != nil {
		return err
	}

	dst := filepath.Join(l.root, util.DenormalizePath(relPath))
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.tmp")
	if err != nil {
		return fmt.Errorf("destination: create temp for %s: %w", relPath, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if _, statErr := os.Stat(tmpPath); statErr == nil {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("destination: write %s: %w", relPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("destination: sync %s: %w", relPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("destination: close %s: %w", relPath, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("destination: rename into place %s: %w", relPath, err)
	}
	return nil
}

// PutSymlink recreates a symlink at relPath pointing at target, per spec
// §4.D "if source is a symlink, recreate the symlink at the destination
// with the same target".
func (l *Local) PutSymlink(_ context.Context, relPath, target string) error {
	dst := filepath.Join(l.root, util.DenormalizePath(relPath))
	if err := os.MkdirAll(filepath.Dir(dst), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("destination: mkdir for symlink %s: %w", relPath, err)
	}
	// Remove any stale symlink/file so Symlink doesn't fail with EEXIST on
	// a re-run.
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("destination: remove stale symlink %s: %w", relPath, err)
	}
	if err := os.Symlink(target, dst); err != nil {
		return fmt.Errorf("destination: symlink %s -> %s: %w", relPath, target, err)
	}
	return nil
}

func (l *Local) ListManifests(_ context.Context) ([]string, error) {
	return manifest.ListFileNames(l.root)
}

func (l *Local) ReadManifest(_ context.Context, runID string) (*manifest.Manifest, error) {
	return manifest.ByRunID(l.root, runID)
}

func (l *Local) WriteManifest(_ context.Context, m *manifest.Manifest) error {
	_, err := manifest.Write(l.root, m)
	return err
}

// FilesystemID returns the device number the root lives on, per spec §3
// "current filesystem identifier (for dedup cross-link feasibility)".
func (l *Local) FilesystemID() (string, error) {
	info, err := os.Stat(l.root)
	if err != nil {
		return "", fmt.Errorf("destination: stat %s: %w", l.root, err)
	}
	sysStat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return "", nil
	}
	return fmt.Sprintf("dev-%d", sysStat.Dev), nil
}
