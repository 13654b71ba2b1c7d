// Package compress implements the single-archive ZIP compressor, per spec
// §4.K: when enabled, the Selector is bypassed and the whole source tree
// is streamed into one backup_<run-id>.zip per local destination. Grounded
// on the teacher's pkg/pathcompression/zip_compressor.go walk-and-write
// structure (atomic temp-then-rename target file, zip.FileInfoHeader per
// entry, symlinks stored rather than deflated), simplified from its
// producer/worker-pool pipeline to a single sequential writer since one
// archive write is already serialized by the zip format itself. Plain
// archives use klauspost/compress/zip; password-protected archives switch
// to alexmullins/zip, the only library in the examples pack offering
// ZipCrypto encryption.
package compress

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	kzip "github.com/klauspost/compress/zip"
	azip "github.com/alexmullins/zip"
	"github.com/zalando/go-keyring"

	"github.com/pixelgardenlabs/pglb/pkg/plog"
	"github.com/pixelgardenlabs/pglb/pkg/util"
)

// keyringService namespaces the credential-store entries this package
// writes, per spec §4.K "cached in the OS credential store".
const keyringService = "pglb-archive-password"

// GeneratePassword returns a fresh random one-time archive password,
// never written to the filesystem as plaintext.
func GeneratePassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("compress: generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CachePassword stores password in the OS credential store under runID,
// per spec §4.K.
func CachePassword(runID, password string) error {
	if err := keyring.Set(keyringService, runID, password); err != nil {
		return fmt.Errorf("compress: cache password for run %s: %w", runID, err)
	}
	return nil
}

// LookupPassword retrieves a previously cached archive password, used by
// verify/restore to open a password-protected archive without the
// operator re-entering it.
func LookupPassword(runID string) (string, error) {
	password, err := keyring.Get(keyringService, runID)
	if err != nil {
		return "", fmt.Errorf("compress: lookup password for run %s: %w", runID, err)
	}
	return password, nil
}

// Compress streams every regular file and symlink under srcDir into a
// single zip archive at archivePath. If password is non-empty, the
// archive is written with ZipCrypto encryption via alexmullins/zip;
// otherwise klauspost/compress/zip is used for plain deflate.
func Compress(ctx context.Context, srcDir, archivePath, password string) (retErr error) {
	tmp, err := os.CreateTemp(filepath.Dir(archivePath), "pglb-archive-*.tmp")
	if err != nil {
		return fmt.Errorf("compress: create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if retErr != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if password != "" {
		retErr = compressEncrypted(ctx, srcDir, tmp, password)
	} else {
		retErr = compressPlain(ctx, srcDir, tmp)
	}
	if retErr != nil {
		return retErr
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("compress: sync temp archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("compress: close temp archive: %w", err)
	}
	if err := os.Rename(tmpPath, archivePath); err != nil {
		return fmt.Errorf("compress: rename temp archive into place: %w", err)
	}
	return nil
}

func compressPlain(ctx context.Context, srcDir string, out io.Writer) error {
	zw := kzip.NewWriter(out)
	defer zw.Close()

	return walkAndWrite(ctx, srcDir, func(relPath string, info os.FileInfo, linkTarget string) error {
		header, err := kzip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = relPath

		if linkTarget != "" {
			header.Method = kzip.Store
			w, err := zw.CreateHeader(header)
			if err != nil {
				return err
			}
			_, err = w.Write([]byte(linkTarget))
			return err
		}

		header.Method = kzip.Deflate
		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		return copyFile(filepath.Join(srcDir, filepath.FromSlash(relPath)), w)
	})
}

func compressEncrypted(ctx context.Context, srcDir string, out io.Writer, password string) error {
	zw := azip.NewWriter(out)
	defer zw.Close()

	return walkAndWrite(ctx, srcDir, func(relPath string, info os.FileInfo, linkTarget string) error {
		if linkTarget != "" {
			// alexmullins/zip has no Store-method escape hatch for
			// unencrypted entries; symlinks are encrypted too, which is
			// harmless since the target is just a short string.
			w, err := zw.Encrypt(relPath, password)
			if err != nil {
				return err
			}
			_, err = w.Write([]byte(linkTarget))
			return err
		}

		w, err := zw.Encrypt(relPath, password)
		if err != nil {
			return err
		}
		return copyFile(filepath.Join(srcDir, filepath.FromSlash(relPath)), w)
	})
}

// walkAndWrite walks srcDir in lexical order and invokes write for every
// regular file and symlink, passing the symlink's target when applicable.
func walkAndWrite(ctx context.Context, srcDir string, write func(relPath string, info os.FileInfo, linkTarget string) error) error {
	return filepath.WalkDir(srcDir, func(absPath string, d os.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("compress: stat %s: %w", absPath, err)
		}

		relPath, err := filepath.Rel(srcDir, absPath)
		if err != nil {
			return fmt.Errorf("compress: relativize %s: %w", absPath, err)
		}
		relPath = util.NormalizePath(relPath)

		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(absPath)
			if err != nil {
				return fmt.Errorf("compress: readlink %s: %w", absPath, err)
			}
			plog.Notice("compress: add", "path", relPath, "symlink", target)
			return write(relPath, info, target)
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		plog.Notice("compress: add", "path", relPath)
		return write(relPath, info, "")
	})
}

func copyFile(absPath string, w io.Writer) error {
	f, err := os.Open(absPath)
	if err != nil {
		return fmt.Errorf("compress: open %s: %w", absPath, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("compress: write %s: %w", absPath, err)
	}
	return nil
}
