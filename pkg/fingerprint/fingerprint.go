// Package fingerprint streams files through SHA-256 without buffering whole
// files in memory, grounded on the teacher's pooled streaming-hash pattern
// used for copy verification.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/pixelgardenlabs/pglb/pkg/pool"
)

// chunkPool hands out reusable 256KiB buffers so hashing a large tree
// doesn't allocate a fresh buffer per file.
var chunkPool = pool.NewFixedBuffer(256 * 1024)

// Sum streams r through SHA-256, returning the lowercase hex digest and the
// number of bytes read.
func Sum(r io.Reader) (sha256Hex string, size int64, err error) {
	bufPtr := chunkPool.Get()
	defer chunkPool.Put(bufPtr)

	h := sha256.New()
	n, err := io.CopyBuffer(h, r, *bufPtr)
	if err != nil {
		return "", 0, fmt.Errorf("fingerprint: stream: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// File streams the file at path through SHA-256 and returns its digest and
// size. Used both to fingerprint a source file before copy and to
// independently re-hash the copied destination file.
func File(path string) (sha256Hex string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("fingerprint: open %s: %w", path, err)
	}
	defer f.Close()

	return Sum(f)
}

// Equal reports whether two hex-encoded SHA-256 digests denote the same
// content. Defined mainly so call sites read as intent rather than a bare
// string comparison.
func Equal(a, b string) bool {
	return a == b
}
