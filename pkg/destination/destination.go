// Package destination models a backup destination as a tagged variant
// behind a small capability set, per spec §9 "Config-driven polymorphism
// of destinations": {LocalDir, SftpHost, ObjectBucket} all implement Put,
// Mkdirs, ListManifests, ReadManifest. Stages that only make sense for
// local filesystems (encrypt, dedup, retention) test Kind() rather than
// calling a no-op method on a remote destination.
package destination

import (
	"context"
	"io"

	"github.com/pixelgardenlabs/pglb/pkg/manifest"
)

// Kind identifies a destination's transport, per spec §3 "Destination
// Descriptor".
type Kind string

const (
	KindLocal       Kind = "local"
	KindSFTP        Kind = "sftp"
	KindObjectStore Kind = "object-store"
)

// Destination is the capability set every backup target implements,
// grounded on spec §9's {put, mkdirs, list_manifests, read_manifest}.
type Destination interface {
	// Kind reports the destination's transport tag.
	Kind() Kind

	// Name is a short, log-friendly identifier (host name, bucket+prefix,
	// or local path).
	Name() string

	// Put streams r to the destination at relPath (forward-slash,
	// relative to the destination root), creating parent directories as
	// needed.
	Put(ctx context.Context, relPath string, r io.Reader, size int64) error

	// Mkdirs ensures the parent directories for relPath exist.
	Mkdirs(ctx context.Context, relPath string) error

	// ListManifests returns every manifest filename present at the
	// destination root, lexicographically sorted.
	ListManifests(ctx context.Context) ([]string, error)

	// ReadManifest reads and parses the manifest for the given run-id.
	// Returns (nil, nil) if it does not exist.
	ReadManifest(ctx context.Context, runID string) (*manifest.Manifest, error)

	// WriteManifest atomically writes m to the destination root.
	WriteManifest(ctx context.Context, m *manifest.Manifest) error

	// Root returns the destination's root path/prefix for local-only
	// stages that need direct filesystem access (encrypt, dedup,
	// retention). Remote destinations return their key prefix; callers
	// must check Kind() == KindLocal before treating it as a filesystem
	// path.
	Root() string

	// FilesystemID identifies the underlying filesystem for dedup
	// cross-link feasibility; two local destinations on the same device
	// return equal values. Remote destinations return "".
	FilesystemID() (string, error)

	// Close releases any held resources (SSH/S3 sessions). Safe to call
	// multiple times.
	Close() error
}

// Accumulator tracks one destination's per-run tally, per spec §3 "Run
// State" per-destination accumulator.
type Accumulator struct {
	FilesCopied  int
	FilesSkipped int
	FilesFailed  int
	BytesCopied  int64
}
