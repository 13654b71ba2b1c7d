// Package manifest is the authoritative record of what a single run wrote
// to a single destination. It is a pure value type plus read/write
// functions, grounded on the teacher's metafile package (JSON marshal,
// atomic temp-then-rename write) and on the wire schema described in
// original_source/src/manifest.py, reshaped to the fields the spec pins:
// run_id, mode, source_root, destination_root, started_at, finished_at,
// and per-file rows.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pixelgardenlabs/pglb/pkg/util"
)

// Mode is the backup selection policy recorded in a manifest.
type Mode string

const (
	ModeFull         Mode = "full"
	ModeIncremental  Mode = "incremental"
	ModeDifferential Mode = "differential"
)

// Status is the per-file outcome recorded in a manifest row.
type Status string

const (
	StatusCopied  Status = "copied"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
	StatusSymlink Status = "symlink"
)

// FilePrefix and FileSuffix identify manifest filenames on disk:
// backup_manifest_<run-id>.json.
const (
	FilePrefix = "backup_manifest_"
	FileSuffix = ".json"
)

// RunIDLayout is the local-clock timestamp layout used for run-ids. It
// zero-pads every field so that lexicographic sort equals chronological
// sort, per spec §4.B.
const RunIDLayout = "20060102_150405"

// File is one row of a manifest: a single source file's fate in this run.
type File struct {
	Path       string `json:"path"`
	StoredPath string `json:"stored_path"`
	Size       int64  `json:"size"`
	SHA256     string `json:"sha256"`
	Status     Status `json:"status"`
	Error      string `json:"error,omitempty"`
}

// Manifest is the full per-destination record of one run.
type Manifest struct {
	RunID           string    `json:"run_id"`
	Mode            Mode      `json:"mode"`
	SourceRoot      string    `json:"source_root"`
	DestinationRoot string    `json:"destination_root"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	Files           []File    `json:"files"`
}

// New starts a manifest for a run. StartedAt is set to now; call Finish
// once every file has been recorded.
func New(runID string, mode Mode, sourceRoot, destinationRoot string) *Manifest {
	return &Manifest{
		RunID:           runID,
		Mode:            mode,
		SourceRoot:      sourceRoot,
		DestinationRoot: destinationRoot,
		StartedAt:       time.Now(),
		Files:           make([]File, 0),
	}
}

// NewRunID formats the current local time as a run-id.
func NewRunID(t time.Time) string {
	return t.Format(RunIDLayout)
}

// Add appends a file row.
func (m *Manifest) Add(f File) {
	m.Files = append(m.Files, f)
}

// Finish stamps the manifest's completion time.
func (m *Manifest) Finish() {
	m.FinishedAt = time.Now()
}

// FileName returns the manifest's on-disk filename.
func (m *Manifest) FileName() string {
	return FilePrefix + m.RunID + FileSuffix
}

// FileNameFor formats the manifest filename for an arbitrary run-id,
// without needing a Manifest value in hand.
func FileNameFor(runID string) string {
	return FilePrefix + runID + FileSuffix
}

// RunIDFromFileName extracts the run-id from a manifest filename, or
// returns "" if name does not look like a manifest.
func RunIDFromFileName(name string) string {
	if !strings.HasPrefix(name, FilePrefix) || !strings.HasSuffix(name, FileSuffix) {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(name, FilePrefix), FileSuffix)
}

// Write serializes the manifest to JSON and writes it atomically into dir:
// a temp file in the same directory is written first, then renamed over
// the final name, so a crash mid-write never leaves a truncated manifest.
func Write(dir string, m *Manifest) (string, error) {
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return "", fmt.Errorf("manifest: mkdir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("manifest: marshal: %w", err)
	}

	finalPath := filepath.Join(dir, m.FileName())

	tmp, err := os.CreateTemp(dir, m.FileName()+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("manifest: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if _, statErr := os.Stat(tmpPath); statErr == nil {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("manifest: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("manifest: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("manifest: close: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("manifest: rename: %w", err)
	}

	return finalPath, nil
}

// Read parses a single manifest file from disk.
func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	return Parse(data)
}

// Marshal serializes a manifest to indented JSON, the same encoding Write
// uses, for destinations (SFTP, object-store) that ship bytes over a
// transport instead of writing directly to a local path.
func Marshal(m *Manifest) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("manifest: marshal: %w", err)
	}
	return data, nil
}

// Parse decodes manifest JSON already read into memory.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse: %w", err)
	}
	return &m, nil
}

// ListFileNames returns every manifest filename in dir, lexicographically
// sorted ascending (so [len-1] is the most recent). A missing directory is
// not an error: it means "no prior runs".
func ListFileNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("manifest: list %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if RunIDFromFileName(e.Name()) == "" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Latest reads the most recent manifest in dir by lexicographic filename
// sort, or returns (nil, nil) if there are no manifests yet.
func Latest(dir string) (*Manifest, error) {
	names, err := ListFileNames(dir)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	return Read(filepath.Join(dir, names[len(names)-1]))
}

// LatestFull reads the most recent manifest whose mode is full, or returns
// (nil, nil) if none exists yet.
func LatestFull(dir string) (*Manifest, error) {
	names, err := ListFileNames(dir)
	if err != nil {
		return nil, err
	}
	for i := len(names) - 1; i >= 0; i-- {
		m, err := Read(filepath.Join(dir, names[i]))
		if err != nil {
			return nil, err
		}
		if m.Mode == ModeFull {
			return m, nil
		}
	}
	return nil, nil
}

// ByRunID reads the manifest for an exact run-id, or returns (nil, nil) if
// it doesn't exist.
func ByRunID(dir, runID string) (*Manifest, error) {
	path := filepath.Join(dir, FileNameFor(runID))
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("manifest: stat %s: %w", path, err)
	}
	return Read(path)
}

// All reads every manifest in dir, oldest first (ascending run-id order).
func All(dir string) ([]*Manifest, error) {
	names, err := ListFileNames(dir)
	if err != nil {
		return nil, err
	}
	manifests := make([]*Manifest, 0, len(names))
	for _, name := range names {
		m, err := Read(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// AllUpTo reads every manifest in dir whose run-id is <= cutoff, oldest
// first. Used by restore to resolve a point-in-time selection.
func AllUpTo(dir, cutoffRunID string) ([]*Manifest, error) {
	all, err := All(dir)
	if err != nil {
		return nil, err
	}
	filtered := make([]*Manifest, 0, len(all))
	for _, m := range all {
		if m.RunID <= cutoffRunID {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}
