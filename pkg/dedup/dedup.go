// Package dedup implements within- and cross-directory hardlink
// deduplication over local destinations that share a filesystem, per
// spec §4.I. Atomicity follows the teacher's native_syncer.go symlink
// technique (create the new link under a temp name, then rename over the
// target) generalized from os.Symlink to os.Link, and the post-swap
// verification mirrors the fingerprint-based copy-integrity checks used
// throughout the rest of the pipeline.
package dedup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pixelgardenlabs/pglb/pkg/destination"
	"github.com/pixelgardenlabs/pglb/pkg/fingerprint"
	"github.com/pixelgardenlabs/pglb/pkg/manifest"
	"github.com/pixelgardenlabs/pglb/pkg/plog"
)

// Candidate is one file eligible for dedup: its absolute path on a local
// destination's filesystem and its content hash, taken from the
// manifest where possible.
type Candidate struct {
	AbsPath string
	SHA256  string
}

// Stats summarizes one dedup run.
type Stats struct {
	GroupsConsidered int
	FilesLinked      int
	FilesSkipped     int // cross-filesystem candidates left unlinked
}

// Run groups candidates by content hash, picks a lexicographically
// smallest canonical path per group, and hardlinks every other member to
// it. Only candidates sharing filesystemID with the canonical's
// destination are linked; the rest are skipped and logged, never errored,
// per spec §4.I "across filesystems it degrades silently".
func Run(candidates []Candidate, filesystemOf func(absPath string) string) (Stats, error) {
	groups := make(map[string][]Candidate)
	for _, c := range candidates {
		if c.SHA256 == "" {
			continue
		}
		groups[c.SHA256] = append(groups[c.SHA256], c)
	}

	var stats Stats
	for _, members := range groups {
		stats.GroupsConsidered++
		if len(members) < 2 {
			continue
		}

		sort.Slice(members, func(i, j int) bool { return members[i].AbsPath < members[j].AbsPath })
		canonical := members[0]
		canonicalFS := filesystemOf(canonical.AbsPath)

		// The verification target is the canonical file's own on-disk
		// hash, not the manifest's recorded plaintext sha256: when
		// encryption is enabled the files on disk are ciphertext, whose
		// bytes only match each other (not the plaintext hash) — see
		// crypto.Encrypt's deterministic salt/nonce derivation, which is
		// what makes two .enc files from identical plaintext byte-for-byte
		// equal in the first place.
		canonicalOnDiskHash, _, err := fingerprint.File(canonical.AbsPath)
		if err != nil {
			return stats, fmt.Errorf("dedup: hash canonical %s: %w", canonical.AbsPath, err)
		}

		for _, member := range members[1:] {
			if member.AbsPath == canonical.AbsPath {
				continue
			}
			if filesystemOf(member.AbsPath) != canonicalFS || canonicalFS == "" {
				plog.Info("dedup: skipping cross-filesystem candidate", "path", member.AbsPath, "canonical", canonical.AbsPath)
				stats.FilesSkipped++
				continue
			}

			if err := linkAtomic(canonical.AbsPath, member.AbsPath, canonicalOnDiskHash); err != nil {
				return stats, err
			}
			stats.FilesLinked++
		}
	}
	return stats, nil
}

// linkAtomic replaces dstPath's content with a hardlink to canonicalPath,
// verifying by post-hash equality that the swap preserved dstPath's
// observable content, per spec §4.I.
func linkAtomic(canonicalPath, dstPath, wantSHA256 string) error {
	dstSHA256, _, err := fingerprint.File(dstPath)
	if err != nil {
		return fmt.Errorf("dedup: hash %s: %w", dstPath, err)
	}
	if dstSHA256 != wantSHA256 {
		return fmt.Errorf("dedup: %s differs from canonical %s: want %s got %s", dstPath, canonicalPath, wantSHA256, dstSHA256)
	}

	dir := filepath.Dir(dstPath)
	tmp, err := os.CreateTemp(dir, "dedup-*.tmp")
	if err != nil {
		return fmt.Errorf("dedup: create temp in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	os.Remove(tmpPath)

	if err := os.Link(canonicalPath, tmpPath); err != nil {
		return fmt.Errorf("dedup: link %s -> %s: %w", canonicalPath, tmpPath, err)
	}

	sha256Hex, _, err := fingerprint.File(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("dedup: verify new link %s: %w", tmpPath, err)
	}
	if sha256Hex != wantSHA256 {
		os.Remove(tmpPath)
		return fmt.Errorf("dedup: hash mismatch after linking %s: want %s got %s", dstPath, wantSHA256, sha256Hex)
	}

	if err := os.Rename(tmpPath, dstPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("dedup: rename %s -> %s: %w", tmpPath, dstPath, err)
	}
	return nil
}

// CandidatesFromManifest builds the dedup candidate list for one local
// destination by pairing each manifest file's recorded plaintext sha256
// with its absolute stored path, excluding manifests themselves, per
// spec §3's Dedup Table definition.
func CandidatesFromManifest(dest *destination.Local, m *manifest.Manifest) []Candidate {
	candidates := make([]Candidate, 0, len(m.Files))
	for _, f := range m.Files {
		if f.Status != manifest.StatusCopied {
			continue
		}
		candidates = append(candidates, Candidate{
			AbsPath: filepath.Join(dest.Root(), filepath.FromSlash(f.StoredPath)),
			SHA256:  f.SHA256,
		})
	}
	return candidates
}
