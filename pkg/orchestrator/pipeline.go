package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/pixelgardenlabs/pglb/pkg/compress"
	"github.com/pixelgardenlabs/pglb/pkg/crypto"
	"github.com/pixelgardenlabs/pglb/pkg/dedup"
	"github.com/pixelgardenlabs/pglb/pkg/destination"
	"github.com/pixelgardenlabs/pglb/pkg/fingerprint"
	"github.com/pixelgardenlabs/pglb/pkg/lockfile"
	"github.com/pixelgardenlabs/pglb/pkg/manifest"
	"github.com/pixelgardenlabs/pglb/pkg/notify"
	"github.com/pixelgardenlabs/pglb/pkg/plog"
	"github.com/pixelgardenlabs/pglb/pkg/retention"
	"github.com/pixelgardenlabs/pglb/pkg/selector"
)

// destRun is one destination's working state for the duration of a run.
// Destinations fail independently per spec §4.D/E/F, so each carries its
// own accumulator and manifest rather than sharing one across the run.
type destRun struct {
	dest            destination.Destination
	manifest        *manifest.Manifest
	acc             destination.Accumulator
	manifestWritten bool
	encryptFailed   bool
}

// buildDestinations constructs one Destination per enabled operation
// mode's targets, per spec §4.E "one host's failure isolates to that
// destination's tally; other hosts continue" — an unreachable SSH host or
// object store is logged and skipped rather than failing the whole run.
func (o *Orchestrator) buildDestinations(ctx context.Context, plan runPlan) ([]destination.Destination, error) {
	var dests []destination.Destination

	if plan.wantsLocal() {
		for _, dir := range plan.backupDirs {
			d, err := destination.NewLocal(dir)
			if err != nil {
				return nil, fmt.Errorf("local destination %s: %w", dir, err)
			}
			dests = append(dests, d)
		}
	}

	if plan.wantsSSH() {
		names := plan.sshServerNames
		if len(names) == 0 {
			for _, s := range plan.ssh {
				names = append(names, s.Name)
			}
		}
		for _, name := range names {
			srv, ok := sshServerByName(plan.ssh, name)
			if !ok {
				plog.Warn("orchestrator: no SSH config for requested server, skipping", "name", name)
				continue
			}
			cfg := destination.SFTPConfig{
				Host:           srv.Host,
				Port:           srv.Port,
				User:           srv.User,
				PrivateKeyPath: srv.PrivateKeyPath,
				Password:       srv.Password,
				RemoteRoot:     srv.RemoteRoot,
				BandwidthKBps:  srv.BandwidthKBps,
				KnownHostsPath: srv.KnownHostsPath,
			}
			d, err := destination.NewSFTP(ctx, cfg)
			if err != nil {
				plog.Warn("orchestrator: ssh destination unreachable, isolating to this destination", "host", srv.Host, "error", err)
				continue
			}
			dests = append(dests, d)
		}
	}

	if plan.wantsS3() {
		cfg := destination.ObjectStoreConfig{
			Bucket:          plan.s3.Bucket,
			Prefix:          plan.s3.Prefix,
			Region:          plan.s3.Region,
			Endpoint:        plan.s3.Endpoint,
			AccessKeyID:     plan.s3.AccessKeyID,
			SecretAccessKey: plan.s3.SecretAccessKey,
		}
		d, err := destination.NewObjectStore(ctx, cfg)
		if err != nil {
			plog.Warn("orchestrator: object-store destination unreachable, isolating to this destination", "error", err)
		} else {
			dests = append(dests, d)
		}
	}

	return dests, nil
}

// selectAndCopy runs the Selector (or the Compressor bypass) and the
// Copier/Manifest Store stages for every destination, per spec §4.N
// "selecting → copying → manifesting." Destinations run concurrently via
// errgroup, per SPEC_FULL's domain-stack note on x/sync/errgroup, with
// each goroutine isolating its own failures into its destRun rather than
// returning an error that would cancel its siblings.
func (o *Orchestrator) selectAndCopy(ctx context.Context, runID string, plan runPlan, runs []*destRun, dbArtifact *selector.Record, archivePassword string) error {
	var sharedRecords []selector.Record
	if plan.compress != "" {
		archivePath := filepath.Join(os.TempDir(), fmt.Sprintf("pglb-archive-%s.zip", runID))
		defer os.Remove(archivePath)
		password := ""
		if plan.compress == "zip_pw" {
			password = archivePassword
		}
		if err := compress.Compress(ctx, plan.sourceDir, archivePath, password); err != nil {
			return fmt.Errorf("compressor: %w", err)
		}
		info, err := os.Stat(archivePath)
		if err != nil {
			return fmt.Errorf("compressor: stat archive: %w", err)
		}
		sharedRecords = []selector.Record{{
			RelPath: fmt.Sprintf("backup_%s.zip", runID),
			AbsPath: archivePath,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}}
	}

	excludes := selector.NewExclusionSet(plan.exclude)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(runs))
	for _, r := range runs {
		r := r
		g.Go(func() error {
			o.runOneDestination(gctx, runID, plan, r, sharedRecords, dbArtifact, excludes)
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) runOneDestination(ctx context.Context, runID string, plan runPlan, r *destRun, sharedRecords []selector.Record, dbArtifact *selector.Record, excludes selector.ExclusionSet) {
	records := sharedRecords
	if records == nil {
		latest, latestFull, err := loadManifestHistory(ctx, r.dest)
		if err != nil {
			plog.Warn("orchestrator: selection failed for destination, isolating", "destination", r.dest.Name(), "error", err)
			return
		}
		records, err = selector.Select(plan.sourceDir, plan.backupMode, latest, latestFull, excludes)
		if err != nil {
			plog.Warn("orchestrator: selection failed for destination, isolating", "destination", r.dest.Name(), "error", err)
			return
		}
	}
	if dbArtifact != nil {
		records = append(records, *dbArtifact)
	}

	m := manifest.New(runID, plan.backupMode, plan.sourceDir, r.dest.Root())
	for _, rec := range records {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.Add(o.copyRecord(ctx, r, rec, plan))
	}
	m.Finish()
	r.manifest = m

	if plan.dryRun {
		plog.Notice("[DRY RUN] orchestrator: would write manifest", "destination", r.dest.Name(), "files", len(m.Files))
		return
	}

	if err := r.dest.WriteManifest(ctx, m); err != nil {
		plog.Warn("orchestrator: failed to write manifest, destination produced no valid manifest", "destination", r.dest.Name(), "error", err)
		return
	}
	r.manifestWritten = true
}

// copyRecord copies one Source File Record to one destination, per spec
// §4.D: stream while hashing, then assert the hash against an independent
// re-hash of the destination file. The independent re-hash only applies
// to local destinations with direct filesystem access; SFTP Puts verify
// the uploaded size internally (spec §4.E), and object-store Puts are not
// re-checked after upload.
func (o *Orchestrator) copyRecord(ctx context.Context, r *destRun, rec selector.Record, plan runPlan) manifest.File {
	f := manifest.File{Path: rec.RelPath}

	if plan.dryRun {
		f.Status = manifest.StatusSkipped
		f.Size = rec.Size
		return f
	}

	if rec.IsSymlink {
		local, ok := r.dest.(*destination.Local)
		if !ok {
			f.Status = manifest.StatusFailed
			f.Error = "symlinks are not supported on this destination kind"
			r.acc.FilesFailed++
			return f
		}
		if err := local.PutSymlink(ctx, rec.RelPath, rec.LinkTarget); err != nil {
			f.Status = manifest.StatusFailed
			f.Error = err.Error()
			r.acc.FilesFailed++
			return f
		}
		f.Status = manifest.StatusSymlink
		f.StoredPath = rec.RelPath
		r.acc.FilesCopied++
		return f
	}

	src, err := os.Open(rec.AbsPath)
	if err != nil {
		f.Status = manifest.StatusFailed
		f.Error = err.Error()
		r.acc.FilesFailed++
		return f
	}
	defer src.Close()

	// Multiple destinations copy the same source record concurrently; a
	// cache hit here saves re-hashing content this run has already seen,
	// since the content itself (not just the stream) is identical.
	cacheKey := sourceHashCacheKey(rec)
	cached, hit := o.sourceHashCache.Load(cacheKey)

	var sha256Hex string
	if hit {
		sha256Hex = cached.(string)
		if err := r.dest.Put(ctx, rec.RelPath, src, rec.Size); err != nil {
			f.Status = manifest.StatusFailed
			f.Error = err.Error()
			r.acc.FilesFailed++
			return f
		}
	} else {
		hasher := sha256.New()
		if err := r.dest.Put(ctx, rec.RelPath, io.TeeReader(src, hasher), rec.Size); err != nil {
			f.Status = manifest.StatusFailed
			f.Error = err.Error()
			r.acc.FilesFailed++
			return f
		}
		sha256Hex = hex.EncodeToString(hasher.Sum(nil))
		o.sourceHashCache.Store(cacheKey, sha256Hex)
	}

	if local, ok := r.dest.(*destination.Local); ok {
		destPath := filepath.Join(local.Root(), filepath.FromSlash(rec.RelPath))
		gotHash, _, err := fingerprint.File(destPath)
		if err != nil || gotHash != sha256Hex {
			os.Remove(destPath)
			f.Status = manifest.StatusFailed
			f.Error = "post-copy checksum verification failed"
			r.acc.FilesFailed++
			return f
		}
	}

	f.Status = manifest.StatusCopied
	f.StoredPath = rec.RelPath
	f.Size = rec.Size
	f.SHA256 = sha256Hex
	r.acc.FilesCopied++
	r.acc.BytesCopied += rec.Size
	return f
}

func sourceHashCacheKey(rec selector.Record) string {
	return fmt.Sprintf("%s:%d:%d", rec.AbsPath, rec.Size, rec.ModTime.UnixNano())
}

func loadManifestHistory(ctx context.Context, d destination.Destination) (latest, latestFull *manifest.Manifest, err error) {
	names, err := d.ListManifests(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list manifests: %w", err)
	}
	if len(names) == 0 {
		return nil, nil, nil
	}

	for i := len(names) - 1; i >= 0; i-- {
		runID := manifest.RunIDFromFileName(names[i])
		if runID == "" {
			continue
		}
		m, err := d.ReadManifest(ctx, runID)
		if err != nil || m == nil {
			continue
		}
		if latest == nil {
			latest = m
		}
		if m.Mode == manifest.ModeFull && latestFull == nil {
			latestFull = m
		}
		if latest != nil && latestFull != nil {
			break
		}
	}
	return latest, latestFull, nil
}

// postProcessLocals runs the Encryptor, Deduplicator, and Retention
// stages, strictly in that order, against every local destination that
// produced a manifest this run, per spec §5's "manifest write precedes
// encryption; encryption precedes dedup; dedup precedes retention."
// Remote destinations never run these stages, per spec §9's
// capability-tag design.
func (o *Orchestrator) postProcessLocals(ctx context.Context, runID string, plan runPlan, runs []*destRun, lock *lockfile.Lock) {
	if plan.dryRun {
		return
	}

	var locals []*destRun
	for _, r := range runs {
		if !r.manifestWritten {
			continue
		}
		if _, ok := r.dest.(*destination.Local); ok {
			locals = append(locals, r)
		}
	}
	if len(locals) == 0 {
		return
	}

	if plan.encrypt {
		lock.Advance(string(notify.StageEncrypting))
		keys := plan.keySource()
		for _, r := range locals {
			if err := o.encryptLocal(ctx, keys, r); err != nil {
				plog.Warn("orchestrator: encryption failed for destination, skipping dedup/retention there", "destination", r.dest.Name(), "error", err)
				r.encryptFailed = true
			}
		}
		o.emit(notify.Event{RunID: runID, Stage: notify.StageEncrypting, Outcome: notify.OutcomeSuccess})
	}

	eligible := make([]*destRun, 0, len(locals))
	for _, r := range locals {
		if !r.encryptFailed {
			eligible = append(eligible, r)
		}
	}

	if plan.dedup {
		lock.Advance(string(notify.StageDeduping))
		o.dedupLocals(runID, eligible)
		o.emit(notify.Event{RunID: runID, Stage: notify.StageDeduping, Outcome: notify.OutcomeSuccess})
	}

	lock.Advance(string(notify.StagePruning))
	for _, r := range eligible {
		o.retainLocal(ctx, runID, plan, r)
	}
	o.emit(notify.Event{RunID: runID, Stage: notify.StagePruning, Outcome: notify.OutcomeSuccess})
}

// encryptLocal runs the Encryptor stage for one destination, per spec
// §4.H. Derivation failure (no key material) is fatal for the
// destination; a single file's crypto error is recorded on that row and
// the stage continues, per spec §7's error taxonomy.
func (o *Orchestrator) encryptLocal(ctx context.Context, keys crypto.KeySource, r *destRun) error {
	local := r.dest.(*destination.Local)
	m := r.manifest
	changed := false

	for i := range m.Files {
		f := &m.Files[i]
		if f.Status != manifest.StatusCopied || strings.HasSuffix(f.StoredPath, ".enc") {
			continue
		}

		srcPath := filepath.Join(local.Root(), filepath.FromSlash(f.StoredPath))
		dstPath := srcPath + ".enc"

		if _, err := os.Stat(dstPath); err == nil {
			if encryptedSiblingMatches(keys, dstPath, f.SHA256) {
				if err := os.Remove(srcPath); err != nil {
					plog.Warn("orchestrator: failed to remove plaintext after encryption", "path", srcPath, "error", err)
				}
				f.StoredPath += ".enc"
				changed = true
				continue
			}
			// Stale .enc from a prior run's different content at this path;
			// fall through and re-encrypt this run's plaintext over it.
		}

		if err := crypto.EncryptFile(keys, srcPath, dstPath); err != nil {
			if errors.Is(err, crypto.ErrNoKeyMaterial) {
				return fmt.Errorf("encrypt: %w", err)
			}
			plog.Warn("orchestrator: per-file encryption failed", "path", f.Path, "error", err)
			f.Status = manifest.StatusFailed
			f.Error = err.Error()
			continue
		}
		if err := os.Remove(srcPath); err != nil {
			plog.Warn("orchestrator: failed to remove plaintext after encryption", "path", srcPath, "error", err)
		}
		f.StoredPath += ".enc"
		changed = true
	}

	if changed {
		if err := local.WriteManifest(ctx, m); err != nil {
			return fmt.Errorf("rewrite manifest after encryption: %w", err)
		}
	}
	return nil
}

// encryptedSiblingMatches decrypts an existing .enc sibling to a temp file
// and re-hashes it, per spec §4.H: an existing sibling is only "already
// encrypted" for this run's plaintext if its decrypted content hashes to
// the same SHA-256 this run already recorded for the source file — a
// sibling left over from an earlier run's different content at the same
// path must be re-encrypted, not trusted.
func encryptedSiblingMatches(keys crypto.KeySource, dstPath, wantSHA256 string) bool {
	if wantSHA256 == "" {
		return false
	}

	tmp, err := os.CreateTemp(filepath.Dir(dstPath), ".pglb-verify-*")
	if err != nil {
		return false
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := crypto.DecryptFile(keys, dstPath, tmpPath); err != nil {
		return false
	}

	gotSHA256, _, err := fingerprint.File(tmpPath)
	if err != nil {
		return false
	}
	return fingerprint.Equal(gotSHA256, wantSHA256)
}

// dedupLocals runs the Deduplicator once across every local destination
// that survived encryption, per spec §4.I "attempted across all local
// destinations that share a filesystem identifier."
func (o *Orchestrator) dedupLocals(runID string, locals []*destRun) {
	fsByRoot := map[string]string{}
	for _, r := range locals {
		local := r.dest.(*destination.Local)
		id, err := local.FilesystemID()
		if err != nil {
			plog.Warn("orchestrator: failed to resolve filesystem id", "destination", local.Name(), "error", err)
		}
		fsByRoot[local.Root()] = id
	}
	filesystemOf := func(absPath string) string {
		for root, id := range fsByRoot {
			if strings.HasPrefix(absPath, root) {
				return id
			}
		}
		return ""
	}

	var candidates []dedup.Candidate
	for _, r := range locals {
		local := r.dest.(*destination.Local)
		candidates = append(candidates, dedup.CandidatesFromManifest(local, r.manifest)...)
	}
	if len(candidates) == 0 {
		return
	}

	stats, err := dedup.Run(candidates, filesystemOf)
	if err != nil {
		plog.Warn("orchestrator: dedup pass failed", "error", err)
		return
	}
	plog.Notice("orchestrator: dedup complete", "run_id", runID, "linked", stats.FilesLinked, "skipped", stats.FilesSkipped)
}

// retainLocal runs the Retention stage for one destination, per spec
// §4.J. It reads every manifest present (not just this run's), since
// age/count pruning decides across the destination's whole history.
func (o *Orchestrator) retainLocal(ctx context.Context, runID string, plan runPlan, r *destRun) {
	local := r.dest.(*destination.Local)

	all, err := manifest.All(local.Root())
	if err != nil {
		plog.Warn("orchestrator: failed to list manifests for retention", "destination", local.Name(), "error", err)
		return
	}

	policy := retention.Policy{
		MaxAgeDays: plan.retention.MaxAgeDays,
		MaxCount:   plan.retention.MaxCount,
		DryRun:     plan.dryRun,
		Workers:    plan.retention.Workers,
	}
	rootDir := func(relPath string) string { return filepath.Join(local.Root(), filepath.FromSlash(relPath)) }

	stats, err := retention.Apply(ctx, policy, all, rootDir, localRemover{})
	if err != nil {
		plog.Warn("orchestrator: retention pass failed", "destination", local.Name(), "error", err)
		return
	}
	plog.Notice("orchestrator: retention complete", "run_id", runID, "destination", local.Name(),
		"kept", stats.ManifestsKept, "pruned", stats.ManifestsPruned, "unlinked", stats.FilesUnlinked)
}

// localRemover adapts os.Remove to retention.FileRemover; permission
// errors are logged by retention.Apply's own deleteParallel, per spec
// §7 "Retention (permission denied — logged, skipped)."
type localRemover struct{}

func (localRemover) Remove(absPath string) error {
	err := os.Remove(absPath)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
