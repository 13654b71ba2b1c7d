// Package orchestrator wires the Selector, Destinations, Manifest Store,
// Encryptor, Deduplicator, Retention, Compressor, and DB-Dump stage into
// one run, per spec §4.N. It follows the shape of the teacher's
// pkg/engine.Engine (a struct built once from config, with an Execute-like
// entrypoint that runs fixed phases in order and logs between them), but
// the state machine itself — idle → locked → pre-hook → selecting →
// copying → manifesting → encrypting → deduping → pruning → post-hook →
// reporting → idle — and per-destination fault isolation are this
// package's own, since the teacher orchestrates a single local mirror and
// never fans out to multiple destination kinds.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pixelgardenlabs/pglb/pkg/compress"
	"github.com/pixelgardenlabs/pglb/pkg/config"
	"github.com/pixelgardenlabs/pglb/pkg/dbdump"
	"github.com/pixelgardenlabs/pglb/pkg/destination"
	"github.com/pixelgardenlabs/pglb/pkg/flagparse"
	"github.com/pixelgardenlabs/pglb/pkg/hints"
	"github.com/pixelgardenlabs/pglb/pkg/hook"
	"github.com/pixelgardenlabs/pglb/pkg/lockfile"
	"github.com/pixelgardenlabs/pglb/pkg/manifest"
	"github.com/pixelgardenlabs/pglb/pkg/notify"
	"github.com/pixelgardenlabs/pglb/pkg/plog"
	"github.com/pixelgardenlabs/pglb/pkg/selector"
	"github.com/pixelgardenlabs/pglb/pkg/sharded"
)

// appID names this process in the lock file and in hook/notification
// metadata, per spec §3 "Lock File: a single path-well-known file
// containing the owning process identifier."
const appID = "pglb"

// Orchestrator runs one backup job at a time against a fixed configuration
// snapshot, per spec §9 "treat configuration as immutable per run;
// snapshot at run start and pass explicitly to each component."
type Orchestrator struct {
	cfg      *config.Config
	notifier notify.Notifier
	hooks    *hook.HookExecutor

	// sourceHashCache memoizes a source file's content hash across the
	// per-destination goroutines selectAndCopy fans out, keyed by
	// path+size+mtime, so a file backed up to N destinations in the same
	// run is hashed once rather than N times.
	sourceHashCache *sharded.Map
}

// New builds an Orchestrator over cfg. A nil notifier disables outbound
// notifications without the caller needing to know about notify.Disabled.
func New(cfg *config.Config, notifier notify.Notifier) *Orchestrator {
	if notifier == nil {
		notifier = notify.Disabled{}
	}
	return &Orchestrator{
		cfg:             cfg,
		notifier:        notifier,
		hooks:           hook.NewHookExecutor(exec.CommandContext),
		sourceHashCache: sharded.NewMap(64),
	}
}

// Result is the terminal report of one run, per spec §3 "Run State".
type Result struct {
	RunID        string
	Outcome      notify.Outcome
	DryRun       bool
	Destinations map[string]*destination.Accumulator
	Failed       []string // destination names that never produced a valid manifest
}

// lockDir resolves the single-instance lock's directory: the first
// configured local backup directory, since that is the one location every
// invocation of this config is guaranteed to share.
func (o *Orchestrator) lockDir(plan runPlan) string {
	if len(plan.backupDirs) > 0 {
		return plan.backupDirs[0]
	}
	return plan.sourceDir
}

// Run executes one full backup job: lock, pre-hook, select, copy, write
// manifests, then encrypt/dedup/prune local destinations, then post-hook,
// per spec §4.N's state machine. opts carries the CLI overrides layered on
// top of o.cfg, per spec §6.
func (o *Orchestrator) Run(ctx context.Context, opts flagparse.Options) (*Result, error) {
	plan := resolvePlan(o.cfg, opts)
	runID := manifest.NewRunID(time.Now())
	o.sourceHashCache.Clear() // source files can change between runs, so no cache survives one

	result := &Result{RunID: runID, DryRun: plan.dryRun, Destinations: map[string]*destination.Accumulator{}}

	lock, err := lockfile.Acquire(ctx, o.lockDir(plan), appID, runID)
	if err != nil {
		o.emit(notify.Event{RunID: runID, Stage: notify.StageLocked, Outcome: notify.OutcomeFailed, Message: err.Error()})
		return result, err
	}
	defer lock.Release()
	lock.Advance(string(notify.StageLocked))
	o.emit(notify.Event{RunID: runID, Stage: notify.StageLocked, Outcome: notify.OutcomeSuccess})

	if err := o.runPreHook(ctx, plan, runID); err != nil {
		o.emit(notify.Event{RunID: runID, Stage: notify.StagePreHook, Outcome: notify.OutcomeFailed, Message: err.Error()})
		return result, fmt.Errorf("orchestrator: pre-hook aborted run: %w", err)
	}
	lock.Advance(string(notify.StagePreHook))
	o.emit(notify.Event{RunID: runID, Stage: notify.StagePreHook, Outcome: notify.OutcomeSuccess})

	dests, err := o.buildDestinations(ctx, plan)
	if err != nil {
		return result, fmt.Errorf("orchestrator: %w", err)
	}
	defer closeAll(dests)

	if len(dests) == 0 {
		return result, fmt.Errorf("orchestrator: no destinations enabled for operation modes %v", plan.operationModes)
	}

	var archivePassword string
	if plan.compress == "zip_pw" {
		archivePassword, err = compress.GeneratePassword()
		if err != nil {
			return result, fmt.Errorf("orchestrator: generate archive password: %w", err)
		}
		if err := compress.CachePassword(runID, archivePassword); err != nil {
			plog.Warn("orchestrator: failed to cache archive password", "error", err)
		}
	}

	stagingLocal := firstLocal(dests)

	var dbArtifact *selector.Record
	if plan.wantsDB() && o.cfg.Database.Enabled {
		rec, err := o.runDBDump(ctx, plan, stagingLocal, runID)
		if err != nil {
			plog.Warn("orchestrator: db-dump stage failed, continuing without it", "error", err)
		} else {
			dbArtifact = rec
		}
	}

	runs := make([]*destRun, 0, len(dests))
	for _, d := range dests {
		runs = append(runs, &destRun{dest: d})
	}

	lock.Advance(string(notify.StageSelecting))
	o.emit(notify.Event{RunID: runID, Stage: notify.StageSelecting, Outcome: notify.OutcomeSuccess})
	if err := o.selectAndCopy(ctx, runID, plan, runs, dbArtifact, archivePassword); err != nil {
		o.emit(notify.Event{RunID: runID, Stage: notify.StageSelecting, Outcome: notify.OutcomeFailed, Message: err.Error()})
		return result, fmt.Errorf("orchestrator: %w", err)
	}
	lock.Advance(string(notify.StageManifesting))
	o.emit(notify.Event{RunID: runID, Stage: notify.StageManifesting, Outcome: notify.OutcomeSuccess})

	o.postProcessLocals(ctx, runID, plan, runs, lock)

	lock.Advance(string(notify.StagePostHook))
	if err := o.runPostHook(ctx, plan, runID); err != nil {
		plog.Warn("orchestrator: post-hook failed", "error", err)
	}
	o.emit(notify.Event{RunID: runID, Stage: notify.StagePostHook, Outcome: notify.OutcomeSuccess})

	for _, r := range runs {
		result.Destinations[r.dest.Name()] = &r.acc
		if !r.manifestWritten && !plan.dryRun {
			result.Failed = append(result.Failed, r.dest.Name())
		}
	}
	if plan.dryRun {
		result.Outcome = notify.OutcomeSuccess
	} else {
		result.Outcome = overallOutcome(result, runs)
	}

	lock.Advance(string(notify.StageReporting))
	o.emit(notify.Event{
		RunID:           runID,
		Stage:           notify.StageReporting,
		Outcome:         result.Outcome,
		ArchivePassword: archivePassword,
	})
	return result, nil
}

// overallOutcome follows spec §7's terminal-status rule: success if
// nothing failed; failed if no destination produced a valid manifest;
// partial otherwise.
func overallOutcome(result *Result, runs []*destRun) notify.Outcome {
	anyManifest := false
	anyFileFailure := false
	for _, r := range runs {
		if r.manifestWritten {
			anyManifest = true
		}
		if r.acc.FilesFailed > 0 {
			anyFileFailure = true
		}
	}
	if !anyManifest {
		return notify.OutcomeFailed
	}
	if anyFileFailure || len(result.Failed) > 0 {
		return notify.OutcomePartial
	}
	return notify.OutcomeSuccess
}

func (o *Orchestrator) emit(e notify.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if err := o.notifier.Notify(e); err != nil {
		plog.Warn("orchestrator: notification delivery failed", "stage", e.Stage, "error", err)
	}
}

func (o *Orchestrator) runPreHook(ctx context.Context, plan runPlan, runID string) error {
	hooksPlan := &hook.Plan{
		Enabled:          o.cfg.Hooks.Enabled,
		PreHookCommands:  o.cfg.Hooks.PreHookCommands,
		PostHookCommands: o.cfg.Hooks.PostHookCommands,
		DryRun:           plan.dryRun,
		FailFast:         o.cfg.Hooks.FailFast,
	}
	err := o.hooks.RunPreHook(ctx, runID, hooksPlan, time.Now().UTC())
	if hints.IsHint(err) {
		return nil
	}
	return err
}

func (o *Orchestrator) runPostHook(ctx context.Context, plan runPlan, runID string) error {
	hooksPlan := &hook.Plan{
		Enabled:          o.cfg.Hooks.Enabled,
		PreHookCommands:  o.cfg.Hooks.PreHookCommands,
		PostHookCommands: o.cfg.Hooks.PostHookCommands,
		DryRun:           plan.dryRun,
		FailFast:         false, // per spec §4.M "post-hook runs regardless of run outcome"
	}
	err := o.hooks.RunPostHook(ctx, runID, hooksPlan, time.Now().UTC())
	if hints.IsHint(err) {
		return nil
	}
	return err
}

// runDBDump lands a mysqldump artifact in the first local destination's
// staging area and returns it as an ordinary Source File Record, per spec
// §4.G "thereafter indistinguishable from any other file in the run."
func (o *Orchestrator) runDBDump(ctx context.Context, plan runPlan, stagingLocal *destination.Local, runID string) (*selector.Record, error) {
	if stagingLocal == nil {
		return nil, fmt.Errorf("db-dump requested but no local destination is configured to stage it in")
	}

	dbCfg := dbdump.Config{
		Host:       o.cfg.Database.Host,
		Port:       o.cfg.Database.Port,
		User:       o.cfg.Database.User,
		Password:   o.cfg.Database.Password,
		Database:   o.cfg.Database.Database,
		BinaryPath: o.cfg.Database.BinaryPath,
	}
	stagingDir := filepath.Join(stagingLocal.Root(), ".pglb-dbdump-staging")
	dumpPath, err := dbdump.Dump(ctx, dbCfg, stagingDir, runID)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(dumpPath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: stat dump artifact %s: %w", dumpPath, err)
	}

	rel := "db/" + filepath.Base(dumpPath)
	return &selector.Record{RelPath: rel, AbsPath: dumpPath, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func firstLocal(dests []destination.Destination) *destination.Local {
	for _, d := range dests {
		if local, ok := d.(*destination.Local); ok {
			return local
		}
	}
	return nil
}

func closeAll(dests []destination.Destination) {
	for _, d := range dests {
		if err := d.Close(); err != nil {
			plog.Warn("orchestrator: failed to close destination", "name", d.Name(), "error", err)
		}
	}
}

// sshServerByName finds the configured SSH server matching name, per spec
// §6 "--ssh-servers" matched against the SSH config section.
func sshServerByName(servers []config.SSHServer, name string) (config.SSHServer, bool) {
	for _, s := range servers {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return config.SSHServer{}, false
}
