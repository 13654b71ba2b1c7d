// Command pglb is the single-binary entrypoint: one `run [flags]` shape
// that a flag on Options routes between running a backup, a scheduled
// loop, a verify pass, a restore, or one of the inspection modes
// (--show-setup, --status, --version), per spec §6. Grounded on the
// teacher's cmd/pgl-backup/main.go: a context cancelled on SIGINT/SIGTERM,
// a run() that logs its own errors and returns the process exit code for
// main() to pass to os.Exit, and a ldflags-settable version var.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pixelgardenlabs/pglb/pkg/config"
	"github.com/pixelgardenlabs/pglb/pkg/crypto"
	"github.com/pixelgardenlabs/pglb/pkg/flagparse"
	"github.com/pixelgardenlabs/pglb/pkg/lockfile"
	"github.com/pixelgardenlabs/pglb/pkg/manifest"
	"github.com/pixelgardenlabs/pglb/pkg/notify"
	"github.com/pixelgardenlabs/pglb/pkg/orchestrator"
	"github.com/pixelgardenlabs/pglb/pkg/plog"
	"github.com/pixelgardenlabs/pglb/pkg/restore"
	"github.com/pixelgardenlabs/pglb/pkg/scheduler"
	"github.com/pixelgardenlabs/pglb/pkg/verify"
)

const appName = "pglb"

// version is a var so it can be set at compile time, e.g.
// go build -ldflags="-X main.version=1.0.0".
var version = "dev"

// Exit codes, per spec §6.
const (
	exitSuccess     = 0
	exitConfigError = 1
	exitLockheld    = 2
	exitPartial     = 3
	exitFailed      = 4
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	os.Exit(run(ctx))
}

func run(ctx context.Context) int {
	opts, err := flagparse.Parse(os.Args[1:])
	if err != nil {
		plog.Error(appName+": flag error", "error", err)
		return exitConfigError
	}

	if opts.ShowVersion {
		fmt.Printf("%s version %s\n", appName, version)
		return exitSuccess
	}

	cfgPath := resolveConfigPath(opts)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		plog.Error(appName+": configuration error", "path", cfgPath, "error", err)
		return exitConfigError
	}
	plog.SetLevel(cfg.Default.LogLevel)

	switch {
	case opts.ShowSetup:
		return runShowSetup(cfg, opts)
	case opts.Status:
		return runStatus(ctx, cfg, opts)
	case opts.Verify:
		return runVerify(ctx, cfg, opts)
	case opts.Restore:
		return runRestore(ctx, opts)
	case opts.Scheduled:
		return runScheduled(ctx, cfg)
	default:
		return runOnce(ctx, cfg, opts)
	}
}

// resolveConfigPath follows spec §6: an explicit --config path wins;
// otherwise --profile resolves to config/config.<NAME>.ini; otherwise the
// bare config/config.ini.
func resolveConfigPath(opts flagparse.Options) string {
	if opts.ConfigPath != "" {
		return opts.ConfigPath
	}
	if opts.Profile != "" {
		return filepath.Join("config", fmt.Sprintf("config.%s.ini", opts.Profile))
	}
	return filepath.Join("config", "config.ini")
}

func runOnce(ctx context.Context, cfg *config.Config, opts flagparse.Options) int {
	orch := orchestrator.New(cfg, buildNotifier(cfg))
	result, err := orch.Run(ctx, opts)
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			plog.Error(appName+": another instance is already running", "error", err)
			return exitLockheld
		}
		plog.Error(appName+": run failed", "error", err)
		return exitFailed
	}

	logResultSummary(result)
	switch result.Outcome {
	case notify.OutcomeSuccess:
		return exitSuccess
	case notify.OutcomePartial:
		return exitPartial
	default:
		return exitFailed
	}
}

func runScheduled(ctx context.Context, cfg *config.Config) int {
	slots := make([]scheduler.Slot, 0, len(cfg.Schedule.Times))
	for _, raw := range cfg.Schedule.Times {
		slot, err := scheduler.ParseSlot(raw)
		if err != nil {
			plog.Error(appName+": invalid schedule.times entry", "value", raw, "error", err)
			return exitConfigError
		}
		slots = append(slots, slot)
	}
	if len(slots) == 0 {
		plog.Error(appName + ": --scheduled requires at least one schedule.times entry")
		return exitConfigError
	}

	orch := orchestrator.New(cfg, buildNotifier(cfg))
	sched := scheduler.New(slots, cfg.Schedule.IntervalMinutes, func(ctx context.Context) error {
		result, err := orch.Run(ctx, flagparse.Options{Set: map[string]bool{}})
		if err != nil {
			return err
		}
		logResultSummary(result)
		return nil
	})

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		plog.Error(appName+": scheduler stopped", "error", err)
		return exitFailed
	}
	return exitSuccess
}

func runShowSetup(cfg *config.Config, opts flagparse.Options) int {
	data, err := json.MarshalIndent(struct {
		Config *config.Config    `json:"config"`
		Flags  flagparse.Options `json:"cli_overrides"`
	}{Config: cfg, Flags: opts}, "", "  ")
	if err != nil {
		plog.Error(appName+": failed to render setup", "error", err)
		return exitFailed
	}
	fmt.Println(string(data))
	return exitSuccess
}

func runStatus(ctx context.Context, cfg *config.Config, opts flagparse.Options) int {
	dir := cfg.Backups.SourceDir
	if len(cfg.Backups.BackupDirs) > 0 {
		dir = cfg.Backups.BackupDirs[0]
	}

	lock, err := lockfile.Acquire(ctx, dir, appName, "status-probe")
	var lockErr *lockfile.ErrLockActive
	if errors.As(err, &lockErr) {
		fmt.Printf("locked: held by PID %d on host %s (run %s, stage %s), last updated %s ago\n", lockErr.PID, lockErr.Hostname, lockErr.RunID, lockErr.Stage, lockErr.TimeSince.Truncate(time.Second))
	} else if err != nil {
		plog.Error(appName+": status check failed", "error", err)
		return exitFailed
	} else {
		lock.Release()
		fmt.Println("locked: no (no instance currently running)")
	}

	for _, d := range cfg.Backups.BackupDirs {
		m, err := manifest.Latest(d)
		if err != nil {
			fmt.Printf("%s: error reading manifests: %v\n", d, err)
			continue
		}
		if m == nil {
			fmt.Printf("%s: no prior runs\n", d)
			continue
		}
		fmt.Printf("%s: last run %s (mode=%s, files=%d)\n", d, m.RunID, m.Mode, len(m.Files))
	}
	return exitSuccess
}

func runVerify(ctx context.Context, cfg *config.Config, opts flagparse.Options) int {
	dir := cfg.Backups.SourceDir
	if len(opts.BackupDirs) > 0 {
		dir = opts.BackupDirs[0]
	} else if len(cfg.Backups.BackupDirs) > 0 {
		dir = cfg.Backups.BackupDirs[0]
	}

	m, err := manifest.Latest(dir)
	if err != nil || m == nil {
		plog.Error(appName+": verify: no manifest found", "dir", dir, "error", err)
		return exitFailed
	}

	var keys *crypto.KeySource
	if cfg.Encryption.Enabled {
		ks := crypto.KeySource{KeyFile: cfg.Encryption.KeyFile, Passphrase: cfg.Encryption.Passphrase}
		keys = &ks
	}

	summary, err := verify.Verify(ctx, dir, m, keys)
	if err != nil {
		plog.Error(appName+": verify failed", "error", err)
		return exitFailed
	}

	fmt.Printf("verify: run %s — %d total, %d verified, %d missing, %d corrupted, %d errors\n",
		m.RunID, summary.Total, summary.Verified, summary.Missing, summary.Corrupted, summary.Errors)

	if summary.Missing > 0 || summary.Corrupted > 0 || summary.Errors > 0 {
		return exitPartial
	}
	return exitSuccess
}

func runRestore(ctx context.Context, opts flagparse.Options) int {
	if opts.FromDir == "" || opts.ToDir == "" {
		plog.Error(appName + ": --restore requires --from-dir and --to-dir")
		return exitConfigError
	}

	target := restore.Target{
		FromDir:   opts.FromDir,
		ToDir:     opts.ToDir,
		Timestamp: opts.RestoreTimestamp,
	}

	summary, err := restore.Restore(ctx, target)
	if err != nil {
		plog.Error(appName+": restore failed", "error", err)
		return exitFailed
	}

	fmt.Printf("restore: run %s — %d files written, %d failed\n", summary.RunID, summary.FilesWritten, summary.FilesFailed)
	if summary.FilesFailed > 0 {
		return exitPartial
	}
	return exitSuccess
}

// buildNotifier returns the run's Notifier. No outbound transport is
// implemented, so every configuration, enabled or not, resolves to
// notify.Disabled.
func buildNotifier(cfg *config.Config) notify.Notifier {
	if !cfg.Notifications.Enabled || len(cfg.Notifications.ReceiverEmails) == 0 {
		return notify.Disabled{}
	}
	return notify.Disabled{}
}

func logResultSummary(result *orchestrator.Result) {
	for name, acc := range result.Destinations {
		plog.Info(appName+": destination summary", "destination", name, "copied", acc.FilesCopied, "failed", acc.FilesFailed, "bytes", acc.BytesCopied)
	}
	plog.Notice(appName+": run finished", "run_id", result.RunID, "outcome", result.Outcome)
}
