package orchestrator

import (
	"strings"

	"github.com/pixelgardenlabs/pglb/pkg/config"
	"github.com/pixelgardenlabs/pglb/pkg/crypto"
	"github.com/pixelgardenlabs/pglb/pkg/flagparse"
	"github.com/pixelgardenlabs/pglb/pkg/manifest"
)

// runPlan is the resolved, immutable-for-the-run merge of the config
// snapshot and the CLI's explicit overrides, per spec §9 "treat
// configuration as immutable per run." A CLI flag only wins when the user
// actually passed it (opts.Set), so a config file value is never
// silently shadowed by a flag's zero-value default.
type runPlan struct {
	operationModes []string
	backupMode     manifest.Mode
	sourceDir      string
	backupDirs     []string
	sshServerNames []string
	exclude        []string
	retain         int
	compress       string
	encrypt        bool
	dedup          bool
	dryRun         bool

	encryption config.EncryptionConfig
	retention  config.RetentionConfig
	ssh        []config.SSHServer
	s3         config.S3Config
}

func resolvePlan(cfg *config.Config, opts flagparse.Options) runPlan {
	p := runPlan{
		operationModes: coalesceList(opts.Set["operation-modes"], opts.OperationModes, cfg.Backups.OperationModes, []string{"local"}),
		backupMode:     manifest.Mode(coalesceString(opts.Set["backup-mode"], opts.BackupMode, cfg.Backups.BackupMode, "incremental")),
		sourceDir:      coalesceString(opts.Set["source-dir"], opts.SourceDir, cfg.Backups.SourceDir, ""),
		backupDirs:     coalesceList(opts.Set["backup-dirs"], opts.BackupDirs, cfg.Backups.BackupDirs, nil),
		sshServerNames: opts.SSHServers,
		exclude:        coalesceList(opts.Set["exclude"], opts.Exclude, cfg.Backups.Exclude, nil),
		retain:         coalesceInt(opts.Set["retain"], opts.Retain, cfg.Default.Retain),
		compress:       coalesceString(opts.Set["compress"], opts.Compress, cfg.Modes.Compress, ""),
		encrypt:        opts.Set["encrypt"] && opts.Encrypt || (!opts.Set["encrypt"] && cfg.Encryption.Enabled),
		dedup:          opts.Set["dedup"] && opts.Dedup || (!opts.Set["dedup"] && cfg.Dedup.Enabled),
		dryRun:         opts.DryRun || cfg.Default.DryRun,

		encryption: cfg.Encryption,
		retention:  cfg.Retention,
		ssh:        cfg.SSH.Servers,
		s3:         cfg.S3,
	}

	// --retain is a shortcut for retention.max_count, per spec §6.
	if p.retain > 0 {
		p.retention.MaxCount = p.retain
	}

	return p
}

func (p runPlan) wantsLocal() bool  { return contains(p.operationModes, "local") }
func (p runPlan) wantsSSH() bool    { return contains(p.operationModes, "ssh") }
func (p runPlan) wantsS3() bool     { return contains(p.operationModes, "s3") }
func (p runPlan) wantsDB() bool     { return contains(p.operationModes, "db") }

func (p runPlan) keySource() crypto.KeySource {
	return crypto.KeySource{KeyFile: p.encryption.KeyFile, Passphrase: p.encryption.Passphrase}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func coalesceString(explicit bool, cliVal, cfgVal, fallback string) string {
	if explicit {
		return cliVal
	}
	if cfgVal != "" {
		return cfgVal
	}
	if cliVal != "" {
		return cliVal
	}
	return fallback
}

func coalesceInt(explicit bool, cliVal, cfgVal int) int {
	if explicit {
		return cliVal
	}
	if cfgVal != 0 {
		return cfgVal
	}
	return cliVal
}

func coalesceList(explicit bool, cliVal, cfgVal, fallback []string) []string {
	if explicit && len(cliVal) > 0 {
		return cliVal
	}
	if len(cfgVal) > 0 {
		return cfgVal
	}
	if len(cliVal) > 0 {
		return cliVal
	}
	return fallback
}
