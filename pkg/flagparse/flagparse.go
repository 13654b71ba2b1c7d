// Package flagparse parses the command-line surface described in spec §6:
// a single `run [flags]` invocation shape (no subcommands), where modes
// like --restore and --verify switch behavior within that one command
// rather than selecting a different one. It keeps the teacher's
// pointer-struct-plus-flag.Visit technique (pkg/flagparse/flagparse.go in
// the teacher repo) for telling "flag explicitly set" apart from "flag
// left at its zero value", since that distinction is what lets a CLI flag
// selectively override a config file value instead of always winning.
package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Options is the fully parsed command line, with Set recording which
// flags the user explicitly passed so callers can tell "explicit override"
// apart from "flag left at its documented default".
type Options struct {
	OperationModes []string // local, ssh, s3, db
	BackupMode     string   // full, incremental, differential
	SourceDir      string
	BackupDirs     []string
	SSHServers     []string
	Exclude        []string
	Retain         int
	Compress       string // "", zip, zip_pw
	Encrypt        bool
	Dedup          bool

	Scheduled bool
	DryRun    bool
	ShowSetup bool
	Status    bool
	Verify    bool
	Restore   bool

	FromDir          string
	ToDir            string
	RestoreTimestamp string

	ConfigPath      string
	Profile         string
	Notifications   bool
	ReceiverEmails  []string
	ShowVersion     bool

	Set map[string]bool
}

// cliFlags mirrors the teacher's pattern of pointer fields so fs.Visit can
// distinguish "registered but left at zero value" from "never registered".
type cliFlags struct {
	operationModes *string
	backupMode     *string
	sourceDir      *string
	backupDirs     *string
	sshServers     *string
	exclude        *string
	retain         *int
	compress       *string
	encrypt        *bool
	dedup          *bool

	scheduled *bool
	dryRun    *bool
	showSetup *bool
	status    *bool
	verify    *bool
	restore   *bool

	fromDir          *string
	toDir            *string
	restoreTimestamp *string

	configPath     *string
	profile        *string
	notifications  *bool
	receiverEmails *string
	showVersion    *bool
}

func register(fs *flag.FlagSet) *cliFlags {
	f := &cliFlags{}

	f.operationModes = fs.String("operation-modes", "local", "Comma-separated destination kinds to run this invocation against: local, ssh, s3, db.")
	f.backupMode = fs.String("backup-mode", "incremental", "Selection mode: full, incremental, or differential.")
	f.sourceDir = fs.String("source-dir", "", "Source directory tree to back up.")
	f.backupDirs = fs.String("backup-dirs", "", "Comma-separated local destination directories.")
	f.sshServers = fs.String("ssh-servers", "", "Comma-separated SSH server names (matched against the SSH config section).")
	f.exclude = fs.String("exclude", "", "Comma-separated glob patterns to exclude from selection.")
	f.retain = fs.Int("retain", 0, "Shortcut for retention.max_count when positive; 0 defers to the config file.")
	f.compress = fs.String("compress", "", "Archive the run's output: zip or zip_pw.")
	f.encrypt = fs.Bool("encrypt", false, "Encrypt every copied file at rest with AES-256-GCM.")
	f.dedup = fs.Bool("dedup", false, "Hardlink-deduplicate identical content across local destinations after the run.")

	f.scheduled = fs.Bool("scheduled", false, "Run under the wall-clock scheduler instead of once and exit.")
	f.dryRun = fs.Bool("dry-run", false, "Report what would happen without writing, encrypting, deduping, or pruning anything.")
	f.showSetup = fs.Bool("show-setup", false, "Print the resolved configuration and exit without running.")
	f.status = fs.Bool("status", false, "Print the lock and last-run status and exit.")
	f.verify = fs.Bool("verify", false, "Verify a destination's files against its manifest and exit.")
	f.restore = fs.Bool("restore", false, "Restore files from a destination's manifest instead of running a backup.")

	f.fromDir = fs.String("from-dir", "", "Restore source directory (used with --restore).")
	f.toDir = fs.String("to-dir", "", "Restore target directory (used with --restore).")
	f.restoreTimestamp = fs.String("restore-timestamp", "", "Point-in-time run-id (YYYYMMDD_HHMMSS) to restore; latest if omitted.")

	f.configPath = fs.String("config", "", "Path to the ini configuration file.")
	f.profile = fs.String("profile", "", "Profile name; resolves to config/config.<NAME>.ini when --config is not given.")
	f.notifications = fs.Bool("notifications", false, "Enable outbound run notifications.")
	f.receiverEmails = fs.String("receiver", "", "Comma-separated notification recipient addresses.")
	f.showVersion = fs.Bool("version", false, "Print the version and exit.")

	return f
}

// Parse parses args (usually os.Args[1:]) into Options, per spec §6's
// single `run [flags]` shape. It returns an error for the spec's two
// mutual-exclusivity rules: --scheduled with --dry-run, and --restore
// with any backup-producing flag.
func Parse(args []string) (Options, error) {
	fs := flag.NewFlagSet("pglb", flag.ContinueOnError)
	f := register(fs)
	fs.Usage = func() { printUsage(fs) }

	// A leading "run" word, as in the usage line, is dropped before the
	// flags are parsed.
	if len(args) > 0 && args[0] == "run" {
		args = args[1:]
	}

	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}

	set := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	opts := Options{
		OperationModes:   splitCSV(*f.operationModes),
		BackupMode:       *f.backupMode,
		SourceDir:        *f.sourceDir,
		BackupDirs:       splitCSV(*f.backupDirs),
		SSHServers:       splitCSV(*f.sshServers),
		Exclude:          splitCSV(*f.exclude),
		Retain:           *f.retain,
		Compress:         *f.compress,
		Encrypt:          *f.encrypt,
		Dedup:            *f.dedup,
		Scheduled:        *f.scheduled,
		DryRun:           *f.dryRun,
		ShowSetup:        *f.showSetup,
		Status:           *f.status,
		Verify:           *f.verify,
		Restore:          *f.restore,
		FromDir:          *f.fromDir,
		ToDir:            *f.toDir,
		RestoreTimestamp: *f.restoreTimestamp,
		ConfigPath:       *f.configPath,
		Profile:          *f.profile,
		Notifications:    *f.notifications,
		ReceiverEmails:   splitCSV(*f.receiverEmails),
		ShowVersion:      *f.showVersion,
		Set:              set,
	}

	if err := opts.validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// backupProducingFlags are the selectors that only make sense when this
// invocation is producing a backup, per spec §6 "--restore mutually
// exclusive with any backup-producing flag".
var backupProducingFlags = []string{
	"operation-modes", "backup-mode", "source-dir", "backup-dirs",
	"ssh-servers", "exclude", "retain", "compress", "encrypt", "dedup",
}

func (o Options) validate() error {
	if o.Scheduled && o.Set["dry-run"] {
		return fmt.Errorf("flagparse: --scheduled and --dry-run are mutually exclusive")
	}
	if o.Restore {
		for _, name := range backupProducingFlags {
			if o.Set[name] {
				return fmt.Errorf("flagparse: --restore is mutually exclusive with --%s", name)
			}
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printUsage(fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "Usage: %s run [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}
