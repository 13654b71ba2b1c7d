// Package config loads the ini-sectioned configuration file described in
// spec §6, following the teacher-adjacent koanf v2 layering pattern from
// tomtom215-cartographus's internal/config/koanf.go (defaults via
// structs.Provider, then a file provider, unmarshal into a typed struct)
// adapted from YAML+env to this project's ini format. A custom
// substitution pass resolves `${NAME}` references against the process
// environment before koanf ever sees the file, since koanf's ini parser
// has no notion of variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/ini"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// BackupsConfig is the BACKUPS section, per spec §6.
type BackupsConfig struct {
	SourceDir       string   `koanf:"source_dir"`
	BackupDirs      []string `koanf:"backup_dirs"`
	Exclude         []string `koanf:"exclude"`
	OperationModes  []string `koanf:"operation_modes"`
	BackupMode      string   `koanf:"backup_mode"`
}

// SSHServer is one entry under SSH.server_N, collapsed into a slice after
// unmarshal since koanf's ini parser has no native repeated-section idea.
type SSHServer struct {
	// Name is the "N" segment of the section key (SSH.server_<name>.*),
	// matched against --ssh-servers at run time; it is not itself a key
	// inside the section so it carries no koanf tag.
	Name           string `koanf:"-"`
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	User           string `koanf:"user"`
	PrivateKeyPath string `koanf:"private_key_path"`
	Password       string `koanf:"password"`
	RemoteRoot     string `koanf:"remote_root"`
	BandwidthKBps  int    `koanf:"bandwidth_kbps"`
	// KnownHostsPath pins this server's trusted host keys, per spec §4.E
	// "warn on unknown, never silently trust". Defaults to
	// "~/.ssh/known_hosts" when empty.
	KnownHostsPath string `koanf:"known_hosts_path"`
}

// SSHConfig is the SSH section.
type SSHConfig struct {
	Servers []SSHServer `koanf:"-"`
}

// S3Config is the S3 section.
type S3Config struct {
	Bucket          string `koanf:"bucket"`
	Prefix          string `koanf:"prefix"`
	Region          string `koanf:"region"`
	Endpoint        string `koanf:"endpoint"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
}

// EncryptionConfig is the ENCRYPTION section.
type EncryptionConfig struct {
	Enabled    bool   `koanf:"enabled"`
	KeyFile    string `koanf:"key_file"`
	Passphrase string `koanf:"passphrase"`
}

// DatabaseConfig is the DATABASE section.
type DatabaseConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	User       string `koanf:"user"`
	Password   string `koanf:"password"`
	Database   string `koanf:"database"`
	BinaryPath string `koanf:"binary_path"`
}

// SMTPConfig is the SMTP section, consumed only by the out-of-scope
// notification transport; the core loads it but neither validates it nor
// dials SMTP.
type SMTPConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
}

// DedupConfig is the DEDUP section.
type DedupConfig struct {
	Enabled bool `koanf:"enabled"`
}

// ScheduleConfig is the SCHEDULE section.
type ScheduleConfig struct {
	Times            []string `koanf:"times"`
	IntervalMinutes  int      `koanf:"interval_minutes"`
}

// ModesConfig is the MODES section: compression toggle and flavor.
type ModesConfig struct {
	Compress string `koanf:"compress"` // "", "zip", or "zip_pw"
}

// HooksConfig is the HOOKS section.
type HooksConfig struct {
	Enabled          bool     `koanf:"enabled"`
	FailFast         bool     `koanf:"fail_fast"`
	PreHookCommands  []string `koanf:"pre_hook_commands"`
	PostHookCommands []string `koanf:"post_hook_commands"`
}

// RetentionConfig is the RETENTION section.
type RetentionConfig struct {
	MaxAgeDays int `koanf:"max_age_days"`
	MaxCount   int `koanf:"max_count"`
	Workers    int `koanf:"workers"`
}

// NotificationsConfig is the NOTIFICATIONS section.
type NotificationsConfig struct {
	Enabled        bool     `koanf:"enabled"`
	ReceiverEmails []string `koanf:"receiver_emails"`
}

// DefaultConfig is the DEFAULT section: cross-cutting run behavior.
type DefaultConfig struct {
	LogLevel string `koanf:"log_level"`
	DryRun   bool   `koanf:"dry_run"`
	Retain   int    `koanf:"retain"`
}

// Config is the fully parsed configuration file, per spec §6's section
// list.
type Config struct {
	Default       DefaultConfig       `koanf:"DEFAULT"`
	Backups       BackupsConfig       `koanf:"BACKUPS"`
	SSH           SSHConfig           `koanf:"SSH"`
	S3            S3Config            `koanf:"S3"`
	Encryption    EncryptionConfig    `koanf:"ENCRYPTION"`
	Database      DatabaseConfig      `koanf:"DATABASE"`
	SMTP          SMTPConfig          `koanf:"SMTP"`
	Dedup         DedupConfig         `koanf:"DEDUP"`
	Schedule      ScheduleConfig      `koanf:"SCHEDULE"`
	Modes         ModesConfig         `koanf:"MODES"`
	Hooks         HooksConfig         `koanf:"HOOKS"`
	Retention     RetentionConfig     `koanf:"RETENTION"`
	Notifications NotificationsConfig `koanf:"NOTIFICATIONS"`
}

func defaultConfig() *Config {
	return &Config{
		Default: DefaultConfig{LogLevel: "info", Retain: 0},
		Retention: RetentionConfig{
			Workers: 4,
		},
		Schedule: ScheduleConfig{
			IntervalMinutes: 15,
		},
	}
}

// envRefPattern matches ${NAME} substitution tokens, per spec §6 "Any
// value of the form ${NAME} is replaced by the environment variable NAME
// at load time; unresolved references abort startup."
var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ErrUnresolvedEnvRef is returned when a ${NAME} reference in the config
// file has no corresponding environment variable.
type ErrUnresolvedEnvRef struct{ Name string }

func (e *ErrUnresolvedEnvRef) Error() string {
	return fmt.Sprintf("config: unresolved environment reference ${%s}", e.Name)
}

// expandEnvRefs resolves every ${NAME} token in data against os.Environ,
// returning ErrUnresolvedEnvRef on the first miss.
func expandEnvRefs(data []byte) ([]byte, error) {
	var firstErr error
	expanded := envRefPattern.ReplaceAllFunc(data, func(tok []byte) []byte {
		name := envRefPattern.FindStringSubmatch(string(tok))[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			if firstErr == nil {
				firstErr = &ErrUnresolvedEnvRef{Name: name}
			}
			return tok
		}
		return []byte(val)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return expanded, nil
}

// Load reads path, expands ${NAME} references, and unmarshals into a
// Config with built-in defaults applied first, per spec §6.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded, err := expandEnvRefs(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	// koanf's file provider reads straight off disk, so the expanded bytes
	// (with every ${NAME} already substituted) are staged into a temp file
	// in the system temp directory before loading; the original on disk is
	// never rewritten.
	tmp, err := os.CreateTemp("", "pglb-config-*.ini")
	if err != nil {
		return nil, fmt.Errorf("config: stage expanded config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(expanded); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("config: stage expanded config: %w", err)
	}
	tmp.Close()

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}
	if err := k.Load(file.Provider(tmp.Name()), ini.Parser()); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}

	cfg.SSH.Servers = collectSSHServers(k)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// collectSSHServers gathers every SSH.server_<name>.* group into a flat
// slice, since the ini format allows repeated host blocks under
// arbitrary names but the rest of this package wants a plain slice.
func collectSSHServers(k *koanf.Koanf) []SSHServer {
	const prefix = "SSH.server_"
	seen := map[string]bool{}
	var servers []SSHServer
	for key := range k.All() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		dot := strings.Index(rest, ".")
		if dot < 0 {
			continue
		}
		name := rest[:dot]
		if seen[name] {
			continue
		}
		seen[name] = true

		var s SSHServer
		_ = k.Unmarshal(prefix+name, &s)
		s.Name = name
		servers = append(servers, s)
	}
	return servers
}

// Validate checks the cross-field invariants spec §6/§7 call out as fatal
// config errors.
func (c *Config) Validate() error {
	if c.Encryption.Enabled && c.Encryption.KeyFile == "" && c.Encryption.Passphrase == "" {
		return fmt.Errorf("config: encryption enabled but neither key_file nor passphrase set")
	}
	if c.Modes.Compress != "" && c.Modes.Compress != "zip" && c.Modes.Compress != "zip_pw" {
		return fmt.Errorf("config: modes.compress must be 'zip' or 'zip_pw', got %q", c.Modes.Compress)
	}
	if c.Backups.SourceDir == "" {
		return fmt.Errorf("config: backups.source_dir is required")
	}
	return nil
}
