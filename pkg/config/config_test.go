package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValues(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, "info", cfg.Default.LogLevel)
	assert.Equal(t, 4, cfg.Retention.Workers)
	assert.Equal(t, 15, cfg.Schedule.IntervalMinutes)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pglb.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesSectionsAndDefaults(t *testing.T) {
	path := writeConfig(t, `
[BACKUPS]
source_dir = /srv/data
backup_dirs = /mnt/a,/mnt/b
operation_modes = full

[ENCRYPTION]
enabled = true
passphrase = hunter2

[RETENTION]
max_age_days = 30
max_count = 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/data", cfg.Backups.SourceDir)
	assert.Equal(t, 30, cfg.Retention.MaxAgeDays)
	assert.Equal(t, 4, cfg.Retention.Workers, "Retention.Workers default should survive a partially-specified section")
}

func TestLoadExpandsEnvReferences(t *testing.T) {
	os.Setenv("PGLB_TEST_PASSPHRASE", "supersecret")
	defer os.Unsetenv("PGLB_TEST_PASSPHRASE")

	path := writeConfig(t, `
[BACKUPS]
source_dir = /srv/data

[ENCRYPTION]
enabled = true
passphrase = ${PGLB_TEST_PASSPHRASE}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "supersecret", cfg.Encryption.Passphrase)
}

func TestLoadFailsOnUnresolvedEnvReference(t *testing.T) {
	os.Unsetenv("PGLB_TEST_MISSING_VAR")
	path := writeConfig(t, `
[BACKUPS]
source_dir = /srv/data

[ENCRYPTION]
enabled = true
passphrase = ${PGLB_TEST_MISSING_VAR}
`)

	_, err := Load(path)
	require.Error(t, err, "expected an error for an unresolved ${NAME} reference")
}

func TestLoadFailsValidationWithoutSourceDir(t *testing.T) {
	path := writeConfig(t, `
[DEFAULT]
log_level = debug
`)

	_, err := Load(path)
	require.Error(t, err, "expected validation error when backups.source_dir is missing")
}

func TestLoadCollectsSSHServers(t *testing.T) {
	path := writeConfig(t, `
[BACKUPS]
source_dir = /srv/data

[SSH.server_primary]
host = primary.example.com
port = 22
user = backup
remote_root = /backups
known_hosts_path = /etc/pglb/known_hosts

[SSH.server_secondary]
host = secondary.example.com
remote_root = /backups
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.SSH.Servers, 2)

	byName := map[string]SSHServer{}
	for _, s := range cfg.SSH.Servers {
		byName[s.Name] = s
	}
	primary, ok := byName["primary"]
	require.True(t, ok, "expected a primary server entry")
	assert.Equal(t, "primary.example.com", primary.Host)
	assert.Equal(t, 22, primary.Port)
	assert.Equal(t, "/etc/pglb/known_hosts", primary.KnownHostsPath)

	secondary, ok := byName["secondary"]
	require.True(t, ok, "expected a secondary server entry")
	assert.Empty(t, secondary.KnownHostsPath, "an unset known_hosts_path should default at dial time, not at parse time")
}

func TestLoadFailsWhenEncryptionEnabledWithoutKeyMaterial(t *testing.T) {
	path := writeConfig(t, `
[BACKUPS]
source_dir = /srv/data

[ENCRYPTION]
enabled = true
`)

	_, err := Load(path)
	require.Error(t, err, "expected validation error when encryption is enabled without key_file or passphrase")
}
