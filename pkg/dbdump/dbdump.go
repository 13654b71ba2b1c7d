// Package dbdump runs mysqldump against a configured database and lands
// the resulting SQL file in a staging directory, where it becomes an
// ordinary file for the Selector/Destination stages to pick up, per
// spec §4.G. Command construction follows the teacher's pkg/hook pattern
// (os/exec.CommandContext with stdout/stderr wired to the process logger);
// the mysqldump binary is never given the password as an argv, to keep it
// out of `ps`, matching spec §4.G's explicit requirement. Before shelling
// out, the database/sql driver opens a direct connection to validate the
// DSN and credentials and to read the binlog position, so a bad password
// or unreachable host fails fast with a driver error instead of waiting
// on mysqldump's own (much slower) connection retry behavior. The dump
// stream itself is piped through a parallel gzip writer so the staged
// artifact is already compressed before it reaches the Selector.
package dbdump

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/klauspost/pgzip"
	"github.com/pixelgardenlabs/pglb/pkg/plog"
)

// Config is the DATABASE section of the config file, per spec §6.
type Config struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	BinaryPath string // defaults to "mysqldump" if empty
}

// Dump runs mysqldump for cfg and writes the gzip-compressed output to a
// file named "<database>_<run-id>.sql.gz" inside stagingDir, returning its
// path.
// The password is passed via the MYSQL_PWD environment variable, never as
// a command-line argument.
func Dump(ctx context.Context, cfg Config, stagingDir, runID string) (string, error) {
	return dumpWithExtraArgs(ctx, cfg, stagingDir, runID, nil)
}

// runHelperArgs is overridden in tests to route the mysqldump invocation
// through a compiled-in test helper process instead of a real binary.
var runHelperArgs []string

func dumpWithExtraArgs(ctx context.Context, cfg Config, stagingDir, runID string, extraEnv []string) (string, error) {
	binary := cfg.BinaryPath
	if binary == "" {
		binary = "mysqldump"
	}

	if len(runHelperArgs) == 0 {
		binlogPos, err := preflight(ctx, cfg)
		if err != nil {
			return "", fmt.Errorf("dbdump: preflight connection check failed for %s: %w", cfg.Database, err)
		}
		if binlogPos != "" {
			plog.Info("dbdump: binlog position at dump start", "database", cfg.Database, "position", binlogPos)
		}
	}

	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("dbdump: create staging dir %s: %w", stagingDir, err)
	}

	outPath := filepath.Join(stagingDir, fmt.Sprintf("%s_%s.sql.gz", cfg.Database, runID))
	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("dbdump: create dump file %s: %w", outPath, err)
	}
	defer out.Close()

	gz := pgzip.NewWriter(out)

	args := []string{
		"--host=" + cfg.Host,
		"--port=" + fmt.Sprint(cfg.Port),
		"--user=" + cfg.User,
		"--single-transaction",
		"--routines",
		"--triggers",
		cfg.Database,
	}
	if len(runHelperArgs) > 0 {
		args = append(runHelperArgs, args...)
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Env = append(append(os.Environ(), extraEnv...), "MYSQL_PWD="+cfg.Password)
	cmd.Stdout = gz

	var stderr limitedBuffer
	cmd.Stderr = &stderr

	plog.Info("dbdump: starting mysqldump", "database", cfg.Database, "host", cfg.Host)
	start := time.Now()

	if err := cmd.Run(); err != nil {
		gz.Close()
		os.Remove(outPath)
		return "", fmt.Errorf("dbdump: mysqldump failed for %s: %w: %s", cfg.Database, err, stderr.String())
	}
	if err := gz.Close(); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("dbdump: failed to finalize compressed dump for %s: %w", cfg.Database, err)
	}

	plog.Info("dbdump: mysqldump finished", "database", cfg.Database, "elapsed", time.Since(start).Round(time.Millisecond))
	return outPath, nil
}

// preflight opens a direct connection with the database/sql driver to
// validate the DSN and credentials before the (much slower, harder to
// diagnose) mysqldump invocation, and returns the current binlog
// file:position from SHOW MASTER STATUS when available. An empty result
// with a nil error means the server has binary logging disabled, which is
// not itself a reason to abort the dump.
func preflight(ctx context.Context, cfg Config) (string, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?timeout=5s", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return "", err
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return "", err
	}

	var file string
	var position int64
	var binlogDoDB, binlogIgnoreDB, executedGtidSet sql.NullString
	row := db.QueryRowContext(ctx, "SHOW MASTER STATUS")
	if err := row.Scan(&file, &position, &binlogDoDB, &binlogIgnoreDB, &executedGtidSet); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		// Binary logging disabled or a narrower result set than expected;
		// the connection itself is already validated, so this isn't fatal.
		return "", nil
	}
	return fmt.Sprintf("%s:%d", file, position), nil
}

// limitedBuffer captures up to 4KB of stderr for error messages without
// risking unbounded memory growth on a runaway dump.
type limitedBuffer struct {
	data []byte
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	const limit = 4096
	if len(b.data) < limit {
		remaining := limit - len(b.data)
		if remaining > len(p) {
			remaining = len(p)
		}
		b.data = append(b.data, p[:remaining]...)
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return string(b.data) }
