package dbdump

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/pgzip"
)

// TestHelperProcess simulates mysqldump: it checks MYSQL_PWD is set and not
// passed as an argument, then writes a fixed payload to stdout.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	for _, arg := range os.Args {
		if strings.Contains(arg, "secret-pass") {
			os.Exit(1) // password leaked into argv, test must catch this
		}
	}
	if os.Getenv("MYSQL_PWD") != "secret-pass" {
		os.Exit(2)
	}
	os.Stdout.WriteString("-- dump output\n")
}

func TestDumpWritesOutputFile(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Host:     "127.0.0.1",
		Port:     3306,
		User:     "backup",
		Password: "secret-pass",
		Database: "appdb",
	}

	// Swap the real binary resolution: Dump always execs cfg.BinaryPath
	// (or "mysqldump"), so point it at this test binary acting as a helper
	// process, mirroring the teacher's hook_test.go technique.
	cfg.BinaryPath = os.Args[0]

	origRun := runHelperArgs
	runHelperArgs = []string{"-test.run=TestHelperProcess", "--"}
	defer func() { runHelperArgs = origRun }()

	path, err := dumpWithExtraArgs(context.Background(), cfg, dir, "20260101_000000", []string{"GO_WANT_HELPER_PROCESS=1"})
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("expected dump in %s, got %s", dir, path)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open dump: %v", err)
	}
	defer f.Close()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		t.Fatalf("open gzip reader: %v", err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("read dump: %v", err)
	}
	if !strings.Contains(string(data), "dump output") {
		t.Errorf("unexpected dump contents: %q", data)
	}
}
