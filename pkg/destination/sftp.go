package destination

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/pixelgardenlabs/pglb/pkg/manifest"
	"github.com/pixelgardenlabs/pglb/pkg/plog"
	"github.com/pixelgardenlabs/pglb/pkg/ratelimit"
)

// SFTPConfig describes one remote host, taken verbatim from the SSH config
// section per spec §6.
type SFTPConfig struct {
	Host           string
	Port           int
	User           string
	PrivateKeyPath string
	Password       string // used only if PrivateKeyPath is empty
	RemoteRoot     string
	BandwidthKBps  int // 0 disables the cap
	MaxRetries     int
	// KnownHostsPath pins this server's trusted host keys; an empty value
	// defaults to "~/.ssh/known_hosts".
	KnownHostsPath string
}

// SFTP is one authenticated session to one remote host, per spec §4.E
// "opens one authenticated session per remote host".
type SFTP struct {
	cfg     SFTPConfig
	conn    *ssh.Client
	client  *sftp.Client
	limiter *ratelimit.Limiter
}

// defaultKnownHostsPath resolves "~/.ssh/known_hosts" when a server entry
// leaves KnownHostsPath unset.
func defaultKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

// hostKeyCallback builds the host-key callback per spec §4.E: "warn on
// unknown, never silently trust; an explicit unknown host surfaces as a
// connection failure." knownhosts.New parses an OpenSSH-format known_hosts
// file; every lookup against it is then wrapped so that both a missing
// entry and a changed key log a warning and reject the handshake, rather
// than the bare warn-then-proceed a naive callback would do.
func hostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		path = defaultKnownHostsPath()
	}
	if path == "" {
		return nil, fmt.Errorf("destination: no known_hosts path available and no $HOME to default one from")
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("destination: stat known_hosts file %s: %w", path, err)
		}
		// No trust database at all: every host is "unknown" by definition,
		// so every connection is rejected after a warning, never silently
		// trusted.
		return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
			plog.Warn("sftp: no known_hosts file configured, refusing unknown host key", "host", hostname, "known_hosts_path", path, "fingerprint", ssh.FingerprintSHA256(key))
			return fmt.Errorf("destination: no known_hosts database at %s to verify host key for %s", path, hostname)
		}, nil
	}

	verify, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("destination: parse known_hosts file %s: %w", path, err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := verify(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			plog.Warn("sftp: unknown host key, refusing connection", "host", hostname, "fingerprint", ssh.FingerprintSHA256(key), "known_hosts_path", path)
			return fmt.Errorf("destination: unknown host key for %s (add it to %s to trust it): %w", hostname, path, err)
		}
		// A non-empty Want means the host IS known but its key changed —
		// a stronger signal than "unknown" and always rejected.
		plog.Warn("sftp: host key mismatch against known_hosts, refusing connection", "host", hostname, "fingerprint", ssh.FingerprintSHA256(key), "known_hosts_path", path, "error", err)
		return fmt.Errorf("destination: host key verification failed for %s: %w", hostname, err)
	}, nil
}

// NewSFTP dials and authenticates to cfg.Host, returning a ready session.
func NewSFTP(ctx context.Context, cfg SFTPConfig) (*SFTP, error) {
	authMethods, err := sftpAuthMethods(cfg)
	if err != nil {
		return nil, err
	}

	hostKeyCb, err := hostKeyCallback(cfg.KnownHostsPath)
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCb,
		Timeout:         15 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	dialer := net.Dialer{Timeout: clientCfg.Timeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("destination: dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(rawConn, addr, clientCfg)
	if err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("destination: ssh handshake %s: %w", addr, err)
	}
	conn := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("destination: open sftp session %s: %w", addr, err)
	}

	var limiter *ratelimit.Limiter
	if cfg.BandwidthKBps > 0 {
		limiter = ratelimit.New(cfg.BandwidthKBps * 1024)
	}

	return &SFTP{cfg: cfg, conn: conn, client: client, limiter: limiter}, nil
}

func sftpAuthMethods(cfg SFTPConfig) ([]ssh.AuthMethod, error) {
	if cfg.PrivateKeyPath != "" {
		signer, err := loadPrivateKey(cfg.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
}

func (s *SFTP) Kind() Kind   { return KindSFTP }
func (s *SFTP) Name() string { return s.cfg.Host }
func (s *SFTP) Root() string { return s.cfg.RemoteRoot }

func (s *SFTP) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *SFTP) remotePath(relPath string) string {
	return path.Join(s.cfg.RemoteRoot, relPath)
}

// Mkdirs walks the parent chain and mkdirs each segment, ignoring "already
// exists", mirroring `mkdir -p` per spec §4.E.
func (s *SFTP) Mkdirs(_ context.Context, relPath string) error {
	dir := path.Dir(s.remotePath(relPath))
	return s.mkdirAll(dir)
}

func (s *SFTP) mkdirAll(dir string) error {
	if dir == "." || dir == "/" || dir == "" {
		return nil
	}
	if err := s.mkdirAll(path.Dir(dir)); err != nil {
		return err
	}
	if err := s.client.Mkdir(dir); err != nil {
		if sftpIsExist(err) {
			return nil
		}
		return fmt.Errorf("destination: mkdir %s on %s: %w", dir, s.cfg.Host, err)
	}
	return nil
}

// Put uploads r to relPath with chunked, optionally bandwidth-capped
// writes and a small bounded retry count on transient transport errors
// (auth errors are not retried), per spec §4.E.
func (s *SFTP) Put(ctx context.Context, relPath string, r io.Reader, size int64) error {
	if err := s.Mkdirs(ctx, relPath); err != nil {
		return err
	}

	// The reader may not be seekable (e.g. a pipe from a streaming
	// encryptor); buffering the whole file lets us retry the upload
	// without re-reading an exhausted source.
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("destination: buffer %s for upload: %w", relPath, err)
	}

	maxRetries := s.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	remote := s.remotePath(relPath)
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		lastErr = s.putOnce(ctx, remote, data)
		if lastErr == nil {
			return s.verifySize(remote, int64(len(data)))
		}
		plog.Warn("sftp: upload attempt failed, retrying", "host", s.cfg.Host, "path", relPath, "attempt", attempt, "error", lastErr)
	}
	return fmt.Errorf("destination: upload %s to %s failed after %d attempts: %w", relPath, s.cfg.Host, maxRetries+1, lastErr)
}

func (s *SFTP) putOnce(_ context.Context, remote string, data []byte) error {
	f, err := s.client.Create(remote)
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	if s.limiter != nil {
		w = ratelimit.Writer(f, s.limiter)
	}

	if _, err := io.Copy(w, newByteReader(data)); err != nil {
		return fmt.Errorf("write remote file: %w", err)
	}
	return nil
}

func (s *SFTP) verifySize(remote string, wantSize int64) error {
	info, err := s.client.Stat(remote)
	if err != nil {
		return fmt.Errorf("destination: stat uploaded file %s: %w", remote, err)
	}
	if info.Size() != wantSize {
		return fmt.Errorf("destination: size mismatch for %s: local %d remote %d", remote, wantSize, info.Size())
	}
	return nil
}

func (s *SFTP) ListManifests(_ context.Context) ([]string, error) {
	entries, err := s.client.ReadDir(s.cfg.RemoteRoot)
	if err != nil {
		if sftpIsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("destination: list %s on %s: %w", s.cfg.RemoteRoot, s.cfg.Host, err)
	}
	var names []string
	for _, e := range entries {
		if manifest.RunIDFromFileName(e.Name()) != "" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *SFTP) ReadManifest(_ context.Context, runID string) (*manifest.Manifest, error) {
	remote := path.Join(s.cfg.RemoteRoot, manifest.FileNameFor(runID))
	f, err := s.client.Open(remote)
	if err != nil {
		if sftpIsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("destination: open %s on %s: %w", remote, s.cfg.Host, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("destination: read %s on %s: %w", remote, s.cfg.Host, err)
	}
	return manifest.Parse(data)
}

func (s *SFTP) WriteManifest(ctx context.Context, m *manifest.Manifest) error {
	data, err := manifest.Marshal(m)
	if err != nil {
		return err
	}
	return s.Put(ctx, m.FileName(), newByteReader(data), int64(len(data)))
}

// FilesystemID is always empty for remote destinations: dedup never
// attempts cross-host hardlinking, per spec §3 "Destination Descriptor".
func (s *SFTP) FilesystemID() (string, error) { return "", nil }
