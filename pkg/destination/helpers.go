package destination

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

func loadPrivateKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("destination: read private key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("destination: parse private key %s: %w", path, err)
	}
	return signer, nil
}

func sftpIsExist(err error) bool {
	var statusErr *sftp.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == 4 // SSH_FX_FAILURE, the code OpenSSH's sftp-server uses for EEXIST on Mkdir
	}
	return os.IsExist(err)
}

func sftpIsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist) || os.IsNotExist(err)
}

// newByteReader wraps a byte slice as an io.Reader, used where an upload
// needs to be retried against the same in-memory payload.
func newByteReader(data []byte) io.Reader {
	return bytes.NewReader(data)
}
