//go:build !windows

package hook

import (
	"context"
	"os/exec"

	"golang.org/x/sys/unix"
)

// createCommand creates an exec.Cmd for a hook on Unix-like systems.
func (e *HookExecutor) createCommand(ctx context.Context, command string) *exec.Cmd {
	cmd := e.commandContext(ctx, "/bin/sh", "-c", command)
	// On Unix-like systems, start the command in a new process group (PGRP) of
	// which it is the leader. Nothing here signals that group as a whole when
	// the context is canceled.
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	return cmd
}
