// Package hook runs the pre-hook and post-hook shell commands a run's
// HOOKS config section names, per spec §4.M / §9 "Hook: an
// externally-configured shell command run before or after the backup
// proper." Adapted from the teacher's pkg/hook: the command-execution
// loop and dry-run/fail-fast handling are unchanged, but each hook
// command now runs with PGLB_RUN_ID/PGLB_STAGE/PGLB_DRY_RUN set in its
// environment, so a hook script (e.g. "notify Slack before the backup
// starts") can identify which run invoked it without parsing stdout.
package hook

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/pixelgardenlabs/pglb/pkg/hints"
	"github.com/pixelgardenlabs/pglb/pkg/plog"
)

var ErrNothingToExecute = hints.New("nothing to execute")
var ErrDisabled = hints.New("hook execution is disabled")

// stage names the hook point a command is running at, surfaced to the
// command itself via PGLB_STAGE.
type stage string

const (
	stagePre  stage = "pre"
	stagePost stage = "post"
)

type HookExecutor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

func NewHookExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *HookExecutor {
	return &HookExecutor{
		commandContext: commandContext,
	}
}

// RunPreHook runs every PRE_HOOK_COMMAND in order, per spec §7's error
// taxonomy: a non-zero pre-hook command aborts the run (or, without
// FailFast, is logged and the next command still runs).
func (e *HookExecutor) RunPreHook(ctx context.Context, runID string, p *Plan, timestampUTC time.Time) error {
	return e.run(ctx, stagePre, runID, p.PreHookCommands, p, timestampUTC)
}

// RunPostHook runs every POST_HOOK_COMMAND in order. Per spec §7, a
// non-zero post-hook command is logged but never changes the run's
// outcome, so callers should log a RunPostHook error rather than
// propagate it into the run's exit status.
func (e *HookExecutor) RunPostHook(ctx context.Context, runID string, p *Plan, timestampUTC time.Time) error {
	return e.run(ctx, stagePost, runID, p.PostHookCommands, p, timestampUTC)
}

func (e *HookExecutor) run(ctx context.Context, st stage, runID string, commands []string, p *Plan, timestampUTC time.Time) error {
	if !p.Enabled {
		return ErrDisabled
	}
	if len(commands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info(fmt.Sprintf("running %s-hook commands", st), "run_id", runID, "count", len(commands))

	env := append(os.Environ(),
		"PGLB_RUN_ID="+runID,
		"PGLB_STAGE="+string(st),
		"PGLB_RUN_TIMESTAMP_UTC="+timestampUTC.Format(time.RFC3339),
		fmt.Sprintf("PGLB_DRY_RUN=%t", p.DryRun),
	)

	for _, hookCommand := range commands {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.DryRun {
			plog.Info("[DRY RUN] executing hook command", "command", hookCommand, "stage", st)
			continue
		}
		plog.Info("executing hook command", "command", hookCommand, "stage", st)

		cmd := e.createCommand(ctx, hookCommand)
		cmd.Env = append(cmd.Env, env...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			if ctx.Err() == context.Canceled {
				return context.Canceled
			}
			if p.FailFast {
				return fmt.Errorf("command '%s' failed: %w", hookCommand, err)
			}
			plog.Warn("hook command failed", "command", hookCommand, "stage", st, "error", err)
		}
	}
	return nil
}
