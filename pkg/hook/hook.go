// Package hook runs the user's shell commands before and after a backup.
package hook

import (
	"context"
	"errors"
	"os"
	"os/exec"

	"github.com/paulschiretz/pgl-catalog/pkg/backuperr"
	"github.com/paulschiretz/pgl-catalog/pkg/hints"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
)

var ErrNothingToExecute = hints.New("nothing to execute")
var ErrDisabled = hints.New("hook execution is disabled")

// Plan holds the commands of both hook phases.
type Plan struct {
	Enabled bool

	PreBackupCommands  []string
	PostBackupCommands []string

	DryRun bool
	// FailFast turns a failing command into an error. Otherwise it is logged
	// and the next command runs.
	FailFast bool
}

// Event describes the backup a hook runs for. It is passed to every command
// through PGL_CATALOG_* environment variables.
type Event struct {
	BackupID string
	Source   string
	Archive  string
	// Status is empty for pre-backup hooks.
	Status string
}

func (ev Event) environ() []string {
	return []string{
		"PGL_CATALOG_BACKUP_ID=" + ev.BackupID,
		"PGL_CATALOG_SOURCE=" + ev.Source,
		"PGL_CATALOG_ARCHIVE=" + ev.Archive,
		"PGL_CATALOG_STATUS=" + ev.Status,
	}
}

type HookExecutor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewHookExecutor returns an executor. A nil commandContext uses exec.CommandContext.
func NewHookExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *HookExecutor {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &HookExecutor{
		commandContext: commandContext,
	}
}

// RunPreBackup runs the pre-backup commands. A hint error is returned when
// there is nothing to do.
func (e *HookExecutor) RunPreBackup(ctx context.Context, p *Plan, ev Event) error {
	if p == nil {
		return ErrDisabled
	}
	return e.run(ctx, "pre-backup", p, p.PreBackupCommands, ev)
}

// RunPostBackup runs the post-backup commands.
func (e *HookExecutor) RunPostBackup(ctx context.Context, p *Plan, ev Event) error {
	if p == nil {
		return ErrDisabled
	}
	return e.run(ctx, "post-backup", p, p.PostBackupCommands, ev)
}

func (e *HookExecutor) run(ctx context.Context, phase string, p *Plan, commands []string, ev Event) error {
	if !p.Enabled {
		return ErrDisabled
	}
	if len(commands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info("Running hook commands", "phase", phase, "id", ev.BackupID)

	for _, hookCommand := range commands {
		if err := ctx.Err(); err != nil {
			return err
		}

		if p.DryRun {
			plog.Info("[DRY RUN] Executing command", "command", hookCommand)
			continue
		}
		plog.Info("Executing command", "command", hookCommand)

		cmd := e.createCommand(ctx, hookCommand)
		env := cmd.Env
		if env == nil {
			env = os.Environ()
		}
		cmd.Env = append(env, ev.environ()...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			// A cancelled context kills the process; report the cancel, not the exit status.
			if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) || errors.Is(ctxErr, context.DeadlineExceeded) {
				return ctxErr
			}
			if p.FailFast {
				return backuperr.Wrapf(backuperr.IOError, "hook", err, "%s command '%s' failed", phase, hookCommand)
			}
			plog.Warn("Hook command failed", "phase", phase, "command", hookCommand, "error", err)
		}
	}
	return nil
}
