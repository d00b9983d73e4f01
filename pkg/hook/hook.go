// Package hook runs operator-configured shell commands around a backup run,
// e.g. quiescing a database before the archive and waking it after.
package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/tarkeep/tarkeep/pkg/plog"
)

// Executor runs hook commands through the platform shell.
type Executor struct {
	// commandContext allows mocking os/exec in tests.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewExecutor creates an Executor. A nil commandContext uses the real os/exec.
func NewExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *Executor {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &Executor{commandContext: commandContext}
}

// Run executes the commands of one hook stage ("pre" or "post") in order.
// With failFast set, the first failing command aborts the stage; otherwise
// failures are logged and the remaining commands still run.
func (e *Executor) Run(ctx context.Context, stage string, commands []string, failFast bool) error {
	if len(commands) == 0 {
		return nil
	}

	plog.Info(fmt.Sprintf("Running %s-backup hook commands", stage), "count", len(commands))

	for _, hookCommand := range commands {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		plog.Notice("EXEC", "stage", stage, "command", hookCommand)

		cmd := e.createCommand(ctx, hookCommand)
		// Pipe output through for visibility.
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			// Cancellation makes cmd.Wait fail too; report the more specific cause.
			if errors.Is(ctx.Err(), context.Canceled) {
				return context.Canceled
			}
			if failFast {
				return fmt.Errorf("%s hook command '%s' failed: %w", stage, hookCommand, err)
			}
			plog.Warn("Hook command failed", "stage", stage, "command", hookCommand, "error", err)
		}
	}
	return nil
}
