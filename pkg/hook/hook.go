// Package hook runs operator-configured shell commands around a backup run.
package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/paulschiretz/pgl-serverbackup/pkg/hints"
	"github.com/paulschiretz/pgl-serverbackup/pkg/plog"
)

var ErrNothingToExecute = hints.New("nothing to execute")

// Config holds the command lists of every hook point.
type Config struct {
	// PermissionCommands vote on whether a run may start. Exit code 0 is a yes.
	PermissionCommands []string `yaml:"permissionCommands"`
	// SuspendAutoSave and ResumeAutoSave bracket the compression phase.
	SuspendAutoSave []string `yaml:"suspendAutoSave"`
	ResumeAutoSave  []string `yaml:"resumeAutoSave"`
	OnDone          []string `yaml:"onDone"`
	OnError         []string `yaml:"onError"`
}

type HookExecutor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewHookExecutor creates a HookExecutor. A nil commandContext uses exec.CommandContext.
func NewHookExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *HookExecutor {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &HookExecutor{
		commandContext: commandContext,
	}
}

// Run executes commands in order and stops at the first failure.
// env entries ("KEY=value") are appended to the process environment.
func (e *HookExecutor) Run(ctx context.Context, hookName string, commands []string, env ...string) error {
	if len(commands) == 0 {
		return ErrNothingToExecute
	}

	plog.Debug("Running hook commands", "hook", hookName, "count", len(commands))

	for _, hookCommand := range commands {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		plog.Info("Executing command", "hook", hookName, "command", hookCommand)
		if err := e.runOne(ctx, hookCommand, env); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return context.Canceled
			}
			return fmt.Errorf("command '%s' failed: %w", hookCommand, err)
		}
	}
	return nil
}

// RunBestEffort runs commands like Run but only logs failures.
func (e *HookExecutor) RunBestEffort(ctx context.Context, hookName string, commands []string, env ...string) {
	err := e.Run(ctx, hookName, commands, env...)
	switch {
	case err == nil:
	case hints.IsHint(err):
		plog.Debug("Hook skipped", "hook", hookName, "reason", err)
	default:
		plog.Warn("Hook command failed", "hook", hookName, "error", err)
	}
}

// Vote runs command and reports a yes for exit code 0. A non-zero exit is a
// no; any other failure (command not startable, context expired) is an error.
func (e *HookExecutor) Vote(ctx context.Context, command string) (bool, error) {
	err := e.runOne(ctx, command, nil)
	if err == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

func (e *HookExecutor) runOne(ctx context.Context, command string, env []string) error {
	cmd := e.createCommand(ctx, command)
	if len(env) > 0 {
		base := cmd.Env
		if base == nil {
			base = os.Environ()
		}
		cmd.Env = append(base, env...)
	}

	// Pipe output to our logger for visibility
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// CommandGate is a permission gate backed by a single shell command.
type CommandGate struct {
	Executor *HookExecutor
	Command  string
}

func (g CommandGate) Name() string { return "command: " + g.Command }

func (g CommandGate) Vote(ctx context.Context) (bool, error) {
	return g.Executor.Vote(ctx, g.Command)
}
