package hook_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-serverbackup/pkg/hints"
	"github.com/paulschiretz/pgl-serverbackup/pkg/hook"
)

// TestHelperProcess is a helper for testing exec.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) == 0 {
		os.Exit(0)
	}
	switch {
	case strings.Contains(args[0], "fail"):
		os.Exit(1)
	case strings.Contains(args[0], "need-run-id"):
		if os.Getenv("PGL_RUN_ID") == "" {
			os.Exit(3)
		}
	case strings.Contains(args[0], "sleep"):
		time.Sleep(10 * time.Second)
	}
	os.Exit(0)
}

func mockExecutor(ctx context.Context, name string, arg ...string) *exec.Cmd {
	// On Windows, the command is wrapped in `cmd /C`. We need to extract the actual command.
	var cmdLine string
	if len(arg) > 1 && (arg[0] == "/C" || arg[0] == "-c") {
		cmdLine = strings.Join(arg[1:], " ")
	} else {
		cmdLine = name + " " + strings.Join(arg, " ")
	}

	cs := []string{"-test.run=TestHelperProcess", "--", cmdLine}
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = []string{"GO_WANT_HELPER_PROCESS=1"}
	return cmd
}

func TestRun(t *testing.T) {
	tests := []struct {
		name          string
		commands      []string
		env           []string
		expectError   bool
		expectHint    bool
		errorContains string
	}{
		{name: "Success", commands: []string{"echo one", "echo two"}},
		{name: "Failure stops", commands: []string{"echo one", "fail this", "echo three"}, expectError: true, errorContains: "command 'fail this' failed"},
		{name: "Nothing to execute", commands: nil, expectError: true, expectHint: true},
		{name: "Env is passed", commands: []string{"need-run-id"}, env: []string{"PGL_RUN_ID=abc"}},
		{name: "Missing env fails", commands: []string{"need-run-id"}, expectError: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			executor := hook.NewHookExecutor(mockExecutor)
			err := executor.Run(context.Background(), "test", tc.commands, tc.env...)

			if !tc.expectError {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, but got nil")
			}
			if hints.IsHint(err) != tc.expectHint {
				t.Errorf("expected hint=%v, got %v", tc.expectHint, err)
			}
			if tc.errorContains != "" && !strings.Contains(err.Error(), tc.errorContains) {
				t.Errorf("expected error to contain %q, but got: %v", tc.errorContains, err)
			}
		})
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := hook.NewHookExecutor(mockExecutor).Run(ctx, "test", []string{"echo one"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestVote(t *testing.T) {
	executor := hook.NewHookExecutor(mockExecutor)

	ok, err := executor.Vote(context.Background(), "echo yes")
	if err != nil || !ok {
		t.Errorf("expected yes vote, got %v, %v", ok, err)
	}

	ok, err = executor.Vote(context.Background(), "fail please")
	if err != nil || ok {
		t.Errorf("expected no vote without error, got %v, %v", ok, err)
	}
}

func TestVoteTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	ok, err := hook.CommandGate{Executor: hook.NewHookExecutor(mockExecutor), Command: "sleep"}.Vote(ctx)
	if ok {
		t.Error("expected no vote on timeout")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestVoteUnstartableCommand(t *testing.T) {
	broken := func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "/nonexistent/pgl-serverbackup-hook")
	}

	ok, err := hook.NewHookExecutor(broken).Vote(context.Background(), "anything")
	if ok || err == nil {
		t.Errorf("expected error for unstartable command, got %v, %v", ok, err)
	}
}

func TestRunBestEffortSwallowsFailures(t *testing.T) {
	executor := hook.NewHookExecutor(mockExecutor)
	executor.RunBestEffort(context.Background(), "test", []string{"fail"})
	executor.RunBestEffort(context.Background(), "test", nil)
}
