package hook_test

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-catalog/pkg/backuperr"
	"github.com/paulschiretz/pgl-catalog/pkg/hints"
	"github.com/paulschiretz/pgl-catalog/pkg/hook"
	"github.com/paulschiretz/pgl-catalog/pkg/plog"
)

func init() {
	plog.SetOutput(io.Discard)
}

// TestHelperProcess stands in for the shell. Commands containing "fail" exit
// 1; "checkenv" exits 1 unless the backup id variable was passed.
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
	if len(args) > 0 && strings.Contains(args[0], "fail") {
		os.Exit(1)
	}
	if len(args) > 0 && strings.Contains(args[0], "checkenv") {
		if os.Getenv("PGL_CATALOG_BACKUP_ID") != "backup_20250101000000_123" ||
			os.Getenv("PGL_CATALOG_STATUS") != "completed" {
			os.Exit(1)
		}
	}
	os.Exit(0)
}

func mockExecutor(ctx context.Context, name string, arg ...string) *exec.Cmd {
	// The command line follows "-c" on unix and "/C" on windows.
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

func TestHookExecutor(t *testing.T) {
	ev := hook.Event{
		BackupID: "backup_20250101000000_123",
		Source:   "/data",
		Archive:  "/base/archives/backup_20250101000000_123.zip",
		Status:   "completed",
	}

	tests := []struct {
		name          string
		plan          *hook.Plan
		hookType      string // "pre" or "post"
		expectError   bool
		expectHint    bool
		errorContains string
	}{
		{
			name:     "Pre-backup success",
			plan:     &hook.Plan{Enabled: true, PreBackupCommands: []string{"echo pre-hook-works"}},
			hookType: "pre",
		},
		{
			name:     "Post-backup success",
			plan:     &hook.Plan{Enabled: true, PostBackupCommands: []string{"echo post-hook-works"}},
			hookType: "post",
		},
		{
			name:     "Post-backup sees backup environment",
			plan:     &hook.Plan{Enabled: true, PostBackupCommands: []string{"checkenv"}, FailFast: true},
			hookType: "post",
		},
		{
			name:          "Pre-backup failure with FailFast",
			plan:          &hook.Plan{Enabled: true, PreBackupCommands: []string{"fail this"}, FailFast: true},
			hookType:      "pre",
			expectError:   true,
			errorContains: "command 'fail this' failed",
		},
		{
			name:     "Pre-backup failure without FailFast",
			plan:     &hook.Plan{Enabled: true, PreBackupCommands: []string{"fail this", "echo next"}},
			hookType: "pre",
		},
		{
			name:     "Post-backup failure without FailFast",
			plan:     &hook.Plan{Enabled: true, PostBackupCommands: []string{"fail this"}},
			hookType: "post",
		},
		{
			name:     "Dry run",
			plan:     &hook.Plan{Enabled: true, PreBackupCommands: []string{"fail should-not-run"}, DryRun: true, FailFast: true},
			hookType: "pre",
		},
		{
			name:        "Disabled",
			plan:        &hook.Plan{Enabled: false, PreBackupCommands: []string{"echo x"}},
			hookType:    "pre",
			expectError: true,
			expectHint:  true,
		},
		{
			name:        "Nothing to execute",
			plan:        &hook.Plan{Enabled: true, PreBackupCommands: []string{"echo x"}},
			hookType:    "post",
			expectError: true,
			expectHint:  true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			executor := hook.NewHookExecutor(mockExecutor)
			var err error
			if tc.hookType == "pre" {
				err = executor.RunPreBackup(context.Background(), tc.plan, ev)
			} else {
				err = executor.RunPostBackup(context.Background(), tc.plan, ev)
			}

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
				t.Errorf("expected hint=%v, got error: %v", tc.expectHint, err)
			}
			if !tc.expectHint && !errors.Is(err, backuperr.ErrIO) {
				t.Errorf("expected an IOError, got: %v", err)
			}
			if tc.errorContains != "" && !strings.Contains(err.Error(), tc.errorContains) {
				t.Errorf("expected error to contain %q, but got: %v", tc.errorContains, err)
			}
		})
	}
}

func TestHookExecutorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	executor := hook.NewHookExecutor(mockExecutor)
	plan := &hook.Plan{Enabled: true, PreBackupCommands: []string{"echo x"}, FailFast: true}
	if err := executor.RunPreBackup(ctx, plan, hook.Event{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}
