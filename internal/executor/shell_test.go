package executor

import (
	"context"
	"testing"
	"time"

	"github.com/rakunlabs/taskcron/internal/task"
)

func newShellTask(command string) task.Task {
	return task.Task{
		ID:   "t1",
		Type: task.TypeShell,
		Config: task.Config{
			Shell: &task.ShellConfig{Command: command},
		},
	}
}

func TestShellExecutorSuccess(t *testing.T) {
	e := NewShellExecutor(t.TempDir(), 0)
	res, err := e.Execute(context.Background(), newShellTask(`echo "Hello, World!"`), task.Execution{ID: "e1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != task.StatusSuccess {
		t.Fatalf("status = %v, want success", res.Status)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("exit code = %v, want 0", res.ExitCode)
	}
	if res.DurationMS <= 0 {
		t.Fatal("expected duration_ms > 0")
	}
	if !contains(res.Output, "Hello, World!") {
		t.Fatalf("output = %q, want it to contain Hello, World!", res.Output)
	}
}

func TestShellExecutorFailureExitCode(t *testing.T) {
	e := NewShellExecutor(t.TempDir(), 0)
	res, err := e.Execute(context.Background(), newShellTask("exit 42"), task.Execution{ID: "e1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != task.StatusFailure {
		t.Fatalf("status = %v, want failure", res.Status)
	}
	if res.ExitCode == nil || *res.ExitCode != 42 {
		t.Fatalf("exit code = %v, want 42", res.ExitCode)
	}
	if !contains(res.Error, "42") {
		t.Fatalf("error = %q, want it to mention 42", res.Error)
	}
}

func TestShellExecutorTimeout(t *testing.T) {
	e := NewShellExecutor(t.TempDir(), 0)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := e.Execute(ctx, newShellTask("sleep 10"), task.Execution{ID: "e1"})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != task.StatusTimeout {
		t.Fatalf("status = %v, want timeout", res.Status)
	}
	if !contains(res.Error, "timed out") {
		t.Fatalf("error = %q, want it to mention timeout", res.Error)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("expected timeout to resolve within ~2s, took %s", elapsed)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (substr == "" || indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
