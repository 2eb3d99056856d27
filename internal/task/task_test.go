package task

import (
	"testing"
	"time"

	"github.com/worldline-go/types"
)

func TestTaskValidateShellRequiresCommand(t *testing.T) {
	tk := Task{
		Type:    TypeShell,
		Config:  Config{Shell: &ShellConfig{}},
		Trigger: Trigger{Type: TriggerManual},
	}

	if err := tk.Validate(); err == nil {
		t.Fatal("expected error for empty shell command")
	}
}

func TestTaskValidateCronRequiresSchedule(t *testing.T) {
	tk := Task{
		Type:    TypeShell,
		Config:  Config{Shell: &ShellConfig{Command: "echo hi"}},
		Trigger: Trigger{Type: TriggerCron},
	}

	if err := tk.Validate(); err == nil {
		t.Fatal("expected error for missing cron schedule")
	}

	tk.Trigger.Cron = "* * * * *"
	if err := tk.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTaskValidateMaxConcurrent(t *testing.T) {
	tk := Task{
		Type:    TypeShell,
		Config:  Config{Shell: &ShellConfig{Command: "echo hi"}},
		Trigger: Trigger{Type: TriggerManual},
		Options: Options{MaxConcurrent: 0},
	}
	if err := tk.Validate(); err != nil {
		t.Fatalf("zero max_concurrent should default, got error: %v", err)
	}
	if tk.EffectiveMaxConcurrent() != 1 {
		t.Fatalf("expected default max_concurrent 1, got %d", tk.EffectiveMaxConcurrent())
	}

	tk.Options.MaxConcurrent = -1
	if err := tk.Validate(); err == nil {
		t.Fatal("expected error for negative max_concurrent")
	}
}

func TestTaskValidateHandlers(t *testing.T) {
	tk := Task{
		Type:    TypeShell,
		Config:  Config{Shell: &ShellConfig{Command: "echo hi"}},
		Trigger: Trigger{Type: TriggerManual},
		Handlers: []Handler{
			{Type: HandlerRetry},
		},
	}
	if err := tk.Validate(); err == nil {
		t.Fatal("expected error for retry handler missing config")
	}
}

func TestExecutionValidateTerminalRequiresCompletedAt(t *testing.T) {
	e := Execution{Status: StatusSuccess}
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for terminal status without completed_at")
	}

	now := types.NewTime(time.Now().UTC())
	e.CompletedAt = types.NewNull(now)
	if err := e.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExecutionValidateDurationMismatch(t *testing.T) {
	start := types.NewTime(time.Now().UTC())
	end := types.NewTime(start.Time.Add(2 * time.Second))

	e := Execution{
		Status:      StatusSuccess,
		StartedAt:   types.NewNull(start),
		CompletedAt: types.NewNull(end),
		DurationMS:  500,
	}
	if err := e.Validate(); err == nil {
		t.Fatal("expected duration_ms mismatch error")
	}

	e.DurationMS = 2000
	if err := e.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusSuccess, StatusFailure, StatusTimeout, StatusCancelled, StatusSkipped}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %q to be terminal", s)
		}
	}

	nonTerminal := []Status{StatusPending, StatusRunning}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Errorf("expected %q to not be terminal", s)
		}
	}
}
