package template

import (
	"strings"
	"testing"

	"github.com/rakunlabs/taskcron/internal/task"
)

func TestResolveKnownPlaceholders(t *testing.T) {
	tk := task.Task{ID: "task-1", Name: "backup", Type: task.TypeShell}
	ex := task.Execution{ID: "exec-1", Status: task.StatusSuccess, DurationMS: 1500}

	got := Resolve("{{task.name}} ({{task.type}}) -> {{execution.status}} in {{execution.duration_ms}}ms", tk, ex)
	want := "backup (shell) -> success in 1500ms"
	if got != want {
		t.Fatalf("Resolve() = %q, want %q", got, want)
	}
}

func TestResolveUnknownPlaceholderVerbatim(t *testing.T) {
	tk := task.Task{ID: "task-1"}
	ex := task.Execution{ID: "exec-1"}

	got := Resolve("value is {{nonexistent}}", tk, ex)
	if got != "value is {{nonexistent}}" {
		t.Fatalf("Resolve() = %q, want verbatim passthrough", got)
	}
}

func TestResolveNoRecursion(t *testing.T) {
	tk := task.Task{ID: "task-1", Name: "{{task.id}}"}
	ex := task.Execution{}

	got := Resolve("{{task.name}}", tk, ex)
	if got != "{{task.id}}" {
		t.Fatalf("Resolve() = %q, expected substituted value to not be re-scanned", got)
	}
}

func TestResolveDateFormat(t *testing.T) {
	tk := task.Task{}
	ex := task.Execution{}

	got := Resolve("{{date:%Y}}", tk, ex)
	if len(got) != 4 || strings.Contains(got, "{") {
		t.Fatalf("Resolve() date format = %q, expected a 4-digit year", got)
	}
}
