package executor

import (
	"context"
	"testing"

	"github.com/rakunlabs/taskcron/internal/task"
)

type stubExecutor struct {
	result task.ExecutionResult
}

func (s stubExecutor) Execute(ctx context.Context, t task.Task, e task.Execution) (task.ExecutionResult, error) {
	return s.result, nil
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry(0)

	for _, typ := range []task.Type{task.TypeShell, task.TypeAgent, task.TypeHTTP, task.TypeEmail} {
		if _, err := r.Lookup(typ); err != nil {
			t.Errorf("Lookup(%q) unexpected error: %v", typ, err)
		}
	}

	if _, err := r.Lookup(task.Type("unknown")); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestRegistryWithExecutorOverride(t *testing.T) {
	want := task.ExecutionResult{Status: task.StatusSuccess, Output: "stubbed"}
	r := NewRegistry(0, WithExecutor(task.TypeShell, stubExecutor{result: want}))

	e, err := r.Lookup(task.TypeShell)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := e.Execute(context.Background(), task.Task{}, task.Execution{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Output != "stubbed" {
		t.Fatalf("Execute() = %+v, want stubbed output", got)
	}
}
