package outcome

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rakunlabs/taskcron/internal/task"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
}

type dispatchCall struct {
	taskID  string
	trigger task.TriggerType
	ctx     map[string]string
}

func (f *fakeDispatcher) ExecuteTask(ctx context.Context, taskID string, triggerType task.TriggerType, triggerContext map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{taskID: taskID, trigger: triggerType, ctx: triggerContext})
	return "exec-retry", nil
}

type immediateTimer struct{}

func (immediateTimer) AfterFunc(delayMS int64, fn func()) { fn() }

func TestRetryHandlerStopsAtMaxAttempts(t *testing.T) {
	disp := &fakeDispatcher{}
	p := NewPipeline(nil, disp, immediateTimer{})

	tk := task.Task{ID: "t1"}
	cfg := &task.RetryConfig{MaxAttempts: 3, Backoff: task.BackoffExponential, InitialDelayMS: 100, On: task.RetryOnFailure}

	e1 := task.Execution{ID: "e1", Status: task.StatusFailure}
	p.Consume(context.Background(), withHandler(tk, cfg), e1)

	e2 := task.Execution{ID: "e2", Status: task.StatusFailure, TriggerContext: map[string]string{"retry_count": "1"}}
	p.Consume(context.Background(), withHandler(tk, cfg), e2)

	e3 := task.Execution{ID: "e3", Status: task.StatusFailure, TriggerContext: map[string]string{"retry_count": "2"}}
	p.Consume(context.Background(), withHandler(tk, cfg), e3)

	if len(disp.calls) != 2 {
		t.Fatalf("expected 2 retry dispatches, got %d", len(disp.calls))
	}
	if disp.calls[0].ctx["retry_count"] != "1" {
		t.Errorf("first retry_count = %q, want 1", disp.calls[0].ctx["retry_count"])
	}
	if disp.calls[1].ctx["retry_count"] != "2" {
		t.Errorf("second retry_count = %q, want 2", disp.calls[1].ctx["retry_count"])
	}
}

func withHandler(tk task.Task, cfg *task.RetryConfig) task.Task {
	tk.Handlers = []task.Handler{{Type: task.HandlerRetry, Retry: cfg}}
	return tk
}

func TestRetryDelayLinearAndExponential(t *testing.T) {
	linear := &task.RetryConfig{Backoff: task.BackoffLinear, InitialDelayMS: 100, MaxDelayMS: 1000}
	if got := retryDelay(linear, 1); got != 100 {
		t.Errorf("linear attempt 1 = %d, want 100", got)
	}
	if got := retryDelay(linear, 3); got != 300 {
		t.Errorf("linear attempt 3 = %d, want 300", got)
	}

	exp := &task.RetryConfig{Backoff: task.BackoffExponential, InitialDelayMS: 100, MaxDelayMS: 1000}
	if got := retryDelay(exp, 1); got != 100 {
		t.Errorf("exponential attempt 1 = %d, want 100", got)
	}
	if got := retryDelay(exp, 2); got != 200 {
		t.Errorf("exponential attempt 2 = %d, want 200", got)
	}
	if got := retryDelay(exp, 10); got != 1000 {
		t.Errorf("exponential attempt 10 should clamp to 1000, got %d", got)
	}
}

func TestFileHandlerTextAppend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.log")

	p := NewPipeline(nil, &fakeDispatcher{}, immediateTimer{})
	tk := task.Task{ID: "t1", Name: "job"}
	tk.Handlers = []task.Handler{{Type: task.HandlerFile, File: &task.FileConfig{Path: path, Append: true, Format: task.FormatText}}}

	e := task.Execution{ID: "e1", Status: task.StatusSuccess, Output: "first"}
	p.Consume(context.Background(), tk, e)

	e2 := task.Execution{ID: "e2", Status: task.StatusSuccess, Output: "second"}
	p.Consume(context.Background(), tk, e2)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error reading file: %v", err)
	}
	want := "first\nsecond\n"
	if string(data) != want {
		t.Fatalf("file contents = %q, want %q", string(data), want)
	}
}

func TestFormatMarkdownIdempotent(t *testing.T) {
	tk := task.Task{ID: "t1", Name: "job"}
	e := task.Execution{ID: "e1", Status: task.StatusSuccess, Output: "done", DurationMS: 42}

	a := formatMarkdown(tk, e)
	b := formatMarkdown(tk, e)
	if a != b {
		t.Fatal("expected formatting the same execution twice to be byte-identical")
	}
}
