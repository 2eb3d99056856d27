package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rakunlabs/taskcron/internal/executor"
	"github.com/rakunlabs/taskcron/internal/task"
	"github.com/worldline-go/types"
)

// fakeStore is a minimal in-memory task.Store double for scheduler tests.
type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]task.Task
	execs map[string]task.Execution
	seq   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: map[string]task.Task{}, execs: map[string]task.Execution{}}
}

func (s *fakeStore) CreateTask(ctx context.Context, t task.Task) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return t, nil
}

func (s *fakeStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *fakeStore) UpdateTask(ctx context.Context, id string, fn func(task.Task) (task.Task, error)) (task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	updated, err := fn(t)
	if err != nil {
		return task.Task{}, err
	}
	s.tasks[id] = updated
	return updated, nil
}

func (s *fakeStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *fakeStore) LoadTasks(ctx context.Context, filter task.TaskFilter) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (s *fakeStore) CreateExecution(ctx context.Context, e task.Execution) (task.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.execs[e.ID] = e
	return e, nil
}

func (s *fakeStore) GetExecution(ctx context.Context, id string) (*task.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *fakeStore) UpdateExecution(ctx context.Context, id string, fn func(task.Execution) (task.Execution, error)) (task.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.execs[id]
	updated, err := fn(e)
	if err != nil {
		return task.Execution{}, err
	}
	s.execs[id] = updated
	return updated, nil
}

func (s *fakeStore) LoadExecutions(ctx context.Context, filter task.ExecutionFilter) ([]task.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []task.Execution
	for _, e := range s.execs {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *fakeStore) AppendExecutionOutput(ctx context.Context, id, text string) error   { return nil }
func (s *fakeStore) AppendExecutionThinking(ctx context.Context, id, text string) error { return nil }

func (s *fakeStore) GetExecutionProgress(ctx context.Context, id string) (task.Progress, error) {
	return task.Progress{}, nil
}

func (s *fakeStore) GetTaskStats(ctx context.Context, taskID string) (task.Stats, error) {
	return task.Stats{}, nil
}

func (s *fakeStore) IncrementTaskCounters(ctx context.Context, taskID string, success bool) error {
	return nil
}

func (s *fakeStore) Close() error { return nil }

// blockingExecutor blocks on a channel until released, so a test can hold
// an execution "in flight" deterministically.
type blockingExecutor struct {
	release chan struct{}
}

func (b *blockingExecutor) Execute(ctx context.Context, t task.Task, e task.Execution) (task.ExecutionResult, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return task.ExecutionResult{Status: task.StatusCancelled}, nil
	}
	return task.ExecutionResult{Status: task.StatusSuccess, Output: "ok"}, nil
}

type noopPipeline struct{}

func (noopPipeline) Consume(ctx context.Context, t task.Task, e task.Execution) {}

func TestSchedulerConcurrencyCapSkipsOverflow(t *testing.T) {
	store := newFakeStore()
	release := make(chan struct{})
	registry := executor.NewRegistry(0, executor.WithExecutor(task.TypeShell, &blockingExecutor{release: release}))
	defer close(release)

	sched := New(store, registry, noopPipeline{}, DefaultConfig())

	now := types.NewTime(time.Now().UTC())
	tk := task.Task{
		ID:      "t1",
		Name:    "capped",
		Type:    task.TypeShell,
		Enabled: true,
		Config:  task.Config{Shell: &task.ShellConfig{Command: "true"}},
		Options: task.Options{MaxConcurrent: 2},
		CreatedAt: now, UpdatedAt: now,
	}
	if _, err := store.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	id1, err := sched.ExecuteTask(context.Background(), "t1", task.TriggerManual, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := sched.ExecuteTask(context.Background(), "t1", task.TriggerManual, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id3, err := sched.ExecuteTask(context.Background(), "t1", task.TriggerManual, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if id1 == "" || id2 == "" || id3 == "" {
		t.Fatal("expected all three calls to return an execution id")
	}

	store.mu.Lock()
	thirdStatus := store.execs[id3].Status
	store.mu.Unlock()

	if thirdStatus != task.StatusSkipped {
		t.Fatalf("expected third execution to be skipped, got %q", thirdStatus)
	}
}

func TestSchedulerRecoversNonTerminalExecutionsOnStart(t *testing.T) {
	store := newFakeStore()
	now := types.NewTime(time.Now().UTC())

	tk := task.Task{ID: "t1", Name: "stale", Type: task.TypeShell, Enabled: true, CreatedAt: now, UpdatedAt: now}
	store.CreateTask(context.Background(), tk)

	stale := task.Execution{ID: "e1", TaskID: "t1", Status: task.StatusRunning, CreatedAt: now}
	store.CreateExecution(context.Background(), stale)

	registry := executor.NewRegistry(0)
	sched := New(store, registry, noopPipeline{}, DefaultConfig())

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sched.Stop()

	store.mu.Lock()
	got := store.execs["e1"]
	store.mu.Unlock()

	if got.Status != task.StatusFailure {
		t.Fatalf("expected stale execution to be recovered as failure, got %q", got.Status)
	}
	if !got.CompletedAt.Valid {
		t.Fatal("expected recovered execution to have completed_at set")
	}
}

func TestSchedulerDisabledTaskIsNoop(t *testing.T) {
	store := newFakeStore()
	registry := executor.NewRegistry(0)
	sched := New(store, registry, noopPipeline{}, DefaultConfig())

	now := types.NewTime(time.Now().UTC())
	store.CreateTask(context.Background(), task.Task{ID: "t1", Enabled: false, Type: task.TypeShell, CreatedAt: now, UpdatedAt: now})

	id, err := sched.ExecuteTask(context.Background(), "t1", task.TriggerManual, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "" {
		t.Fatalf("expected no execution id for a disabled task, got %q", id)
	}
}
