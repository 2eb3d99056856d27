package task

import "context"

// Store is the StorageContract the core depends on: CRUD over Tasks and
// Executions, streaming append of output/thinking, and task statistics.
// Concrete backends (memory, sqlite3, postgres) all implement this same
// interface; the core never type-asserts down to a backend.
type Store interface {
	CreateTask(ctx context.Context, t Task) (Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, id string, fn func(Task) (Task, error)) (Task, error)
	DeleteTask(ctx context.Context, id string) error
	LoadTasks(ctx context.Context, filter TaskFilter) ([]Task, error)

	CreateExecution(ctx context.Context, e Execution) (Execution, error)
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, fn func(Execution) (Execution, error)) (Execution, error)
	LoadExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error)

	AppendExecutionOutput(ctx context.Context, id, text string) error
	AppendExecutionThinking(ctx context.Context, id, text string) error
	GetExecutionProgress(ctx context.Context, id string) (Progress, error)

	GetTaskStats(ctx context.Context, taskID string) (Stats, error)

	// IncrementTaskCounters bumps run_count and exactly one of
	// success_count/failure_count as a write of its own. It is not part of
	// the write that records the terminal Execution outcome; the scheduler
	// calls it right after that UpdateExecution.
	IncrementTaskCounters(ctx context.Context, taskID string, success bool) error

	Close() error
}

// ErrNotFound is returned by Get* operations that find nothing.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "task: not found" }
