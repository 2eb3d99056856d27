// Package executor implements the ExecutorRegistry and its four built-in
// executors (shell, agent, http, email). The Scheduler is the only
// consumer: it resolves a Task's type through Lookup and calls Execute.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rakunlabs/taskcron/internal/task"
)

// Executor performs the actual work for one task type.
type Executor interface {
	Execute(ctx context.Context, t task.Task, e task.Execution) (task.ExecutionResult, error)
}

// Registry is the immutable type -> Executor table.
type Registry struct {
	executors map[task.Type]Executor
}

// NewRegistry builds the registry with the four built-in executors,
// wired with their respective collaborators. shellGrace is the
// SIGTERM->SIGKILL grace period for the shell executor (config.Scheduler.
// CancelGracePeriod); a zero value falls back to defaultGraceKill.
func NewRegistry(shellGrace time.Duration, opts ...Option) *Registry {
	r := &Registry{executors: map[task.Type]Executor{}}

	r.executors[task.TypeShell] = NewShellExecutor(DefaultSandboxRoot, shellGrace)
	r.executors[task.TypeAgent] = NewAgentExecutor()
	r.executors[task.TypeHTTP] = NewHTTPExecutor()
	r.executors[task.TypeEmail] = NewEmailExecutor()

	for _, o := range opts {
		o(r)
	}

	return r
}

// Option customizes a Registry at construction, primarily to override a
// built-in executor (e.g. a test double) or register an additional one.
type Option func(*Registry)

// WithExecutor overrides (or adds) the executor for a given type.
func WithExecutor(t task.Type, e Executor) Option {
	return func(r *Registry) {
		r.executors[t] = e
	}
}

// Lookup resolves the Executor for a task type.
func (r *Registry) Lookup(t task.Type) (Executor, error) {
	e, ok := r.executors[t]
	if !ok {
		return nil, fmt.Errorf("executor: no executor registered for type %q", t)
	}
	return e, nil
}
