// Package scheduler implements the Scheduler: the control loop that owns
// Task state, dispatches Executions on trigger, bounds concurrency,
// drives cron timers, and hands terminal Executions to the outcome
// pipeline.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/taskcron/internal/executor"
	"github.com/rakunlabs/taskcron/internal/task"
	"github.com/worldline-go/types"
)

// Pipeline is the narrow seam into the OutcomePipeline: the Scheduler
// only needs to hand off a terminal Execution, never the other way
// around (breaking the Scheduler<->OutcomePipeline cycle via an injected
// interface).
type Pipeline interface {
	Consume(ctx context.Context, t task.Task, e task.Execution)
}

// Config holds the scheduling defaults that are not per-task. The
// SIGTERM->SIGKILL cancel grace lives on executor.Registry instead,
// since only the shell executor's process-group signaling consumes it.
type Config struct {
	WorkerPoolSize      int
	DefaultShellTimeout time.Duration
	DefaultAgentTimeout time.Duration
	QueueDepth          int
}

func DefaultConfig() Config {
	return Config{
		WorkerPoolSize:      16,
		DefaultShellTimeout: 120 * time.Second,
		DefaultAgentTimeout: 300 * time.Second,
		QueueDepth:          64,
	}
}

type queuedDispatch struct {
	execution task.Execution
}

// cronRunner is satisfied by hardloop's unexported *cronJob type,
// returned by hardloop.NewCron, referenced here without naming the
// concrete type.
type cronRunner interface {
	Start(ctx context.Context) error
	Stop()
}

// Scheduler is the central control loop.
type Scheduler struct {
	store    task.Store
	registry *executor.Registry
	pipeline Pipeline
	cfg      Config

	sem chan struct{}

	mu       sync.Mutex
	inflight map[string]int
	queues   map[string][]queuedDispatch
	cancels  map[string]context.CancelFunc

	cronMu     sync.Mutex
	cron       cronRunner
	cronCancel context.CancelFunc
	ctx        context.Context
}

// SetPipeline wires the OutcomePipeline in after construction, for the
// common case where the pipeline's own Dispatcher dependency is this same
// Scheduler (the Scheduler<->OutcomePipeline cycle resolved by injecting
// each side's narrow interface once both values exist).
func (s *Scheduler) SetPipeline(p Pipeline) {
	s.pipeline = p
}

func New(store task.Store, registry *executor.Registry, pipeline Pipeline, cfg Config) *Scheduler {
	if cfg.WorkerPoolSize < 1 {
		cfg.WorkerPoolSize = 16
	}
	return &Scheduler{
		store:    store,
		registry: registry,
		pipeline: pipeline,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.WorkerPoolSize),
		inflight: map[string]int{},
		queues:   map[string][]queuedDispatch{},
		cancels:  map[string]context.CancelFunc{},
	}
}

// Start sweeps non-terminal Executions left over from a previous process
// (marking them failure with a "recovered" note, since exactly-once is
// not offered) and registers cron jobs for every enabled cron-triggered
// Task.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx

	if err := s.sweepNonTerminal(ctx); err != nil {
		slog.Error("scheduler: startup sweep failed", "error", err)
	}

	return s.Reload(ctx)
}

func (s *Scheduler) Stop() {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	s.stopCronLocked()
}

func (s *Scheduler) sweepNonTerminal(ctx context.Context) error {
	for _, status := range []task.Status{task.StatusPending, task.StatusRunning} {
		execs, err := s.store.LoadExecutions(ctx, task.ExecutionFilter{Status: status})
		if err != nil {
			return fmt.Errorf("load non-terminal executions: %w", err)
		}
		for _, e := range execs {
			now := types.NewTime(time.Now().UTC())
			_, err := s.store.UpdateExecution(ctx, e.ID, func(cur task.Execution) (task.Execution, error) {
				cur.Status = task.StatusFailure
				cur.Error = "recovered: execution was left non-terminal across a restart"
				cur.CompletedAt = types.NewNull(now)
				return cur, nil
			})
			if err != nil {
				slog.Error("scheduler: failed to sweep execution", "execution_id", e.ID, "error", err)
			}
		}
	}
	return nil
}

// ExecuteTask implements the executeTask operation: load the task,
// respect concurrency limits, create a pending Execution, and hand off
// to a dispatch worker.
func (s *Scheduler) ExecuteTask(ctx context.Context, taskID string, triggerType task.TriggerType, triggerContext map[string]string) (string, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("scheduler: load task: %w", err)
	}
	if t == nil || !t.Enabled {
		slog.Info("scheduler: skipping execution, task missing or disabled", "task_id", taskID)
		return "", nil
	}

	max := t.EffectiveMaxConcurrent()

	s.mu.Lock()
	current := s.inflight[taskID]
	if current >= max {
		if t.Options.Queue && len(s.queues[taskID]) < s.queueDepth() {
			s.mu.Unlock()
			return s.park(ctx, *t, triggerType, triggerContext)
		}
		s.mu.Unlock()
		return s.recordSkipped(ctx, *t, triggerType, triggerContext)
	}
	s.inflight[taskID] = current + 1
	s.mu.Unlock()

	exec, err := s.createPending(ctx, t.ID, triggerType, triggerContext)
	if err != nil {
		s.releaseSlot(taskID)
		return "", err
	}

	s.spawn(*t, exec)

	return exec.ID, nil
}

func (s *Scheduler) queueDepth() int {
	if s.cfg.QueueDepth < 1 {
		return 64
	}
	return s.cfg.QueueDepth
}

func (s *Scheduler) park(ctx context.Context, t task.Task, triggerType task.TriggerType, triggerContext map[string]string) (string, error) {
	exec, err := s.createPending(ctx, t.ID, triggerType, triggerContext)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.queues[t.ID] = append(s.queues[t.ID], queuedDispatch{execution: exec})
	s.mu.Unlock()

	return exec.ID, nil
}

func (s *Scheduler) recordSkipped(ctx context.Context, t task.Task, triggerType task.TriggerType, triggerContext map[string]string) (string, error) {
	now := types.NewTime(time.Now().UTC())
	exec, err := s.store.CreateExecution(ctx, task.Execution{
		ID:             newID(),
		TaskID:         t.ID,
		TriggerType:    triggerType,
		TriggerContext: triggerContext,
		Status:         task.StatusSkipped,
		CompletedAt:    types.NewNull(now),
		CreatedAt:      now,
	})
	if err != nil {
		return "", fmt.Errorf("scheduler: record skipped execution: %w", err)
	}
	slog.Info("scheduler: execution skipped, capacity exceeded", "task_id", t.ID, "execution_id", exec.ID)
	return exec.ID, nil
}

func (s *Scheduler) createPending(ctx context.Context, taskID string, triggerType task.TriggerType, triggerContext map[string]string) (task.Execution, error) {
	now := types.NewTime(time.Now().UTC())
	return s.store.CreateExecution(ctx, task.Execution{
		ID:             newID(),
		TaskID:         taskID,
		TriggerType:    triggerType,
		TriggerContext: triggerContext,
		Status:         task.StatusPending,
		CreatedAt:      now,
	})
}

func (s *Scheduler) releaseSlot(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[taskID] > 0 {
		s.inflight[taskID]--
	}
	s.popQueueLocked(taskID)
}

// popQueueLocked hands the next queued dispatch for taskID to a worker if
// capacity allows. Must be called with s.mu held; launches the worker
// without the lock held.
func (s *Scheduler) popQueueLocked(taskID string) {
	q := s.queues[taskID]
	if len(q) == 0 {
		return
	}

	t, err := s.store.GetTask(context.Background(), taskID)
	if err != nil || t == nil || !t.Enabled {
		return
	}
	if s.inflight[taskID] >= t.EffectiveMaxConcurrent() {
		return
	}

	next := q[0]
	s.queues[taskID] = q[1:]
	s.inflight[taskID]++

	go s.dispatch(*t, next.execution)
}

func (s *Scheduler) spawn(t task.Task, exec task.Execution) {
	go s.dispatch(t, exec)
}

// dispatch runs a single Execution through the executor, under the
// shared worker-pool semaphore, then reconciles Task counters and hands
// the terminal Execution to the outcome pipeline.
func (s *Scheduler) dispatch(t task.Task, exec task.Execution) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	ctx := context.Background()

	exec = s.transitionRunning(ctx, exec)

	timeout := s.timeoutFor(t)
	execCtx, cancel := context.WithTimeout(ctx, timeout)

	s.mu.Lock()
	s.cancels[exec.ID] = cancel
	s.mu.Unlock()

	ex, err := s.registry.Lookup(t.Type)
	var result task.ExecutionResult
	if err != nil {
		result = task.ExecutionResult{Status: task.StatusFailure, Error: err.Error()}
	} else {
		result, err = ex.Execute(execCtx, t, exec)
		if err != nil {
			result = task.ExecutionResult{Status: task.StatusFailure, Error: err.Error()}
		}
	}
	cancel()

	s.mu.Lock()
	delete(s.cancels, exec.ID)
	s.mu.Unlock()

	exec = s.finalize(ctx, exec, result)

	s.releaseSlot(t.ID)

	if s.pipeline != nil {
		s.pipeline.Consume(ctx, t, exec)
	}
}

func (s *Scheduler) timeoutFor(t task.Task) time.Duration {
	if t.Options.Timeout > 0 {
		return t.Options.Timeout
	}
	switch t.Type {
	case task.TypeAgent:
		if s.cfg.DefaultAgentTimeout > 0 {
			return s.cfg.DefaultAgentTimeout
		}
		return 300 * time.Second
	default:
		if s.cfg.DefaultShellTimeout > 0 {
			return s.cfg.DefaultShellTimeout
		}
		return 120 * time.Second
	}
}

func (s *Scheduler) transitionRunning(ctx context.Context, exec task.Execution) task.Execution {
	now := types.NewTime(time.Now().UTC())
	updated, err := s.store.UpdateExecution(ctx, exec.ID, func(cur task.Execution) (task.Execution, error) {
		cur.Status = task.StatusRunning
		cur.StartedAt = types.NewNull(now)
		return cur, nil
	})
	if err != nil {
		slog.Error("scheduler: failed to transition execution to running", "execution_id", exec.ID, "error", err)
		return exec
	}
	return updated
}

func (s *Scheduler) finalize(ctx context.Context, exec task.Execution, result task.ExecutionResult) task.Execution {
	now := types.NewTime(time.Now().UTC())

	updated, err := s.store.UpdateExecution(ctx, exec.ID, func(cur task.Execution) (task.Execution, error) {
		cur.Status = result.Status
		cur.Output = result.Output
		cur.Thinking = result.Thinking
		cur.Error = result.Error
		cur.ExitCode = result.ExitCode
		cur.ToolCalls = result.ToolCalls
		cur.Usage = result.Usage
		cur.CompletedAt = types.NewNull(now)
		if cur.StartedAt.Valid {
			cur.DurationMS = now.Time.Sub(cur.StartedAt.V.Time).Milliseconds()
		} else {
			cur.DurationMS = result.DurationMS
		}
		return cur, nil
	})
	if err != nil {
		slog.Error("scheduler: failed to finalize execution", "execution_id", exec.ID, "error", err)
		return exec
	}

	if err := s.store.IncrementTaskCounters(ctx, exec.TaskID, result.Status == task.StatusSuccess); err != nil {
		slog.Error("scheduler: failed to update task counters", "task_id", exec.TaskID, "error", err)
	}

	return updated
}

// CancelExecution signals cooperative cancellation for a running
// Execution by cancelling the executor's context and returns at once. The
// cancelled context is what triggers a shell SIGTERM or an HTTP/agent
// abort; the Execution's terminal status is whatever the executor then
// reports. CancelExecution does not wait for the executor and never marks
// the Execution cancelled itself.
func (s *Scheduler) CancelExecution(id string) {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	cancel()
}

func newID() string {
	return "exec_" + ulid.Make().String()
}
