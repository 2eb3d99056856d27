// Package memory is an in-memory implementation of task.Store, used in
// tests and for ephemeral local runs where nothing needs to survive a
// restart. It satisfies the same StorageContract as the sqlite3 and
// postgres backends.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/taskcron/internal/task"
	"github.com/worldline-go/types"
)

// Memory is an in-memory task.Store. Data does not survive process
// restarts.
type Memory struct {
	mu         sync.RWMutex
	tasks      map[string]task.Task
	executions map[string]task.Execution
}

func New() *Memory {
	slog.Info("using in-memory store (data will not persist across restarts)")

	return &Memory{
		tasks:      make(map[string]task.Task),
		executions: make(map[string]task.Execution),
	}
}

func (m *Memory) Close() error { return nil }

// ─── Task CRUD ───

func (m *Memory) CreateTask(_ context.Context, t task.Task) (task.Task, error) {
	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}

	now := types.NewTime(time.Now().UTC())
	if t.ID == "" {
		t.ID = "task_" + ulid.Make().String()
	}
	t.CreatedAt = now
	t.UpdatedAt = now

	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()

	return t, nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *Memory) UpdateTask(_ context.Context, id string, fn func(task.Task) (task.Task, error)) (task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tasks[id]
	if !ok {
		return task.Task{}, task.ErrNotFound
	}

	updated, err := fn(cur)
	if err != nil {
		return task.Task{}, err
	}
	if err := updated.Validate(); err != nil {
		return task.Task{}, err
	}

	updated.ID = id
	updated.UpdatedAt = types.NewTime(time.Now().UTC())
	m.tasks[id] = updated

	return updated, nil
}

func (m *Memory) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tasks, id)
	return nil
}

func (m *Memory) LoadTasks(_ context.Context, filter task.TaskFilter) ([]task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if !taskMatchesFilter(t, filter) {
			continue
		}
		result = append(result, t)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	return result, nil
}

func taskMatchesFilter(t task.Task, filter task.TaskFilter) bool {
	if filter.Enabled != nil && t.Enabled != *filter.Enabled {
		return false
	}
	if filter.Type != "" && t.Type != filter.Type {
		return false
	}
	if filter.TriggerType != "" && t.Trigger.Type != filter.TriggerType {
		return false
	}
	if filter.TriggerEvent != "" {
		if t.Trigger.Event == nil || t.Trigger.Event.EventType != filter.TriggerEvent {
			return false
		}
	}
	return true
}

// ─── Execution CRUD ───

func (m *Memory) CreateExecution(_ context.Context, e task.Execution) (task.Execution, error) {
	if e.ID == "" {
		e.ID = "exec_" + ulid.Make().String()
	}
	if e.CreatedAt.Time.IsZero() {
		e.CreatedAt = types.NewTime(time.Now().UTC())
	}

	m.mu.Lock()
	m.executions[e.ID] = e
	m.mu.Unlock()

	return e, nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (*task.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.executions[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *Memory) UpdateExecution(_ context.Context, id string, fn func(task.Execution) (task.Execution, error)) (task.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.executions[id]
	if !ok {
		return task.Execution{}, task.ErrNotFound
	}

	updated, err := fn(cur)
	if err != nil {
		return task.Execution{}, err
	}
	if err := updated.Validate(); err != nil {
		return task.Execution{}, err
	}

	updated.ID = id
	m.executions[id] = updated

	return updated, nil
}

func (m *Memory) LoadExecutions(_ context.Context, filter task.ExecutionFilter) ([]task.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]task.Execution, 0, len(m.executions))
	for _, e := range m.executions {
		if !execMatchesFilter(e, filter) {
			continue
		}
		matched = append(matched, e)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Time.After(matched[j].CreatedAt.Time)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []task.Execution{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	return matched, nil
}

func execMatchesFilter(e task.Execution, filter task.ExecutionFilter) bool {
	if filter.TaskID != "" && e.TaskID != filter.TaskID {
		return false
	}
	if filter.Status != "" && e.Status != filter.Status {
		return false
	}
	if filter.StartDate != nil && e.CreatedAt.Time.Before(*filter.StartDate) {
		return false
	}
	if filter.EndDate != nil && e.CreatedAt.Time.After(*filter.EndDate) {
		return false
	}
	return true
}

// ─── Streaming ───

func (m *Memory) AppendExecutionOutput(_ context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.executions[id]
	if !ok {
		return fmt.Errorf("memory: execution %q not found", id)
	}
	e.Output += text
	m.executions[id] = e
	return nil
}

func (m *Memory) AppendExecutionThinking(_ context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.executions[id]
	if !ok {
		return fmt.Errorf("memory: execution %q not found", id)
	}
	e.Thinking += text
	m.executions[id] = e
	return nil
}

func (m *Memory) GetExecutionProgress(_ context.Context, id string) (task.Progress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.executions[id]
	if !ok {
		return task.Progress{}, fmt.Errorf("memory: execution %q not found", id)
	}
	return task.Progress{Output: e.Output, Thinking: e.Thinking, Status: e.Status}, nil
}

// ─── Stats ───

func (m *Memory) GetTaskStats(_ context.Context, taskID string) (task.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats task.Stats
	var totalDuration, totalCost float64
	var durationCount int64

	for _, e := range m.executions {
		if e.TaskID != taskID {
			continue
		}
		if !e.Status.Terminal() {
			continue
		}
		stats.TotalRuns++
		switch e.Status {
		case task.StatusSuccess:
			stats.SuccessfulRuns++
		case task.StatusFailure, task.StatusTimeout:
			stats.FailedRuns++
		}
		if e.DurationMS > 0 {
			totalDuration += float64(e.DurationMS)
			durationCount++
		}
		totalCost += e.Usage.CostUSD
	}

	if durationCount > 0 {
		stats.AverageDuration = totalDuration / float64(durationCount)
	}
	stats.TotalCostUSD = totalCost

	return stats, nil
}

// ─── Counters ───

func (m *Memory) IncrementTaskCounters(_ context.Context, taskID string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return nil
	}

	t.RunCount++
	if success {
		t.SuccessCount++
	} else {
		t.FailureCount++
	}
	t.UpdatedAt = types.NewTime(time.Now().UTC())
	m.tasks[taskID] = t

	return nil
}
