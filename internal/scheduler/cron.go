package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/taskcron/internal/task"
	"github.com/worldline-go/hardloop"
)

// Reload stops the current cron runner, if any, and rebuilds it from the
// currently enabled cron-triggered Tasks. hardloop's cron runner does not
// support adding or removing jobs once started, so any change to a cron
// Task's schedule or enabled state requires a full stop and recreate.
// Call this after creating, updating, enabling, disabling, or deleting a
// cron Task.
func (s *Scheduler) Reload(ctx context.Context) error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()

	s.stopCronLocked()

	if s.ctx == nil {
		s.ctx = ctx
	}

	tasks, err := s.store.LoadTasks(ctx, task.TaskFilter{})
	if err != nil {
		return fmt.Errorf("scheduler: load tasks for cron reload: %w", err)
	}

	crons := make([]hardloop.Cron, 0, len(tasks))
	for _, t := range tasks {
		if !t.Enabled || t.Trigger.Type != task.TriggerCron || t.Trigger.Cron == "" {
			continue
		}
		crons = append(crons, hardloop.Cron{
			Name:  fmt.Sprintf("task-%s", t.ID),
			Specs: []string{t.Trigger.Cron},
			Func:  s.makeCronFunc(t.ID),
		})
	}

	if len(crons) == 0 {
		slog.Info("scheduler: no enabled cron tasks found")
		return nil
	}

	runner, err := hardloop.NewCron(crons...)
	if err != nil {
		return fmt.Errorf("scheduler: create cron runner: %w", err)
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	s.cron = runner
	s.cronCancel = cancel

	if err := runner.Start(runCtx); err != nil {
		cancel()
		s.cron = nil
		s.cronCancel = nil
		return fmt.Errorf("scheduler: start cron runner: %w", err)
	}

	slog.Info("scheduler: started cron tasks", "count", len(crons))
	return nil
}

// stopCronLocked must be called with s.cronMu held.
func (s *Scheduler) stopCronLocked() {
	if s.cronCancel != nil {
		s.cronCancel()
		s.cronCancel = nil
	}
	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
	}
}

// makeCronFunc builds the callback hardloop invokes on each tick for
// taskID. A cron tick is already task-scoped, so it dispatches directly
// through ExecuteTask rather than going through the event hook router.
func (s *Scheduler) makeCronFunc(taskID string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := s.ExecuteTask(ctx, taskID, task.TriggerCron, nil)
		if err != nil {
			slog.Error("scheduler: cron dispatch failed", "task_id", taskID, "error", err)
		}
		return nil
	}
}
