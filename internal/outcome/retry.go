package outcome

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/rakunlabs/taskcron/internal/task"
)

// runRetry implements the retry handler: compute the next attempt number
// from trigger_context.retry_count, stop once max_attempts is reached,
// and otherwise schedule a delayed re-dispatch via the Timer.
func (p *Pipeline) runRetry(ctx context.Context, t task.Task, e task.Execution, cfg *task.RetryConfig) error {
	if !retryApplies(cfg.On, e.Status) {
		return nil
	}

	attempt := retryCount(e.TriggerContext) + 1
	if attempt >= cfg.MaxAttempts {
		return nil
	}

	delay := retryDelay(cfg, attempt)

	triggerCtx := map[string]string{
		"retry_count":          strconv.Itoa(attempt),
		"previous_execution_id": e.ID,
		"previous_error":        e.Error,
		"retry_delay_ms":        strconv.FormatInt(delay, 10),
	}
	if e.ExitCode != nil {
		triggerCtx["previous_exit_code"] = strconv.Itoa(*e.ExitCode)
	}

	p.timer.AfterFunc(delay, func() {
		if _, err := p.dispatcher.ExecuteTask(context.Background(), t.ID, task.TriggerRetry, triggerCtx); err != nil {
			slog.Error("outcome: retry dispatch failed", "task_id", t.ID, "execution_id", e.ID, "error", err)
		}
	})

	return nil
}

func retryApplies(on task.RetryOn, status task.Status) bool {
	switch on {
	case task.RetryOnAny:
		return true
	case task.RetryOnFailure:
		return status == task.StatusFailure
	case task.RetryOnTimeout:
		return status == task.StatusTimeout
	default:
		return false
	}
}

func retryCount(ctx map[string]string) int {
	if ctx == nil {
		return 0
	}
	n, err := strconv.Atoi(ctx["retry_count"])
	if err != nil {
		return 0
	}
	return n
}

// retryDelay computes the backoff delay for the given attempt, clamped to
// MaxDelayMS.
func retryDelay(cfg *task.RetryConfig, attempt int) int64 {
	var delay int64
	switch cfg.Backoff {
	case task.BackoffExponential:
		delay = cfg.InitialDelayMS * (int64(1) << uint(attempt-1))
	default: // linear
		delay = cfg.InitialDelayMS * int64(attempt)
	}
	if cfg.MaxDelayMS > 0 && delay > cfg.MaxDelayMS {
		delay = cfg.MaxDelayMS
	}
	return delay
}
