// Package outcome implements the OutcomePipeline: walking a Task's
// declared handlers in order after a terminal Execution, running retry
// scheduling, file output, and chained triggers, isolating each
// handler's failure from the others.
package outcome

import (
	"context"
	"log/slog"

	"github.com/rakunlabs/taskcron/internal/task"
)

// Dispatcher is the narrow slice of task dispatch the pipeline needs:
// enough to fire a retry or a chained trigger without depending on a
// concrete scheduler type.
type Dispatcher interface {
	ExecuteTask(ctx context.Context, taskID string, triggerType task.TriggerType, triggerContext map[string]string) (string, error)
}

// Timer schedules a delayed call, used by the retry handler. A small seam
// so tests can run retries immediately instead of waiting on a real clock.
type Timer interface {
	AfterFunc(delayMS int64, fn func())
}

// Pipeline consumes terminal Executions.
type Pipeline struct {
	store      task.Store
	dispatcher Dispatcher
	timer      Timer
}

func NewPipeline(store task.Store, dispatcher Dispatcher, timer Timer) *Pipeline {
	return &Pipeline{store: store, dispatcher: dispatcher, timer: timer}
}

// Consume walks t.Handlers in declared order against the terminal
// Execution e. Each handler's failure is logged and does not abort the
// remaining handlers.
func (p *Pipeline) Consume(ctx context.Context, t task.Task, e task.Execution) {
	for i, h := range t.Handlers {
		var err error
		switch h.Type {
		case task.HandlerRetry:
			err = p.runRetry(ctx, t, e, h.Retry)
		case task.HandlerFile:
			err = p.runFile(t, e, h.File)
		case task.HandlerTrigger:
			err = p.runTrigger(ctx, e, h.Trigger)
		default:
			continue
		}
		if err != nil {
			slog.Error("outcome: handler failed", "task_id", t.ID, "execution_id", e.ID, "handler_index", i, "handler_type", h.Type, "error", err)
		}
	}
}
