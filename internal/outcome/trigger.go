package outcome

import (
	"context"

	"github.com/rakunlabs/taskcron/internal/task"
)

// runTrigger implements the trigger handler: fire the configured
// downstream task with trigger_type=chain and a context summarizing the
// parent execution. The downstream task remains subject to normal
// scheduling rules (enabled, concurrency).
func (p *Pipeline) runTrigger(ctx context.Context, parent task.Execution, cfg *task.TriggerConfig) error {
	triggerCtx := map[string]string{
		"parent_execution_id": parent.ID,
		"parent_task_id":      parent.TaskID,
		"parent_status":       string(parent.Status),
	}

	_, err := p.dispatcher.ExecuteTask(ctx, cfg.TaskID, task.TriggerChain, triggerCtx)
	return err
}
