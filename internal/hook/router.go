// Package hook implements the HookRouter: mapping external events (file
// saved, session lifecycle, tool invocation, a manual CLI call) to the
// Tasks that subscribe to them, filtering by pattern, and handing
// matches off to the Scheduler. Event dispatch is best-effort -- one
// subscriber's error never prevents another from running, the same way
// the teacher's webhook handler isolates one trigger's failure from the
// rest of the request.
package hook

import (
	"context"
	"log/slog"

	"github.com/rakunlabs/taskcron/internal/pattern"
	"github.com/rakunlabs/taskcron/internal/task"
)

// Dispatcher is the narrow seam into the Scheduler: the Router only ever
// needs to fire a task by ID, never the other way around (breaking the
// Scheduler<->HookRouter cycle via an injected interface, per Design
// Notes §9).
type Dispatcher interface {
	ExecuteTask(ctx context.Context, taskID string, triggerType task.TriggerType, triggerContext map[string]string) (string, error)
}

// Loader is the narrow seam into the StorageContract the Router needs:
// enabled, event-subscribed tasks for a given event type.
type Loader interface {
	LoadTasks(ctx context.Context, filter task.TaskFilter) ([]task.Task, error)
}

// Recognized event types. This is the closed set spec.md §4.4 requires
// at minimum; HandleEvent treats any other event_type as simply having
// no subscribers rather than an error.
const (
	EventFileSaved   = "file_saved"
	EventSessionStart = "session_start"
	EventSessionEnd   = "session_end"
	EventToolPre      = "tool_pre"
	EventToolPost     = "tool_post"
	EventCronTick     = "cron_tick"
	EventManual       = "manual"
)

// Router is the HookRouter.
type Router struct {
	store      Loader
	dispatcher Dispatcher
}

func New(store Loader, dispatcher Dispatcher) *Router {
	return &Router{store: store, dispatcher: dispatcher}
}

// HandleEvent implements the handleEvent operation: load enabled tasks
// subscribed to eventType, apply each candidate's pattern filter against
// context, and dispatch the survivors. Every subscriber is isolated --
// one's load, match, or dispatch error is logged and swallowed so the
// others still run.
func (r *Router) HandleEvent(ctx context.Context, eventType string, eventContext map[string]string) {
	tasks, err := r.store.LoadTasks(ctx, task.TaskFilter{
		Enabled:      boolPtr(true),
		TriggerType:  task.TriggerEvent,
		TriggerEvent: eventType,
	})
	if err != nil {
		slog.Error("hook: failed to load subscribed tasks", "event_type", eventType, "error", err)
		return
	}

	for _, t := range tasks {
		if t.Trigger.Event == nil || t.Trigger.Event.EventType != eventType {
			continue
		}
		if !matches(t.Trigger.Event, eventContext) {
			continue
		}

		if _, err := r.dispatcher.ExecuteTask(ctx, t.ID, task.TriggerEvent, eventContext); err != nil {
			slog.Error("hook: dispatch failed", "task_id", t.ID, "event_type", eventType, "error", err)
		}
	}
}

// matches applies every configured pattern family as an AND; a family
// matches if any one of its patterns matches the corresponding context
// value (OR within the family). A family with no patterns configured is
// vacuously satisfied and does not constrain the match.
func matches(ev *task.EventTrigger, eventContext map[string]string) bool {
	if len(ev.FilePathPatterns) > 0 {
		if !pattern.MatchesAny(eventContext["file_path"], ev.FilePathPatterns) {
			return false
		}
	}
	if len(ev.ToolNamePatterns) > 0 {
		if !pattern.MatchesAny(eventContext["tool_name"], ev.ToolNamePatterns) {
			return false
		}
	}
	return true
}

func boolPtr(b bool) *bool { return &b }
