package hook

import (
	"context"
	"testing"

	"github.com/rakunlabs/taskcron/internal/task"
)

type fakeLoader struct {
	tasks []task.Task
}

func (f *fakeLoader) LoadTasks(ctx context.Context, filter task.TaskFilter) ([]task.Task, error) {
	var out []task.Task
	for _, t := range f.tasks {
		if filter.Enabled != nil && t.Enabled != *filter.Enabled {
			continue
		}
		if filter.TriggerType != "" && t.Trigger.Type != filter.TriggerType {
			continue
		}
		if filter.TriggerEvent != "" && (t.Trigger.Event == nil || t.Trigger.Event.EventType != filter.TriggerEvent) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

type fakeDispatcher struct {
	fired []string
}

func (f *fakeDispatcher) ExecuteTask(ctx context.Context, taskID string, triggerType task.TriggerType, triggerContext map[string]string) (string, error) {
	f.fired = append(f.fired, taskID)
	return "exec_" + taskID, nil
}

func tsTask(id string, patterns []string) task.Task {
	return task.Task{
		ID:      id,
		Enabled: true,
		Trigger: task.Trigger{
			Type: task.TriggerEvent,
			Event: &task.EventTrigger{
				EventType:        EventFileSaved,
				FilePathPatterns: patterns,
			},
		},
	}
}

func TestHandleEventMatchesPattern(t *testing.T) {
	loader := &fakeLoader{tasks: []task.Task{tsTask("t1", []string{"**/*.ts"})}}
	dispatcher := &fakeDispatcher{}
	r := New(loader, dispatcher)

	r.HandleEvent(context.Background(), EventFileSaved, map[string]string{"file_path": "src/a.ts"})
	if len(dispatcher.fired) != 1 || dispatcher.fired[0] != "t1" {
		t.Fatalf("expected t1 to fire, got %v", dispatcher.fired)
	}
}

func TestHandleEventNoMatchIsNoOp(t *testing.T) {
	loader := &fakeLoader{tasks: []task.Task{tsTask("t1", []string{"**/*.ts"})}}
	dispatcher := &fakeDispatcher{}
	r := New(loader, dispatcher)

	r.HandleEvent(context.Background(), EventFileSaved, map[string]string{"file_path": "README.md"})
	if len(dispatcher.fired) != 0 {
		t.Fatalf("expected no dispatch, got %v", dispatcher.fired)
	}
}

func TestHandleEventDisabledTaskIgnored(t *testing.T) {
	tk := tsTask("t1", nil)
	tk.Enabled = false
	loader := &fakeLoader{tasks: []task.Task{tk}}
	dispatcher := &fakeDispatcher{}
	r := New(loader, dispatcher)

	r.HandleEvent(context.Background(), EventFileSaved, map[string]string{"file_path": "src/a.ts"})
	if len(dispatcher.fired) != 0 {
		t.Fatalf("expected no dispatch for disabled task, got %v", dispatcher.fired)
	}
}

func TestHandleEventUnknownEventTypeIsNoOp(t *testing.T) {
	loader := &fakeLoader{tasks: []task.Task{tsTask("t1", nil)}}
	dispatcher := &fakeDispatcher{}
	r := New(loader, dispatcher)

	r.HandleEvent(context.Background(), "some_unrecognized_event", map[string]string{})
	if len(dispatcher.fired) != 0 {
		t.Fatalf("expected no dispatch for unmatched event type, got %v", dispatcher.fired)
	}
}

func TestHandleEventMultipleFamiliesAND(t *testing.T) {
	tk := task.Task{
		ID:      "t1",
		Enabled: true,
		Trigger: task.Trigger{
			Type: task.TriggerEvent,
			Event: &task.EventTrigger{
				EventType:        EventToolPre,
				FilePathPatterns: []string{"**/*.ts"},
				ToolNamePatterns: []string{"edit*"},
			},
		},
	}
	loader := &fakeLoader{tasks: []task.Task{tk}}
	dispatcher := &fakeDispatcher{}
	r := New(loader, dispatcher)

	// file matches, tool doesn't -> no dispatch (AND across families).
	r.HandleEvent(context.Background(), EventToolPre, map[string]string{"file_path": "a.ts", "tool_name": "read"})
	if len(dispatcher.fired) != 0 {
		t.Fatalf("expected no dispatch when one family fails to match, got %v", dispatcher.fired)
	}

	// both match -> dispatch.
	r.HandleEvent(context.Background(), EventToolPre, map[string]string{"file_path": "a.ts", "tool_name": "edit_file"})
	if len(dispatcher.fired) != 1 {
		t.Fatalf("expected dispatch when both families match, got %v", dispatcher.fired)
	}
}
