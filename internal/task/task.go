// Package task defines the core data model shared by the scheduler, the
// hook router, and the outcome pipeline: Task and Execution, their
// type-specific configuration variants, and the invariants that every
// storage backend and executor must uphold.
package task

import (
	"fmt"
	"time"

	"github.com/worldline-go/types"
)

// Type is the closed set of built-in executor types a Task can declare.
type Type string

const (
	TypeShell Type = "shell"
	TypeAgent Type = "agent"
	TypeHTTP  Type = "http"
	TypeEmail Type = "email"
)

func (t Type) Valid() bool {
	switch t {
	case TypeShell, TypeAgent, TypeHTTP, TypeEmail:
		return true
	default:
		return false
	}
}

// TriggerType is the kind of trigger that causes a Task to run, and also
// doubles as Execution.TriggerType (which additionally allows "retry" and
// "chain" for executions spawned by the outcome pipeline).
type TriggerType string

const (
	TriggerManual TriggerType = "manual"
	TriggerCron   TriggerType = "cron"
	TriggerEvent  TriggerType = "event"
	TriggerRetry  TriggerType = "retry"
	TriggerChain  TriggerType = "chain"
)

// Status is the Execution state machine. Transitions are monotonic:
// Pending -> Running -> one of the terminal states, or Pending -> Skipped.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the status is one a running Execution ends up
// in and never leaves.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusTimeout, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// Trigger describes how a Task is invoked. Exactly one of Cron or Event is
// populated, selected by Type.
type Trigger struct {
	Type TriggerType `json:"type"`

	// Cron is the schedule string, required when Type is TriggerCron.
	// Validate only checks that it is non-empty; its syntax is not parsed
	// until the scheduler registers the cron job.
	Cron string `json:"cron,omitempty"`

	// Event is required when Type is TriggerEvent.
	Event *EventTrigger `json:"event,omitempty"`
}

// EventTrigger subscribes a Task to an event type, with optional pattern
// families over the event context. Every configured family must match
// (AND across families); a family matches if any one of its patterns
// matches the corresponding context value (OR within a family).
type EventTrigger struct {
	EventType string `json:"event_type"`

	// FilePathPatterns, when non-empty, is matched against the event
	// context's "file_path" field.
	FilePathPatterns []string `json:"file_path_patterns,omitempty"`

	// ToolNamePatterns, when non-empty, is matched against the event
	// context's "tool_name" field.
	ToolNamePatterns []string `json:"tool_name_patterns,omitempty"`
}

// Options carries per-task scheduling knobs.
type Options struct {
	// Timeout overrides the type-level default execution timeout.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxConcurrent bounds in-flight executions for this task. Zero means
	// the default of 1; negative values are rejected.
	MaxConcurrent int `json:"max_concurrent"`

	// Priority is stored with the task. The scheduler does not read it:
	// dispatches are not ordered by priority, within a task or across tasks.
	Priority int `json:"priority,omitempty"`

	// Queue, when true, parks executeTask calls that exceed MaxConcurrent
	// instead of recording them as skipped.
	Queue bool `json:"queue,omitempty"`
}

// HandlerType is the closed set of outcome handler variants.
type HandlerType string

const (
	HandlerRetry   HandlerType = "retry"
	HandlerFile    HandlerType = "file"
	HandlerTrigger HandlerType = "trigger"
)

// Backoff is the retry delay growth curve.
type Backoff string

const (
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// RetryOn selects which terminal statuses a retry handler reacts to.
type RetryOn string

const (
	RetryOnFailure RetryOn = "failure"
	RetryOnTimeout RetryOn = "timeout"
	RetryOnAny     RetryOn = "any"
)

// OutputFormat is the closed set of file-handler output formats.
type OutputFormat string

const (
	FormatText     OutputFormat = "text"
	FormatJSON     OutputFormat = "json"
	FormatMarkdown OutputFormat = "markdown"
)

// RetryConfig configures the retry outcome handler.
type RetryConfig struct {
	MaxAttempts    int     `json:"max_attempts"`
	Backoff        Backoff `json:"backoff"`
	InitialDelayMS int64   `json:"initial_delay_ms"`
	MaxDelayMS     int64   `json:"max_delay_ms"`
	On             RetryOn `json:"on"`
}

// FileConfig configures the file outcome handler.
type FileConfig struct {
	// Path is a template resolved against the task and execution.
	Path   string       `json:"path"`
	Append bool         `json:"append"`
	Format OutputFormat `json:"format"`
}

// TriggerConfig configures the trigger (chain) outcome handler.
type TriggerConfig struct {
	TaskID string `json:"task_id"`
}

// Handler is one entry in Task.Handlers, a tagged sum over the three
// handler variants. Exactly the field matching Type is populated.
type Handler struct {
	Type HandlerType `json:"type"`

	Retry   *RetryConfig   `json:"retry,omitempty"`
	File    *FileConfig    `json:"file,omitempty"`
	Trigger *TriggerConfig `json:"trigger,omitempty"`
}

// ShellConfig is the task_config variant for Type == TypeShell.
type ShellConfig struct {
	Command string            `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
}

// AgentConfig is the task_config variant for Type == TypeAgent.
//
// APIKey is stored encrypted at rest (see internal/crypto) when a storage
// encryption key is configured.
type AgentConfig struct {
	Model        string  `json:"model"`
	APIKey       string  `json:"api_key" log:"-"`
	BaseURL      string  `json:"base_url,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Prompt       string  `json:"prompt"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
}

// HTTPConfig is the task_config variant for Type == TypeHTTP.
type HTTPConfig struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// EmailConfig is the task_config variant for Type == TypeEmail.
//
// Password is stored encrypted at rest (see internal/crypto) when a
// storage encryption key is configured.
type EmailConfig struct {
	SMTPHost    string   `json:"smtp_host"`
	SMTPPort    int      `json:"smtp_port"`
	Username    string   `json:"username,omitempty"`
	Password    string   `json:"password,omitempty" log:"-"`
	From        string   `json:"from"`
	To          []string `json:"to"`
	CC          []string `json:"cc,omitempty"`
	BCC         []string `json:"bcc,omitempty"`
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	ContentType string   `json:"content_type,omitempty"`
	TLS         bool     `json:"tls,omitempty"`
}

// Config is the tagged-sum task_config: exactly one of the per-type
// fields is populated, matching Task.Type.
type Config struct {
	Shell *ShellConfig `json:"shell,omitempty"`
	Agent *AgentConfig `json:"agent,omitempty"`
	HTTP  *HTTPConfig  `json:"http,omitempty"`
	Email *EmailConfig `json:"email,omitempty"`
}

// Task is a named, reusable unit of work with a trigger and a
// type-specific configuration.
type Task struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    Type   `json:"type"`
	Enabled bool   `json:"enabled"`

	Config  Config  `json:"config"`
	Trigger Trigger `json:"trigger"`
	Options Options `json:"options"`

	Handlers []Handler `json:"handlers,omitempty"`

	RunCount     int64 `json:"run_count"`
	SuccessCount int64 `json:"success_count"`
	FailureCount int64 `json:"failure_count"`

	CreatedBy string     `json:"created_by,omitempty"`
	UpdatedBy string     `json:"updated_by,omitempty"`
	CreatedAt types.Time `json:"created_at"`
	UpdatedAt types.Time `json:"updated_at"`
}

// Validate checks the invariants spec'd for a Task: the type tag and the
// config variant must agree, a cron trigger must carry a schedule string,
// and max_concurrent must be at least 1.
func (t Task) Validate() error {
	if !t.Type.Valid() {
		return fmt.Errorf("task: unknown type %q", t.Type)
	}

	switch t.Type {
	case TypeShell:
		if t.Config.Shell == nil {
			return fmt.Errorf("task: type %q requires shell config", t.Type)
		}
		if t.Config.Shell.Command == "" {
			return fmt.Errorf("task: shell config requires a command")
		}
	case TypeAgent:
		if t.Config.Agent == nil {
			return fmt.Errorf("task: type %q requires agent config", t.Type)
		}
	case TypeHTTP:
		if t.Config.HTTP == nil {
			return fmt.Errorf("task: type %q requires http config", t.Type)
		}
		if t.Config.HTTP.URL == "" {
			return fmt.Errorf("task: http config requires a url")
		}
	case TypeEmail:
		if t.Config.Email == nil {
			return fmt.Errorf("task: type %q requires email config", t.Type)
		}
	}

	switch t.Trigger.Type {
	case TriggerCron:
		if t.Trigger.Cron == "" {
			return fmt.Errorf("task: cron trigger requires a schedule")
		}
	case TriggerEvent:
		if t.Trigger.Event == nil || t.Trigger.Event.EventType == "" {
			return fmt.Errorf("task: event trigger requires an event_type")
		}
	case TriggerManual:
		// nothing to check
	default:
		return fmt.Errorf("task: unknown trigger type %q", t.Trigger.Type)
	}

	if t.Options.MaxConcurrent != 0 && t.Options.MaxConcurrent < 1 {
		return fmt.Errorf("task: max_concurrent must be >= 1")
	}

	for i, h := range t.Handlers {
		switch h.Type {
		case HandlerRetry:
			if h.Retry == nil {
				return fmt.Errorf("task: handler[%d] type retry requires retry config", i)
			}
		case HandlerFile:
			if h.File == nil {
				return fmt.Errorf("task: handler[%d] type file requires file config", i)
			}
		case HandlerTrigger:
			if h.Trigger == nil || h.Trigger.TaskID == "" {
				return fmt.Errorf("task: handler[%d] type trigger requires a task_id", i)
			}
		default:
			return fmt.Errorf("task: handler[%d] unknown type %q", i, h.Type)
		}
	}

	return nil
}

// EffectiveMaxConcurrent returns Options.MaxConcurrent, defaulting to 1
// when unset.
func (t Task) EffectiveMaxConcurrent() int {
	if t.Options.MaxConcurrent < 1 {
		return 1
	}
	return t.Options.MaxConcurrent
}

// ToolCall is one executor-reported tool invocation. None of the built-in
// executors report tool calls.
type ToolCall struct {
	Name  string `json:"name"`
	Input string `json:"input"`
}

// Usage carries agent-executor token accounting.
type Usage struct {
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// Execution is a single attempt to run a Task; immutable once terminal.
type Execution struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`

	TriggerType    TriggerType       `json:"trigger_type"`
	TriggerContext map[string]string `json:"trigger_context,omitempty"`

	Status Status `json:"status"`

	Output   string `json:"output,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`

	DurationMS int64      `json:"duration_ms,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Usage      Usage      `json:"usage,omitempty"`

	StartedAt   types.Null[types.Time] `json:"started_at,omitempty"`
	CompletedAt types.Null[types.Time] `json:"completed_at,omitempty"`
	CreatedAt   types.Time             `json:"created_at"`
}

// Validate checks the terminal/completed_at/duration_ms invariant.
func (e Execution) Validate() error {
	if e.Status.Terminal() {
		if !e.CompletedAt.Valid {
			return fmt.Errorf("execution: terminal status %q requires completed_at", e.Status)
		}
		if e.StartedAt.Valid {
			want := e.CompletedAt.V.Time.Sub(e.StartedAt.V.Time).Milliseconds()
			if e.DurationMS != 0 && abs64(want-e.DurationMS) > 1 {
				return fmt.Errorf("execution: duration_ms %d does not match completed_at-started_at %d", e.DurationMS, want)
			}
		}
	}
	return nil
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// ExecutionResult is what an Executor returns from Execute.
type ExecutionResult struct {
	Status     Status
	Output     string
	Thinking   string
	Error      string
	ExitCode   *int
	DurationMS int64
	ToolCalls  []ToolCall
	Usage      Usage
}

// Filter parameters for loading Tasks and Executions.

// TaskFilter restricts LoadTasks results.
type TaskFilter struct {
	Enabled      *bool
	Type         Type
	TriggerType  TriggerType
	TriggerEvent string
}

// ExecutionFilter restricts LoadExecutions results.
type ExecutionFilter struct {
	TaskID    string
	Status    Status
	Limit     int
	Offset    int
	StartDate *time.Time
	EndDate   *time.Time
}

// Stats summarizes a task's execution history.
type Stats struct {
	TotalRuns       int64   `json:"total_runs"`
	SuccessfulRuns  int64   `json:"successful_runs"`
	FailedRuns      int64   `json:"failed_runs"`
	AverageDuration float64 `json:"average_duration_ms"`
	TotalCostUSD    float64 `json:"total_cost_usd"`
}

// Progress is the live snapshot returned while an execution is running.
type Progress struct {
	Output   string `json:"output"`
	Thinking string `json:"thinking"`
	Status   Status `json:"status"`
}
