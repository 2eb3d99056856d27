package outcome

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rakunlabs/taskcron/internal/task"
	"github.com/rakunlabs/taskcron/internal/template"
)

// runFile implements the file handler: resolve the path template, ensure
// its parent directory exists, format the output, and append or
// overwrite. A write failure is a pipeline event, not an Execution status
// change; the caller (Consume) logs it.
func (p *Pipeline) runFile(t task.Task, e task.Execution, cfg *task.FileConfig) error {
	path := template.Resolve(cfg.Path, t, e)
	if path == "" {
		return fmt.Errorf("outcome: file handler resolved to an empty path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("outcome: create parent directory: %w", err)
	}

	content, err := formatExecution(t, e, cfg.Format)
	if err != nil {
		return err
	}

	flags := os.O_CREATE | os.O_WRONLY
	if cfg.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("outcome: open file: %w", err)
	}
	defer f.Close()

	if cfg.Append {
		content += "\n"
	}

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("outcome: write file: %w", err)
	}

	return nil
}

func formatExecution(t task.Task, e task.Execution, format task.OutputFormat) (string, error) {
	switch format {
	case task.FormatJSON:
		return formatJSON(t, e)
	case task.FormatMarkdown:
		return formatMarkdown(t, e), nil
	default:
		return e.Output, nil
	}
}

type jsonExecutionReport struct {
	Task struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"task"`
	Execution struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		Output     string `json:"output"`
		Error      string `json:"error,omitempty"`
		ExitCode   *int   `json:"exit_code,omitempty"`
		DurationMS int64  `json:"duration_ms"`
	} `json:"execution"`
}

func formatJSON(t task.Task, e task.Execution) (string, error) {
	var report jsonExecutionReport
	report.Task.ID = t.ID
	report.Task.Name = t.Name
	report.Task.Type = string(t.Type)
	report.Execution.ID = e.ID
	report.Execution.Status = string(e.Status)
	report.Execution.Output = e.Output
	report.Execution.Error = e.Error
	report.Execution.ExitCode = e.ExitCode
	report.Execution.DurationMS = e.DurationMS

	data, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("outcome: marshal json report: %w", err)
	}
	return string(data), nil
}

// formatMarkdown renders a fixed layout: H1 task name, metadata bullets,
// fenced output block, fenced error block (if any), tool-call summary (if
// any), usage summary (if any). Formatting the same minimal Execution
// twice yields byte-identical output -- nothing here depends on
// wall-clock time or map iteration order.
func formatMarkdown(t task.Task, e task.Execution) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", t.Name)
	fmt.Fprintf(&b, "- task_id: %s\n", t.ID)
	fmt.Fprintf(&b, "- execution_id: %s\n", e.ID)
	fmt.Fprintf(&b, "- status: %s\n", e.Status)
	fmt.Fprintf(&b, "- duration_ms: %d\n", e.DurationMS)
	if e.ExitCode != nil {
		fmt.Fprintf(&b, "- exit_code: %d\n", *e.ExitCode)
	}

	b.WriteString("\n```\n")
	b.WriteString(e.Output)
	b.WriteString("\n```\n")

	if e.Error != "" {
		b.WriteString("\n## Error\n\n```\n")
		b.WriteString(e.Error)
		b.WriteString("\n```\n")
	}

	if len(e.ToolCalls) > 0 {
		b.WriteString("\n## Tool calls\n\n")
		for _, tc := range e.ToolCalls {
			fmt.Fprintf(&b, "- %s: %s\n", tc.Name, tc.Input)
		}
	}

	if e.Usage.InputTokens > 0 || e.Usage.OutputTokens > 0 {
		b.WriteString("\n## Usage\n\n")
		fmt.Fprintf(&b, "- input_tokens: %d\n", e.Usage.InputTokens)
		fmt.Fprintf(&b, "- output_tokens: %d\n", e.Usage.OutputTokens)
		if e.Usage.CostUSD > 0 {
			fmt.Fprintf(&b, "- cost_usd: %.4f\n", e.Usage.CostUSD)
		}
	}

	return b.String()
}
