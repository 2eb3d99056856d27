package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rakunlabs/taskcron/internal/task"
	"github.com/worldline-go/klient"
)

const defaultAnthropicBaseURL = "https://api.anthropic.com"
const anthropicVersion = "2023-06-01"
const defaultMaxTokens = 4096

// AgentExecutor runs a single non-streaming turn against the Anthropic
// Messages API: one Task.Config.Agent.Prompt produces one response per
// Execution, with no multi-turn conversation or tool loop to drive.
type AgentExecutor struct {
	// newClient builds the klient.Client for a given AgentConfig; a field
	// so tests can substitute a fake HTTP round-tripper.
	newClient func(cfg task.AgentConfig) (*klient.Client, error)
}

func NewAgentExecutor() *AgentExecutor {
	return &AgentExecutor{newClient: newAnthropicClient}
}

func newAnthropicClient(cfg task.AgentConfig) (*klient.Client, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}

	headers := http.Header{}
	headers.Set("X-Api-Key", cfg.APIKey)
	headers.Set("Anthropic-Version", anthropicVersion)
	headers.Set("Content-Type", "application/json")

	return klient.New(
		klient.WithBaseURL(baseURL+"/v1/messages"),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(headers),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	)
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
	Usage   anthropicUsage          `json:"usage"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *AgentExecutor) Execute(ctx context.Context, t task.Task, e task.Execution) (task.ExecutionResult, error) {
	cfg := t.Config.Agent
	if cfg == nil {
		return task.ExecutionResult{}, fmt.Errorf("agent executor: task %s has no agent config", t.ID)
	}

	start := time.Now()

	client, err := a.newClient(*cfg)
	if err != nil {
		return task.ExecutionResult{}, fmt.Errorf("agent executor: build client: %w", err)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body := anthropicRequest{
		Model:     cfg.Model,
		MaxTokens: maxTokens,
		System:    cfg.SystemPrompt,
		Messages: []anthropicMessage{
			{Role: "user", Content: cfg.Prompt},
		},
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return task.ExecutionResult{}, fmt.Errorf("agent executor: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "", bytes.NewBuffer(jsonData))
	if err != nil {
		return task.ExecutionResult{}, fmt.Errorf("agent executor: build request: %w", err)
	}

	var result anthropicResponse
	doErr := client.Do(req, func(r *http.Response) error {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &result); err != nil {
			return fmt.Errorf("decode response: %w (body: %s)", err, string(data))
		}
		return nil
	})

	duration := time.Since(start).Milliseconds()

	if ctx.Err() != nil {
		status := task.StatusCancelled
		if ctx.Err().Error() == context.DeadlineExceeded.Error() {
			status = task.StatusTimeout
		}
		return task.ExecutionResult{Status: status, Error: "agent: " + ctx.Err().Error(), DurationMS: duration}, nil
	}

	if doErr != nil {
		return task.ExecutionResult{Status: task.StatusFailure, Error: doErr.Error(), DurationMS: duration}, nil
	}

	if result.Error != nil {
		return task.ExecutionResult{
			Status:     task.StatusFailure,
			Error:      fmt.Sprintf("anthropic: %s: %s", result.Error.Type, result.Error.Message),
			DurationMS: duration,
		}, nil
	}

	var output string
	for _, block := range result.Content {
		if block.Type == "text" {
			output += block.Text
		}
	}

	return task.ExecutionResult{
		Status:     task.StatusSuccess,
		Output:     output,
		DurationMS: duration,
		Usage: task.Usage{
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
		},
	}, nil
}
