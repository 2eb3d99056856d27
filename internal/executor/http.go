package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rakunlabs/taskcron/internal/task"
	"github.com/rakunlabs/taskcron/internal/template"
	"github.com/worldline-go/klient"
)

// HTTPExecutor fires a templated HTTP request. Method, URL, headers, and
// body are all resolved through the template placeholder set before the
// request is sent.
type HTTPExecutor struct {
	newClient func() (*klient.Client, error)
}

func NewHTTPExecutor() *HTTPExecutor {
	return &HTTPExecutor{
		newClient: func() (*klient.Client, error) {
			return klient.New(
				klient.WithLogger(slog.Default()),
				klient.WithDisableRetry(true),
			)
		},
	}
}

func (h *HTTPExecutor) Execute(ctx context.Context, t task.Task, e task.Execution) (task.ExecutionResult, error) {
	cfg := t.Config.HTTP
	if cfg == nil {
		return task.ExecutionResult{}, fmt.Errorf("http executor: task %s has no http config", t.ID)
	}

	start := time.Now()

	method := strings.ToUpper(template.Resolve(cfg.Method, t, e))
	if method == "" {
		method = http.MethodGet
	}
	url := template.Resolve(cfg.URL, t, e)
	body := template.Resolve(cfg.Body, t, e)

	client, err := h.newClient()
	if err != nil {
		return task.ExecutionResult{}, fmt.Errorf("http executor: build client: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewBufferString(body))
	if err != nil {
		return task.ExecutionResult{}, fmt.Errorf("http executor: build request: %w", err)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, template.Resolve(v, t, e))
	}

	var (
		responseBody string
		statusCode   int
	)
	doErr := client.Do(req, func(r *http.Response) error {
		statusCode = r.StatusCode
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		responseBody = string(data)
		return nil
	})

	duration := time.Since(start).Milliseconds()

	if ctx.Err() != nil {
		status := task.StatusCancelled
		if ctx.Err().Error() == context.DeadlineExceeded.Error() {
			status = task.StatusTimeout
		}
		return task.ExecutionResult{Status: status, Error: "http: " + ctx.Err().Error(), DurationMS: duration}, nil
	}

	if doErr != nil {
		return task.ExecutionResult{Status: task.StatusFailure, Error: doErr.Error(), DurationMS: duration}, nil
	}

	result := task.ExecutionResult{
		Output:     responseBody,
		DurationMS: duration,
		ExitCode:   &statusCode,
	}
	if statusCode >= 400 {
		result.Status = task.StatusFailure
		result.Error = fmt.Sprintf("http: status %d", statusCode)
		return result, nil
	}

	result.Status = task.StatusSuccess
	return result, nil
}
