package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/taskcron/internal/config"
	"github.com/rakunlabs/taskcron/internal/executor"
	"github.com/rakunlabs/taskcron/internal/hook"
	"github.com/rakunlabs/taskcron/internal/outcome"
	"github.com/rakunlabs/taskcron/internal/scheduler"
	"github.com/rakunlabs/taskcron/internal/server"
	"github.com/rakunlabs/taskcron/internal/store"
)

var (
	name    = "taskcron"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		into.Init(serve,
			into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
			into.WithMsgf("%s [%s]", name, version),
		)
	case "hook-event":
		if err := hookEvent(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "task":
		if err := taskCommand(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "%s: unknown command %q\n", name, os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: %s <command> [arguments]

commands:
  serve                                run the scheduler and admin HTTP API
  hook-event <event_type> [context]    dispatch an event to the running instance
  task list|get|create|run|stats|delete  manage tasks on the running instance
`, name)
}

// ///////////////////////////////////////////////////////////////////
// serve

// serve wires the core: StorageContract, ExecutorRegistry, Scheduler,
// HookRouter, and OutcomePipeline, breaking the Scheduler<->HookRouter
// and Scheduler<->OutcomePipeline cycles by constructing the Scheduler
// first and injecting it as each side's narrow Dispatcher interface,
// then admits the admin HTTP surface on top.
func serve(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	registry := executor.NewRegistry(cfg.Scheduler.CancelGracePeriod)

	schedCfg := scheduler.Config{
		WorkerPoolSize:      cfg.Scheduler.WorkerPoolSize,
		DefaultShellTimeout: cfg.Scheduler.DefaultShellTimeout,
		DefaultAgentTimeout: cfg.Scheduler.DefaultAgentTimeout,
		QueueDepth:          cfg.Scheduler.QueueDepth,
	}
	sched := scheduler.New(st, registry, nil, schedCfg)

	router := hook.New(st, sched)
	pipeline := outcome.NewPipeline(st, sched, outcome.RealTimer{})
	sched.SetPipeline(pipeline)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer sched.Stop()

	srv, err := server.New(ctx, cfg.Server, st, sched, router)
	if err != nil {
		return fmt.Errorf("failed to build admin server: %w", err)
	}

	return srv.Start(ctx)
}

// ///////////////////////////////////////////////////////////////////
// CLI-to-running-instance plumbing
//
// hook-event and task are thin adapters: they validate input locally and
// forward it to the already-running instance's admin HTTP surface over
// the loopback address, per spec.md §1's description of the CLI as a
// thin front-end that does not itself own core state.

func baseURL() string {
	if v := os.Getenv("TASKCRON_ADDR"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}

func adminClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func newAdminRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL()+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := os.Getenv("TASKCRON_ADMIN_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// hookEvent implements the `program hook-event <event_type> <context_json>`
// CLI contract from spec.md §6: the context may be given as the second
// argument or read from stdin, exit code 1 on parse/dispatch error, 0
// otherwise -- an unknown event_type is simply a no-subscriber match and
// still exits 0.
func hookEvent(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s hook-event <event_type> [context_json]", name)
	}
	eventType := args[0]

	var raw []byte
	if len(args) >= 2 {
		raw = []byte(args[1])
	} else {
		stat, _ := os.Stdin.Stat()
		if stat != nil && (stat.Mode()&os.ModeCharDevice) == 0 {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read context from stdin: %w", err)
			}
			raw = data
		}
	}

	if len(raw) > 0 {
		var probe map[string]any
		if err := json.Unmarshal(raw, &probe); err != nil {
			return fmt.Errorf("invalid context json: %w", err)
		}
	} else {
		raw = []byte("{}")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := newAdminRequest(ctx, http.MethodPost, "/api/v1/hook-events/"+eventType, raw)
	if err != nil {
		return err
	}

	resp, err := adminClient().Do(req)
	if err != nil {
		return fmt.Errorf("dispatch event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("dispatch event: server responded %d: %s", resp.StatusCode, string(data))
	}

	return nil
}

// ///////////////////////////////////////////////////////////////////
// task management subcommands

func taskCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: %s task list|create|get|run|stats|delete ...", name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "list":
		return taskList(ctx)
	case "create":
		if len(args) < 2 {
			return fmt.Errorf("usage: %s task create <task_json>", name)
		}
		return taskCreate(ctx, []byte(args[1]))
	case "get":
		if len(args) < 2 {
			return fmt.Errorf("usage: %s task get <task_id>", name)
		}
		return taskPassthrough(ctx, http.MethodGet, "/api/v1/tasks/"+args[1], nil)
	case "run":
		if len(args) < 2 {
			return fmt.Errorf("usage: %s task run <task_id>", name)
		}
		return taskPassthrough(ctx, http.MethodPost, "/api/v1/tasks/"+args[1]+"/run", nil)
	case "stats":
		if len(args) < 2 {
			return fmt.Errorf("usage: %s task stats <task_id>", name)
		}
		return taskPassthrough(ctx, http.MethodGet, "/api/v1/tasks/"+args[1]+"/stats", nil)
	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("usage: %s task delete <task_id>", name)
		}
		return taskPassthrough(ctx, http.MethodDelete, "/api/v1/tasks/"+args[1], nil)
	default:
		return fmt.Errorf("%s: unknown task subcommand %q", name, args[0])
	}
}

func taskList(ctx context.Context) error {
	return taskPassthrough(ctx, http.MethodGet, "/api/v1/tasks", nil)
}

func taskCreate(ctx context.Context, body []byte) error {
	return taskPassthrough(ctx, http.MethodPost, "/api/v1/tasks", body)
}

// taskPassthrough issues the request against the admin API and prints the
// response body verbatim -- the CLI validates nothing about the payload
// shape itself, trusting the server's own Task.Validate().
func taskPassthrough(ctx context.Context, method, path string, body []byte) error {
	req, err := newAdminRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := adminClient().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	fmt.Println(string(data))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("server responded %d", resp.StatusCode)
	}
	return nil
}
