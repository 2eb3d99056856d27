package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rakunlabs/ada"
	"github.com/rakunlabs/taskcron/internal/config"
	"github.com/rakunlabs/taskcron/internal/hook"
	"github.com/rakunlabs/taskcron/internal/task"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"
)

// Dispatcher is the narrow seam into the Scheduler the admin API needs:
// fire a manual run, cancel an in-flight one.
type Dispatcher interface {
	ExecuteTask(ctx context.Context, taskID string, triggerType task.TriggerType, triggerContext map[string]string) (string, error)
	CancelExecution(id string)
}

// Server is the admin HTTP API: Task/Execution CRUD, manual run/cancel,
// and the HTTP counterpart to the hook-event CLI contract.
type Server struct {
	config config.Server

	server *ada.Server

	store      task.Store
	dispatcher Dispatcher
	router     *hook.Router
}

func New(ctx context.Context, cfg config.Server, store task.Store, dispatcher Dispatcher, router *hook.Router) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:     cfg,
		server:     mux,
		store:      store,
		dispatcher: dispatcher,
		router:     router,
	}

	if cfg.BasePath != "" {
		slog.Info("configuring server with base path", "base_path", cfg.BasePath)
	}

	baseGroup := mux.Group(cfg.BasePath)

	if cfg.ForwardAuth != nil {
		slog.Info("forward auth enabled", "url", cfg.ForwardAuth.Address)
		baseGroup.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*cfg.ForwardAuth)))
	} else {
		slog.Info("forward auth disabled (no forward_auth config)")
	}

	apiGroup := baseGroup.Group("/api")
	apiGroup.Use(s.adminAuthMiddleware())

	// Task CRUD.
	apiGroup.GET("/v1/tasks", s.ListTasksAPI)
	apiGroup.POST("/v1/tasks", s.CreateTaskAPI)
	apiGroup.GET("/v1/tasks/*", s.GetTaskAPI)
	apiGroup.PUT("/v1/tasks/*", s.UpdateTaskAPI)
	apiGroup.DELETE("/v1/tasks/*", s.DeleteTaskAPI)

	// Manual run and stats, nested under the task.
	apiGroup.POST("/v1/tasks/*/run", s.RunTaskAPI)
	apiGroup.GET("/v1/tasks/*/stats", s.TaskStatsAPI)

	// In-flight executions, read straight from the store.
	apiGroup.GET("/v1/runs", s.ListActiveRunsAPI)

	// Execution read model.
	apiGroup.GET("/v1/executions", s.ListExecutionsAPI)
	apiGroup.GET("/v1/executions/*", s.GetExecutionAPI)
	apiGroup.GET("/v1/executions/*/progress", s.ExecutionProgressAPI)
	apiGroup.POST("/v1/executions/*/cancel", s.CancelExecutionAPI)

	// HTTP counterpart to the hook-event CLI contract.
	apiGroup.POST("/v1/hook-events/*", s.HookEventAPI)

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}

// adminAuthMiddleware protects the admin API. If no admin_token is
// configured, every admin request is let through unauthenticated --
// suitable for local/dev use only, per config.Server.AdminToken's doc.
func (s *Server) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.config.AdminToken == "" {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token := strings.TrimPrefix(auth, "Bearer ")
			if token == auth || token != s.config.AdminToken {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// userEmail returns the identity populated by the forward auth
// middleware in config.Server.UserHeader, recorded on CreatedBy/UpdatedBy.
func (s *Server) userEmail(r *http.Request) string {
	return r.Header.Get(s.config.UserHeader)
}

// ─── Task CRUD ───

type tasksResponse struct {
	Tasks []task.Task `json:"tasks"`
}

func (s *Server) ListTasksAPI(w http.ResponseWriter, r *http.Request) {
	filter := task.TaskFilter{}
	q := r.URL.Query()
	if v := q.Get("type"); v != "" {
		filter.Type = task.Type(v)
	}
	if v := q.Get("enabled"); v != "" {
		b := v == "true"
		filter.Enabled = &b
	}

	tasks, err := s.store.LoadTasks(r.Context(), filter)
	if err != nil {
		slog.Error("list tasks failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to list tasks: %v", err), http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}

	httpResponseJSON(w, tasksResponse{Tasks: tasks}, http.StatusOK)
}

func (s *Server) CreateTaskAPI(w http.ResponseWriter, r *http.Request) {
	var t task.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if err := t.Validate(); err != nil {
		httpResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	user := s.userEmail(r)
	t.CreatedBy = user
	t.UpdatedBy = user

	created, err := s.store.CreateTask(r.Context(), t)
	if err != nil {
		slog.Error("create task failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to create task: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, created, http.StatusCreated)
}

func (s *Server) GetTaskAPI(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r, "/v1/tasks/")
	if id == "" {
		httpResponse(w, "task id is required", http.StatusBadRequest)
		return
	}

	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		slog.Error("get task failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to get task: %v", err), http.StatusInternalServerError)
		return
	}
	if t == nil {
		httpResponse(w, fmt.Sprintf("task %q not found", id), http.StatusNotFound)
		return
	}

	httpResponseJSON(w, t, http.StatusOK)
}

func (s *Server) UpdateTaskAPI(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r, "/v1/tasks/")
	if id == "" {
		httpResponse(w, "task id is required", http.StatusBadRequest)
		return
	}

	var req task.Task
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	user := s.userEmail(r)

	updated, err := s.store.UpdateTask(r.Context(), id, func(cur task.Task) (task.Task, error) {
		req.ID = cur.ID
		req.RunCount = cur.RunCount
		req.SuccessCount = cur.SuccessCount
		req.FailureCount = cur.FailureCount
		req.CreatedBy = cur.CreatedBy
		req.CreatedAt = cur.CreatedAt
		req.UpdatedBy = user
		if err := req.Validate(); err != nil {
			return cur, err
		}
		return req, nil
	})
	if err != nil {
		if err == task.ErrNotFound {
			httpResponse(w, fmt.Sprintf("task %q not found", id), http.StatusNotFound)
			return
		}
		slog.Error("update task failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to update task: %v", err), http.StatusBadRequest)
		return
	}

	httpResponseJSON(w, updated, http.StatusOK)
}

func (s *Server) DeleteTaskAPI(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r, "/v1/tasks/")
	if id == "" {
		httpResponse(w, "task id is required", http.StatusBadRequest)
		return
	}

	if err := s.store.DeleteTask(r.Context(), id); err != nil {
		slog.Error("delete task failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to delete task: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponse(w, "deleted", http.StatusOK)
}

// ─── Manual run and stats ───

type runTaskResponse struct {
	ExecutionID string `json:"execution_id"`
}

// RunTaskAPI handles POST /api/v1/tasks/:id/run, the manual-trigger path
// of executeTask.
func (s *Server) RunTaskAPI(w http.ResponseWriter, r *http.Request) {
	id := pathMiddle(r, "/v1/tasks/", "/run")
	if id == "" {
		httpResponse(w, "task id is required", http.StatusBadRequest)
		return
	}

	execID, err := s.dispatcher.ExecuteTask(r.Context(), id, task.TriggerManual, nil)
	if err != nil {
		slog.Error("manual run failed", "task_id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to run task: %v", err), http.StatusInternalServerError)
		return
	}
	if execID == "" {
		httpResponse(w, fmt.Sprintf("task %q not found or disabled", id), http.StatusNotFound)
		return
	}

	httpResponseJSON(w, runTaskResponse{ExecutionID: execID}, http.StatusAccepted)
}

func (s *Server) TaskStatsAPI(w http.ResponseWriter, r *http.Request) {
	id := pathMiddle(r, "/v1/tasks/", "/stats")
	if id == "" {
		httpResponse(w, "task id is required", http.StatusBadRequest)
		return
	}

	stats, err := s.store.GetTaskStats(r.Context(), id)
	if err != nil {
		slog.Error("get task stats failed", "task_id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to get task stats: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, stats, http.StatusOK)
}

// ─── Execution read model ───

type executionsResponse struct {
	Executions []task.Execution `json:"executions"`
}

func (s *Server) ListExecutionsAPI(w http.ResponseWriter, r *http.Request) {
	filter := task.ExecutionFilter{}
	q := r.URL.Query()
	filter.TaskID = q.Get("task_id")
	if v := q.Get("status"); v != "" {
		filter.Status = task.Status(v)
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	if v := q.Get("start_date"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.StartDate = &t
		}
	}
	if v := q.Get("end_date"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.EndDate = &t
		}
	}

	execs, err := s.store.LoadExecutions(r.Context(), filter)
	if err != nil {
		slog.Error("list executions failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to list executions: %v", err), http.StatusInternalServerError)
		return
	}
	if execs == nil {
		execs = []task.Execution{}
	}

	httpResponseJSON(w, executionsResponse{Executions: execs}, http.StatusOK)
}

func (s *Server) GetExecutionAPI(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r, "/v1/executions/")
	if id == "" {
		httpResponse(w, "execution id is required", http.StatusBadRequest)
		return
	}

	e, err := s.store.GetExecution(r.Context(), id)
	if err != nil {
		slog.Error("get execution failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to get execution: %v", err), http.StatusInternalServerError)
		return
	}
	if e == nil {
		httpResponse(w, fmt.Sprintf("execution %q not found", id), http.StatusNotFound)
		return
	}

	httpResponseJSON(w, e, http.StatusOK)
}

func (s *Server) ExecutionProgressAPI(w http.ResponseWriter, r *http.Request) {
	id := pathMiddle(r, "/v1/executions/", "/progress")
	if id == "" {
		httpResponse(w, "execution id is required", http.StatusBadRequest)
		return
	}

	p, err := s.store.GetExecutionProgress(r.Context(), id)
	if err != nil {
		slog.Error("get execution progress failed", "id", id, "error", err)
		httpResponse(w, fmt.Sprintf("failed to get execution progress: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, p, http.StatusOK)
}

// CancelExecutionAPI handles POST /api/v1/executions/:id/cancel. It only
// signals cooperative cancellation -- it does not block until the
// execution actually reaches a terminal state.
func (s *Server) CancelExecutionAPI(w http.ResponseWriter, r *http.Request) {
	id := pathMiddle(r, "/v1/executions/", "/cancel")
	if id == "" {
		httpResponse(w, "execution id is required", http.StatusBadRequest)
		return
	}

	s.dispatcher.CancelExecution(id)

	httpResponse(w, "cancel signal sent", http.StatusOK)
}

// ─── Hook events over HTTP ───

// HookEventAPI handles POST /api/v1/hook-events/:event_type, the HTTP
// counterpart to the `taskcron hook-event` CLI contract: dispatch is
// best-effort and fire-and-forget, so this always returns 202 once the
// body decodes, even if every subscriber's dispatch later fails.
func (s *Server) HookEventAPI(w http.ResponseWriter, r *http.Request) {
	eventType := pathTail(r, "/v1/hook-events/")
	if eventType == "" {
		httpResponse(w, "event type is required", http.StatusBadRequest)
		return
	}

	var eventContext map[string]string
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&eventContext); err != nil {
			httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
	}

	s.router.HandleEvent(r.Context(), eventType, eventContext)

	httpResponse(w, "accepted", http.StatusAccepted)
}

// ─── path helpers ───

// pathTail returns the remainder of the URL path after prefix, matching
// ada's "/*" wildcard routes.
func pathTail(r *http.Request, prefix string) string {
	path := r.URL.Path
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	return strings.Trim(strings.TrimPrefix(path, prefix), "/")
}

// pathMiddle returns the path segment between prefix and suffix, for
// routes like /v1/tasks/:id/run registered as "/v1/tasks/*/run".
func pathMiddle(r *http.Request, prefix, suffix string) string {
	path := r.URL.Path
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.TrimSuffix(rest, suffix)
	return strings.Trim(rest, "/")
}
