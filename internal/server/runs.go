package server

import (
	"net/http"
	"time"

	"github.com/rakunlabs/taskcron/internal/task"
)

// activeRunResponse is the JSON-safe view of a running Execution, trimmed
// to what an operator watching in-flight work needs.
type activeRunResponse struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	Trigger    string `json:"trigger_type"`
	StartedAt  string `json:"started_at,omitempty"`
	Duration   string `json:"duration"`
}

type activeRunsResponse struct {
	Runs []activeRunResponse `json:"runs"`
}

// ListActiveRunsAPI handles GET /api/v1/runs: every Execution currently in
// StatusRunning, read straight from the store rather than a parallel
// in-memory registry, since the Scheduler is already the source of truth
// for what's in flight.
func (s *Server) ListActiveRunsAPI(w http.ResponseWriter, r *http.Request) {
	execs, err := s.store.LoadExecutions(r.Context(), task.ExecutionFilter{Status: task.StatusRunning})
	if err != nil {
		httpResponse(w, "failed to list active runs: "+err.Error(), http.StatusInternalServerError)
		return
	}

	now := time.Now()
	runs := make([]activeRunResponse, 0, len(execs))
	for _, e := range execs {
		run := activeRunResponse{
			ID:      e.ID,
			TaskID:  e.TaskID,
			Trigger: string(e.TriggerType),
		}
		if e.StartedAt.Valid {
			run.StartedAt = e.StartedAt.V.Time.UTC().Format(time.RFC3339)
			run.Duration = now.Sub(e.StartedAt.V.Time).Truncate(time.Second).String()
		}
		runs = append(runs, run)
	}

	httpResponseJSON(w, activeRunsResponse{Runs: runs}, http.StatusOK)
}
