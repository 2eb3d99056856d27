// Package sqlite3 is the embedded-database implementation of task.Store,
// for single-instance deployments that want durability without standing
// up a Postgres server.
package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/taskcron/internal/config"
	taskcrypto "github.com/rakunlabs/taskcron/internal/crypto"
	"github.com/rakunlabs/taskcron/internal/task"
	"github.com/worldline-go/types"

	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
)

var DefaultTablePrefix = "taskcron_"

type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database

	tableTasks      exp.IdentifierExpression
	tableExecutions exp.IdentifierExpression

	// encKey is the AES-256 key used to encrypt/decrypt sensitive
	// task-config fields. nil means encryption is disabled.
	encKey   []byte
	encKeyMu sync.RWMutex
}

func New(ctx context.Context, cfg *config.StoreSQLite, encKey []byte) (*SQLite, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}
	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("connected to store sqlite")

	return &SQLite{
		db:              db,
		goqu:            goqu.New("sqlite3", db),
		tableTasks:      goqu.T(tablePrefix + "tasks"),
		tableExecutions: goqu.T(tablePrefix + "executions"),
		encKey:          encKey,
	}, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) currentKey() []byte {
	s.encKeyMu.RLock()
	defer s.encKeyMu.RUnlock()
	return s.encKey
}

// SetEncryptionKey updates the in-memory key used for subsequent reads and
// writes without re-encrypting existing rows.
func (s *SQLite) SetEncryptionKey(newKey []byte) {
	s.encKeyMu.Lock()
	s.encKey = newKey
	s.encKeyMu.Unlock()
}

// ─── row shapes ───

type taskRow struct {
	ID           string `db:"id"`
	Name         string `db:"name"`
	Type         string `db:"type"`
	Enabled      bool   `db:"enabled"`
	Config       string `db:"config"`
	Trigger      string `db:"trigger"`
	Options      string `db:"options"`
	Handlers     string `db:"handlers"`
	RunCount     int64  `db:"run_count"`
	SuccessCount int64  `db:"success_count"`
	FailureCount int64  `db:"failure_count"`
	CreatedAt    string `db:"created_at"`
	UpdatedAt    string `db:"updated_at"`
	CreatedBy    string `db:"created_by"`
	UpdatedBy    string `db:"updated_by"`
}

func taskToRow(t task.Task, encKey []byte) (taskRow, error) {
	cfg, err := taskcrypto.EncryptTaskConfig(t.Config, encKey)
	if err != nil {
		return taskRow{}, fmt.Errorf("encrypt task config: %w", err)
	}

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return taskRow{}, fmt.Errorf("marshal config: %w", err)
	}
	triggerJSON, err := json.Marshal(t.Trigger)
	if err != nil {
		return taskRow{}, fmt.Errorf("marshal trigger: %w", err)
	}
	optionsJSON, err := json.Marshal(t.Options)
	if err != nil {
		return taskRow{}, fmt.Errorf("marshal options: %w", err)
	}
	handlersJSON, err := json.Marshal(t.Handlers)
	if err != nil {
		return taskRow{}, fmt.Errorf("marshal handlers: %w", err)
	}

	return taskRow{
		ID:           t.ID,
		Name:         t.Name,
		Type:         string(t.Type),
		Enabled:      t.Enabled,
		Config:       string(configJSON),
		Trigger:      string(triggerJSON),
		Options:      string(optionsJSON),
		Handlers:     string(handlersJSON),
		RunCount:     t.RunCount,
		SuccessCount: t.SuccessCount,
		FailureCount: t.FailureCount,
		CreatedAt:    t.CreatedAt.Time.Format(time.RFC3339Nano),
		UpdatedAt:    t.UpdatedAt.Time.Format(time.RFC3339Nano),
		CreatedBy:    t.CreatedBy,
		UpdatedBy:    t.UpdatedBy,
	}, nil
}

func rowToTask(row taskRow, encKey []byte) (task.Task, error) {
	var t task.Task
	t.ID = row.ID
	t.Name = row.Name
	t.Type = task.Type(row.Type)
	t.Enabled = row.Enabled
	t.RunCount = row.RunCount
	t.SuccessCount = row.SuccessCount
	t.FailureCount = row.FailureCount
	t.CreatedBy = row.CreatedBy
	t.UpdatedBy = row.UpdatedBy

	if err := json.Unmarshal([]byte(row.Config), &t.Config); err != nil {
		return task.Task{}, fmt.Errorf("unmarshal config for %q: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Trigger), &t.Trigger); err != nil {
		return task.Task{}, fmt.Errorf("unmarshal trigger for %q: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Options), &t.Options); err != nil {
		return task.Task{}, fmt.Errorf("unmarshal options for %q: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Handlers), &t.Handlers); err != nil {
		return task.Task{}, fmt.Errorf("unmarshal handlers for %q: %w", row.ID, err)
	}

	cfg, err := taskcrypto.DecryptTaskConfig(t.Config, encKey)
	if err != nil {
		return task.Task{}, fmt.Errorf("decrypt task config for %q: %w", row.ID, err)
	}
	t.Config = cfg

	createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
	if err != nil {
		return task.Task{}, fmt.Errorf("parse created_at for %q: %w", row.ID, err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, row.UpdatedAt)
	if err != nil {
		return task.Task{}, fmt.Errorf("parse updated_at for %q: %w", row.ID, err)
	}
	t.CreatedAt = types.NewTime(createdAt)
	t.UpdatedAt = types.NewTime(updatedAt)

	return t, nil
}

var taskColumns = []any{
	"id", "name", "type", "enabled", "config", "trigger", "options", "handlers",
	"run_count", "success_count", "failure_count",
	"created_at", "updated_at", "created_by", "updated_by",
}

func scanTaskRow(scanner interface{ Scan(...any) error }) (taskRow, error) {
	var row taskRow
	err := scanner.Scan(
		&row.ID, &row.Name, &row.Type, &row.Enabled, &row.Config, &row.Trigger, &row.Options, &row.Handlers,
		&row.RunCount, &row.SuccessCount, &row.FailureCount,
		&row.CreatedAt, &row.UpdatedAt, &row.CreatedBy, &row.UpdatedBy,
	)
	return row, err
}

// ─── Task CRUD ───

func (s *SQLite) CreateTask(ctx context.Context, t task.Task) (task.Task, error) {
	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}

	if t.ID == "" {
		t.ID = "task_" + ulid.Make().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = types.NewTime(now)
	t.UpdatedAt = types.NewTime(now)

	row, err := taskToRow(t, s.currentKey())
	if err != nil {
		return task.Task{}, err
	}

	query, _, err := s.goqu.Insert(s.tableTasks).Rows(goqu.Record{
		"id": row.ID, "name": row.Name, "type": row.Type, "enabled": row.Enabled,
		"config": row.Config, "trigger": row.Trigger, "options": row.Options, "handlers": row.Handlers,
		"run_count": row.RunCount, "success_count": row.SuccessCount, "failure_count": row.FailureCount,
		"created_at": row.CreatedAt, "updated_at": row.UpdatedAt,
		"created_by": row.CreatedBy, "updated_by": row.UpdatedBy,
	}).ToSQL()
	if err != nil {
		return task.Task{}, fmt.Errorf("build insert query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return task.Task{}, fmt.Errorf("create task %q: %w", t.ID, err)
	}

	return t, nil
}

func (s *SQLite) GetTask(ctx context.Context, id string) (*task.Task, error) {
	query, _, err := s.goqu.From(s.tableTasks).Select(taskColumns...).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	row, err := scanTaskRow(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %q: %w", id, err)
	}

	t, err := rowToTask(row, s.currentKey())
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLite) UpdateTask(ctx context.Context, id string, fn func(task.Task) (task.Task, error)) (task.Task, error) {
	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	if cur == nil {
		return task.Task{}, task.ErrNotFound
	}

	updated, err := fn(*cur)
	if err != nil {
		return task.Task{}, err
	}
	if err := updated.Validate(); err != nil {
		return task.Task{}, err
	}

	updated.ID = id
	updated.UpdatedAt = types.NewTime(time.Now().UTC())

	row, err := taskToRow(updated, s.currentKey())
	if err != nil {
		return task.Task{}, err
	}

	query, _, err := s.goqu.Update(s.tableTasks).Set(goqu.Record{
		"name": row.Name, "type": row.Type, "enabled": row.Enabled,
		"config": row.Config, "trigger": row.Trigger, "options": row.Options, "handlers": row.Handlers,
		"run_count": row.RunCount, "success_count": row.SuccessCount, "failure_count": row.FailureCount,
		"updated_at": row.UpdatedAt, "updated_by": row.UpdatedBy,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return task.Task{}, fmt.Errorf("build update query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return task.Task{}, fmt.Errorf("update task %q: %w", id, err)
	}

	return updated, nil
}

func (s *SQLite) DeleteTask(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableTasks).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete task %q: %w", id, err)
	}
	return nil
}

func (s *SQLite) LoadTasks(ctx context.Context, filter task.TaskFilter) ([]task.Task, error) {
	ds := s.goqu.From(s.tableTasks).Select(taskColumns...)

	if filter.Enabled != nil {
		ds = ds.Where(goqu.I("enabled").Eq(*filter.Enabled))
	}
	if filter.Type != "" {
		ds = ds.Where(goqu.I("type").Eq(string(filter.Type)))
	}
	if filter.TriggerType != "" {
		ds = ds.Where(goqu.L("json_extract(trigger, '$.type')").Eq(string(filter.TriggerType)))
	}
	if filter.TriggerEvent != "" {
		ds = ds.Where(goqu.L("json_extract(trigger, '$.event.event_type')").Eq(filter.TriggerEvent))
	}

	query, _, err := ds.Order(goqu.I("id").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	encKey := s.currentKey()

	var result []task.Task
	for rows.Next() {
		row, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		t, err := rowToTask(row, encKey)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}

	return result, rows.Err()
}

// ─── Execution row shape ───

type executionRow struct {
	ID             string  `db:"id"`
	TaskID         string  `db:"task_id"`
	Status         string  `db:"status"`
	TriggerType    string  `db:"trigger_type"`
	TriggerContext string  `db:"trigger_context"`
	Output         string  `db:"output"`
	Thinking       string  `db:"thinking"`
	Error          string  `db:"error"`
	ExitCode       *int    `db:"exit_code"`
	RetryCount     int     `db:"retry_count"`
	ToolCalls      string  `db:"tool_calls"`
	Usage          string  `db:"usage"`
	DurationMS     *int64  `db:"duration_ms"`
	CreatedAt      string  `db:"created_at"`
	StartedAt      *string `db:"started_at"`
	CompletedAt    *string `db:"completed_at"`
}

var executionColumns = []any{
	"id", "task_id", "status", "trigger_type", "trigger_context",
	"output", "thinking", "error", "exit_code", "retry_count", "tool_calls", "usage",
	"duration_ms", "created_at", "started_at", "completed_at",
}

func executionToRow(e task.Execution) (executionRow, error) {
	triggerCtxJSON, err := json.Marshal(e.TriggerContext)
	if err != nil {
		return executionRow{}, fmt.Errorf("marshal trigger_context: %w", err)
	}
	toolCallsJSON, err := json.Marshal(e.ToolCalls)
	if err != nil {
		return executionRow{}, fmt.Errorf("marshal tool_calls: %w", err)
	}
	usageJSON, err := json.Marshal(e.Usage)
	if err != nil {
		return executionRow{}, fmt.Errorf("marshal usage: %w", err)
	}

	row := executionRow{
		ID:             e.ID,
		TaskID:         e.TaskID,
		Status:         string(e.Status),
		TriggerType:    string(e.TriggerType),
		TriggerContext: string(triggerCtxJSON),
		Output:         e.Output,
		Thinking:       e.Thinking,
		Error:          e.Error,
		ExitCode:       e.ExitCode,
		RetryCount:     0,
		ToolCalls:      string(toolCallsJSON),
		Usage:          string(usageJSON),
		CreatedAt:      e.CreatedAt.Time.Format(time.RFC3339Nano),
	}

	if e.DurationMS != 0 {
		d := e.DurationMS
		row.DurationMS = &d
	}
	if e.StartedAt.Valid {
		s := e.StartedAt.V.Time.Format(time.RFC3339Nano)
		row.StartedAt = &s
	}
	if e.CompletedAt.Valid {
		c := e.CompletedAt.V.Time.Format(time.RFC3339Nano)
		row.CompletedAt = &c
	}

	return row, nil
}

func rowToExecution(row executionRow) (task.Execution, error) {
	var e task.Execution
	e.ID = row.ID
	e.TaskID = row.TaskID
	e.Status = task.Status(row.Status)
	e.TriggerType = task.TriggerType(row.TriggerType)
	e.Output = row.Output
	e.Thinking = row.Thinking
	e.Error = row.Error
	e.ExitCode = row.ExitCode
	if row.DurationMS != nil {
		e.DurationMS = *row.DurationMS
	}

	if err := json.Unmarshal([]byte(row.TriggerContext), &e.TriggerContext); err != nil {
		return task.Execution{}, fmt.Errorf("unmarshal trigger_context for %q: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.ToolCalls), &e.ToolCalls); err != nil {
		return task.Execution{}, fmt.Errorf("unmarshal tool_calls for %q: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Usage), &e.Usage); err != nil {
		return task.Execution{}, fmt.Errorf("unmarshal usage for %q: %w", row.ID, err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
	if err != nil {
		return task.Execution{}, fmt.Errorf("parse created_at for %q: %w", row.ID, err)
	}
	e.CreatedAt = types.NewTime(createdAt)

	if row.StartedAt != nil {
		t, err := time.Parse(time.RFC3339Nano, *row.StartedAt)
		if err != nil {
			return task.Execution{}, fmt.Errorf("parse started_at for %q: %w", row.ID, err)
		}
		e.StartedAt = types.NewNull(types.NewTime(t))
	}
	if row.CompletedAt != nil {
		t, err := time.Parse(time.RFC3339Nano, *row.CompletedAt)
		if err != nil {
			return task.Execution{}, fmt.Errorf("parse completed_at for %q: %w", row.ID, err)
		}
		e.CompletedAt = types.NewNull(types.NewTime(t))
	}

	return e, nil
}

func scanExecutionRow(scanner interface{ Scan(...any) error }) (executionRow, error) {
	var row executionRow
	err := scanner.Scan(
		&row.ID, &row.TaskID, &row.Status, &row.TriggerType, &row.TriggerContext,
		&row.Output, &row.Thinking, &row.Error, &row.ExitCode, &row.RetryCount, &row.ToolCalls, &row.Usage,
		&row.DurationMS, &row.CreatedAt, &row.StartedAt, &row.CompletedAt,
	)
	return row, err
}

// ─── Execution CRUD ───

func (s *SQLite) CreateExecution(ctx context.Context, e task.Execution) (task.Execution, error) {
	if e.ID == "" {
		e.ID = "exec_" + ulid.Make().String()
	}
	if e.CreatedAt.Time.IsZero() {
		e.CreatedAt = types.NewTime(time.Now().UTC())
	}

	row, err := executionToRow(e)
	if err != nil {
		return task.Execution{}, err
	}

	query, _, err := s.goqu.Insert(s.tableExecutions).Rows(goqu.Record{
		"id": row.ID, "task_id": row.TaskID, "status": row.Status,
		"trigger_type": row.TriggerType, "trigger_context": row.TriggerContext,
		"output": row.Output, "thinking": row.Thinking, "error": row.Error,
		"exit_code": row.ExitCode, "retry_count": row.RetryCount,
		"tool_calls": row.ToolCalls, "usage": row.Usage,
		"duration_ms": row.DurationMS, "created_at": row.CreatedAt,
		"started_at": row.StartedAt, "completed_at": row.CompletedAt,
	}).ToSQL()
	if err != nil {
		return task.Execution{}, fmt.Errorf("build insert query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return task.Execution{}, fmt.Errorf("create execution %q: %w", e.ID, err)
	}

	return e, nil
}

func (s *SQLite) GetExecution(ctx context.Context, id string) (*task.Execution, error) {
	query, _, err := s.goqu.From(s.tableExecutions).Select(executionColumns...).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	row, err := scanExecutionRow(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %q: %w", id, err)
	}

	e, err := rowToExecution(row)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLite) UpdateExecution(ctx context.Context, id string, fn func(task.Execution) (task.Execution, error)) (task.Execution, error) {
	cur, err := s.GetExecution(ctx, id)
	if err != nil {
		return task.Execution{}, err
	}
	if cur == nil {
		return task.Execution{}, task.ErrNotFound
	}

	updated, err := fn(*cur)
	if err != nil {
		return task.Execution{}, err
	}
	if err := updated.Validate(); err != nil {
		return task.Execution{}, err
	}
	updated.ID = id

	row, err := executionToRow(updated)
	if err != nil {
		return task.Execution{}, err
	}

	query, _, err := s.goqu.Update(s.tableExecutions).Set(goqu.Record{
		"status": row.Status, "trigger_type": row.TriggerType, "trigger_context": row.TriggerContext,
		"output": row.Output, "thinking": row.Thinking, "error": row.Error,
		"exit_code": row.ExitCode, "retry_count": row.RetryCount,
		"tool_calls": row.ToolCalls, "usage": row.Usage,
		"duration_ms": row.DurationMS, "started_at": row.StartedAt, "completed_at": row.CompletedAt,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return task.Execution{}, fmt.Errorf("build update query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return task.Execution{}, fmt.Errorf("update execution %q: %w", id, err)
	}

	return updated, nil
}

func (s *SQLite) LoadExecutions(ctx context.Context, filter task.ExecutionFilter) ([]task.Execution, error) {
	ds := s.goqu.From(s.tableExecutions).Select(executionColumns...)

	if filter.TaskID != "" {
		ds = ds.Where(goqu.I("task_id").Eq(filter.TaskID))
	}
	if filter.Status != "" {
		ds = ds.Where(goqu.I("status").Eq(string(filter.Status)))
	}
	if filter.StartDate != nil {
		ds = ds.Where(goqu.I("created_at").Gte(filter.StartDate.UTC().Format(time.RFC3339Nano)))
	}
	if filter.EndDate != nil {
		ds = ds.Where(goqu.I("created_at").Lte(filter.EndDate.UTC().Format(time.RFC3339Nano)))
	}

	ds = ds.Order(goqu.I("created_at").Desc())

	if filter.Limit > 0 {
		ds = ds.Limit(uint(filter.Limit))
	}
	if filter.Offset > 0 {
		ds = ds.Offset(uint(filter.Offset))
	}

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load executions: %w", err)
	}
	defer rows.Close()

	var result []task.Execution
	for rows.Next() {
		row, err := scanExecutionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		e, err := rowToExecution(row)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}

	return result, rows.Err()
}

// ─── Streaming ───

func (s *SQLite) AppendExecutionOutput(ctx context.Context, id, text string) error {
	query, _, err := s.goqu.Update(s.tableExecutions).
		Set(goqu.Record{"output": goqu.L("output || ?", text)}).
		Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build append output query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLite) AppendExecutionThinking(ctx context.Context, id, text string) error {
	query, _, err := s.goqu.Update(s.tableExecutions).
		Set(goqu.Record{"thinking": goqu.L("thinking || ?", text)}).
		Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build append thinking query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLite) GetExecutionProgress(ctx context.Context, id string) (task.Progress, error) {
	query, _, err := s.goqu.From(s.tableExecutions).
		Select("output", "thinking", "status").
		Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return task.Progress{}, fmt.Errorf("build progress query: %w", err)
	}

	var p task.Progress
	var status string
	if err := s.db.QueryRowContext(ctx, query).Scan(&p.Output, &p.Thinking, &status); err != nil {
		return task.Progress{}, fmt.Errorf("get execution progress %q: %w", id, err)
	}
	p.Status = task.Status(status)

	return p, nil
}

// ─── Stats ───

func (s *SQLite) GetTaskStats(ctx context.Context, taskID string) (task.Stats, error) {
	query, _, err := s.goqu.From(s.tableExecutions).
		Select(
			goqu.COUNT("id").As("total_runs"),
			goqu.L("SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END)").As("successful_runs"),
			goqu.L("SUM(CASE WHEN status IN ('failure', 'timeout') THEN 1 ELSE 0 END)").As("failed_runs"),
			goqu.L("AVG(duration_ms)").As("average_duration"),
			goqu.L("COALESCE(SUM(json_extract(usage, '$.cost_usd')), 0)").As("total_cost"),
		).
		Where(goqu.I("task_id").Eq(taskID), goqu.I("status").In("success", "failure", "timeout", "cancelled", "skipped")).
		ToSQL()
	if err != nil {
		return task.Stats{}, fmt.Errorf("build stats query: %w", err)
	}

	var stats task.Stats
	var avgDuration, totalCost sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, query).Scan(&stats.TotalRuns, &stats.SuccessfulRuns, &stats.FailedRuns, &avgDuration, &totalCost); err != nil {
		return task.Stats{}, fmt.Errorf("get task stats %q: %w", taskID, err)
	}
	stats.AverageDuration = avgDuration.Float64
	stats.TotalCostUSD = totalCost.Float64

	return stats, nil
}

// ─── Counters ───

func (s *SQLite) IncrementTaskCounters(ctx context.Context, taskID string, success bool) error {
	col := "failure_count"
	if success {
		col = "success_count"
	}

	query, _, err := s.goqu.Update(s.tableTasks).Set(goqu.Record{
		"run_count": goqu.L("run_count + 1"),
		col:         goqu.L(col + " + 1"),
	}).Where(goqu.I("id").Eq(taskID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build increment counters query: %w", err)
	}

	_, err = s.db.ExecContext(ctx, query)
	return err
}
