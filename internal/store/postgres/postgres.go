// Package postgres is the Postgres-backed implementation of task.Store,
// for multi-instance or production deployments.
package postgres

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

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 3

	DefaultTablePrefix = "taskcron_"
)

type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableTasks      exp.IdentifierExpression
	tableExecutions exp.IdentifierExpression

	// encKey is the AES-256 key used to encrypt/decrypt sensitive
	// task-config fields. nil means encryption is disabled.
	encKey   []byte
	encKeyMu sync.RWMutex
}

func New(ctx context.Context, cfg *config.StorePostgres, encKey []byte) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
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
	if migrate.Schema == "" {
		migrate.Schema = cfg.Schema
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	if cfg.ConnMaxLifetime != nil {
		ConnMaxLifetime = *cfg.ConnMaxLifetime
	}
	if cfg.MaxIdleConns != nil {
		MaxIdleConns = *cfg.MaxIdleConns
	}
	if cfg.MaxOpenConns != nil {
		MaxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	slog.Info("connected to store postgres")

	return &Postgres{
		db:              db,
		goqu:            goqu.New("postgres", db),
		tableTasks:      goqu.T(tablePrefix + "tasks"),
		tableExecutions: goqu.T(tablePrefix + "executions"),
		encKey:          encKey,
	}, nil
}

func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) currentKey() []byte {
	p.encKeyMu.RLock()
	defer p.encKeyMu.RUnlock()
	return p.encKey
}

// SetEncryptionKey updates the in-memory key used for subsequent reads and
// writes without re-encrypting existing rows.
func (p *Postgres) SetEncryptionKey(newKey []byte) {
	p.encKeyMu.Lock()
	p.encKey = newKey
	p.encKeyMu.Unlock()
}

// ─── row shapes ───

type taskRow struct {
	ID           string          `db:"id" goqu:"skipupdate"`
	Name         string          `db:"name"`
	Type         string          `db:"type"`
	Enabled      bool            `db:"enabled"`
	Config       json.RawMessage `db:"config"`
	Trigger      json.RawMessage `db:"trigger"`
	Options      json.RawMessage `db:"options"`
	Handlers     json.RawMessage `db:"handlers"`
	RunCount     int64           `db:"run_count"`
	SuccessCount int64           `db:"success_count"`
	FailureCount int64           `db:"failure_count"`
	CreatedAt    time.Time       `db:"created_at" goqu:"skipupdate"`
	UpdatedAt    time.Time       `db:"updated_at"`
	CreatedBy    string          `db:"created_by" goqu:"skipupdate"`
	UpdatedBy    string          `db:"updated_by"`
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
		Config:       configJSON,
		Trigger:      triggerJSON,
		Options:      optionsJSON,
		Handlers:     handlersJSON,
		RunCount:     t.RunCount,
		SuccessCount: t.SuccessCount,
		FailureCount: t.FailureCount,
		CreatedAt:    t.CreatedAt.Time,
		UpdatedAt:    t.UpdatedAt.Time,
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
	t.CreatedAt = types.NewTime(row.CreatedAt)
	t.UpdatedAt = types.NewTime(row.UpdatedAt)

	if err := json.Unmarshal(row.Config, &t.Config); err != nil {
		return task.Task{}, fmt.Errorf("unmarshal config for %q: %w", row.ID, err)
	}
	if err := json.Unmarshal(row.Trigger, &t.Trigger); err != nil {
		return task.Task{}, fmt.Errorf("unmarshal trigger for %q: %w", row.ID, err)
	}
	if err := json.Unmarshal(row.Options, &t.Options); err != nil {
		return task.Task{}, fmt.Errorf("unmarshal options for %q: %w", row.ID, err)
	}
	if err := json.Unmarshal(row.Handlers, &t.Handlers); err != nil {
		return task.Task{}, fmt.Errorf("unmarshal handlers for %q: %w", row.ID, err)
	}

	cfg, err := taskcrypto.DecryptTaskConfig(t.Config, encKey)
	if err != nil {
		return task.Task{}, fmt.Errorf("decrypt task config for %q: %w", row.ID, err)
	}
	t.Config = cfg

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

func (p *Postgres) CreateTask(ctx context.Context, t task.Task) (task.Task, error) {
	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}

	if t.ID == "" {
		t.ID = "task_" + ulid.Make().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = types.NewTime(now)
	t.UpdatedAt = types.NewTime(now)

	row, err := taskToRow(t, p.currentKey())
	if err != nil {
		return task.Task{}, err
	}

	query, _, err := p.goqu.Insert(p.tableTasks).Rows(goqu.Record{
		"id": row.ID, "name": row.Name, "type": row.Type, "enabled": row.Enabled,
		"config": row.Config, "trigger": row.Trigger, "options": row.Options, "handlers": row.Handlers,
		"run_count": row.RunCount, "success_count": row.SuccessCount, "failure_count": row.FailureCount,
		"created_at": row.CreatedAt, "updated_at": row.UpdatedAt,
		"created_by": row.CreatedBy, "updated_by": row.UpdatedBy,
	}).ToSQL()
	if err != nil {
		return task.Task{}, fmt.Errorf("build insert query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return task.Task{}, fmt.Errorf("create task %q: %w", t.ID, err)
	}

	return t, nil
}

func (p *Postgres) GetTask(ctx context.Context, id string) (*task.Task, error) {
	query, _, err := p.goqu.From(p.tableTasks).Select(taskColumns...).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	row, err := scanTaskRow(p.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %q: %w", id, err)
	}

	t, err := rowToTask(row, p.currentKey())
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *Postgres) UpdateTask(ctx context.Context, id string, fn func(task.Task) (task.Task, error)) (task.Task, error) {
	cur, err := p.GetTask(ctx, id)
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

	row, err := taskToRow(updated, p.currentKey())
	if err != nil {
		return task.Task{}, err
	}

	query, _, err := p.goqu.Update(p.tableTasks).Set(goqu.Record{
		"name": row.Name, "type": row.Type, "enabled": row.Enabled,
		"config": row.Config, "trigger": row.Trigger, "options": row.Options, "handlers": row.Handlers,
		"run_count": row.RunCount, "success_count": row.SuccessCount, "failure_count": row.FailureCount,
		"updated_at": row.UpdatedAt, "updated_by": row.UpdatedBy,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return task.Task{}, fmt.Errorf("build update query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return task.Task{}, fmt.Errorf("update task %q: %w", id, err)
	}

	return updated, nil
}

func (p *Postgres) DeleteTask(ctx context.Context, id string) error {
	query, _, err := p.goqu.Delete(p.tableTasks).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete task %q: %w", id, err)
	}
	return nil
}

func (p *Postgres) LoadTasks(ctx context.Context, filter task.TaskFilter) ([]task.Task, error) {
	ds := p.goqu.From(p.tableTasks).Select(taskColumns...)

	if filter.Enabled != nil {
		ds = ds.Where(goqu.I("enabled").Eq(*filter.Enabled))
	}
	if filter.Type != "" {
		ds = ds.Where(goqu.I("type").Eq(string(filter.Type)))
	}
	if filter.TriggerType != "" {
		ds = ds.Where(goqu.L("trigger->>'type'").Eq(string(filter.TriggerType)))
	}
	if filter.TriggerEvent != "" {
		ds = ds.Where(goqu.L("trigger->'event'->>'event_type'").Eq(filter.TriggerEvent))
	}

	query, _, err := ds.Order(goqu.I("id").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	encKey := p.currentKey()

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
	ID             string          `db:"id" goqu:"skipupdate"`
	TaskID         string          `db:"task_id" goqu:"skipupdate"`
	Status         string          `db:"status"`
	TriggerType    string          `db:"trigger_type"`
	TriggerContext json.RawMessage `db:"trigger_context"`
	Output         string          `db:"output"`
	Thinking       string          `db:"thinking"`
	Error          string          `db:"error"`
	ExitCode       *int            `db:"exit_code"`
	RetryCount     int             `db:"retry_count"`
	ToolCalls      json.RawMessage `db:"tool_calls"`
	Usage          json.RawMessage `db:"usage"`
	DurationMS     *int64          `db:"duration_ms"`
	CreatedAt      time.Time       `db:"created_at" goqu:"skipupdate"`
	StartedAt      *time.Time      `db:"started_at"`
	CompletedAt    *time.Time      `db:"completed_at"`
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
		TriggerContext: triggerCtxJSON,
		Output:         e.Output,
		Thinking:       e.Thinking,
		Error:          e.Error,
		ExitCode:       e.ExitCode,
		ToolCalls:      toolCallsJSON,
		Usage:          usageJSON,
		CreatedAt:      e.CreatedAt.Time,
	}

	if e.DurationMS != 0 {
		d := e.DurationMS
		row.DurationMS = &d
	}
	if e.StartedAt.Valid {
		t := e.StartedAt.V.Time
		row.StartedAt = &t
	}
	if e.CompletedAt.Valid {
		t := e.CompletedAt.V.Time
		row.CompletedAt = &t
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
	e.CreatedAt = types.NewTime(row.CreatedAt)
	if row.DurationMS != nil {
		e.DurationMS = *row.DurationMS
	}

	if err := json.Unmarshal(row.TriggerContext, &e.TriggerContext); err != nil {
		return task.Execution{}, fmt.Errorf("unmarshal trigger_context for %q: %w", row.ID, err)
	}
	if err := json.Unmarshal(row.ToolCalls, &e.ToolCalls); err != nil {
		return task.Execution{}, fmt.Errorf("unmarshal tool_calls for %q: %w", row.ID, err)
	}
	if err := json.Unmarshal(row.Usage, &e.Usage); err != nil {
		return task.Execution{}, fmt.Errorf("unmarshal usage for %q: %w", row.ID, err)
	}

	if row.StartedAt != nil {
		e.StartedAt = types.NewNull(types.NewTime(*row.StartedAt))
	}
	if row.CompletedAt != nil {
		e.CompletedAt = types.NewNull(types.NewTime(*row.CompletedAt))
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

func (p *Postgres) CreateExecution(ctx context.Context, e task.Execution) (task.Execution, error) {
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

	query, _, err := p.goqu.Insert(p.tableExecutions).Rows(goqu.Record{
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

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return task.Execution{}, fmt.Errorf("create execution %q: %w", e.ID, err)
	}

	return e, nil
}

func (p *Postgres) GetExecution(ctx context.Context, id string) (*task.Execution, error) {
	query, _, err := p.goqu.From(p.tableExecutions).Select(executionColumns...).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	row, err := scanExecutionRow(p.db.QueryRowContext(ctx, query))
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

func (p *Postgres) UpdateExecution(ctx context.Context, id string, fn func(task.Execution) (task.Execution, error)) (task.Execution, error) {
	cur, err := p.GetExecution(ctx, id)
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

	query, _, err := p.goqu.Update(p.tableExecutions).Set(goqu.Record{
		"status": row.Status, "trigger_type": row.TriggerType, "trigger_context": row.TriggerContext,
		"output": row.Output, "thinking": row.Thinking, "error": row.Error,
		"exit_code": row.ExitCode, "retry_count": row.RetryCount,
		"tool_calls": row.ToolCalls, "usage": row.Usage,
		"duration_ms": row.DurationMS, "started_at": row.StartedAt, "completed_at": row.CompletedAt,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return task.Execution{}, fmt.Errorf("build update query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return task.Execution{}, fmt.Errorf("update execution %q: %w", id, err)
	}

	return updated, nil
}

func (p *Postgres) LoadExecutions(ctx context.Context, filter task.ExecutionFilter) ([]task.Execution, error) {
	ds := p.goqu.From(p.tableExecutions).Select(executionColumns...)

	if filter.TaskID != "" {
		ds = ds.Where(goqu.I("task_id").Eq(filter.TaskID))
	}
	if filter.Status != "" {
		ds = ds.Where(goqu.I("status").Eq(string(filter.Status)))
	}
	if filter.StartDate != nil {
		ds = ds.Where(goqu.I("created_at").Gte(filter.StartDate.UTC()))
	}
	if filter.EndDate != nil {
		ds = ds.Where(goqu.I("created_at").Lte(filter.EndDate.UTC()))
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

	rows, err := p.db.QueryContext(ctx, query)
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

func (p *Postgres) AppendExecutionOutput(ctx context.Context, id, text string) error {
	query, _, err := p.goqu.Update(p.tableExecutions).
		Set(goqu.Record{"output": goqu.L("output || ?::text", text)}).
		Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build append output query: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	return err
}

func (p *Postgres) AppendExecutionThinking(ctx context.Context, id, text string) error {
	query, _, err := p.goqu.Update(p.tableExecutions).
		Set(goqu.Record{"thinking": goqu.L("thinking || ?::text", text)}).
		Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build append thinking query: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	return err
}

func (p *Postgres) GetExecutionProgress(ctx context.Context, id string) (task.Progress, error) {
	query, _, err := p.goqu.From(p.tableExecutions).
		Select("output", "thinking", "status").
		Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return task.Progress{}, fmt.Errorf("build progress query: %w", err)
	}

	var prog task.Progress
	var status string
	if err := p.db.QueryRowContext(ctx, query).Scan(&prog.Output, &prog.Thinking, &status); err != nil {
		return task.Progress{}, fmt.Errorf("get execution progress %q: %w", id, err)
	}
	prog.Status = task.Status(status)

	return prog, nil
}

// ─── Stats ───

func (p *Postgres) GetTaskStats(ctx context.Context, taskID string) (task.Stats, error) {
	query, _, err := p.goqu.From(p.tableExecutions).
		Select(
			goqu.COUNT("id").As("total_runs"),
			goqu.L("SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END)").As("successful_runs"),
			goqu.L("SUM(CASE WHEN status IN ('failure', 'timeout') THEN 1 ELSE 0 END)").As("failed_runs"),
			goqu.L("AVG(duration_ms)").As("average_duration"),
			goqu.L("COALESCE(SUM((usage->>'cost_usd')::numeric), 0)").As("total_cost"),
		).
		Where(goqu.I("task_id").Eq(taskID), goqu.I("status").In("success", "failure", "timeout", "cancelled", "skipped")).
		ToSQL()
	if err != nil {
		return task.Stats{}, fmt.Errorf("build stats query: %w", err)
	}

	var stats task.Stats
	var avgDuration, totalCost sql.NullFloat64
	if err := p.db.QueryRowContext(ctx, query).Scan(&stats.TotalRuns, &stats.SuccessfulRuns, &stats.FailedRuns, &avgDuration, &totalCost); err != nil {
		return task.Stats{}, fmt.Errorf("get task stats %q: %w", taskID, err)
	}
	stats.AverageDuration = avgDuration.Float64
	stats.TotalCostUSD = totalCost.Float64

	return stats, nil
}

// ─── Counters ───

func (p *Postgres) IncrementTaskCounters(ctx context.Context, taskID string, success bool) error {
	col := "failure_count"
	if success {
		col = "success_count"
	}

	query, _, err := p.goqu.Update(p.tableTasks).Set(goqu.Record{
		"run_count": goqu.L("run_count + 1"),
		col:         goqu.L(col + " + 1"),
	}).Where(goqu.I("id").Eq(taskID)).ToSQL()
	if err != nil {
		return fmt.Errorf("build increment counters query: %w", err)
	}

	_, err = p.db.ExecContext(ctx, query)
	return err
}

// ─── Key rotation ───

// RotateEncryptionKey decrypts all task configs with the current key,
// re-encrypts them with newKey, and updates the rows atomically. Passing
// nil as newKey disables encryption (stores plaintext).
func (p *Postgres) RotateEncryptionKey(ctx context.Context, newKey []byte) error {
	p.encKeyMu.Lock()
	defer p.encKeyMu.Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := p.goqu.From(p.tableTasks).
		Select("id", "config").
		ForUpdate(exp.Wait).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build select query: %w", err)
	}

	rows, err := tx.QueryContext(ctx, selectQuery)
	if err != nil {
		return fmt.Errorf("list tasks for rotation: %w", err)
	}

	type rowData struct {
		id     string
		config json.RawMessage
	}

	var allRows []rowData
	for rows.Next() {
		var r rowData
		if err := rows.Scan(&r.id, &r.config); err != nil {
			rows.Close()
			return fmt.Errorf("scan task row: %w", err)
		}
		allRows = append(allRows, r)
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate task rows: %w", err)
	}

	for _, r := range allRows {
		var cfg task.Config
		if err := json.Unmarshal(r.config, &cfg); err != nil {
			return fmt.Errorf("unmarshal config for %q: %w", r.id, err)
		}

		cfg, err := taskcrypto.DecryptTaskConfig(cfg, p.encKey)
		if err != nil {
			return fmt.Errorf("decrypt config for %q: %w", r.id, err)
		}

		cfg, err = taskcrypto.EncryptTaskConfig(cfg, newKey)
		if err != nil {
			return fmt.Errorf("re-encrypt config for %q: %w", r.id, err)
		}

		configJSON, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config for %q: %w", r.id, err)
		}

		updateQuery, _, err := p.goqu.Update(p.tableTasks).Set(
			goqu.Record{"config": configJSON},
		).Where(goqu.I("id").Eq(r.id)).ToSQL()
		if err != nil {
			return fmt.Errorf("build update query for %q: %w", r.id, err)
		}

		if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
			return fmt.Errorf("update task %q: %w", r.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	p.encKey = newKey

	slog.Info("encryption key rotated", "tasks_updated", len(allRows))

	return nil
}
