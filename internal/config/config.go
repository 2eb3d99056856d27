package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	Store     Store       `cfg:"store"`
	Server    Server      `cfg:"server"`
	Scheduler Scheduler   `cfg:"scheduler"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// ForwardAuth, if set, configures the admin API to forward auth requests
	// to an external authentication service.
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`

	// AdminToken, if set, protects every /api endpoint (tasks, executions,
	// hook events) with bearer token authentication. If not set, the admin API
	// is reachable without authentication (suitable for local/dev use only).
	AdminToken string `cfg:"admin_token" log:"-"`

	// UserHeader is the HTTP header name that contains the authenticated
	// user's identity (populated by the forward auth middleware), recorded
	// on Task.CreatedBy/UpdatedBy.
	UserHeader string `cfg:"user_header" default:"X-User"`
}

// Scheduler holds the core control-loop defaults that are not per-task.
type Scheduler struct {
	// WorkerPoolSize bounds the number of concurrent dispatch workers shared
	// across all tasks.
	WorkerPoolSize int `cfg:"worker_pool_size" default:"16"`

	// DefaultShellTimeout applies to shell tasks that do not set their own
	// timeout.
	DefaultShellTimeout time.Duration `cfg:"default_shell_timeout" default:"120s"`

	// DefaultAgentTimeout applies to agent tasks that do not set their own
	// timeout.
	DefaultAgentTimeout time.Duration `cfg:"default_agent_timeout" default:"300s"`

	// CancelGracePeriod is how long the shell executor waits after sending
	// SIGTERM to a running task's process group before escalating to
	// SIGKILL.
	CancelGracePeriod time.Duration `cfg:"cancel_grace_period" default:"5s"`

	// QueueDepth bounds how many dispatches may be parked per task while
	// waiting for max_concurrent capacity to free up.
	QueueDepth int `cfg:"queue_depth" default:"64"`
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`

	// EncryptionKey, if set, enables AES-256-GCM encryption for sensitive
	// task-config fields (agent api_key, email password) stored in the
	// database. The key can be any non-empty string; it is derived to 32
	// bytes internally via SHA-256. When empty, no encryption is applied.
	EncryptionKey string `cfg:"encryption_key" log:"-"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("TASKCRON_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
