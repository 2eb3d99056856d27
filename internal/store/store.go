// Package store wires the configured backend (memory, sqlite3, or
// postgres) into a task.Store, deriving the encryption key used for
// sensitive task-config fields along the way.
package store

import (
	"context"
	"fmt"

	"github.com/rakunlabs/taskcron/internal/config"
	"github.com/rakunlabs/taskcron/internal/crypto"
	"github.com/rakunlabs/taskcron/internal/store/memory"
	"github.com/rakunlabs/taskcron/internal/store/postgres"
	"github.com/rakunlabs/taskcron/internal/store/sqlite3"
	"github.com/rakunlabs/taskcron/internal/task"
)

// New builds a task.Store from the given configuration. Exactly one of
// cfg.Postgres/cfg.SQLite should be set; if neither is, an in-memory store
// is used (suitable for local/dev use and tests, not production -- data
// does not survive a restart).
func New(ctx context.Context, cfg config.Store) (task.Store, error) {
	var encKey []byte
	if cfg.EncryptionKey != "" {
		key, err := crypto.DeriveKey(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("derive encryption key: %w", err)
		}
		encKey = key
	}

	switch {
	case cfg.Postgres != nil:
		return postgres.New(ctx, cfg.Postgres, encKey)
	case cfg.SQLite != nil:
		return sqlite3.New(ctx, cfg.SQLite, encKey)
	default:
		return memory.New(), nil
	}
}
