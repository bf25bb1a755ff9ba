// Package pgstore is the PostgreSQL backend for multi-node deployments:
// several engine instances share one database and coordinate claims through
// transaction-scoped advisory locks.
package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/msageha/zonekeeper/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS active_tasks (
	task_id     BIGSERIAL PRIMARY KEY,
	zone_prefix TEXT        NOT NULL,
	badge       TEXT        NOT NULL,
	assigned_at TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	status      TEXT        NOT NULL DEFAULT 'active'
);
CREATE INDEX IF NOT EXISTS active_tasks_zone ON active_tasks (zone_prefix, status, expires_at);
CREATE INDEX IF NOT EXISTS active_tasks_status ON active_tasks (status, expires_at);

CREATE TABLE IF NOT EXISTS warehouse_places (
	mx_id        BIGINT PRIMARY KEY,
	mx_code      TEXT    NOT NULL,
	mx_code_norm TEXT    NOT NULL,
	warehouse    INTEGER NOT NULL DEFAULT 0,
	floor        INTEGER NOT NULL DEFAULT 0,
	row_num      INTEGER NOT NULL DEFAULT 0,
	section      INTEGER NOT NULL DEFAULT 0,
	shelf        INTEGER NOT NULL DEFAULT 0,
	cell         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS warehouse_places_code ON warehouse_places (mx_code COLLATE "C");
CREATE INDEX IF NOT EXISTS warehouse_places_norm ON warehouse_places (mx_code_norm);

CREATE TABLE IF NOT EXISTS inventory_results (
	id              BIGSERIAL PRIMARY KEY,
	badge           TEXT        NOT NULL,
	place_cod       BIGINT,
	place_name      TEXT,
	has_discrepancy BOOLEAN     NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS inventory_results_badge ON inventory_results (badge, created_at);
`

type Config struct {
	DSN      string
	MaxConns int32
	Logger   *logging.Logger
}

// DB wraps a pgx connection pool.
type DB struct {
	pool   *pgxpool.Pool
	logger *logging.Logger
}

// Open connects, verifies the connection and applies the schema.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("pgstore: dsn is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: apply schema: %w", err)
	}

	logger.Infof("postgres connected host=%s db=%s max_conns=%d",
		pcfg.ConnConfig.Host, pcfg.ConnConfig.Database, pcfg.MaxConns)
	return &DB{pool: pool, logger: logger}, nil
}

// inTx runs fn in a read-committed transaction, committing when fn succeeds.
func (db *DB) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *DB) Close() {
	db.pool.Close()
	db.logger.Infof("postgres pool closed")
}
