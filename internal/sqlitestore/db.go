// Package sqlitestore is the embedded single-site backend: leases, the
// location catalog and scan history in one SQLite file.
package sqlitestore

import (
	"context"
	"fmt"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/msageha/zonekeeper/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS active_tasks (
	task_id     INTEGER PRIMARY KEY AUTOINCREMENT,
	zone_prefix TEXT    NOT NULL,
	badge       TEXT    NOT NULL,
	assigned_at INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	status      TEXT    NOT NULL DEFAULT 'active'
);
CREATE INDEX IF NOT EXISTS active_tasks_zone ON active_tasks (zone_prefix, status, expires_at);
CREATE INDEX IF NOT EXISTS active_tasks_status ON active_tasks (status, expires_at);

CREATE TABLE IF NOT EXISTS warehouse_places (
	mx_id        INTEGER PRIMARY KEY,
	mx_code      TEXT    NOT NULL,
	mx_code_norm TEXT    NOT NULL,
	warehouse    INTEGER NOT NULL DEFAULT 0,
	floor        INTEGER NOT NULL DEFAULT 0,
	row_num      INTEGER NOT NULL DEFAULT 0,
	section      INTEGER NOT NULL DEFAULT 0,
	shelf        INTEGER NOT NULL DEFAULT 0,
	cell         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS warehouse_places_code ON warehouse_places (mx_code);
CREATE INDEX IF NOT EXISTS warehouse_places_norm ON warehouse_places (mx_code_norm);

CREATE TABLE IF NOT EXISTS inventory_results (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	badge           TEXT    NOT NULL,
	place_cod       INTEGER,
	place_name      TEXT,
	has_discrepancy INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS inventory_results_badge ON inventory_results (badge, created_at);
CREATE INDEX IF NOT EXISTS inventory_results_discrepancy ON inventory_results (has_discrepancy, created_at);
`

// Config holds the parameters for opening the database.
type Config struct {
	// Path is the database file. Its directory must exist.
	Path string
	// PoolSize defaults to max(runtime.NumCPU(), 4). SQLite serializes
	// writes regardless; extra connections only help concurrent reads.
	PoolSize int
	Logger   *logging.Logger
}

// DB is a pool of connections to one database file.
type DB struct {
	pool   *sqlitex.Pool
	path   string
	logger *logging.Logger
}

// Open opens (creating if needed) the database and applies the schema.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitestore: path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = max(runtime.NumCPU(), 4)
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", cfg.Path, err)
	}
	db := &DB{pool: pool, path: cfg.Path, logger: logger}

	if err := db.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, schema, nil)
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sqlitestore: apply schema: %w", err)
	}

	logger.Infof("sqlite opened path=%s pool_size=%d", cfg.Path, size)
	return db, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// withConn borrows a connection for the duration of fn.
func (db *DB) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitestore: take connection: %w", err)
	}
	defer db.pool.Put(conn)
	return fn(conn)
}

// immediate runs fn inside a BEGIN IMMEDIATE transaction, which takes the
// database write lock up front. fn's error rolls the transaction back.
func (db *DB) immediate(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	return db.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		end, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("sqlitestore: begin: %w", err)
		}
		defer end(&err)
		return fn(conn)
	})
}

func (db *DB) Ping(ctx context.Context) error {
	return db.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteTransient(conn, "SELECT 1", nil)
	})
}

func (db *DB) Path() string { return db.path }

// Close closes every connection. Blocks until borrowed connections are returned.
func (db *DB) Close() error {
	if err := db.pool.Close(); err != nil {
		return fmt.Errorf("sqlitestore: close %s: %w", db.path, err)
	}
	db.logger.Infof("sqlite closed path=%s", db.path)
	return nil
}
