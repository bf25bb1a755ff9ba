package daemon

import (
	"context"
	"fmt"

	"github.com/msageha/zonekeeper/internal/catalog"
	"github.com/msageha/zonekeeper/internal/lease"
	"github.com/msageha/zonekeeper/internal/logging"
	"github.com/msageha/zonekeeper/internal/memstore"
	"github.com/msageha/zonekeeper/internal/model"
	"github.com/msageha/zonekeeper/internal/pgstore"
	"github.com/msageha/zonekeeper/internal/recommend"
	"github.com/msageha/zonekeeper/internal/sqlitestore"
)

// historyStore is scan history the daemon can both read and append to.
type historyStore interface {
	recommend.History
	Record(ctx context.Context, r model.ScanResult) error
}

// backend groups the three views over one storage engine.
type backend struct {
	store   lease.Store
	catalog catalog.Catalog
	history historyStore
	close   func()
}

func openBackend(ctx context.Context, cfg model.Config, logger *logging.Logger) (*backend, error) {
	switch cfg.Store.Driver {
	case "", model.StoreDriverMemory:
		return &backend{
			store:   memstore.NewLeaseStore(logger.With("memstore")),
			catalog: memstore.NewCatalog(nil),
			history: memstore.NewHistory(),
			close:   func() {},
		}, nil

	case model.StoreDriverSQLite:
		db, err := sqlitestore.Open(ctx, sqlitestore.Config{
			Path:     cfg.Store.SQLitePath,
			PoolSize: cfg.Store.PoolSize,
			Logger:   logger.With("sqlite"),
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return &backend{
			store:   sqlitestore.NewLeaseStore(db),
			catalog: sqlitestore.NewCatalog(db),
			history: sqlitestore.NewHistory(db),
			close: func() {
				if err := db.Close(); err != nil {
					logger.Warnf("close sqlite store: %v", err)
				}
			},
		}, nil

	case model.StoreDriverPostgres:
		db, err := pgstore.Open(ctx, pgstore.Config{
			DSN:      cfg.Store.PostgresDSN,
			MaxConns: int32(cfg.Store.PoolSize),
			Logger:   logger.With("postgres"),
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return &backend{
			store:   pgstore.NewLeaseStore(db),
			catalog: pgstore.NewCatalog(db),
			history: pgstore.NewHistory(db),
			close:   db.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
