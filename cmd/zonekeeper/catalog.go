package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/msageha/zonekeeper/internal/catalog"
	"github.com/msageha/zonekeeper/internal/daemon"
	"github.com/msageha/zonekeeper/internal/events"
	"github.com/msageha/zonekeeper/internal/model"
	"github.com/msageha/zonekeeper/internal/pgstore"
	"github.com/msageha/zonekeeper/internal/sqlitestore"
)

func runCatalog(args []string) {
	if len(args) < 1 {
		fatalf("usage: zonekeeper catalog <import|reload> [options]")
	}
	switch args[0] {
	case "import":
		runCatalogImport(args[1:])
	case "reload":
		var out map[string]int
		callOrExit(daemon.CmdReload, nil, &out)
		fmt.Printf("catalog reloaded: %d locations\n", out["locations"])
	default:
		fatalf("unknown catalog subcommand: %s\nusage: zonekeeper catalog <import|reload> [options]", args[0])
	}
}

// runCatalogImport writes an export straight into the configured database.
// A running daemon sees the new content on its next query.
func runCatalogImport(args []string) {
	fs := newFlagSet("catalog import")
	encoding := fs.String("encoding", "utf-8", "export encoding: utf-8 or cp1251")
	parseFlags(fs, args)
	if fs.NArg() != 1 {
		fatalf("usage: zonekeeper catalog import <file> [--encoding cp1251]")
	}

	base := findBase()
	cfg := loadConfig(base)

	locations, stats, err := catalog.ReadExportFile(fs.Arg(0), *encoding)
	if err != nil {
		fatalf("catalog import: %v", err)
	}
	if len(locations) == 0 {
		fatalf("catalog import: %s has no usable rows", fs.Arg(0))
	}

	ctx := context.Background()
	loader, closeStore, err := openLoader(ctx, cfg)
	if err != nil {
		fatalf("catalog import: %v", err)
	}
	defer closeStore()

	if err := loader.Replace(ctx, locations); err != nil {
		closeStore()
		fatalf("catalog import: %v", err)
	}
	fmt.Printf("imported %d locations (%d rows, %d skipped)\n", stats.Accepted, stats.Rows, stats.Skipped)
}

func openLoader(ctx context.Context, cfg model.Config) (catalog.Loader, func(), error) {
	switch cfg.Store.Driver {
	case model.StoreDriverSQLite:
		db, err := sqlitestore.Open(ctx, sqlitestore.Config{Path: cfg.Store.SQLitePath, PoolSize: 1})
		if err != nil {
			return nil, nil, err
		}
		return sqlitestore.NewCatalog(db), func() { _ = db.Close() }, nil
	case model.StoreDriverPostgres:
		db, err := pgstore.Open(ctx, pgstore.Config{DSN: cfg.Store.PostgresDSN, MaxConns: 2})
		if err != nil {
			return nil, nil, err
		}
		return pgstore.NewCatalog(db), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("the memory store is loaded from catalog.export_file; set it in config.yaml instead")
	}
}

func runAudit(args []string) {
	if len(args) < 1 || args[0] != "verify" {
		fatalf("usage: zonekeeper audit verify [file]")
	}
	fs := newFlagSet("audit verify")
	parseFlags(fs, args[1:])

	path := fs.Arg(0)
	if path == "" {
		path = loadConfig(findBase()).Events.AuditLog
	}
	if path == "" {
		fatalf("audit verify: no audit log configured")
	}
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}

	total, valid, err := events.VerifyLogIntegrity(path)
	if err != nil {
		fatalf("audit verify: %v", err)
	}
	fmt.Printf("%s: %d entries, %d valid\n", path, total, valid)
	if valid != total {
		os.Exit(1)
	}
}
