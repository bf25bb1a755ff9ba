package sqlitestore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/msageha/zonekeeper/internal/model"
	"github.com/msageha/zonekeeper/internal/recommend"
)

// History reads scan results from inventory_results. Rows are written by the
// result recording layer; Record exists for imports and tests.
type History struct {
	db *DB
}

var _ recommend.History = (*History)(nil)

func NewHistory(db *DB) *History {
	return &History{db: db}
}

func (h *History) Record(ctx context.Context, r model.ScanResult) error {
	var placeCod, placeName any
	if r.LocationID != 0 {
		placeCod = r.LocationID
	}
	if r.Code != "" {
		placeName = r.Code
	}
	discrepancy := 0
	if r.HasDiscrepancy {
		discrepancy = 1
	}

	err := h.db.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO inventory_results (badge, place_cod, place_name, has_discrepancy, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{r.Worker, placeCod, placeName, discrepancy, r.At.UnixNano()}})
	})
	if err != nil {
		return fmt.Errorf("record scan: %w", err)
	}
	return nil
}

func (h *History) LastScan(ctx context.Context, worker string) (model.ScanRef, bool, error) {
	var (
		ref   model.ScanRef
		found bool
	)
	err := h.db.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT place_cod, place_name, created_at FROM inventory_results
			WHERE badge = ? AND (place_cod IS NOT NULL OR (place_name IS NOT NULL AND trim(place_name) != ''))
			ORDER BY created_at DESC, id DESC LIMIT 1`,
			&sqlitex.ExecOptions{
				Args: []any{worker},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					found = true
					if stmt.ColumnType(0) != sqlite.TypeNull {
						ref.LocationID = stmt.ColumnInt64(0)
					}
					ref.Code = stmt.ColumnText(1)
					ref.At = fromNanos(stmt.ColumnInt64(2))
					return nil
				},
			})
	})
	if err != nil {
		return model.ScanRef{}, false, fmt.Errorf("last scan for %s: %w", worker, err)
	}
	return ref, found, nil
}

func (h *History) RecentDiscrepancies(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	var out []string
	err := h.db.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT place_name FROM inventory_results
			WHERE has_discrepancy = 1 AND place_name IS NOT NULL AND place_name != ''
			GROUP BY place_name
			ORDER BY max(created_at) DESC, place_name
			LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, stmt.ColumnText(0))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("recent discrepancies: %w", err)
	}
	return out, nil
}
