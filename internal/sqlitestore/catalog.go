package sqlitestore

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/msageha/zonekeeper/internal/catalog"
	"github.com/msageha/zonekeeper/internal/model"
	"github.com/msageha/zonekeeper/internal/zone"
)

const placeColumns = `mx_id, mx_code, warehouse, floor, row_num, section, shelf, cell`

// Catalog reads locations from the warehouse_places table.
type Catalog struct {
	db *DB
}

var (
	_ catalog.Catalog = (*Catalog)(nil)
	_ catalog.Loader  = (*Catalog)(nil)
)

func NewCatalog(db *DB) *Catalog {
	return &Catalog{db: db}
}

func (c *Catalog) SampleRandom(ctx context.Context) (model.Location, error) {
	locs, err := c.query(ctx, `
		SELECT `+placeColumns+` FROM warehouse_places
		WHERE mx_code != '' ORDER BY random() LIMIT 1`)
	if err != nil {
		return model.Location{}, fmt.Errorf("sample location: %w", err)
	}
	if len(locs) == 0 {
		return model.Location{}, model.ErrCatalogEmpty
	}
	return locs[0], nil
}

func (c *Catalog) WithPrefix(ctx context.Context, prefix string, limit int) ([]model.Location, error) {
	if limit <= 0 {
		limit = -1
	}
	locs, err := c.query(ctx, `
		SELECT `+placeColumns+` FROM warehouse_places
		WHERE substr(mx_code, 1, length(?1)) = ?1
		ORDER BY mx_code LIMIT ?2`, prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("locations with prefix %q: %w", prefix, err)
	}
	return locs, nil
}

func (c *Catalog) ByCode(ctx context.Context, code string) (model.Location, bool, error) {
	locs, err := c.query(ctx, `
		SELECT `+placeColumns+` FROM warehouse_places
		WHERE mx_code_norm = ? ORDER BY mx_code LIMIT 1`, zone.Normalize(code))
	if err != nil {
		return model.Location{}, false, fmt.Errorf("location by code %q: %w", code, err)
	}
	if len(locs) == 0 {
		return model.Location{}, false, nil
	}
	return locs[0], true, nil
}

func (c *Catalog) ByID(ctx context.Context, id int64) (model.Location, bool, error) {
	locs, err := c.query(ctx, `SELECT `+placeColumns+` FROM warehouse_places WHERE mx_id = ?`, id)
	if err != nil {
		return model.Location{}, false, fmt.Errorf("location %d: %w", id, err)
	}
	if len(locs) == 0 {
		return model.Location{}, false, nil
	}
	return locs[0], true, nil
}

func (c *Catalog) Nearest(ctx context.Context, ref model.Address, limit int) ([]model.RankedLocation, error) {
	if limit <= 0 {
		limit = -1
	}
	var out []model.RankedLocation
	err := c.db.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT `+placeColumns+`,
			       abs(floor - ?1) + abs(row_num - ?2) + abs(section - ?3) AS dist
			FROM warehouse_places
			WHERE mx_code != ''
			ORDER BY dist, mx_code
			LIMIT ?4`,
			&sqlitex.ExecOptions{
				Args: []any{ref.Floor, ref.Row, ref.Section, limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, model.RankedLocation{
						Location: scanPlace(stmt),
						Distance: stmt.ColumnInt(8),
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("nearest locations: %w", err)
	}
	return out, nil
}

func (c *Catalog) Count(ctx context.Context) (int, error) {
	var n int
	err := c.db.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT count(*) FROM warehouse_places`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	if err != nil {
		return 0, fmt.Errorf("count locations: %w", err)
	}
	return n, nil
}

// Replace swaps the table content for locations in one transaction. Blank
// codes are dropped; a duplicate id keeps the last row.
func (c *Catalog) Replace(ctx context.Context, locations []model.Location) error {
	err := c.db.immediate(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `DELETE FROM warehouse_places`, nil); err != nil {
			return err
		}
		for _, l := range locations {
			norm := zone.Normalize(l.Code)
			if norm == "" {
				continue
			}
			a := l.Address
			err := sqlitex.Execute(conn, `
				INSERT OR REPLACE INTO warehouse_places
				(mx_id, mx_code, mx_code_norm, warehouse, floor, row_num, section, shelf, cell)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{l.ID, l.Code, norm, a.Warehouse, a.Floor, a.Row, a.Section, a.Shelf, a.Cell}})
			if err != nil {
				return fmt.Errorf("insert %q: %w", l.Code, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace catalog: %w", err)
	}
	c.db.logger.Infof("catalog replaced rows=%d", len(locations))
	return nil
}

func (c *Catalog) query(ctx context.Context, query string, args ...any) ([]model.Location, error) {
	var out []model.Location
	err := c.db.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, scanPlace(stmt))
				return nil
			},
		})
	})
	return out, err
}

func scanPlace(stmt *sqlite.Stmt) model.Location {
	return model.Location{
		ID:   stmt.ColumnInt64(0),
		Code: stmt.ColumnText(1),
		Address: model.Address{
			Warehouse: stmt.ColumnInt(2),
			Floor:     stmt.ColumnInt(3),
			Row:       stmt.ColumnInt(4),
			Section:   stmt.ColumnInt(5),
			Shelf:     stmt.ColumnInt(6),
			Cell:      stmt.ColumnInt(7),
		},
	}
}
