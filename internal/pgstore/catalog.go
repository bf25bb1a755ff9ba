package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/msageha/zonekeeper/internal/catalog"
	"github.com/msageha/zonekeeper/internal/model"
	"github.com/msageha/zonekeeper/internal/zone"
)

const placeColumns = `mx_id, mx_code, warehouse, floor, row_num, section, shelf, cell`

// Catalog reads locations from warehouse_places. Codes are compared with the
// "C" collation so ordering matches the other backends byte for byte.
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

// limitArg maps limit <= 0 to NULL, which Postgres reads as LIMIT ALL.
func limitArg(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func (c *Catalog) SampleRandom(ctx context.Context) (model.Location, error) {
	locs, err := c.query(ctx, `
		SELECT `+placeColumns+` FROM warehouse_places
		WHERE mx_code <> '' ORDER BY random() LIMIT 1`)
	if err != nil {
		return model.Location{}, fmt.Errorf("sample location: %w", err)
	}
	if len(locs) == 0 {
		return model.Location{}, model.ErrCatalogEmpty
	}
	return locs[0], nil
}

func (c *Catalog) WithPrefix(ctx context.Context, prefix string, limit int) ([]model.Location, error) {
	locs, err := c.query(ctx, `
		SELECT `+placeColumns+` FROM warehouse_places
		WHERE left(mx_code, char_length($1)) = $1
		ORDER BY mx_code COLLATE "C" LIMIT $2`, prefix, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("locations with prefix %q: %w", prefix, err)
	}
	return locs, nil
}

func (c *Catalog) ByCode(ctx context.Context, code string) (model.Location, bool, error) {
	locs, err := c.query(ctx, `
		SELECT `+placeColumns+` FROM warehouse_places
		WHERE mx_code_norm = $1 ORDER BY mx_code COLLATE "C" LIMIT 1`, zone.Normalize(code))
	if err != nil {
		return model.Location{}, false, fmt.Errorf("location by code %q: %w", code, err)
	}
	if len(locs) == 0 {
		return model.Location{}, false, nil
	}
	return locs[0], true, nil
}

func (c *Catalog) ByID(ctx context.Context, id int64) (model.Location, bool, error) {
	locs, err := c.query(ctx, `SELECT `+placeColumns+` FROM warehouse_places WHERE mx_id = $1`, id)
	if err != nil {
		return model.Location{}, false, fmt.Errorf("location %d: %w", id, err)
	}
	if len(locs) == 0 {
		return model.Location{}, false, nil
	}
	return locs[0], true, nil
}

func (c *Catalog) Nearest(ctx context.Context, ref model.Address, limit int) ([]model.RankedLocation, error) {
	rows, err := c.db.pool.Query(ctx, `
		SELECT `+placeColumns+`,
		       abs(floor - $1) + abs(row_num - $2) + abs(section - $3) AS dist
		FROM warehouse_places
		WHERE mx_code <> ''
		ORDER BY dist, mx_code COLLATE "C"
		LIMIT $4`, ref.Floor, ref.Row, ref.Section, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("nearest locations: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.RankedLocation, error) {
		var (
			r    model.RankedLocation
			dist int32
		)
		a := &r.Address
		if err := row.Scan(&r.ID, &r.Code, &a.Warehouse, &a.Floor, &a.Row, &a.Section, &a.Shelf, &a.Cell, &dist); err != nil {
			return r, err
		}
		r.Distance = int(dist)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("nearest locations: %w", err)
	}
	return out, nil
}

func (c *Catalog) Count(ctx context.Context) (int, error) {
	var n int64
	if err := c.db.pool.QueryRow(ctx, `SELECT count(*) FROM warehouse_places`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count locations: %w", err)
	}
	return int(n), nil
}

// Replace swaps the table content in one transaction using COPY.
func (c *Catalog) Replace(ctx context.Context, locations []model.Location) error {
	rows := make([][]any, 0, len(locations))
	seen := make(map[int64]int, len(locations))
	for _, l := range locations {
		norm := zone.Normalize(l.Code)
		if norm == "" {
			continue
		}
		a := l.Address
		row := []any{l.ID, l.Code, norm, a.Warehouse, a.Floor, a.Row, a.Section, a.Shelf, a.Cell}
		if i, dup := seen[l.ID]; dup {
			rows[i] = row
			continue
		}
		seen[l.ID] = len(rows)
		rows = append(rows, row)
	}

	err := c.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM warehouse_places`); err != nil {
			return err
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"warehouse_places"},
			[]string{"mx_id", "mx_code", "mx_code_norm", "warehouse", "floor", "row_num", "section", "shelf", "cell"},
			pgx.CopyFromRows(rows))
		return err
	})
	if err != nil {
		return fmt.Errorf("replace catalog: %w", err)
	}
	c.db.logger.Infof("catalog replaced rows=%d", len(rows))
	return nil
}

func (c *Catalog) query(ctx context.Context, query string, args ...any) ([]model.Location, error) {
	rows, err := c.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	locs, err := pgx.CollectRows(rows, scanPlace)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return locs, err
}

func scanPlace(row pgx.CollectableRow) (model.Location, error) {
	var l model.Location
	a := &l.Address
	err := row.Scan(&l.ID, &l.Code, &a.Warehouse, &a.Floor, &a.Row, &a.Section, &a.Shelf, &a.Cell)
	return l, err
}
