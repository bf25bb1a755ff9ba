package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/msageha/zonekeeper/internal/model"
	"github.com/msageha/zonekeeper/internal/recommend"
)

// History reads the inventory_results table written by the result recording
// layer.
type History struct {
	db *DB
}

var _ recommend.History = (*History)(nil)

func NewHistory(db *DB) *History {
	return &History{db: db}
}

func (h *History) Record(ctx context.Context, r model.ScanResult) error {
	var (
		placeCod  *int64
		placeName *string
	)
	if r.LocationID != 0 {
		placeCod = &r.LocationID
	}
	if r.Code != "" {
		placeName = &r.Code
	}
	_, err := h.db.pool.Exec(ctx, `
		INSERT INTO inventory_results (badge, place_cod, place_name, has_discrepancy, created_at)
		VALUES ($1, $2, $3, $4, $5)`, r.Worker, placeCod, placeName, r.HasDiscrepancy, r.At)
	if err != nil {
		return fmt.Errorf("record scan: %w", err)
	}
	return nil
}

func (h *History) LastScan(ctx context.Context, worker string) (model.ScanRef, bool, error) {
	var (
		placeCod  *int64
		placeName *string
		ref       model.ScanRef
	)
	err := h.db.pool.QueryRow(ctx, `
		SELECT place_cod, place_name, created_at FROM inventory_results
		WHERE badge = $1 AND (place_cod IS NOT NULL OR btrim(coalesce(place_name, '')) <> '')
		ORDER BY created_at DESC NULLS LAST, id DESC
		LIMIT 1`, worker).Scan(&placeCod, &placeName, &ref.At)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ScanRef{}, false, nil
	}
	if err != nil {
		return model.ScanRef{}, false, fmt.Errorf("last scan for %s: %w", worker, err)
	}
	if placeCod != nil {
		ref.LocationID = *placeCod
	}
	if placeName != nil {
		ref.Code = *placeName
	}
	ref.At = ref.At.UTC()
	return ref, true, nil
}

func (h *History) RecentDiscrepancies(ctx context.Context, limit int) ([]string, error) {
	rows, err := h.db.pool.Query(ctx, `
		SELECT place_name FROM inventory_results
		WHERE has_discrepancy AND place_name IS NOT NULL AND place_name <> ''
		GROUP BY place_name
		ORDER BY max(created_at) DESC NULLS LAST, place_name COLLATE "C"
		LIMIT $1`, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("recent discrepancies: %w", err)
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("recent discrepancies: %w", err)
	}
	return codes, nil
}
