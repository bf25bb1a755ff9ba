// Package recommend suggests the next locations a worker should count,
// nearest first from where they last were.
package recommend

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/zonekeeper/internal/catalog"
	"github.com/msageha/zonekeeper/internal/logging"
	"github.com/msageha/zonekeeper/internal/metrics"
	"github.com/msageha/zonekeeper/internal/model"
	"github.com/msageha/zonekeeper/internal/zone"
)

// History is the read side of the result recording layer.
type History interface {
	// LastScan returns the worker's most recent scan that carries a location
	// id or a code.
	LastScan(ctx context.Context, worker string) (model.ScanRef, bool, error)

	// RecentDiscrepancies returns up to limit distinct codes that had a
	// discrepancy, most recent first.
	RecentDiscrepancies(ctx context.Context, limit int) ([]string, error)
}

// Recommender ranks catalog locations around a worker's reference point.
type Recommender struct {
	catalog catalog.Catalog
	history History
	deriver zone.Deriver
	cfg     model.RecommendConfig
	logger  *logging.Logger
	metrics *metrics.Metrics
	group   singleflight.Group
}

// New returns a Recommender reading locations from cat and scans from history.
func New(cat catalog.Catalog, history History, deriver zone.Deriver, cfg model.RecommendConfig, logger *logging.Logger, m *metrics.Metrics) *Recommender {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Recommender{
		catalog: cat,
		history: history,
		deriver: deriver,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// Suggest returns up to the configured number of candidates ordered by
// distance from the reference location. When near is set it is the
// reference; otherwise the worker's last scan is, and failing both the
// origin is used. Identical concurrent calls share one computation.
func (r *Recommender) Suggest(ctx context.Context, worker, near string) ([]model.CandidateZone, error) {
	key := worker + "\x00" + near
	// The shared call outlives any single caller; each caller still stops
	// waiting when its own ctx ends.
	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (any, error) {
		return r.suggest(detached, worker, near)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	r.metrics.Suggestion(res.Shared)

	out := res.Val.([]model.CandidateZone)
	if res.Shared {
		out = append([]model.CandidateZone(nil), out...)
	}
	return out, nil
}

func (r *Recommender) suggest(ctx context.Context, worker, near string) ([]model.CandidateZone, error) {
	ref, err := r.reference(ctx, worker, near)
	if err != nil {
		return nil, err
	}

	codes, err := r.history.RecentDiscrepancies(ctx, r.cfg.Priority())
	if err != nil {
		return nil, fmt.Errorf("load discrepancies: %w", err)
	}
	priority := make(map[string]bool, len(codes))
	for _, c := range codes {
		if n := zone.Normalize(c); n != "" {
			priority[n] = true
		}
	}

	nearest, err := r.catalog.Nearest(ctx, ref, r.cfg.Nearest())
	if err != nil {
		return nil, fmt.Errorf("rank locations: %w", err)
	}

	limit := r.cfg.Suggestions()
	out := make([]model.CandidateZone, 0, limit)
	seen := make(map[string]bool, len(nearest))
	for _, loc := range nearest {
		code := strings.TrimSpace(loc.Code)
		norm := zone.Normalize(code)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, model.CandidateZone{
			Code:      code,
			Zone:      r.deriver.Of(code),
			Highlight: priority[norm],
			Distance:  loc.Distance,
		})
		if len(out) >= limit {
			break
		}
	}

	if r.cfg.BoostPriority {
		out = boost(out)
	}
	r.logger.Debugf("suggest worker=%s near=%q ref=%d/%d/%d candidates=%d",
		worker, near, ref.Floor, ref.Row, ref.Section, len(out))
	return out, nil
}

// reference resolves the address distances are measured from. Unknown codes
// fall back to the origin rather than failing.
func (r *Recommender) reference(ctx context.Context, worker, near string) (model.Address, error) {
	if strings.TrimSpace(near) != "" {
		loc, ok, err := r.catalog.ByCode(ctx, near)
		if err != nil {
			return model.Address{}, fmt.Errorf("lookup near %q: %w", near, err)
		}
		if ok {
			return loc.Address, nil
		}
		return model.Address{}, nil
	}
	if worker == "" {
		return model.Address{}, nil
	}

	scan, ok, err := r.history.LastScan(ctx, worker)
	if err != nil {
		return model.Address{}, fmt.Errorf("load last scan: %w", err)
	}
	if !ok {
		return model.Address{}, nil
	}

	var loc model.Location
	switch {
	case scan.LocationID != 0:
		loc, ok, err = r.catalog.ByID(ctx, scan.LocationID)
	case strings.TrimSpace(scan.Code) != "":
		loc, ok, err = r.catalog.ByCode(ctx, scan.Code)
	default:
		return model.Address{}, nil
	}
	if err != nil {
		return model.Address{}, fmt.Errorf("lookup last scan: %w", err)
	}
	if !ok {
		return model.Address{}, nil
	}
	return loc.Address, nil
}

// boost moves highlighted candidates to the front, keeping relative order.
func boost(in []model.CandidateZone) []model.CandidateZone {
	out := make([]model.CandidateZone, 0, len(in))
	for _, c := range in {
		if c.Highlight {
			out = append(out, c)
		}
	}
	for _, c := range in {
		if !c.Highlight {
			out = append(out, c)
		}
	}
	return out
}
