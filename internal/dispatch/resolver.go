// Package dispatch hands out zones to workers and manages the lifecycle of
// the resulting leases.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/zonekeeper/internal/catalog"
	"github.com/msageha/zonekeeper/internal/clock"
	"github.com/msageha/zonekeeper/internal/events"
	"github.com/msageha/zonekeeper/internal/lease"
	"github.com/msageha/zonekeeper/internal/logging"
	"github.com/msageha/zonekeeper/internal/metrics"
	"github.com/msageha/zonekeeper/internal/model"
	"github.com/msageha/zonekeeper/internal/zone"
)

// Deps are the collaborators shared by the resolver and the lifecycle manager.
type Deps struct {
	Store   lease.Store
	Catalog catalog.Catalog
	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Bus     *events.Bus
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = logging.Discard()
	}
	return d
}

// sweep expires stale leases at now and reports them.
func (d Deps) sweep(ctx context.Context, now time.Time) (int, error) {
	n, err := d.Store.ExpireStale(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("expire stale leases: %w", err)
	}
	if n > 0 {
		d.Metrics.Expired(n)
		d.Logger.Infof("lease_expire count=%d at=%s", n, now.Format(time.RFC3339))
		d.Bus.Publish(events.EventLeasesExpired, map[string]any{"count": n})
	}
	return n, nil
}

// Resolver picks a free zone for a worker and claims it. Candidates are drawn
// by uniform random sampling of locations, so larger zones are proportionally
// more likely to be offered.
type Resolver struct {
	Deps
	deriver zone.Deriver
	cfg     model.LeasingConfig
}

// NewResolver builds a Resolver over deps, filling unset dependencies with defaults.
func NewResolver(deps Deps, cfg model.LeasingConfig) *Resolver {
	return &Resolver{
		Deps:    deps.withDefaults(),
		deriver: zone.NewDeriver(cfg.PrefixLen()),
		cfg:     cfg,
	}
}

// Sweep expires stale leases as of the current clock time.
func (r *Resolver) Sweep(ctx context.Context) (int, error) {
	return r.sweep(ctx, r.Clock.Now())
}

// Allocate finds a free zone and leases it to worker. zoneSize caps the number
// of locations returned with the zone; <= 0 uses the configured default.
//
// Returns model.ErrCatalogEmpty when there is nothing to sample and
// model.ErrAllZonesBusy when every attempt hit an occupied or vanished zone.
func (r *Resolver) Allocate(ctx context.Context, worker string, zoneSize int) (model.Assignment, error) {
	now := r.Clock.Now()
	if _, err := r.sweep(ctx, now); err != nil {
		r.Metrics.Allocation(metrics.ResultError, 0)
		return model.Assignment{}, err
	}

	active, err := r.Store.ListActive(ctx, now)
	if err != nil {
		r.Metrics.Allocation(metrics.ResultError, 0)
		return model.Assignment{}, fmt.Errorf("list active leases: %w", err)
	}
	occupied := lease.OccupiedPrefixes(active)

	if zoneSize <= 0 {
		zoneSize = r.cfg.ZoneSize()
	}

	attempts := r.cfg.Attempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		a, ok, err := r.try(ctx, worker, zoneSize, occupied, now)
		if err != nil {
			result := metrics.ResultError
			if errors.Is(err, model.ErrCatalogEmpty) {
				result = metrics.ResultEmpty
			}
			r.Metrics.Allocation(result, attempt)
			return model.Assignment{}, err
		}
		if !ok {
			continue
		}

		r.Metrics.Allocation(metrics.ResultGranted, attempt)
		r.Logger.Infof("lease_grant id=%d zone=%s badge=%s attempt=%d places=%d expires=%s",
			a.Lease.ID, a.Zone.Prefix, worker, attempt, len(a.Zone.Locations), a.Lease.ExpiresAt.Format(time.RFC3339))
		r.Bus.Publish(events.EventLeaseGranted, leaseData(a.Lease, map[string]any{
			"places":  len(a.Zone.Locations),
			"attempt": attempt,
		}))
		return a, nil
	}

	r.Metrics.Allocation(metrics.ResultBusy, attempts)
	r.Logger.Warnf("allocation_busy badge=%s attempts=%d occupied=%d", worker, attempts, len(occupied))
	r.Bus.Publish(events.EventAllZonesBusy, map[string]any{"badge": worker, "attempts": attempts})
	return model.Assignment{}, model.ErrAllZonesBusy
}

// try runs one sampling attempt. ok is false when the attempt should be
// retried; occupied is updated with zones learned to be unavailable.
func (r *Resolver) try(ctx context.Context, worker string, zoneSize int, occupied map[string]bool, now time.Time) (model.Assignment, bool, error) {
	sample, err := r.Catalog.SampleRandom(ctx)
	if err != nil {
		if errors.Is(err, model.ErrCatalogEmpty) {
			return model.Assignment{}, false, err
		}
		return model.Assignment{}, false, fmt.Errorf("sample location: %w", err)
	}

	prefix := r.deriver.Of(sample.Code)
	if prefix == "" || occupied[prefix] {
		return model.Assignment{}, false, nil
	}

	locations, err := r.zoneLocations(ctx, prefix)
	if err != nil {
		return model.Assignment{}, false, err
	}
	if len(locations) == 0 {
		// The catalog changed under us; don't offer an empty zone.
		occupied[prefix] = true
		return model.Assignment{}, false, nil
	}

	l, err := r.Store.Claim(ctx, prefix, worker, r.cfg.TTL(), now)
	if errors.Is(err, lease.ErrZoneTaken) {
		r.Metrics.ClaimConflict()
		r.Logger.Debugf("claim_conflict zone=%s badge=%s", prefix, worker)
		occupied[prefix] = true
		return model.Assignment{}, false, nil
	}
	if err != nil {
		return model.Assignment{}, false, fmt.Errorf("claim zone %s: %w", prefix, err)
	}

	if len(locations) > zoneSize {
		locations = locations[:zoneSize]
	}
	return model.Assignment{
		Lease: *l,
		Zone:  model.Zone{Prefix: prefix, Locations: locations},
	}, true, nil
}

// zoneLocations returns the locations whose derived zone is exactly prefix.
// A plain prefix match is not enough: a short code is its own zone and would
// otherwise pick up longer codes that extend it.
func (r *Resolver) zoneLocations(ctx context.Context, prefix string) ([]model.Location, error) {
	all, err := r.Catalog.WithPrefix(ctx, prefix, 0)
	if err != nil {
		return nil, fmt.Errorf("load zone %s: %w", prefix, err)
	}
	out := make([]model.Location, 0, len(all))
	for _, l := range all {
		if r.deriver.Contains(prefix, l.Code) {
			out = append(out, l)
		}
	}
	return out, nil
}

func leaseData(l model.Lease, extra map[string]any) map[string]any {
	data := map[string]any{
		"task_id":    l.ID,
		"zone":       l.ZonePrefix,
		"badge":      l.Holder,
		"expires_at": l.ExpiresAt.Format(time.RFC3339),
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}
