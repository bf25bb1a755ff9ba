package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/zonekeeper/internal/events"
	"github.com/msageha/zonekeeper/internal/lease"
	"github.com/msageha/zonekeeper/internal/model"
)

// Lifecycle completes, assigns, extends and closes leases.
type Lifecycle struct {
	Deps
	cfg model.LeasingConfig
}

// NewLifecycle builds a Lifecycle over deps.
func NewLifecycle(deps Deps, cfg model.LeasingConfig) *Lifecycle {
	return &Lifecycle{Deps: deps.withDefaults(), cfg: cfg}
}

// Complete marks the worker's live lease on zonePrefix completed. It reports
// false when there was nothing to complete, including when the lease had
// already run out; repeating the call is harmless.
func (lc *Lifecycle) Complete(ctx context.Context, worker, zonePrefix string) (bool, error) {
	if strings.TrimSpace(worker) == "" || strings.TrimSpace(zonePrefix) == "" {
		return false, fmt.Errorf("%w: badge and zone are required", model.ErrInvalidInput)
	}

	now := lc.Clock.Now()
	if _, err := lc.sweep(ctx, now); err != nil {
		return false, err
	}

	ok, err := lc.Store.MarkCompleted(ctx, zonePrefix, worker, now)
	if err != nil {
		return false, fmt.Errorf("complete zone %s: %w", zonePrefix, err)
	}
	lc.Metrics.Completion(ok)
	if !ok {
		lc.Logger.Debugf("lease_complete_noop zone=%s badge=%s", zonePrefix, worker)
		return false, nil
	}

	lc.Logger.Infof("lease_complete zone=%s badge=%s", zonePrefix, worker)
	lc.Bus.Publish(events.EventLeaseCompleted, map[string]any{"zone": zonePrefix, "badge": worker})
	return true, nil
}

// AdminAssign leases zonePrefix to worker without an occupancy check. If the
// zone already has a live lease both stay active; the overlap is logged,
// counted and published so operators can resolve it. ttl <= 0 uses the
// default lease duration.
func (lc *Lifecycle) AdminAssign(ctx context.Context, worker, zonePrefix string, ttl time.Duration) (model.Lease, error) {
	if strings.TrimSpace(worker) == "" || strings.TrimSpace(zonePrefix) == "" {
		return model.Lease{}, fmt.Errorf("%w: badge and zone are required", model.ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = lc.cfg.TTL()
	}

	now := lc.Clock.Now()
	existing, err := lc.Store.FindActive(ctx, zonePrefix, now)
	if err != nil {
		return model.Lease{}, fmt.Errorf("check zone %s: %w", zonePrefix, err)
	}

	l, err := lc.Store.Insert(ctx, zonePrefix, worker, ttl, now)
	if err != nil {
		return model.Lease{}, fmt.Errorf("assign zone %s: %w", zonePrefix, err)
	}
	lc.Metrics.AdminOp("assign")
	lc.Logger.Infof("lease_assign id=%d zone=%s badge=%s expires=%s",
		l.ID, zonePrefix, worker, l.ExpiresAt.Format(time.RFC3339))
	lc.Bus.Publish(events.EventLeaseAssigned, leaseData(*l, nil))

	if existing != nil {
		lc.Metrics.DoubleAssign()
		lc.Logger.Warnf("lease_double_assign zone=%s badge=%s id=%d existing_id=%d existing_badge=%s",
			zonePrefix, worker, l.ID, existing.ID, existing.Holder)
		lc.Bus.Publish(events.EventLeaseDoubleAssigned, leaseData(*l, map[string]any{
			"existing_task_id": existing.ID,
			"existing_badge":   existing.Holder,
		}))
	}
	return *l, nil
}

// AdminExtend pushes a live lease's expiry out by extra (the configured
// extension when extra <= 0). Returns model.ErrLeaseNotFound if the lease is
// not live.
func (lc *Lifecycle) AdminExtend(ctx context.Context, id int64, extra time.Duration) (model.Lease, error) {
	if id <= 0 {
		return model.Lease{}, fmt.Errorf("%w: task_id is required", model.ErrInvalidInput)
	}
	if extra <= 0 {
		extra = lc.cfg.Extension()
	}

	l, err := lc.Store.Extend(ctx, id, extra, lc.Clock.Now())
	if err != nil {
		return model.Lease{}, fmt.Errorf("extend lease %d: %w", id, err)
	}
	lc.Metrics.AdminOp("extend")
	lc.Logger.Infof("lease_extend id=%d zone=%s expires=%s", l.ID, l.ZonePrefix, l.ExpiresAt.Format(time.RFC3339))
	lc.Bus.Publish(events.EventLeaseExtended, leaseData(*l, map[string]any{"extra_hours": extra.Hours()}))
	return *l, nil
}

// AdminClose completes a live lease regardless of its holder.
func (lc *Lifecycle) AdminClose(ctx context.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: task_id is required", model.ErrInvalidInput)
	}

	l, err := lc.Store.Close(ctx, id, lc.Clock.Now())
	if err != nil {
		return fmt.Errorf("close lease %d: %w", id, err)
	}
	lc.Metrics.AdminOp("close")
	lc.Logger.Infof("lease_close id=%d zone=%s badge=%s", l.ID, l.ZonePrefix, l.Holder)
	lc.Bus.Publish(events.EventLeaseClosed, leaseData(*l, nil))
	return nil
}

// ListActive returns live leases at now, newest first, with hours left.
// Zones holding more than one live lease are reported.
func (lc *Lifecycle) ListActive(ctx context.Context, now time.Time) ([]model.ActiveLease, error) {
	leases, err := lc.Store.ListActive(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list active leases: %w", err)
	}

	doubles := lease.DoubleActive(leases)
	lc.Metrics.LeaseSnapshot(len(leases), len(doubles))
	for prefix, n := range doubles {
		lc.Logger.Warnf("zone_double_active zone=%s leases=%d", prefix, n)
	}

	out := make([]model.ActiveLease, len(leases))
	for i, l := range leases {
		out[i] = model.NewActiveLease(l, now)
	}
	return out, nil
}
