package dispatch

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/msageha/zonekeeper/internal/model"
	"github.com/msageha/zonekeeper/internal/recommend"
)

// SuggestRequest selects the reference point for recommendations. Near takes
// precedence over the worker's last scan.
type SuggestRequest struct {
	Worker string
	Near   string
}

// Service is the operation surface exposed to transports. It holds no
// request state; every call goes to the shared store.
type Service struct {
	deps        Deps
	resolver    *Resolver
	lifecycle   *Lifecycle
	recommender *recommend.Recommender
}

// NewService wires the engine over deps. history backs the recommender.
func NewService(deps Deps, cfg model.Config, history recommend.History) *Service {
	deps = deps.withDefaults()
	resolver := NewResolver(deps, cfg.Leasing)
	return &Service{
		deps:      deps,
		resolver:  resolver,
		lifecycle: NewLifecycle(deps, cfg.Leasing),
		recommender: recommend.New(deps.Catalog, history, resolver.deriver, cfg.Recommend,
			deps.Logger.With("recommend"), deps.Metrics),
	}
}

// RequestZone allocates a free zone to worker.
func (s *Service) RequestZone(ctx context.Context, worker string, zoneSizeHint int) (model.Assignment, error) {
	if strings.TrimSpace(worker) == "" {
		return model.Assignment{}, fmt.Errorf("%w: badge is required", model.ErrInvalidInput)
	}
	return s.resolver.Allocate(ctx, worker, zoneSizeHint)
}

// CompleteZone completes worker's lease on zonePrefix; false when there was
// no live lease to complete.
func (s *Service) CompleteZone(ctx context.Context, worker, zonePrefix string) (bool, error) {
	return s.lifecycle.Complete(ctx, worker, zonePrefix)
}

// AdminAssign leases zonePrefix to worker for ttlHours (0 = default),
// bypassing the occupancy check.
func (s *Service) AdminAssign(ctx context.Context, caller model.Identity, worker, zonePrefix string, ttlHours float64) (model.Lease, error) {
	if err := requireAdmin(caller); err != nil {
		return model.Lease{}, err
	}
	ttl, err := hours(ttlHours)
	if err != nil {
		return model.Lease{}, err
	}
	return s.lifecycle.AdminAssign(ctx, worker, zonePrefix, ttl)
}

// AdminExtend extends a live lease by extraHours (0 = default extension).
func (s *Service) AdminExtend(ctx context.Context, caller model.Identity, leaseID int64, extraHours float64) (model.Lease, error) {
	if err := requireAdmin(caller); err != nil {
		return model.Lease{}, err
	}
	extra, err := hours(extraHours)
	if err != nil {
		return model.Lease{}, err
	}
	return s.lifecycle.AdminExtend(ctx, leaseID, extra)
}

// AdminClose completes a live lease on behalf of its holder.
func (s *Service) AdminClose(ctx context.Context, caller model.Identity, leaseID int64) error {
	if err := requireAdmin(caller); err != nil {
		return err
	}
	return s.lifecycle.AdminClose(ctx, leaseID)
}

// ListActiveLeases lists live leases at now. A zero now means the current
// clock time.
func (s *Service) ListActiveLeases(ctx context.Context, now time.Time) ([]model.ActiveLease, error) {
	if now.IsZero() {
		now = s.deps.Clock.Now()
	}
	return s.lifecycle.ListActive(ctx, now)
}

// SuggestNext returns proximity recommendations for the next location to count.
func (s *Service) SuggestNext(ctx context.Context, req SuggestRequest) ([]model.CandidateZone, error) {
	return s.recommender.Suggest(ctx, strings.TrimSpace(req.Worker), req.Near)
}

// Sweep expires stale leases now. Used by the daemon's background sweeper.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.resolver.Sweep(ctx)
}

// Health checks that the lease store is reachable.
func (s *Service) Health(ctx context.Context) error {
	if err := s.deps.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	return nil
}

func requireAdmin(caller model.Identity) error {
	if !caller.Admin {
		return model.ErrForbidden
	}
	return nil
}

// maxHours is the largest hour count a time.Duration can hold.
var maxHours = float64(math.MaxInt64) / float64(time.Hour)

func hours(h float64) (time.Duration, error) {
	switch {
	case math.IsNaN(h):
		return 0, fmt.Errorf("%w: hours must be a number", model.ErrInvalidInput)
	case h < 0:
		return 0, fmt.Errorf("%w: hours must not be negative", model.ErrInvalidInput)
	case h >= maxHours:
		return 0, fmt.Errorf("%w: hours must be below %.0f", model.ErrInvalidInput, maxHours)
	}
	return model.HoursToDuration(h), nil
}
