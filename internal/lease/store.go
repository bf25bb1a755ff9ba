// Package lease defines the lease store contract: the single source of truth
// for who holds which zone, until when.
//
// Every backend must keep this invariant at all committed states: for a given
// zone prefix, at most one lease is active with expires_at > now, as long as
// leases are only created through Claim. Insert is the administrative bypass
// and is allowed to break it.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/msageha/zonekeeper/internal/model"
)

// ErrZoneTaken is returned by Claim when the zone already has a live lease.
// It is ordinary contention, not a failure.
var ErrZoneTaken = errors.New("zone already leased")

// Store persists leases. All time-dependent operations take now explicitly.
type Store interface {
	// FindActive returns the live lease for zonePrefix, or nil.
	FindActive(ctx context.Context, zonePrefix string, now time.Time) (*model.Lease, error)

	// Claim atomically creates an active lease if zonePrefix has no live lease,
	// otherwise returns ErrZoneTaken.
	Claim(ctx context.Context, zonePrefix, holder string, ttl time.Duration, now time.Time) (*model.Lease, error)

	// Insert creates an active lease without checking occupancy.
	Insert(ctx context.Context, zonePrefix, holder string, ttl time.Duration, now time.Time) (*model.Lease, error)

	// MarkCompleted completes the holder's live lease on zonePrefix. Reports
	// false when there was none.
	MarkCompleted(ctx context.Context, zonePrefix, holder string, now time.Time) (bool, error)

	// ExpireStale moves active leases with expires_at <= now to expired and
	// returns how many rows changed.
	ExpireStale(ctx context.Context, now time.Time) (int, error)

	// ListActive returns live leases, newest assignment first.
	ListActive(ctx context.Context, now time.Time) ([]model.Lease, error)

	// Get returns a lease in any status, or model.ErrLeaseNotFound.
	Get(ctx context.Context, id int64) (*model.Lease, error)

	// Extend pushes out the expiry of a live lease by extra.
	// Returns model.ErrLeaseNotFound when the lease is not live.
	Extend(ctx context.Context, id int64, extra time.Duration, now time.Time) (*model.Lease, error)

	// Close completes a live lease regardless of holder.
	// Returns model.ErrLeaseNotFound when the lease is not live.
	Close(ctx context.Context, id int64, now time.Time) (*model.Lease, error)

	Ping(ctx context.Context) error
}

// OccupiedPrefixes builds the occupied-zone set from a live lease listing.
func OccupiedPrefixes(leases []model.Lease) map[string]bool {
	occupied := make(map[string]bool, len(leases))
	for _, l := range leases {
		occupied[l.ZonePrefix] = true
	}
	return occupied
}

// DoubleActive returns prefixes that have more than one live lease. Only the
// admin bypass can produce them; they are reported, never resolved here.
func DoubleActive(leases []model.Lease) map[string]int {
	counts := make(map[string]int)
	for _, l := range leases {
		counts[l.ZonePrefix]++
	}
	for prefix, n := range counts {
		if n < 2 {
			delete(counts, prefix)
		}
	}
	return counts
}
