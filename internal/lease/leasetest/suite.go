// Package leasetest is a conformance suite run by every lease.Store backend.
package leasetest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/zonekeeper/internal/lease"
	"github.com/msageha/zonekeeper/internal/model"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) lease.Store

// Epoch is the reference time used by the suite.
var Epoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

const ttl = 2 * time.Hour

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s lease.Store)
	}{
		{"ClaimFreeZone", testClaimFreeZone},
		{"ClaimTakenZone", testClaimTakenZone},
		{"ClaimAfterExpiry", testClaimAfterExpiry},
		{"ClaimAfterCompletion", testClaimAfterCompletion},
		{"InsertBypassesOccupancy", testInsertBypassesOccupancy},
		{"MarkCompletedIdempotent", testMarkCompletedIdempotent},
		{"MarkCompletedOtherHolder", testMarkCompletedOtherHolder},
		{"ExpireStale", testExpireStale},
		{"ListActiveOrder", testListActiveOrder},
		{"ExtendLive", testExtendLive},
		{"ExtendExpired", testExtendExpired},
		{"CloseLive", testCloseLive},
		{"CloseTwice", testCloseTwice},
		{"GetMissing", testGetMissing},
		{"MonotonicIDs", testMonotonicIDs},
		{"ConcurrentClaims", testConcurrentClaims},
		{"Ping", testPing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func testClaimFreeZone(t *testing.T, s lease.Store) {
	ctx := context.Background()
	l, err := s.Claim(ctx, "36.02.40.", "badge-a", ttl, Epoch)
	require.NoError(t, err)

	assert.NotZero(t, l.ID)
	assert.Equal(t, "36.02.40.", l.ZonePrefix)
	assert.Equal(t, "badge-a", l.Holder)
	assert.Equal(t, model.LeaseActive, l.Status)
	assert.True(t, l.AssignedAt.Equal(Epoch))
	assert.True(t, l.ExpiresAt.Equal(Epoch.Add(ttl)))

	found, err := s.FindActive(ctx, "36.02.40.", Epoch.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, l.ID, found.ID)
}

func testClaimTakenZone(t *testing.T, s lease.Store) {
	ctx := context.Background()
	_, err := s.Claim(ctx, "36.02.40.", "badge-a", ttl, Epoch)
	require.NoError(t, err)

	_, err = s.Claim(ctx, "36.02.40.", "badge-b", ttl, Epoch.Add(time.Minute))
	assert.ErrorIs(t, err, lease.ErrZoneTaken)

	// A different zone is unaffected.
	_, err = s.Claim(ctx, "36.03.10.", "badge-b", ttl, Epoch.Add(time.Minute))
	assert.NoError(t, err)
}

func testClaimAfterExpiry(t *testing.T, s lease.Store) {
	ctx := context.Background()
	first, err := s.Claim(ctx, "36.02.40.", "badge-a", ttl, Epoch)
	require.NoError(t, err)

	later := Epoch.Add(ttl + time.Second)
	found, err := s.FindActive(ctx, "36.02.40.", later)
	require.NoError(t, err)
	assert.Nil(t, found, "expired lease must not count as active")

	second, err := s.Claim(ctx, "36.02.40.", "badge-b", ttl, later)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "re-lease creates a new row")
	assert.Equal(t, "badge-b", second.Holder)
}

func testClaimAfterCompletion(t *testing.T, s lease.Store) {
	ctx := context.Background()
	_, err := s.Claim(ctx, "36.02.40.", "badge-a", ttl, Epoch)
	require.NoError(t, err)

	ok, err := s.MarkCompleted(ctx, "36.02.40.", "badge-a", Epoch.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.Claim(ctx, "36.02.40.", "badge-b", ttl, Epoch.Add(2*time.Minute))
	assert.NoError(t, err, "completed zone is immediately eligible")
}

func testInsertBypassesOccupancy(t *testing.T, s lease.Store) {
	ctx := context.Background()
	_, err := s.Claim(ctx, "36.02.40.", "badge-a", ttl, Epoch)
	require.NoError(t, err)

	forced, err := s.Insert(ctx, "36.02.40.", "badge-b", time.Hour, Epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.LeaseActive, forced.Status)

	active, err := s.ListActive(ctx, Epoch.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Len(t, active, 2)
	assert.Equal(t, map[string]int{"36.02.40.": 2}, lease.DoubleActive(active))
}

func testMarkCompletedIdempotent(t *testing.T, s lease.Store) {
	ctx := context.Background()
	l, err := s.Claim(ctx, "36.02.40.", "badge-a", ttl, Epoch)
	require.NoError(t, err)

	ok, err := s.MarkCompleted(ctx, "36.02.40.", "badge-a", Epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkCompleted(ctx, "36.02.40.", "badge-a", Epoch.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LeaseCompleted, got.Status)

	ok, err = s.MarkCompleted(ctx, "99.99.99.", "badge-a", Epoch)
	require.NoError(t, err)
	assert.False(t, ok, "unknown zone is a no-op")
}

func testMarkCompletedOtherHolder(t *testing.T, s lease.Store) {
	ctx := context.Background()
	_, err := s.Claim(ctx, "36.02.40.", "badge-a", ttl, Epoch)
	require.NoError(t, err)

	ok, err := s.MarkCompleted(ctx, "36.02.40.", "badge-b", Epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	found, err := s.FindActive(ctx, "36.02.40.", Epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.NotNil(t, found)
}

func testExpireStale(t *testing.T, s lease.Store) {
	ctx := context.Background()
	short, err := s.Claim(ctx, "36.02.40.", "badge-a", time.Hour, Epoch)
	require.NoError(t, err)
	_, err = s.Claim(ctx, "36.03.10.", "badge-b", 3*time.Hour, Epoch)
	require.NoError(t, err)

	// Boundary: expires_at == now is stale.
	n, err := s.ExpireStale(ctx, Epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.ExpireStale(ctx, Epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "sweep is idempotent")

	got, err := s.Get(ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LeaseExpired, got.Status)

	ok, err := s.MarkCompleted(ctx, "36.02.40.", "badge-a", Epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "expired leases are history")
}

func testListActiveOrder(t *testing.T, s lease.Store) {
	ctx := context.Background()
	a, err := s.Claim(ctx, "36.02.40.", "badge-a", ttl, Epoch)
	require.NoError(t, err)
	b, err := s.Claim(ctx, "36.03.10.", "badge-b", ttl, Epoch.Add(10*time.Minute))
	require.NoError(t, err)
	_, err = s.Claim(ctx, "36.04.01.", "badge-c", 5*time.Minute, Epoch)
	require.NoError(t, err)

	active, err := s.ListActive(ctx, Epoch.Add(20*time.Minute))
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, b.ID, active[0].ID, "newest assignment first")
	assert.Equal(t, a.ID, active[1].ID)
}

func testExtendLive(t *testing.T, s lease.Store) {
	ctx := context.Background()
	l, err := s.Claim(ctx, "36.02.40.", "badge-a", ttl, Epoch)
	require.NoError(t, err)

	ext, err := s.Extend(ctx, l.ID, time.Hour, Epoch.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ext.ExpiresAt.Equal(Epoch.Add(ttl+time.Hour)), "extension adds to the current expiry")
	assert.Equal(t, model.LeaseActive, ext.Status)
}

func testExtendExpired(t *testing.T, s lease.Store) {
	ctx := context.Background()
	l, err := s.Claim(ctx, "36.02.40.", "badge-a", time.Hour, Epoch)
	require.NoError(t, err)

	// Not swept yet, but past its expiry.
	_, err = s.Extend(ctx, l.ID, time.Hour, Epoch.Add(2*time.Hour))
	assert.ErrorIs(t, err, model.ErrLeaseNotFound)

	_, err = s.Extend(ctx, 424242, time.Hour, Epoch)
	assert.ErrorIs(t, err, model.ErrLeaseNotFound)
}

func testCloseLive(t *testing.T, s lease.Store) {
	ctx := context.Background()
	l, err := s.Claim(ctx, "36.02.40.", "badge-a", ttl, Epoch)
	require.NoError(t, err)

	closed, err := s.Close(ctx, l.ID, Epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.LeaseCompleted, closed.Status)
	assert.Equal(t, "badge-a", closed.Holder)

	found, err := s.FindActive(ctx, "36.02.40.", Epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, found)
}

func testCloseTwice(t *testing.T, s lease.Store) {
	ctx := context.Background()
	l, err := s.Claim(ctx, "36.02.40.", "badge-a", ttl, Epoch)
	require.NoError(t, err)

	_, err = s.Close(ctx, l.ID, Epoch.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.Close(ctx, l.ID, Epoch.Add(time.Minute))
	assert.ErrorIs(t, err, model.ErrLeaseNotFound)
}

func testGetMissing(t *testing.T, s lease.Store) {
	_, err := s.Get(context.Background(), 987654)
	assert.ErrorIs(t, err, model.ErrLeaseNotFound)
}

func testMonotonicIDs(t *testing.T, s lease.Store) {
	ctx := context.Background()
	var last int64
	for i := 0; i < 5; i++ {
		l, err := s.Insert(ctx, fmt.Sprintf("36.0%d.10.", i), "badge-a", ttl, Epoch)
		require.NoError(t, err)
		assert.Greater(t, l.ID, last)
		last = l.ID
	}
}

func testConcurrentClaims(t *testing.T, s lease.Store) {
	ctx := context.Background()
	const workers = 16
	var won atomic.Int32

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		holder := fmt.Sprintf("badge-%02d", i)
		g.Go(func() error {
			_, err := s.Claim(ctx, "36.02.40.", holder, ttl, Epoch)
			if errors.Is(err, lease.ErrZoneTaken) {
				return nil
			}
			if err != nil {
				return err
			}
			won.Add(1)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), won.Load(), "exactly one claim may win a zone")

	active, err := s.ListActive(ctx, Epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func testPing(t *testing.T, s lease.Store) {
	assert.NoError(t, s.Ping(context.Background()))
}
