// Package memstore provides in-process implementations of the lease store, the
// location catalog and the scan history. They back the "memory" store driver
// and the engine's unit tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/msageha/zonekeeper/internal/lease"
	"github.com/msageha/zonekeeper/internal/lock"
	"github.com/msageha/zonekeeper/internal/logging"
	"github.com/msageha/zonekeeper/internal/model"
)

// LeaseStore keeps leases in memory. Claims on the same zone prefix are
// serialized by a per-zone mutex; the lease table itself is guarded by mu.
type LeaseStore struct {
	mu     sync.RWMutex
	leases []model.Lease // append-only, index = ID-1
	zones  *lock.MutexMap
	logger *logging.Logger
}

var _ lease.Store = (*LeaseStore)(nil)

func NewLeaseStore(logger *logging.Logger) *LeaseStore {
	if logger == nil {
		logger = logging.Discard()
	}
	return &LeaseStore{
		zones:  lock.NewMutexMap(),
		logger: logger,
	}
}

func (s *LeaseStore) FindActive(_ context.Context, zonePrefix string, now time.Time) (*model.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l := s.findLiveLocked(zonePrefix, now); l != nil {
		cp := *l
		return &cp, nil
	}
	return nil, nil
}

func (s *LeaseStore) Claim(_ context.Context, zonePrefix, holder string, ttl time.Duration, now time.Time) (*model.Lease, error) {
	// The zone mutex makes check+insert atomic with respect to other claims on
	// the same prefix; claims on other zones only share the short table locks.
	s.zones.Lock(zonePrefix)
	defer s.zones.Unlock(zonePrefix)

	s.mu.RLock()
	existing := s.findLiveLocked(zonePrefix, now)
	var heldBy string
	if existing != nil {
		heldBy = existing.Holder
	}
	s.mu.RUnlock()

	if existing != nil {
		s.logger.Debugf("claim_rejected zone=%s holder=%s held_by=%s", zonePrefix, holder, heldBy)
		return nil, lease.ErrZoneTaken
	}

	s.mu.Lock()
	l := s.insertLocked(zonePrefix, holder, ttl, now)
	s.mu.Unlock()
	return &l, nil
}

func (s *LeaseStore) Insert(_ context.Context, zonePrefix, holder string, ttl time.Duration, now time.Time) (*model.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.insertLocked(zonePrefix, holder, ttl, now)
	return &l, nil
}

func (s *LeaseStore) MarkCompleted(_ context.Context, zonePrefix, holder string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for i := range s.leases {
		l := &s.leases[i]
		if l.ZonePrefix == zonePrefix && l.Holder == holder && l.IsLive(now) {
			l.Status = model.LeaseCompleted
			changed = true
		}
	}
	return changed, nil
}

func (s *LeaseStore) ExpireStale(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range s.leases {
		l := &s.leases[i]
		if l.Status == model.LeaseActive && !l.ExpiresAt.After(now) {
			l.Status = model.LeaseExpired
			n++
		}
	}
	return n, nil
}

func (s *LeaseStore) ListActive(_ context.Context, now time.Time) ([]model.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Lease
	for _, l := range s.leases {
		if l.IsLive(now) {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].AssignedAt.After(out[j].AssignedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *LeaseStore) Get(_ context.Context, id int64) (*model.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.byIDLocked(id)
	if !ok {
		return nil, model.ErrLeaseNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *LeaseStore) Extend(_ context.Context, id int64, extra time.Duration, now time.Time) (*model.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byIDLocked(id)
	if !ok || !l.IsLive(now) {
		return nil, model.ErrLeaseNotFound
	}
	l.ExpiresAt = l.ExpiresAt.Add(extra)
	cp := *l
	return &cp, nil
}

func (s *LeaseStore) Close(_ context.Context, id int64, now time.Time) (*model.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byIDLocked(id)
	if !ok || !l.IsLive(now) {
		return nil, model.ErrLeaseNotFound
	}
	l.Status = model.LeaseCompleted
	cp := *l
	return &cp, nil
}

func (s *LeaseStore) Ping(context.Context) error { return nil }

func (s *LeaseStore) findLiveLocked(zonePrefix string, now time.Time) *model.Lease {
	for i := len(s.leases) - 1; i >= 0; i-- {
		l := &s.leases[i]
		if l.ZonePrefix == zonePrefix && l.IsLive(now) {
			return l
		}
	}
	return nil
}

func (s *LeaseStore) insertLocked(zonePrefix, holder string, ttl time.Duration, now time.Time) model.Lease {
	l := model.Lease{
		ID:         int64(len(s.leases) + 1),
		ZonePrefix: zonePrefix,
		Holder:     holder,
		AssignedAt: now,
		ExpiresAt:  now.Add(ttl),
		Status:     model.LeaseActive,
	}
	s.leases = append(s.leases, l)
	return l
}

func (s *LeaseStore) byIDLocked(id int64) (*model.Lease, bool) {
	if id <= 0 || id > int64(len(s.leases)) {
		return nil, false
	}
	return &s.leases[id-1], true
}
