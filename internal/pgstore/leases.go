package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/msageha/zonekeeper/internal/lease"
	"github.com/msageha/zonekeeper/internal/model"
)

const leaseColumns = `task_id, zone_prefix, badge, assigned_at, expires_at, status`

// LeaseStore keeps leases in active_tasks. Claims on the same prefix are
// serialized by pg_advisory_xact_lock keyed on the prefix hash, so engines on
// different hosts cannot both see a zone as free.
type LeaseStore struct {
	db *DB
}

var _ lease.Store = (*LeaseStore)(nil)

func NewLeaseStore(db *DB) *LeaseStore {
	return &LeaseStore{db: db}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *LeaseStore) FindActive(ctx context.Context, zonePrefix string, now time.Time) (*model.Lease, error) {
	l, err := findLive(ctx, s.db.pool, zonePrefix, now)
	if err != nil {
		return nil, fmt.Errorf("find active lease: %w", err)
	}
	return l, nil
}

func (s *LeaseStore) Claim(ctx context.Context, zonePrefix, holder string, ttl time.Duration, now time.Time) (*model.Lease, error) {
	var out *model.Lease
	err := s.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, zonePrefix); err != nil {
			return fmt.Errorf("lock zone: %w", err)
		}
		existing, err := findLive(ctx, tx, zonePrefix, now)
		if err != nil {
			return err
		}
		if existing != nil {
			s.db.logger.Debugf("claim_rejected zone=%s holder=%s held_by=%s", zonePrefix, holder, existing.Holder)
			return lease.ErrZoneTaken
		}
		out, err = insert(ctx, tx, zonePrefix, holder, ttl, now)
		return err
	})
	if errors.Is(err, lease.ErrZoneTaken) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("claim zone %s: %w", zonePrefix, err)
	}
	return out, nil
}

// Insert takes the same advisory lock as Claim so that a concurrent claim
// observes the new row.
func (s *LeaseStore) Insert(ctx context.Context, zonePrefix, holder string, ttl time.Duration, now time.Time) (*model.Lease, error) {
	var out *model.Lease
	err := s.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, zonePrefix); err != nil {
			return fmt.Errorf("lock zone: %w", err)
		}
		var err error
		out, err = insert(ctx, tx, zonePrefix, holder, ttl, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert lease: %w", err)
	}
	return out, nil
}

func (s *LeaseStore) MarkCompleted(ctx context.Context, zonePrefix, holder string, now time.Time) (bool, error) {
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE active_tasks SET status = 'completed'
		WHERE zone_prefix = $1 AND badge = $2 AND status = 'active' AND expires_at > $3`,
		zonePrefix, holder, now)
	if err != nil {
		return false, fmt.Errorf("complete lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *LeaseStore) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE active_tasks SET status = 'expired'
		WHERE status = 'active' AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *LeaseStore) ListActive(ctx context.Context, now time.Time) ([]model.Lease, error) {
	rows, err := s.db.pool.Query(ctx, `
		SELECT `+leaseColumns+` FROM active_tasks
		WHERE status = 'active' AND expires_at > $1
		ORDER BY assigned_at DESC, task_id DESC`, now)
	if err != nil {
		return nil, fmt.Errorf("list active leases: %w", err)
	}
	leases, err := pgx.CollectRows(rows, scanLease)
	if err != nil {
		return nil, fmt.Errorf("list active leases: %w", err)
	}
	return leases, nil
}

func (s *LeaseStore) Get(ctx context.Context, id int64) (*model.Lease, error) {
	l, err := byID(ctx, s.db.pool, id, false)
	if err != nil {
		return nil, fmt.Errorf("get lease %d: %w", id, err)
	}
	if l == nil {
		return nil, model.ErrLeaseNotFound
	}
	return l, nil
}

func (s *LeaseStore) Extend(ctx context.Context, id int64, extra time.Duration, now time.Time) (*model.Lease, error) {
	return s.updateLive(ctx, id, now, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE active_tasks SET expires_at = expires_at + ($1::bigint * interval '1 microsecond') WHERE task_id = $2`,
			extra.Microseconds(), id)
		return err
	})
}

func (s *LeaseStore) Close(ctx context.Context, id int64, now time.Time) (*model.Lease, error) {
	return s.updateLive(ctx, id, now, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `UPDATE active_tasks SET status = 'completed' WHERE task_id = $1`, id)
		return err
	})
}

// updateLive locks lease id, checks it is live at now and applies update.
func (s *LeaseStore) updateLive(ctx context.Context, id int64, now time.Time, update func(pgx.Tx) error) (*model.Lease, error) {
	var out *model.Lease
	err := s.db.inTx(ctx, func(tx pgx.Tx) error {
		l, err := byID(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if l == nil || !l.IsLive(now) {
			return model.ErrLeaseNotFound
		}
		if err := update(tx); err != nil {
			return err
		}
		out, err = byID(ctx, tx, id, false)
		return err
	})
	if errors.Is(err, model.ErrLeaseNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("update lease %d: %w", id, err)
	}
	return out, nil
}

func (s *LeaseStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func findLive(ctx context.Context, q querier, zonePrefix string, now time.Time) (*model.Lease, error) {
	rows, err := q.Query(ctx, `
		SELECT `+leaseColumns+` FROM active_tasks
		WHERE zone_prefix = $1 AND status = 'active' AND expires_at > $2
		ORDER BY task_id DESC LIMIT 1`, zonePrefix, now)
	if err != nil {
		return nil, err
	}
	return collectOne(rows)
}

func byID(ctx context.Context, q querier, id int64, forUpdate bool) (*model.Lease, error) {
	query := `SELECT ` + leaseColumns + ` FROM active_tasks WHERE task_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	return collectOne(rows)
}

func collectOne(rows pgx.Rows) (*model.Lease, error) {
	l, err := pgx.CollectOneRow(rows, scanLease)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func insert(ctx context.Context, tx pgx.Tx, zonePrefix, holder string, ttl time.Duration, now time.Time) (*model.Lease, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO active_tasks (zone_prefix, badge, assigned_at, expires_at, status)
		VALUES ($1, $2, $3, $4, 'active')
		RETURNING `+leaseColumns, zonePrefix, holder, now, now.Add(ttl))
	l, err := scanRow(row)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func scanLease(row pgx.CollectableRow) (model.Lease, error) {
	return scanRow(row)
}

func scanRow(row pgx.Row) (model.Lease, error) {
	var (
		l      model.Lease
		status string
	)
	if err := row.Scan(&l.ID, &l.ZonePrefix, &l.Holder, &l.AssignedAt, &l.ExpiresAt, &status); err != nil {
		return model.Lease{}, err
	}
	l.AssignedAt = l.AssignedAt.UTC()
	l.ExpiresAt = l.ExpiresAt.UTC()
	l.Status = model.LeaseStatus(status)
	return l, nil
}
