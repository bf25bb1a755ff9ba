package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/msageha/zonekeeper/internal/lease"
	"github.com/msageha/zonekeeper/internal/model"
)

const leaseColumns = `task_id, zone_prefix, badge, assigned_at, expires_at, status`

// LeaseStore keeps leases in the active_tasks table. Claims run in IMMEDIATE
// transactions, so check and insert happen under the database write lock.
type LeaseStore struct {
	db *DB
}

var _ lease.Store = (*LeaseStore)(nil)

func NewLeaseStore(db *DB) *LeaseStore {
	return &LeaseStore{db: db}
}

func (s *LeaseStore) FindActive(ctx context.Context, zonePrefix string, now time.Time) (*model.Lease, error) {
	var out *model.Lease
	err := s.db.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		out, err = findLive(conn, zonePrefix, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("find active lease: %w", err)
	}
	return out, nil
}

func (s *LeaseStore) Claim(ctx context.Context, zonePrefix, holder string, ttl time.Duration, now time.Time) (*model.Lease, error) {
	var out *model.Lease
	err := s.db.immediate(ctx, func(conn *sqlite.Conn) error {
		existing, err := findLive(conn, zonePrefix, now)
		if err != nil {
			return err
		}
		if existing != nil {
			s.db.logger.Debugf("claim_rejected zone=%s holder=%s held_by=%s", zonePrefix, holder, existing.Holder)
			return lease.ErrZoneTaken
		}
		out, err = insert(conn, zonePrefix, holder, ttl, now)
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

func (s *LeaseStore) Insert(ctx context.Context, zonePrefix, holder string, ttl time.Duration, now time.Time) (*model.Lease, error) {
	var out *model.Lease
	err := s.db.immediate(ctx, func(conn *sqlite.Conn) error {
		var err error
		out, err = insert(conn, zonePrefix, holder, ttl, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert lease: %w", err)
	}
	return out, nil
}

func (s *LeaseStore) MarkCompleted(ctx context.Context, zonePrefix, holder string, now time.Time) (bool, error) {
	var n int
	err := s.db.immediate(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			UPDATE active_tasks SET status = 'completed'
			WHERE zone_prefix = ? AND badge = ? AND status = 'active' AND expires_at > ?`,
			&sqlitex.ExecOptions{Args: []any{zonePrefix, holder, now.UnixNano()}})
		n = conn.Changes()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("complete lease: %w", err)
	}
	return n > 0, nil
}

func (s *LeaseStore) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.immediate(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			UPDATE active_tasks SET status = 'expired'
			WHERE status = 'active' AND expires_at <= ?`,
			&sqlitex.ExecOptions{Args: []any{now.UnixNano()}})
		n = conn.Changes()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("expire leases: %w", err)
	}
	return n, nil
}

func (s *LeaseStore) ListActive(ctx context.Context, now time.Time) ([]model.Lease, error) {
	var out []model.Lease
	err := s.db.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT `+leaseColumns+` FROM active_tasks
			WHERE status = 'active' AND expires_at > ?
			ORDER BY assigned_at DESC, task_id DESC`,
			&sqlitex.ExecOptions{
				Args: []any{now.UnixNano()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					out = append(out, scanLease(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("list active leases: %w", err)
	}
	return out, nil
}

func (s *LeaseStore) Get(ctx context.Context, id int64) (*model.Lease, error) {
	var out *model.Lease
	err := s.db.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		out, err = byID(conn, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get lease %d: %w", id, err)
	}
	if out == nil {
		return nil, model.ErrLeaseNotFound
	}
	return out, nil
}

func (s *LeaseStore) Extend(ctx context.Context, id int64, extra time.Duration, now time.Time) (*model.Lease, error) {
	return s.updateLive(ctx, id, now, `UPDATE active_tasks SET expires_at = expires_at + ? WHERE task_id = ?`, int64(extra))
}

func (s *LeaseStore) Close(ctx context.Context, id int64, now time.Time) (*model.Lease, error) {
	return s.updateLive(ctx, id, now, `UPDATE active_tasks SET status = 'completed' WHERE task_id = ?`)
}

// updateLive applies query to lease id if it is live at now. args are bound
// before the id.
func (s *LeaseStore) updateLive(ctx context.Context, id int64, now time.Time, query string, args ...any) (*model.Lease, error) {
	var out *model.Lease
	err := s.db.immediate(ctx, func(conn *sqlite.Conn) error {
		l, err := byID(conn, id)
		if err != nil {
			return err
		}
		if l == nil || !l.IsLive(now) {
			return model.ErrLeaseNotFound
		}
		if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: append(args, id)}); err != nil {
			return err
		}
		out, err = byID(conn, id)
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

func findLive(conn *sqlite.Conn, zonePrefix string, now time.Time) (*model.Lease, error) {
	var out *model.Lease
	err := sqlitex.Execute(conn, `
		SELECT `+leaseColumns+` FROM active_tasks
		WHERE zone_prefix = ? AND status = 'active' AND expires_at > ?
		ORDER BY task_id DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{zonePrefix, now.UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				l := scanLease(stmt)
				out = &l
				return nil
			},
		})
	return out, err
}

func byID(conn *sqlite.Conn, id int64) (*model.Lease, error) {
	var out *model.Lease
	err := sqlitex.Execute(conn, `SELECT `+leaseColumns+` FROM active_tasks WHERE task_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				l := scanLease(stmt)
				out = &l
				return nil
			},
		})
	return out, err
}

func insert(conn *sqlite.Conn, zonePrefix, holder string, ttl time.Duration, now time.Time) (*model.Lease, error) {
	l := model.Lease{
		ZonePrefix: zonePrefix,
		Holder:     holder,
		AssignedAt: now,
		ExpiresAt:  now.Add(ttl),
		Status:     model.LeaseActive,
	}
	err := sqlitex.Execute(conn, `
		INSERT INTO active_tasks (zone_prefix, badge, assigned_at, expires_at, status)
		VALUES (?, ?, ?, ?, 'active')`,
		&sqlitex.ExecOptions{Args: []any{zonePrefix, holder, l.AssignedAt.UnixNano(), l.ExpiresAt.UnixNano()}})
	if err != nil {
		return nil, err
	}
	l.ID = conn.LastInsertRowID()
	return &l, nil
}

func scanLease(stmt *sqlite.Stmt) model.Lease {
	return model.Lease{
		ID:         stmt.ColumnInt64(0),
		ZonePrefix: stmt.ColumnText(1),
		Holder:     stmt.ColumnText(2),
		AssignedAt: fromNanos(stmt.ColumnInt64(3)),
		ExpiresAt:  fromNanos(stmt.ColumnInt64(4)),
		Status:     model.LeaseStatus(stmt.ColumnText(5)),
	}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
