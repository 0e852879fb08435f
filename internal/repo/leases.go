package repo

import (
	"context"
	"database/sql"

	"scribepool/internal/domain"
)

const leaseCols = `id,work_item_id,worker_id,created_at,expires_at,released_at`

func scanLease(scan func(dest ...any) error) (domain.Lease, error) {
	var l domain.Lease
	var expires, released sql.NullString
	err := scan(&l.ID, &l.WorkItemID, &l.WorkerID, &l.CreatedAt, &expires, &released)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.ExpiresAt = strPtr(expires)
	l.ReleasedAt = strPtr(released)
	return l, nil
}

func (r Repo) InsertLease(ctx context.Context, tx *sql.Tx, l domain.Lease) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO leases(id,work_item_id,worker_id,created_at,expires_at,released_at) VALUES (?,?,?,?,?,?)`,
		l.ID, l.WorkItemID, l.WorkerID, l.CreatedAt, nullableStringPtr(l.ExpiresAt), nullableStringPtr(l.ReleasedAt))
	return err
}

func (r Repo) GetLease(ctx context.Context, id string) (domain.Lease, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+leaseCols+` FROM leases WHERE id=?`, id)
	return scanLease(row.Scan)
}

func (r Repo) GetLeaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Lease, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+leaseCols+` FROM leases WHERE id=?`, id)
	return scanLease(row.Scan)
}

// CountOpenLeases counts a worker's unexpired, unreleased leases as of now
// (RFC3339 UTC; lexical comparison is safe for that format).
func (r Repo) CountOpenLeases(ctx context.Context, tx *sql.Tx, workerID, now string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM leases
WHERE worker_id=? AND released_at IS NULL AND (expires_at IS NULL OR expires_at > ?)`, workerID, now).Scan(&n)
	return n, err
}

// LastLeaseCreatedAt returns the creation time of the worker's most recent
// lease across all items; ErrNotFound when the worker has never claimed.
func (r Repo) LastLeaseCreatedAt(ctx context.Context, tx *sql.Tx, workerID string) (string, error) {
	var created string
	err := tx.QueryRowContext(ctx, `SELECT created_at FROM leases WHERE worker_id=? ORDER BY created_at DESC, id DESC LIMIT 1`,
		workerID).Scan(&created)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return created, err
}

// CloseLease stamps released_at on an open lease. Returns false when the
// lease was already released, which callers treat as an idempotent no-op.
func (r Repo) CloseLease(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE leases SET released_at=? WHERE id=? AND released_at IS NULL`, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// StaleLeases lists open leases whose expiry has passed.
func (r Repo) StaleLeases(ctx context.Context, tx *sql.Tx, now string, limit int) ([]domain.Lease, error) {
	query := `SELECT ` + leaseCols + ` FROM leases
WHERE released_at IS NULL AND expires_at IS NOT NULL AND expires_at < ? ORDER BY expires_at ASC`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lease
	for rows.Next() {
		l, err := scanLease(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// OpenLeaseForItemTx returns the unexpired open lease on an item, if any.
func (r Repo) OpenLeaseForItemTx(ctx context.Context, tx *sql.Tx, itemID, now string) (domain.Lease, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+leaseCols+` FROM leases
WHERE work_item_id=? AND released_at IS NULL AND (expires_at IS NULL OR expires_at > ?) LIMIT 1`, itemID, now)
	return scanLease(row.Scan)
}

func (r Repo) ListWorkerLeases(ctx context.Context, workerID string, openOnly bool) ([]domain.Lease, error) {
	query := `SELECT ` + leaseCols + ` FROM leases WHERE worker_id=?`
	if openOnly {
		query += ` AND released_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Lease
	for rows.Next() {
		l, err := scanLease(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
