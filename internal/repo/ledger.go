package repo

import (
	"context"
	"database/sql"

	"scribepool/internal/domain"
)

const ledgerCols = `id,worker_id,delta_cents,description,work_item_id,related_payment_id,created_at`

func scanLedgerEntry(scan func(dest ...any) error) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var itemID, related sql.NullString
	err := scan(&e.ID, &e.WorkerID, &e.DeltaCents, &e.Description, &itemID, &related, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.WorkItemID = strPtr(itemID)
	e.RelatedPaymentID = strPtr(related)
	return e, nil
}

// EnsureWorker creates the worker row on first contact.
func (r Repo) EnsureWorker(ctx context.Context, tx *sql.Tx, workerID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO workers(id,total_earnings_cents,created_at) VALUES (?,0,?)`, workerID, now)
	return err
}

// AppendLedgerEntry inserts one entry. Entries are never updated or
// deleted after this point.
func (r Repo) AppendLedgerEntry(ctx context.Context, tx *sql.Tx, e domain.LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries(id,worker_id,delta_cents,description,work_item_id,related_payment_id,created_at)
VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.WorkerID, e.DeltaCents, e.Description, nullableStringPtr(e.WorkItemID), nullableStringPtr(e.RelatedPaymentID), e.CreatedAt)
	return err
}

// AddToCachedBalance moves the denormalized running balance by delta.
func (r Repo) AddToCachedBalance(ctx context.Context, tx *sql.Tx, workerID string, delta int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE workers SET total_earnings_cents = total_earnings_cents + ? WHERE id=?`, delta, workerID)
	return err
}

// SetCachedBalance overwrites the cached balance. Only the balance
// reconcile uses this.
func (r Repo) SetCachedBalance(ctx context.Context, tx *sql.Tx, workerID string, balance int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE workers SET total_earnings_cents=? WHERE id=?`, balance, workerID)
	return err
}

func (r Repo) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	var w domain.Worker
	err := r.DB.QueryRowContext(ctx, `SELECT id,total_earnings_cents,created_at FROM workers WHERE id=?`, id).
		Scan(&w.ID, &w.TotalEarningsCents, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,total_earnings_cents,created_at FROM workers ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		var w domain.Worker
		if err := rows.Scan(&w.ID, &w.TotalEarningsCents, &w.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) ListLedgerEntries(ctx context.Context, workerID string, limit int) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + ledgerCols + ` FROM ledger_entries WHERE worker_id=? ORDER BY created_at DESC, id DESC`
	args := []any{workerID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LedgerSum recomputes the authoritative balance from the entries.
func (r Repo) LedgerSum(ctx context.Context, tx *sql.Tx, workerID string) (int64, error) {
	var sum int64
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(delta_cents),0) FROM ledger_entries WHERE worker_id=?`, workerID)
	err := row.Scan(&sum)
	return sum, err
}

// UnreversedCreditForItem finds the newest positive entry for an item that
// no reversal points at yet. The revert path uses it to size the
// compensating entry.
func (r Repo) UnreversedCreditForItem(ctx context.Context, tx *sql.Tx, itemID string) (domain.LedgerEntry, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+ledgerCols+` FROM ledger_entries e
WHERE e.work_item_id=? AND e.delta_cents > 0
  AND NOT EXISTS (SELECT 1 FROM ledger_entries rev WHERE rev.related_payment_id = e.id)
ORDER BY e.created_at DESC, e.id DESC LIMIT 1`, itemID)
	return scanLedgerEntry(row.Scan)
}
