package repo

import (
	"context"
	"database/sql"
	"strings"

	"scribepool/internal/domain"
)

const workItemCols = `id,COALESCE(pool,''),COALESCE(storage_ref,''),duration_seconds,status,approved_submission_id,ordinal,created_at`

func scanWorkItem(scan func(dest ...any) error) (domain.WorkItem, error) {
	var w domain.WorkItem
	var approved sql.NullString
	err := scan(&w.ID, &w.Pool, &w.StorageRef, &w.DurationSeconds, &w.Status, &approved, &w.Ordinal, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.ApprovedSubmissionID = strPtr(approved)
	return w, nil
}

func (r Repo) InsertWorkItemTx(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(id,pool,storage_ref,duration_seconds,status,approved_submission_id,ordinal,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		w.ID, nullable(w.Pool), nullable(w.StorageRef), w.DurationSeconds, w.Status, nullableStringPtr(w.ApprovedSubmissionID), w.Ordinal, w.CreatedAt)
	return err
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workItemCols+` FROM work_items WHERE id=?`, id)
	return scanWorkItem(row.Scan)
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+workItemCols+` FROM work_items WHERE id=?`, id)
	return scanWorkItem(row.Scan)
}

type WorkItemFilters struct {
	Pool   string
	Status string
	Limit  int
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Pool != "" {
		clauses = append(clauses, "pool=?")
		args = append(args, f.Pool)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + workItemCols + ` FROM work_items WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY created_at ASC, ordinal ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// OldestAvailable picks the claim candidate inside the claim transaction:
// oldest by creation, ordinal as the stable tie-break.
func (r Repo) OldestAvailable(ctx context.Context, tx *sql.Tx, pool string) (domain.WorkItem, error) {
	query := `SELECT ` + workItemCols + ` FROM work_items WHERE status=?`
	args := []any{domain.StatusAvailable}
	if pool != "" {
		query += ` AND pool=?`
		args = append(args, pool)
	}
	query += ` ORDER BY created_at ASC, ordinal ASC, id ASC LIMIT 1`
	row := tx.QueryRowContext(ctx, query, args...)
	return scanWorkItem(row.Scan)
}

// MarkAssigned flips an item to assigned only while it still holds the
// status the caller saw. Returns false when the caller lost the claim
// race.
func (r Repo) MarkAssigned(ctx context.Context, tx *sql.Tx, id, fromStatus string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET status=? WHERE id=? AND status=?`,
		domain.StatusAssigned, id, fromStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) SetItemStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE work_items SET status=? WHERE id=?`, status, id)
	return err
}

// SetApproval sets the approval pointer and status in one guarded write.
// Returns false when another submission already holds the pointer.
func (r Repo) SetApproval(ctx context.Context, tx *sql.Tx, id, submissionID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET approved_submission_id=?, status=?
WHERE id=? AND (approved_submission_id IS NULL OR approved_submission_id=?)`,
		submissionID, domain.StatusApproved, id, submissionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClearApproval unsets the pointer during an administrative revert.
func (r Repo) ClearApproval(ctx context.Context, tx *sql.Tx, id, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE work_items SET approved_submission_id=NULL, status=? WHERE id=?`, status, id)
	return err
}

// NextOrdinal returns the next ingestion ordinal.
func (r Repo) NextOrdinal(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(ordinal),0)+1 FROM work_items`).Scan(&n)
	return n, err
}

func (r Repo) AllWorkItems(ctx context.Context) ([]domain.WorkItem, error) {
	return r.ListWorkItems(ctx, WorkItemFilters{})
}

// AllWorkItemsTx reads every item inside the caller's transaction so a
// sweep sees the same rows it later rewrites.
func (r Repo) AllWorkItemsTx(ctx context.Context, tx *sql.Tx) ([]domain.WorkItem, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+workItemCols+` FROM work_items ORDER BY created_at ASC, ordinal ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}
