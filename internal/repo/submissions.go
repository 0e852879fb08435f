package repo

import (
	"context"
	"database/sql"

	"scribepool/internal/domain"
)

const submissionCols = `id,lease_id,work_item_id,worker_id,text,ai_suggestion,submitted_at,created_at,updated_at`

func scanSubmission(scan func(dest ...any) error) (domain.Submission, error) {
	var s domain.Submission
	var suggestion, submitted sql.NullString
	err := scan(&s.ID, &s.LeaseID, &s.WorkItemID, &s.WorkerID, &s.Text, &suggestion, &submitted, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.AISuggestion = strPtr(suggestion)
	s.SubmittedAt = strPtr(submitted)
	return s, nil
}

func (r Repo) InsertSubmission(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO submissions(id,lease_id,work_item_id,worker_id,text,ai_suggestion,submitted_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.LeaseID, s.WorkItemID, s.WorkerID, s.Text, nullableStringPtr(s.AISuggestion), nullableStringPtr(s.SubmittedAt), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+submissionCols+` FROM submissions WHERE id=?`, id)
	return scanSubmission(row.Scan)
}

func (r Repo) GetSubmissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Submission, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+submissionCols+` FROM submissions WHERE id=?`, id)
	return scanSubmission(row.Scan)
}

// DraftForLease returns the single open draft on a lease, if any.
func (r Repo) DraftForLease(ctx context.Context, tx *sql.Tx, leaseID string) (domain.Submission, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+submissionCols+` FROM submissions WHERE lease_id=? AND submitted_at IS NULL`, leaseID)
	return scanSubmission(row.Scan)
}

func (r Repo) UpdateDraftText(ctx context.Context, tx *sql.Tx, id, text, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE submissions SET text=?, updated_at=? WHERE id=? AND submitted_at IS NULL`, text, now, id)
	return err
}

// FreezeSubmission stamps submitted_at, making the draft immutable.
func (r Repo) FreezeSubmission(ctx context.Context, tx *sql.Tx, id, text string, aiSuggestion *string, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE submissions SET text=?, ai_suggestion=?, submitted_at=?, updated_at=? WHERE id=? AND submitted_at IS NULL`,
		text, nullableStringPtr(aiSuggestion), now, now, id)
	return err
}

// SetSubmissionText applies a reviewer's final text before approval.
func (r Repo) SetSubmissionText(ctx context.Context, tx *sql.Tx, id, text, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE submissions SET text=?, updated_at=? WHERE id=?`, text, now, id)
	return err
}

// ListPendingReviews returns, per work item without an approval pointer,
// only the oldest submitted submission that has no review yet. Oldest is
// (submitted_at, id), so equal second-granularity timestamps still pick
// exactly one row. Stale duplicates for re-submitted items never reach
// the reviewer.
func (r Repo) ListPendingReviews(ctx context.Context) ([]domain.Submission, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT `+qualifiedSubmissionCols("s")+`
FROM submissions s
JOIN work_items w ON w.id = s.work_item_id
WHERE s.submitted_at IS NOT NULL
  AND w.approved_submission_id IS NULL
  AND NOT EXISTS (SELECT 1 FROM reviews r WHERE r.submission_id = s.id)
  AND s.id = (
    SELECT s2.id FROM submissions s2
    WHERE s2.work_item_id = s.work_item_id
      AND s2.submitted_at IS NOT NULL
      AND NOT EXISTS (SELECT 1 FROM reviews r2 WHERE r2.submission_id = s2.id)
    ORDER BY s2.submitted_at ASC, s2.id ASC LIMIT 1
  )
ORDER BY s.submitted_at ASC, s.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func qualifiedSubmissionCols(alias string) string {
	return alias + ".id," + alias + ".lease_id," + alias + ".work_item_id," + alias + ".worker_id," +
		alias + ".text," + alias + ".ai_suggestion," + alias + ".submitted_at," + alias + ".created_at," + alias + ".updated_at"
}

// HasPendingSubmissionTx reports whether an item has a submitted,
// unreviewed submission. Used by status derivation.
func (r Repo) HasPendingSubmissionTx(ctx context.Context, tx *sql.Tx, itemID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM submissions s
WHERE s.work_item_id=? AND s.submitted_at IS NOT NULL
  AND NOT EXISTS (SELECT 1 FROM reviews r WHERE r.submission_id=s.id) LIMIT 1`, itemID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// LatestSubmittedTx returns the newest submitted submission for an item.
func (r Repo) LatestSubmittedTx(ctx context.Context, tx *sql.Tx, itemID string) (domain.Submission, error) {
	row := tx.QueryRowContext(ctx, latestSubmittedSQL, itemID)
	return scanSubmission(row.Scan)
}

const latestSubmittedSQL = `SELECT ` + submissionCols + ` FROM submissions
WHERE work_item_id=? AND submitted_at IS NOT NULL ORDER BY submitted_at DESC, id DESC LIMIT 1`

func (r Repo) ListWorkerSubmissions(ctx context.Context, workerID string) ([]domain.Submission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+submissionCols+` FROM submissions WHERE worker_id=? ORDER BY created_at DESC, id DESC`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
