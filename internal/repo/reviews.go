package repo

import (
	"context"
	"database/sql"

	"scribepool/internal/domain"
)

const reviewCols = `id,submission_id,reviewer_id,decision,COALESCE(comments,''),approved_duration_seconds,created_at`

func scanReview(scan func(dest ...any) error) (domain.Review, error) {
	var v domain.Review
	err := scan(&v.ID, &v.SubmissionID, &v.ReviewerID, &v.Decision, &v.Comments, &v.ApprovedDurationSeconds, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) InsertReview(ctx context.Context, tx *sql.Tx, v domain.Review) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reviews(id,submission_id,reviewer_id,decision,comments,approved_duration_seconds,created_at)
VALUES (?,?,?,?,?,?,?)`,
		v.ID, v.SubmissionID, v.ReviewerID, v.Decision, nullable(v.Comments), v.ApprovedDurationSeconds, v.CreatedAt)
	return err
}

func (r Repo) GetReviewBySubmission(ctx context.Context, submissionID string) (domain.Review, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+reviewCols+` FROM reviews WHERE submission_id=?`, submissionID)
	return scanReview(row.Scan)
}

func (r Repo) GetReviewBySubmissionTx(ctx context.Context, tx *sql.Tx, submissionID string) (domain.Review, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+reviewCols+` FROM reviews WHERE submission_id=?`, submissionID)
	return scanReview(row.Scan)
}

// DeleteReview removes a review row. Only the administrative revert path
// calls this; reviews are otherwise immutable.
func (r Repo) DeleteReview(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM reviews WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
