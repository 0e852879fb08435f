package repo

import (
	"context"
	"database/sql"

	"scribepool/internal/domain"
)

func scanRatePlan(scan func(dest ...any) error) (domain.RatePlan, error) {
	var p domain.RatePlan
	var active int
	err := scan(&p.ID, &p.RatePerMinuteCents, &p.Currency, &active, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.Active = active != 0
	return p, err
}

func (r Repo) InsertRatePlan(ctx context.Context, p domain.RatePlan) error {
	active := 0
	if p.Active {
		active = 1
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO rate_plans(id,rate_per_minute_cents,currency,active,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.RatePerMinuteCents, p.Currency, active, p.CreatedAt)
	return err
}

func (r Repo) ListRatePlans(ctx context.Context) ([]domain.RatePlan, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,rate_per_minute_cents,currency,active,created_at FROM rate_plans ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RatePlan
	for rows.Next() {
		p, err := scanRatePlan(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ActivateRatePlan makes one plan active and deactivates the rest, keeping
// the single-active invariant.
func (r Repo) ActivateRatePlan(ctx context.Context, id string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE rate_plans SET active=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rate_plans SET active=0 WHERE id<>?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ActiveRatePlan returns the single active plan; ErrNotFound when none.
func (r Repo) ActiveRatePlan(ctx context.Context) (domain.RatePlan, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,rate_per_minute_cents,currency,active,created_at FROM rate_plans
WHERE active=1 ORDER BY created_at DESC, id DESC LIMIT 1`)
	return scanRatePlan(row.Scan)
}
