package rates

import (
	"context"
	"errors"

	"scribepool/internal/domain"
	"scribepool/internal/repo"
)

// ErrNoActivePlan is returned when no rate plan is active. Approval must
// not proceed while pay is not computable.
var ErrNoActivePlan = errors.New("no active rate plan")

// Resolver yields the currently active per-minute compensation rate. The
// engine receives one at construction; nothing reads a global.
type Resolver interface {
	ActiveRatePlan(ctx context.Context) (domain.RatePlan, error)
}

// StoreResolver resolves the active plan from the rate_plans table.
type StoreResolver struct {
	Repo repo.Repo
}

func (s StoreResolver) ActiveRatePlan(ctx context.Context) (domain.RatePlan, error) {
	plan, err := s.Repo.ActiveRatePlan(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.RatePlan{}, ErrNoActivePlan
	}
	return plan, err
}

// Fixed is a constant-rate resolver, handy in tests.
type Fixed struct {
	Plan domain.RatePlan
}

func (f Fixed) ActiveRatePlan(ctx context.Context) (domain.RatePlan, error) {
	if f.Plan.RatePerMinuteCents == 0 {
		return domain.RatePlan{}, ErrNoActivePlan
	}
	return f.Plan, nil
}
