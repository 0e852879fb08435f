package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"scribepool/internal/domain"
)

// billableMinutes rounds the audio duration up to whole minutes, with a
// one minute floor.
func billableMinutes(durationSeconds int) int {
	minutes := (durationSeconds + 59) / 60
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// credit appends the payment entry for an approved item and moves the
// cached balance, inside the caller's transaction.
func (e Engine) credit(ctx context.Context, tx *sql.Tx, workerID, itemID string, durationSeconds int, plan domain.RatePlan, now string) (domain.LedgerEntry, error) {
	minutes := billableMinutes(durationSeconds)
	amount := int64(minutes) * plan.RatePerMinuteCents

	if err := e.Repo.EnsureWorker(ctx, tx, workerID, now); err != nil {
		return domain.LedgerEntry{}, err
	}
	entry := domain.LedgerEntry{
		ID:          uuid.New().String(),
		WorkerID:    workerID,
		DeltaCents:  amount,
		Description: fmt.Sprintf("payment for work item %s (%d min @ %d cents/min)", itemID, minutes, plan.RatePerMinuteCents),
		WorkItemID:  &itemID,
		CreatedAt:   now,
	}
	if err := e.Repo.AppendLedgerEntry(ctx, tx, entry); err != nil {
		return domain.LedgerEntry{}, err
	}
	if err := e.Repo.AddToCachedBalance(ctx, tx, workerID, amount); err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, nil
}
