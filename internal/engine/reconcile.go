package engine

import (
	"context"
	"database/sql"
	"errors"

	"scribepool/internal/domain"
	"scribepool/internal/events"
	"scribepool/internal/repo"
)

// StatusFix records one status correction made by ReconcileStatuses.
type StatusFix struct {
	WorkItemID string `json:"work_item_id"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// ReconcileStatuses re-derives every item's status from the underlying
// rows and repairs drift. The derivation order is: approval pointer wins,
// then a submitted-but-unreviewed submission, then an open unexpired
// lease, then the newest review's verdict, else available. A failed item
// with no approval stays failed. Derivation and repair share a single
// transaction, so a claim cannot land between reading an item and
// rewriting it. Running the sweep twice changes nothing the second time.
func (e Engine) ReconcileStatuses(ctx context.Context) ([]StatusFix, error) {
	now := fmtTime(e.now())
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	items, err := e.Repo.AllWorkItemsTx(ctx, tx)
	if err != nil {
		return nil, err
	}
	var fixes []StatusFix
	for _, item := range items {
		expected, err := e.deriveStatus(ctx, tx, item, now)
		if err != nil {
			return nil, err
		}
		if expected == item.Status {
			continue
		}
		if err := e.Repo.SetItemStatus(ctx, tx, item.ID, expected); err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, "work_item.status_fixed", "work_item", item.ID, "system", events.EventPayload{
			"from": item.Status,
			"to":   expected,
		}); err != nil {
			return nil, err
		}
		fixes = append(fixes, StatusFix{WorkItemID: item.ID, From: item.Status, To: expected})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return fixes, nil
}

func (e Engine) deriveStatus(ctx context.Context, tx *sql.Tx, item domain.WorkItem, now string) (string, error) {
	if item.ApprovedSubmissionID != nil {
		return domain.StatusApproved, nil
	}
	// A submission awaiting review outranks an open lease: a drifted item
	// carrying both must stay visible to the reviewer queue.
	pending, err := e.Repo.HasPendingSubmissionTx(ctx, tx, item.ID)
	if err != nil {
		return "", err
	}
	if pending {
		return domain.StatusSubmitted, nil
	}
	if _, err := e.Repo.OpenLeaseForItemTx(ctx, tx, item.ID, now); err == nil {
		return domain.StatusAssigned, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	// No lease, nothing awaiting review: the newest reviewed submission
	// decides whether the item sits rejected, with the worker for edits,
	// or back in the pool.
	latest, err := e.Repo.LatestSubmittedTx(ctx, tx, item.ID)
	if err == nil {
		review, err := e.Repo.GetReviewBySubmissionTx(ctx, tx, latest.ID)
		if err == nil {
			switch review.Decision {
			case domain.DecisionRejected:
				return domain.StatusRejected, nil
			case domain.DecisionEditRequested:
				return domain.StatusUnderReview, nil
			}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return "", err
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	if item.Status == domain.StatusFailed {
		return domain.StatusFailed, nil
	}
	return domain.StatusAvailable, nil
}

// BalanceFix records one cached-balance repair.
type BalanceFix struct {
	WorkerID    string `json:"worker_id"`
	CachedCents int64  `json:"cached_cents"`
	LedgerCents int64  `json:"ledger_cents"`
}

// ReconcileBalances rewrites each worker's cached balance from the ledger
// sum when they disagree. The ledger is the authority; the cache is only
// a read optimization. Pass an empty workerID to sweep everyone.
func (e Engine) ReconcileBalances(ctx context.Context, workerID string) ([]BalanceFix, error) {
	var workers []domain.Worker
	if workerID != "" {
		w, err := e.Repo.GetWorker(ctx, workerID)
		if err != nil {
			return nil, err
		}
		workers = []domain.Worker{w}
	} else {
		var err error
		workers, err = e.Repo.ListWorkers(ctx)
		if err != nil {
			return nil, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var fixes []BalanceFix
	for _, w := range workers {
		sum, err := e.Repo.LedgerSum(ctx, tx, w.ID)
		if err != nil {
			return nil, err
		}
		if sum == w.TotalEarningsCents {
			continue
		}
		if err := e.Repo.SetCachedBalance(ctx, tx, w.ID, sum); err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, "worker.balance_fixed", "worker", w.ID, "system", events.EventPayload{
			"cached_cents": w.TotalEarningsCents,
			"ledger_cents": sum,
		}); err != nil {
			return nil, err
		}
		fixes = append(fixes, BalanceFix{WorkerID: w.ID, CachedCents: w.TotalEarningsCents, LedgerCents: sum})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return fixes, nil
}
