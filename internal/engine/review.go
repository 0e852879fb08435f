package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"scribepool/internal/domain"
	"scribepool/internal/events"
	"scribepool/internal/repo"
)

// ReviewCandidate pairs a pending submission with its work item for the
// reviewer queue.
type ReviewCandidate struct {
	Submission domain.Submission `json:"submission"`
	Item       domain.WorkItem   `json:"item"`
	AudioURL   string            `json:"audio_url,omitempty"`
}

// ListPending returns the review queue: per unapproved item, the oldest
// submitted submission that has no review yet.
func (e Engine) ListPending(ctx context.Context) ([]ReviewCandidate, error) {
	subs, err := e.Repo.ListPendingReviews(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ReviewCandidate, 0, len(subs))
	for _, s := range subs {
		item, err := e.Repo.GetWorkItem(ctx, s.WorkItemID)
		if err != nil {
			return nil, err
		}
		out = append(out, ReviewCandidate{Submission: s, Item: item, AudioURL: e.signedURL(ctx, item.StorageRef)})
	}
	return out, nil
}

// DecideOptions carry one review decision.
type DecideOptions struct {
	SubmissionID string
	ReviewerID   string
	Decision     string
	Comments     string
	// FinalText, when set on approval, replaces the submission text before
	// it becomes the item's transcript of record.
	FinalText *string
}

// Decide records the single review on a submission. Approval sets the
// item's approval pointer and credits the worker in the same transaction;
// rejection and edit requests route the item back without pay. Each
// submission is decided at most once.
func (e Engine) Decide(ctx context.Context, opts DecideOptions) (domain.Review, error) {
	switch opts.Decision {
	case domain.DecisionApproved, domain.DecisionRejected, domain.DecisionEditRequested:
	default:
		return domain.Review{}, errors.New("unknown decision: " + opts.Decision)
	}

	// Resolve the rate before opening the write transaction; approval is
	// refused outright when pay is not computable.
	var plan domain.RatePlan
	if opts.Decision == domain.DecisionApproved {
		var err error
		plan, err = e.Rates.ActiveRatePlan(ctx)
		if err != nil {
			return domain.Review{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Review{}, err
	}
	defer tx.Rollback()

	sub, err := e.Repo.GetSubmissionTx(ctx, tx, opts.SubmissionID)
	if err != nil {
		return domain.Review{}, err
	}
	if sub.SubmittedAt == nil {
		// Drafts are not reviewable; to the reviewer they do not exist.
		return domain.Review{}, repo.ErrNotFound
	}
	if _, err := e.Repo.GetReviewBySubmissionTx(ctx, tx, sub.ID); err == nil {
		return domain.Review{}, ErrAlreadyReviewed
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Review{}, err
	}

	item, err := e.Repo.GetWorkItemTx(ctx, tx, sub.WorkItemID)
	if err != nil {
		return domain.Review{}, err
	}

	now := fmtTime(e.now())
	review := domain.Review{
		ID:           uuid.New().String(),
		SubmissionID: sub.ID,
		ReviewerID:   opts.ReviewerID,
		Decision:     opts.Decision,
		Comments:     opts.Comments,
		CreatedAt:    now,
	}

	switch opts.Decision {
	case domain.DecisionApproved:
		if item.ApprovedSubmissionID != nil && *item.ApprovedSubmissionID != sub.ID {
			return domain.Review{}, ErrAlreadyApproved
		}
		if opts.FinalText != nil && *opts.FinalText != sub.Text {
			if err := e.Repo.SetSubmissionText(ctx, tx, sub.ID, *opts.FinalText, now); err != nil {
				return domain.Review{}, err
			}
		}
		// Guarded write: loses cleanly if a concurrent approval landed
		// between the read above and here.
		won, err := e.Repo.SetApproval(ctx, tx, item.ID, sub.ID)
		if err != nil {
			return domain.Review{}, err
		}
		if !won {
			return domain.Review{}, ErrAlreadyApproved
		}
		// Snapshot the billed duration on the review so later item edits
		// cannot change what this approval paid.
		review.ApprovedDurationSeconds = item.DurationSeconds
		if _, err := e.credit(ctx, tx, sub.WorkerID, item.ID, item.DurationSeconds, plan, now); err != nil {
			return domain.Review{}, err
		}
	case domain.DecisionRejected:
		if item.ApprovedSubmissionID != nil {
			return domain.Review{}, ErrAlreadyApproved
		}
		if err := e.Repo.SetItemStatus(ctx, tx, item.ID, domain.StatusRejected); err != nil {
			return domain.Review{}, err
		}
	case domain.DecisionEditRequested:
		if item.ApprovedSubmissionID != nil {
			return domain.Review{}, ErrAlreadyApproved
		}
		if err := e.Repo.SetItemStatus(ctx, tx, item.ID, domain.StatusUnderReview); err != nil {
			return domain.Review{}, err
		}
	}

	if err := e.Repo.InsertReview(ctx, tx, review); err != nil {
		return domain.Review{}, err
	}
	if err := e.Events.Append(ctx, tx, "review.decided", "submission", sub.ID, opts.ReviewerID, events.EventPayload{
		"work_item_id": item.ID,
		"decision":     opts.Decision,
	}); err != nil {
		return domain.Review{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Review{}, err
	}
	return review, nil
}

// Revert undoes an approval: the review row is removed, the item drops
// back to submitted with the pointer cleared, and a compensating negative
// ledger entry cancels the payment. The original entry stays; the ledger
// remains append-only.
func (e Engine) Revert(ctx context.Context, itemID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetWorkItemTx(ctx, tx, itemID)
	if err != nil {
		return err
	}
	if item.ApprovedSubmissionID == nil {
		return ErrNotApproved
	}
	approvedSubID := *item.ApprovedSubmissionID

	review, err := e.Repo.GetReviewBySubmissionTx(ctx, tx, approvedSubID)
	if err == nil {
		if err := e.Repo.DeleteReview(ctx, tx, review.ID); err != nil {
			return err
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}

	if err := e.Repo.ClearApproval(ctx, tx, item.ID, domain.StatusSubmitted); err != nil {
		return err
	}

	now := fmtTime(e.now())
	payment, err := e.Repo.UnreversedCreditForItem(ctx, tx, item.ID)
	if err == nil {
		reversal := domain.LedgerEntry{
			ID:               uuid.New().String(),
			WorkerID:         payment.WorkerID,
			DeltaCents:       -payment.DeltaCents,
			Description:      "reversal of payment " + payment.ID + " (approval reverted)",
			WorkItemID:       &item.ID,
			RelatedPaymentID: &payment.ID,
			CreatedAt:        now,
		}
		if err := e.Repo.AppendLedgerEntry(ctx, tx, reversal); err != nil {
			return err
		}
		if err := e.Repo.AddToCachedBalance(ctx, tx, payment.WorkerID, reversal.DeltaCents); err != nil {
			return err
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}

	if err := e.Events.Append(ctx, tx, "approval.reverted", "work_item", item.ID, actorID, events.EventPayload{
		"submission_id": approvedSubID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Requeue puts a rejected item back in the claim pool.
func (e Engine) Requeue(ctx context.Context, itemID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	item, err := e.Repo.GetWorkItemTx(ctx, tx, itemID)
	if err != nil {
		return err
	}
	if item.Status != domain.StatusRejected {
		return ErrNotRejected
	}
	if err := e.Repo.SetItemStatus(ctx, tx, item.ID, domain.StatusAvailable); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "work_item.requeued", "work_item", item.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
