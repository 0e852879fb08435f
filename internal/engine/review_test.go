package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"scribepool/internal/domain"
	"scribepool/internal/engine/rates"
	"scribepool/internal/repo"
)

func TestBillableMinutes(t *testing.T) {
	cases := []struct {
		seconds int
		want    int
	}{
		{1, 1},
		{59, 1},
		{60, 1},
		{61, 2},
		{90, 2},
		{120, 2},
		{121, 3},
		{0, 1}, // floor
	}
	for _, c := range cases {
		if got := billableMinutes(c.seconds); got != c.want {
			t.Errorf("billableMinutes(%d) = %d, want %d", c.seconds, got, c.want)
		}
	}
}

func TestApprovePaysCeilingMinutes(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	item, sub := submitItem(t, e, clock, "worker-1", "ninety seconds of audio", 90)

	review, err := e.Decide(ctx, DecideOptions{
		SubmissionID: sub.ID,
		ReviewerID:   "reviewer-1",
		Decision:     domain.DecisionApproved,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if review.ApprovedDurationSeconds != 90 {
		t.Fatalf("snapshot duration = %d, want 90", review.ApprovedDurationSeconds)
	}

	got, err := e.Repo.GetWorkItem(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusApproved {
		t.Fatalf("item status = %s, want approved", got.Status)
	}
	if got.ApprovedSubmissionID == nil || *got.ApprovedSubmissionID != sub.ID {
		t.Fatalf("approval pointer = %v, want %s", got.ApprovedSubmissionID, sub.ID)
	}

	// 90s rounds up to 2 minutes at 120 cents/min.
	w, err := e.Balance(ctx, "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if w.TotalEarningsCents != 240 {
		t.Fatalf("balance = %d, want 240", w.TotalEarningsCents)
	}
	entries, err := e.Repo.ListLedgerEntries(ctx, "worker-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("ledger has %d entries, want 1", len(entries))
	}
	if entries[0].DeltaCents != 240 {
		t.Fatalf("entry delta = %d, want 240", entries[0].DeltaCents)
	}
	if entries[0].WorkItemID == nil || *entries[0].WorkItemID != item.ID {
		t.Fatalf("entry item = %v, want %s", entries[0].WorkItemID, item.ID)
	}
}

func TestApproveShortClipPaysMinimumMinute(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	_, sub := submitItem(t, e, clock, "worker-1", "ten seconds", 10)

	if _, err := e.Decide(ctx, DecideOptions{SubmissionID: sub.ID, ReviewerID: "reviewer-1", Decision: domain.DecisionApproved}); err != nil {
		t.Fatal(err)
	}
	w, err := e.Balance(ctx, "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if w.TotalEarningsCents != 120 {
		t.Fatalf("balance = %d, want one minute = 120", w.TotalEarningsCents)
	}
}

func TestApproveWithFinalText(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	_, sub := submitItem(t, e, clock, "worker-1", "teh transcript", 60)

	finalText := "the transcript"
	if _, err := e.Decide(ctx, DecideOptions{
		SubmissionID: sub.ID,
		ReviewerID:   "reviewer-1",
		Decision:     domain.DecisionApproved,
		FinalText:    &finalText,
	}); err != nil {
		t.Fatal(err)
	}
	got, err := e.Repo.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != finalText {
		t.Fatalf("text = %q, want reviewer's final text", got.Text)
	}
}

func TestApproveRefusedWithoutActivePlan(t *testing.T) {
	e, clock := newTestEngine(t)
	e.Rates = rates.StoreResolver{Repo: e.Repo} // empty rate_plans table
	ctx := context.Background()
	item, sub := submitItem(t, e, clock, "worker-1", "text", 60)

	_, err := e.Decide(ctx, DecideOptions{SubmissionID: sub.ID, ReviewerID: "reviewer-1", Decision: domain.DecisionApproved})
	if !errors.Is(err, rates.ErrNoActivePlan) {
		t.Fatalf("err = %v, want ErrNoActivePlan", err)
	}
	// Nothing moved: no review, item still submitted, no pay.
	if _, err := e.Repo.GetReviewBySubmission(ctx, sub.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("review lookup err = %v, want ErrNotFound", err)
	}
	got, err := e.Repo.GetWorkItem(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusSubmitted {
		t.Fatalf("item status = %s, want submitted", got.Status)
	}
}

func TestRejectThenRequeue(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	item, sub := submitItem(t, e, clock, "worker-1", "poor transcript", 60)

	if _, err := e.Decide(ctx, DecideOptions{
		SubmissionID: sub.ID,
		ReviewerID:   "reviewer-1",
		Decision:     domain.DecisionRejected,
		Comments:     "inaudible sections skipped",
	}); err != nil {
		t.Fatal(err)
	}
	got, err := e.Repo.GetWorkItem(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusRejected {
		t.Fatalf("item status = %s, want rejected", got.Status)
	}
	// Rejection pays nothing.
	w, err := e.Balance(ctx, "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if w.TotalEarningsCents != 0 {
		t.Fatalf("balance = %d, want 0", w.TotalEarningsCents)
	}

	if err := e.Requeue(ctx, item.ID, "admin-1"); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	got, err = e.Repo.GetWorkItem(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusAvailable {
		t.Fatalf("item status = %s, want available", got.Status)
	}
	if err := e.Requeue(ctx, item.ID, "admin-1"); !errors.Is(err, ErrNotRejected) {
		t.Fatalf("second requeue err = %v, want ErrNotRejected", err)
	}
}

func TestEditRequestedRoundTrip(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	item, sub := submitItem(t, e, clock, "worker-1", "draft quality", 60)

	if _, err := e.Decide(ctx, DecideOptions{
		SubmissionID: sub.ID,
		ReviewerID:   "reviewer-1",
		Decision:     domain.DecisionEditRequested,
		Comments:     "fix speaker labels",
	}); err != nil {
		t.Fatal(err)
	}
	got, err := e.Repo.GetWorkItem(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusUnderReview {
		t.Fatalf("item status = %s, want under_review", got.Status)
	}

	// The item comes back through "my work", not the open pool.
	entries, err := e.WorkerItems(ctx, "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Item.ID != item.ID {
		t.Fatalf("worker items = %v, want the edit-requested item", entries)
	}
	open, err := e.ListAvailable(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Fatalf("edit-requested item leaked into the open pool")
	}

	// Only the original worker can re-claim it.
	clock.advance(time.Minute)
	if _, err := e.Claim(ctx, "worker-2", "", item.ID); !errors.Is(err, ErrItemNotAvailable) {
		t.Fatalf("foreign re-claim err = %v, want ErrItemNotAvailable", err)
	}
	lease, err := e.Claim(ctx, "worker-1", "", item.ID)
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	fixed, err := e.Submit(ctx, lease.ID, "worker-1", "fixed speaker labels")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}

	// The new submission is the one pending review; the old one is spent.
	pending, err := e.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Submission.ID != fixed.ID {
		t.Fatalf("pending = %v, want only the resubmission", pending)
	}
}

func TestDecideTwiceSameSubmission(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	_, sub := submitItem(t, e, clock, "worker-1", "text", 60)

	if _, err := e.Decide(ctx, DecideOptions{SubmissionID: sub.ID, ReviewerID: "reviewer-1", Decision: domain.DecisionApproved}); err != nil {
		t.Fatal(err)
	}
	_, err := e.Decide(ctx, DecideOptions{SubmissionID: sub.ID, ReviewerID: "reviewer-2", Decision: domain.DecisionRejected})
	if !errors.Is(err, ErrAlreadyReviewed) {
		t.Fatalf("err = %v, want ErrAlreadyReviewed", err)
	}
	// The double decision must not double-pay.
	w, err := e.Balance(ctx, "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if w.TotalEarningsCents != 120 {
		t.Fatalf("balance = %d, want 120", w.TotalEarningsCents)
	}
}

func TestApproveLosesToExistingApproval(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	item, first := submitItem(t, e, clock, "worker-1", "first take", 60)

	// A second submitted submission for the same item, as a concurrent
	// review queue would see after a requeue race.
	nowStr := fmtTime(clock.t)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	rival := domain.Lease{ID: uuid.New().String(), WorkItemID: item.ID, WorkerID: "worker-2", CreatedAt: nowStr, ReleasedAt: &nowStr}
	if err := e.Repo.InsertLease(ctx, tx, rival); err != nil {
		t.Fatal(err)
	}
	second := domain.Submission{
		ID: uuid.New().String(), LeaseID: rival.ID, WorkItemID: item.ID, WorkerID: "worker-2",
		Text: "second take", SubmittedAt: &nowStr, CreatedAt: nowStr, UpdatedAt: nowStr,
	}
	if err := e.Repo.InsertSubmission(ctx, tx, second); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Decide(ctx, DecideOptions{SubmissionID: first.ID, ReviewerID: "reviewer-1", Decision: domain.DecisionApproved}); err != nil {
		t.Fatal(err)
	}
	_, err = e.Decide(ctx, DecideOptions{SubmissionID: second.ID, ReviewerID: "reviewer-2", Decision: domain.DecisionApproved})
	if !errors.Is(err, ErrAlreadyApproved) {
		t.Fatalf("err = %v, want ErrAlreadyApproved", err)
	}
	// Only one payment landed.
	if w, _ := e.Balance(ctx, "worker-1"); w.TotalEarningsCents != 120 {
		t.Fatalf("worker-1 balance = %d, want 120", w.TotalEarningsCents)
	}
	if w, _ := e.Balance(ctx, "worker-2"); w.TotalEarningsCents != 0 {
		t.Fatalf("worker-2 balance = %d, want 0", w.TotalEarningsCents)
	}
}

func TestRevertUndoesApprovalWithCompensatingEntry(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	item, sub := submitItem(t, e, clock, "worker-1", "text", 90)

	if _, err := e.Decide(ctx, DecideOptions{SubmissionID: sub.ID, ReviewerID: "reviewer-1", Decision: domain.DecisionApproved}); err != nil {
		t.Fatal(err)
	}
	clock.advance(time.Hour)
	if err := e.Revert(ctx, item.ID, "admin-1"); err != nil {
		t.Fatalf("revert: %v", err)
	}

	got, err := e.Repo.GetWorkItem(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusSubmitted {
		t.Fatalf("item status = %s, want submitted", got.Status)
	}
	if got.ApprovedSubmissionID != nil {
		t.Fatalf("approval pointer still set: %s", *got.ApprovedSubmissionID)
	}
	if _, err := e.Repo.GetReviewBySubmission(ctx, sub.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("review lookup err = %v, want ErrNotFound", err)
	}

	// The original payment stays; a compensating entry cancels it.
	entries, err := e.Repo.ListLedgerEntries(ctx, "worker-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("ledger has %d entries, want payment + reversal", len(entries))
	}
	reversal := entries[0]
	if reversal.DeltaCents != -240 {
		t.Fatalf("reversal delta = %d, want -240", reversal.DeltaCents)
	}
	if reversal.RelatedPaymentID == nil {
		t.Fatal("reversal has no related_payment_id")
	}
	w, err := e.Balance(ctx, "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if w.TotalEarningsCents != 0 {
		t.Fatalf("balance = %d, want 0 after revert", w.TotalEarningsCents)
	}

	// Revert is not repeatable.
	if err := e.Revert(ctx, item.ID, "admin-1"); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("second revert err = %v, want ErrNotApproved", err)
	}

	// The submission is decidable again and pays again.
	if _, err := e.Decide(ctx, DecideOptions{SubmissionID: sub.ID, ReviewerID: "reviewer-2", Decision: domain.DecisionApproved}); err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	w, err = e.Balance(ctx, "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if w.TotalEarningsCents != 240 {
		t.Fatalf("balance = %d, want 240 after re-approval", w.TotalEarningsCents)
	}
}

func TestRevertUnapprovedItem(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	item, _ := submitItem(t, e, clock, "worker-1", "text", 60)
	if err := e.Revert(ctx, item.ID, "admin-1"); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("err = %v, want ErrNotApproved", err)
	}
}

func TestDecideUnknownDecision(t *testing.T) {
	e, clock := newTestEngine(t)
	_, sub := submitItem(t, e, clock, "worker-1", "text", 60)
	if _, err := e.Decide(context.Background(), DecideOptions{SubmissionID: sub.ID, ReviewerID: "reviewer-1", Decision: "maybe"}); err == nil {
		t.Fatal("unknown decision accepted")
	}
}

func TestDecideDraftNotReviewable(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	seedItem(t, e, 60)
	lease, err := e.Claim(ctx, "worker-1", "", "")
	if err != nil {
		t.Fatal(err)
	}
	draft, err := e.SaveDraft(ctx, lease.ID, "worker-1", "work in progress")
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Decide(ctx, DecideOptions{SubmissionID: draft.ID, ReviewerID: "reviewer-1", Decision: domain.DecisionApproved})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListPendingSkipsDecidedAndApproved(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()

	_, pendingSub := submitItem(t, e, clock, "worker-1", "awaiting", 60)
	_, approvedSub := submitItem(t, e, clock, "worker-2", "done", 60)
	if _, err := e.Decide(ctx, DecideOptions{SubmissionID: approvedSub.ID, ReviewerID: "reviewer-1", Decision: domain.DecisionApproved}); err != nil {
		t.Fatal(err)
	}

	pending, err := e.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Submission.ID != pendingSub.ID {
		t.Fatalf("pending = %v, want only the undecided submission", pending)
	}
}

func TestListPendingTieBreaksEqualSubmitTimesOnID(t *testing.T) {
	e, clock := newTestEngine(t)
	ctx := context.Background()
	item, first := submitItem(t, e, clock, "worker-1", "first take", 60)

	// A rival submission landing within the same RFC3339 second: the
	// queue must still surface exactly one candidate per item.
	nowStr := fmtTime(clock.t)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	rival := domain.Lease{ID: uuid.New().String(), WorkItemID: item.ID, WorkerID: "worker-2", CreatedAt: nowStr, ReleasedAt: &nowStr}
	if err := e.Repo.InsertLease(ctx, tx, rival); err != nil {
		t.Fatal(err)
	}
	second := domain.Submission{
		ID: uuid.New().String(), LeaseID: rival.ID, WorkItemID: item.ID, WorkerID: "worker-2",
		Text: "second take", SubmittedAt: &nowStr, CreatedAt: nowStr, UpdatedAt: nowStr,
	}
	if err := e.Repo.InsertSubmission(ctx, tx, second); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if first.SubmittedAt == nil || *first.SubmittedAt != nowStr {
		t.Fatalf("submitted_at mismatch: %v vs %s", first.SubmittedAt, nowStr)
	}

	want := first.ID
	if second.ID < want {
		want = second.ID
	}
	pending, err := e.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending rows for one item, want 1", len(pending))
	}
	if pending[0].Submission.ID != want {
		t.Fatalf("pending = %s, want deterministic winner %s", pending[0].Submission.ID, want)
	}
}
