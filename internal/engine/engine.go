package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"scribepool/internal/config"
	"scribepool/internal/domain"
	"scribepool/internal/engine/rates"
	"scribepool/internal/events"
	"scribepool/internal/repo"
)

// TextImprover is the advisory AI assist collaborator. Failures never
// fail the calling operation.
type TextImprover interface {
	Improve(ctx context.Context, text string) (string, error)
}

// URLSigner turns a storage ref into a short-lived read URL. Best effort:
// errors degrade to an empty URL.
type URLSigner interface {
	SignedReadURL(ctx context.Context, storageRef string) (string, error)
}

// Engine owns the lease state machine, the submission flow, the review
// gate, compensation, and the reconcile sweeps. Every multi-row mutation
// runs in one transaction that re-reads the contended row immediately
// before writing it.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Rates    rates.Resolver
	Improver TextImprover
	Signer   URLSigner
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Config: cfg,
		Rates:  rates.StoreResolver{Repo: r},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// leaseExpired reports whether the lease's expiry has passed as of now.
func leaseExpired(l domain.Lease, now time.Time) bool {
	if l.ExpiresAt == nil {
		return false
	}
	return !parseTime(*l.ExpiresAt).After(now)
}

// Claim hands the worker a lease on one available item. With an explicit
// item id that item must still be available; otherwise the oldest
// available item wins, optionally restricted to a pool.
func (e Engine) Claim(ctx context.Context, workerID, pool, explicitItemID string) (domain.Lease, error) {
	if workerID == "" {
		return domain.Lease{}, errors.New("worker required")
	}
	now := e.now().UTC()
	nowStr := fmtTime(now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lease{}, err
	}
	defer tx.Rollback()

	open, err := e.Repo.CountOpenLeases(ctx, tx, workerID, nowStr)
	if err != nil {
		return domain.Lease{}, err
	}
	if open >= e.Config.Leases.MaxActiveLeases {
		return domain.Lease{}, ErrNoCapacity
	}

	// Cooldown counts from the worker's most recent claim on any item.
	if cooldown := e.Config.Leases.ClaimCooldownSeconds; cooldown > 0 {
		last, err := e.Repo.LastLeaseCreatedAt(ctx, tx, workerID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.Lease{}, err
		}
		if err == nil {
			elapsed := now.Sub(parseTime(last))
			if wait := time.Duration(cooldown)*time.Second - elapsed; wait > 0 {
				retry := int(wait / time.Second)
				if wait%time.Second != 0 {
					retry++
				}
				return domain.Lease{}, CooldownError{RetryAfterSeconds: retry}
			}
		}
	}

	var item domain.WorkItem
	if explicitItemID != "" {
		item, err = e.Repo.GetWorkItemTx(ctx, tx, explicitItemID)
		if err != nil {
			return domain.Lease{}, err
		}
		if pool != "" && item.Pool != pool {
			return domain.Lease{}, ErrItemNotAvailable
		}
		switch item.Status {
		case domain.StatusAvailable:
		case domain.StatusUnderReview:
			// Edit-requested items are re-claimable, but only by the
			// worker whose submission the reviewer sent back.
			latest, err := e.Repo.LatestSubmittedTx(ctx, tx, item.ID)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return domain.Lease{}, ErrItemNotAvailable
				}
				return domain.Lease{}, err
			}
			if latest.WorkerID != workerID {
				return domain.Lease{}, ErrItemNotAvailable
			}
		default:
			return domain.Lease{}, ErrItemNotAvailable
		}
	} else {
		item, err = e.Repo.OldestAvailable(ctx, tx, pool)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Lease{}, ErrNoItemsAvailable
		}
		if err != nil {
			return domain.Lease{}, err
		}
	}

	// Final re-check before mutation: a concurrent claimant may have won
	// between selection and here.
	assigned, err := e.Repo.MarkAssigned(ctx, tx, item.ID, item.Status)
	if err != nil {
		return domain.Lease{}, err
	}
	if !assigned {
		return domain.Lease{}, ErrItemNotAvailable
	}

	lease := domain.Lease{
		ID:         uuid.New().String(),
		WorkItemID: item.ID,
		WorkerID:   workerID,
		CreatedAt:  nowStr,
	}
	if minutes := e.Config.Leases.LeaseMinutes; minutes >= 0 {
		exp := fmtTime(now.Add(time.Duration(minutes) * time.Minute))
		lease.ExpiresAt = &exp
	}
	if err := e.Repo.InsertLease(ctx, tx, lease); err != nil {
		return domain.Lease{}, err
	}
	if err := e.Events.Append(ctx, tx, "lease.claimed", "lease", lease.ID, workerID, events.EventPayload{
		"work_item_id": item.ID,
		"expires_at":   lease.ExpiresAt,
	}); err != nil {
		return domain.Lease{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lease{}, err
	}
	return lease, nil
}

// Release closes a lease. Releasing an already-released lease is a no-op
// success. The item reopens only when it was still assigned and has no
// approval pointer; a submitted item is never reopened by release.
func (e Engine) Release(ctx context.Context, leaseID, workerID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lease, err := e.Repo.GetLeaseTx(ctx, tx, leaseID)
	if err != nil {
		return err
	}
	if lease.WorkerID != workerID {
		return ErrLeaseNotOwned
	}
	if !lease.Open() {
		return nil
	}
	nowStr := fmtTime(e.now())
	if _, err := e.Repo.CloseLease(ctx, tx, lease.ID, nowStr); err != nil {
		return err
	}
	if err := e.reopenIfAbandoned(ctx, tx, lease.WorkItemID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "lease.released", "lease", lease.ID, workerID, events.EventPayload{
		"work_item_id": lease.WorkItemID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// reopenIfAbandoned reverts an item after its lease closed without a
// submission: back to available, or back to under_review when the lease
// was a re-claim on an edit-requested item.
func (e Engine) reopenIfAbandoned(ctx context.Context, tx *sql.Tx, itemID string) error {
	item, err := e.Repo.GetWorkItemTx(ctx, tx, itemID)
	if err != nil {
		return err
	}
	if item.ApprovedSubmissionID != nil || item.Status != domain.StatusAssigned {
		return nil
	}
	reopenTo := domain.StatusAvailable
	if latest, err := e.Repo.LatestSubmittedTx(ctx, tx, item.ID); err == nil {
		review, err := e.Repo.GetReviewBySubmissionTx(ctx, tx, latest.ID)
		if err == nil && review.Decision == domain.DecisionEditRequested {
			reopenTo = domain.StatusUnderReview
		} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return e.Repo.SetItemStatus(ctx, tx, item.ID, reopenTo)
}

// ExpireStale lazily releases leases whose expiry has passed, up to
// limit, reopening abandoned items. Safe to run repeatedly.
func (e Engine) ExpireStale(ctx context.Context, limit int) (int, error) {
	now := e.now().UTC()
	nowStr := fmtTime(now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stale, err := e.Repo.StaleLeases(ctx, tx, nowStr, limit)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, l := range stale {
		closed, err := e.Repo.CloseLease(ctx, tx, l.ID, nowStr)
		if err != nil {
			return 0, err
		}
		if !closed {
			continue
		}
		if err := e.reopenIfAbandoned(ctx, tx, l.WorkItemID); err != nil {
			return 0, err
		}
		if err := e.Events.Append(ctx, tx, "lease.expired", "lease", l.ID, "system", events.EventPayload{
			"work_item_id": l.WorkItemID,
			"expired_at":   l.ExpiresAt,
		}); err != nil {
			return 0, err
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// SaveDraft upserts the single open draft on a lease. Expiry is enforced
// at Submit, not here, so late draft saves are not lost.
func (e Engine) SaveDraft(ctx context.Context, leaseID, workerID, text string) (domain.Submission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()

	lease, err := e.Repo.GetLeaseTx(ctx, tx, leaseID)
	if err != nil {
		return domain.Submission{}, err
	}
	if lease.WorkerID != workerID {
		return domain.Submission{}, ErrLeaseNotOwned
	}
	if !lease.Open() {
		return domain.Submission{}, ErrLeaseExpired
	}

	nowStr := fmtTime(e.now())
	draft, err := e.Repo.DraftForLease(ctx, tx, lease.ID)
	if errors.Is(err, repo.ErrNotFound) {
		draft = domain.Submission{
			ID:         uuid.New().String(),
			LeaseID:    lease.ID,
			WorkItemID: lease.WorkItemID,
			WorkerID:   workerID,
			Text:       text,
			CreatedAt:  nowStr,
			UpdatedAt:  nowStr,
		}
		if err := e.Repo.InsertSubmission(ctx, tx, draft); err != nil {
			return domain.Submission{}, err
		}
	} else if err != nil {
		return domain.Submission{}, err
	} else {
		if err := e.Repo.UpdateDraftText(ctx, tx, draft.ID, text, nowStr); err != nil {
			return domain.Submission{}, err
		}
		draft.Text = text
		draft.UpdatedAt = nowStr
	}
	if err := e.Events.Append(ctx, tx, "draft.saved", "submission", draft.ID, workerID, events.EventPayload{
		"work_item_id": lease.WorkItemID,
	}); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}
	return draft, nil
}

// Submit freezes the worker's text against the lease: submission gets
// submitted_at, the item moves to submitted, and the lease closes, all in
// one transaction. An expired or already-closed lease means re-claim.
func (e Engine) Submit(ctx context.Context, leaseID, workerID, text string) (domain.Submission, error) {
	lease, err := e.Repo.GetLease(ctx, leaseID)
	if err != nil {
		return domain.Submission{}, err
	}
	if lease.WorkerID != workerID {
		return domain.Submission{}, ErrLeaseNotOwned
	}
	now := e.now().UTC()
	if !lease.Open() || leaseExpired(lease, now) {
		return domain.Submission{}, ErrLeaseExpired
	}

	// Advisory AI pass runs outside the transaction; a failure or empty
	// result just means no suggestion.
	var suggestion *string
	if e.Improver != nil {
		if improved, err := e.Improver.Improve(ctx, text); err == nil && improved != "" && improved != text {
			suggestion = &improved
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()

	// Re-verify under the transaction; the sweep may have closed the
	// lease since the pre-check.
	lease, err = e.Repo.GetLeaseTx(ctx, tx, leaseID)
	if err != nil {
		return domain.Submission{}, err
	}
	if lease.WorkerID != workerID {
		return domain.Submission{}, ErrLeaseNotOwned
	}
	if !lease.Open() || leaseExpired(lease, now) {
		return domain.Submission{}, ErrLeaseExpired
	}

	nowStr := fmtTime(now)
	sub, err := e.Repo.DraftForLease(ctx, tx, lease.ID)
	if errors.Is(err, repo.ErrNotFound) {
		sub = domain.Submission{
			ID:         uuid.New().String(),
			LeaseID:    lease.ID,
			WorkItemID: lease.WorkItemID,
			WorkerID:   workerID,
			CreatedAt:  nowStr,
		}
		sub.Text = text
		sub.AISuggestion = suggestion
		sub.SubmittedAt = &nowStr
		sub.UpdatedAt = nowStr
		if err := e.Repo.InsertSubmission(ctx, tx, sub); err != nil {
			return domain.Submission{}, err
		}
	} else if err != nil {
		return domain.Submission{}, err
	} else {
		if err := e.Repo.FreezeSubmission(ctx, tx, sub.ID, text, suggestion, nowStr); err != nil {
			return domain.Submission{}, err
		}
		sub.Text = text
		sub.AISuggestion = suggestion
		sub.SubmittedAt = &nowStr
		sub.UpdatedAt = nowStr
	}

	if err := e.Repo.SetItemStatus(ctx, tx, lease.WorkItemID, domain.StatusSubmitted); err != nil {
		return domain.Submission{}, err
	}
	if _, err := e.Repo.CloseLease(ctx, tx, lease.ID, nowStr); err != nil {
		return domain.Submission{}, err
	}
	if err := e.Events.Append(ctx, tx, "submission.submitted", "submission", sub.ID, workerID, events.EventPayload{
		"work_item_id": lease.WorkItemID,
		"lease_id":     lease.ID,
	}); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}
	return sub, nil
}

// WorkItemCreateOptions are ingestion parameters for a new audio unit.
type WorkItemCreateOptions struct {
	ID              string
	Pool            string
	StorageRef      string
	DurationSeconds int
	ActorID         string
}

// CreateWorkItem ingests one audio unit as available work.
func (e Engine) CreateWorkItem(ctx context.Context, opts WorkItemCreateOptions) (domain.WorkItem, error) {
	if opts.DurationSeconds <= 0 {
		return domain.WorkItem{}, fmt.Errorf("duration_seconds must be positive")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	ordinal, err := e.Repo.NextOrdinal(ctx, tx)
	if err != nil {
		return domain.WorkItem{}, err
	}
	item := domain.WorkItem{
		ID:              id,
		Pool:            opts.Pool,
		StorageRef:      opts.StorageRef,
		DurationSeconds: opts.DurationSeconds,
		Status:          domain.StatusAvailable,
		Ordinal:         ordinal,
		CreatedAt:       fmtTime(e.now()),
	}
	if err := e.Repo.InsertWorkItemTx(ctx, tx, item); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Events.Append(ctx, tx, "work_item.created", "work_item", item.ID, opts.ActorID, events.EventPayload{
		"pool":             item.Pool,
		"duration_seconds": item.DurationSeconds,
	}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return item, nil
}

// ListAvailable sweeps a bounded batch of stale leases first, so the
// listing reflects expiries discovered lazily, then returns claimable
// items. The list can still be slightly stale by design.
func (e Engine) ListAvailable(ctx context.Context, pool string) ([]domain.WorkItem, error) {
	if _, err := e.ExpireStale(ctx, 100); err != nil {
		return nil, err
	}
	return e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{Pool: pool, Status: domain.StatusAvailable})
}

// WorkEntry is one row of a worker's "my work" view.
type WorkEntry struct {
	Item       domain.WorkItem    `json:"item"`
	Lease      *domain.Lease      `json:"lease,omitempty"`
	Submission *domain.Submission `json:"submission,omitempty"`
	AudioURL   string             `json:"audio_url,omitempty"`
}

// WorkerItems lists the worker's in-flight work: open leases plus items
// routed back through review (submitted, under_review). Edit requests
// reach the worker here, not through a new lease.
func (e Engine) WorkerItems(ctx context.Context, workerID string) ([]WorkEntry, error) {
	now := e.now().UTC()
	var entries []WorkEntry
	seen := map[string]bool{}

	leases, err := e.Repo.ListWorkerLeases(ctx, workerID, true)
	if err != nil {
		return nil, err
	}
	for _, l := range leases {
		if leaseExpired(l, now) {
			continue
		}
		item, err := e.Repo.GetWorkItem(ctx, l.WorkItemID)
		if err != nil {
			return nil, err
		}
		lease := l
		entries = append(entries, WorkEntry{Item: item, Lease: &lease, AudioURL: e.signedURL(ctx, item.StorageRef)})
		seen[item.ID] = true
	}

	subs, err := e.Repo.ListWorkerSubmissions(ctx, workerID)
	if err != nil {
		return nil, err
	}
	for _, s := range subs {
		if s.SubmittedAt == nil || seen[s.WorkItemID] {
			continue
		}
		item, err := e.Repo.GetWorkItem(ctx, s.WorkItemID)
		if err != nil {
			return nil, err
		}
		if item.Status != domain.StatusSubmitted && item.Status != domain.StatusUnderReview {
			continue
		}
		sub := s
		entries = append(entries, WorkEntry{Item: item, Submission: &sub, AudioURL: e.signedURL(ctx, item.StorageRef)})
		seen[item.ID] = true
	}
	return entries, nil
}

// signedURL degrades to empty on any signer failure.
func (e Engine) signedURL(ctx context.Context, storageRef string) string {
	if e.Signer == nil || storageRef == "" {
		return ""
	}
	url, err := e.Signer.SignedReadURL(ctx, storageRef)
	if err != nil {
		return ""
	}
	return url
}

// Balance returns the cached balance; a worker with no ledger history yet
// reads as zero.
func (e Engine) Balance(ctx context.Context, workerID string) (domain.Worker, error) {
	w, err := e.Repo.GetWorker(ctx, workerID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Worker{ID: workerID}, nil
	}
	return w, err
}
