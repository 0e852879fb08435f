package server

import (
	"scribepool/internal/domain"
	"scribepool/internal/engine"
)

type CreateWorkItemRequest struct {
	ID              *string `json:"id,omitempty"`
	Pool            string  `json:"pool,omitempty"`
	StorageRef      string  `json:"storage_ref,omitempty"`
	DurationSeconds int     `json:"duration_seconds"`
}

type ClaimRequest struct {
	Pool       string `json:"pool,omitempty"`
	WorkItemID string `json:"work_item_id,omitempty"`
}

type DraftRequest struct {
	Text string `json:"text"`
}

type SubmitRequest struct {
	Text string `json:"text"`
}

type DecisionRequest struct {
	Decision  string  `json:"decision" enum:"approved,rejected,edit_requested"`
	Comments  string  `json:"comments,omitempty"`
	FinalText *string `json:"final_text,omitempty"`
}

type CreateRatePlanRequest struct {
	ID                 *string `json:"id,omitempty"`
	RatePerMinuteCents int64   `json:"rate_per_minute_cents"`
	Currency           string  `json:"currency,omitempty"`
	Activate           bool    `json:"activate,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty" enum:"worker,reviewer,admin"`
	Name    string `json:"name,omitempty"`
}

type WorkItemResponse struct {
	ID                   string  `json:"id"`
	Pool                 string  `json:"pool,omitempty"`
	StorageRef           string  `json:"storage_ref,omitempty"`
	DurationSeconds      int     `json:"duration_seconds"`
	Status               string  `json:"status"`
	ApprovedSubmissionID *string `json:"approved_submission_id,omitempty"`
	CreatedAt            string  `json:"created_at"`
}

func workItemResponse(w domain.WorkItem) WorkItemResponse {
	return WorkItemResponse{
		ID:                   w.ID,
		Pool:                 w.Pool,
		StorageRef:           w.StorageRef,
		DurationSeconds:      w.DurationSeconds,
		Status:               w.Status,
		ApprovedSubmissionID: w.ApprovedSubmissionID,
		CreatedAt:            w.CreatedAt,
	}
}

func mapWorkItems(items []domain.WorkItem) []WorkItemResponse {
	out := make([]WorkItemResponse, 0, len(items))
	for _, w := range items {
		out = append(out, workItemResponse(w))
	}
	return out
}

type LeaseResponse struct {
	ID         string  `json:"id"`
	WorkItemID string  `json:"work_item_id"`
	WorkerID   string  `json:"worker_id"`
	CreatedAt  string  `json:"created_at"`
	ExpiresAt  *string `json:"expires_at,omitempty"`
	ReleasedAt *string `json:"released_at,omitempty"`
}

func leaseResponse(l domain.Lease) LeaseResponse {
	return LeaseResponse{
		ID:         l.ID,
		WorkItemID: l.WorkItemID,
		WorkerID:   l.WorkerID,
		CreatedAt:  l.CreatedAt,
		ExpiresAt:  l.ExpiresAt,
		ReleasedAt: l.ReleasedAt,
	}
}

type SubmissionResponse struct {
	ID           string  `json:"id"`
	LeaseID      string  `json:"lease_id"`
	WorkItemID   string  `json:"work_item_id"`
	WorkerID     string  `json:"worker_id"`
	Text         string  `json:"text"`
	AISuggestion *string `json:"ai_suggestion,omitempty"`
	SubmittedAt  *string `json:"submitted_at,omitempty"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`
}

func submissionResponse(s domain.Submission) SubmissionResponse {
	return SubmissionResponse{
		ID:           s.ID,
		LeaseID:      s.LeaseID,
		WorkItemID:   s.WorkItemID,
		WorkerID:     s.WorkerID,
		Text:         s.Text,
		AISuggestion: s.AISuggestion,
		SubmittedAt:  s.SubmittedAt,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

type ReviewResponse struct {
	ID                      string `json:"id"`
	SubmissionID            string `json:"submission_id"`
	ReviewerID              string `json:"reviewer_id"`
	Decision                string `json:"decision"`
	Comments                string `json:"comments,omitempty"`
	ApprovedDurationSeconds int    `json:"approved_duration_seconds,omitempty"`
	CreatedAt               string `json:"created_at"`
}

func reviewResponse(v domain.Review) ReviewResponse {
	return ReviewResponse{
		ID:                      v.ID,
		SubmissionID:            v.SubmissionID,
		ReviewerID:              v.ReviewerID,
		Decision:                v.Decision,
		Comments:                v.Comments,
		ApprovedDurationSeconds: v.ApprovedDurationSeconds,
		CreatedAt:               v.CreatedAt,
	}
}

type PendingReviewResponse struct {
	Submission SubmissionResponse `json:"submission"`
	Item       WorkItemResponse   `json:"item"`
	AudioURL   string             `json:"audio_url,omitempty"`
}

func mapPendingReviews(items []engine.ReviewCandidate) []PendingReviewResponse {
	out := make([]PendingReviewResponse, 0, len(items))
	for _, c := range items {
		out = append(out, PendingReviewResponse{
			Submission: submissionResponse(c.Submission),
			Item:       workItemResponse(c.Item),
			AudioURL:   c.AudioURL,
		})
	}
	return out
}

type WorkEntryResponse struct {
	Item       WorkItemResponse    `json:"item"`
	Lease      *LeaseResponse      `json:"lease,omitempty"`
	Submission *SubmissionResponse `json:"submission,omitempty"`
	AudioURL   string              `json:"audio_url,omitempty"`
}

func mapWorkEntries(entries []engine.WorkEntry) []WorkEntryResponse {
	out := make([]WorkEntryResponse, 0, len(entries))
	for _, entry := range entries {
		resp := WorkEntryResponse{Item: workItemResponse(entry.Item), AudioURL: entry.AudioURL}
		if entry.Lease != nil {
			l := leaseResponse(*entry.Lease)
			resp.Lease = &l
		}
		if entry.Submission != nil {
			s := submissionResponse(*entry.Submission)
			resp.Submission = &s
		}
		out = append(out, resp)
	}
	return out
}

type BalanceResponse struct {
	WorkerID           string `json:"worker_id"`
	TotalEarningsCents int64  `json:"total_earnings_cents"`
}

type LedgerEntryResponse struct {
	ID               string  `json:"id"`
	WorkerID         string  `json:"worker_id"`
	DeltaCents       int64   `json:"delta_cents"`
	Description      string  `json:"description"`
	WorkItemID       *string `json:"work_item_id,omitempty"`
	RelatedPaymentID *string `json:"related_payment_id,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

func mapLedgerEntries(entries []domain.LedgerEntry) []LedgerEntryResponse {
	out := make([]LedgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, LedgerEntryResponse{
			ID:               e.ID,
			WorkerID:         e.WorkerID,
			DeltaCents:       e.DeltaCents,
			Description:      e.Description,
			WorkItemID:       e.WorkItemID,
			RelatedPaymentID: e.RelatedPaymentID,
			CreatedAt:        e.CreatedAt,
		})
	}
	return out
}

type RatePlanResponse struct {
	ID                 string `json:"id"`
	RatePerMinuteCents int64  `json:"rate_per_minute_cents"`
	Currency           string `json:"currency"`
	Active             bool   `json:"active"`
	CreatedAt          string `json:"created_at"`
}

func ratePlanResponse(p domain.RatePlan) RatePlanResponse {
	return RatePlanResponse{
		ID:                 p.ID,
		RatePerMinuteCents: p.RatePerMinuteCents,
		Currency:           p.Currency,
		Active:             p.Active,
		CreatedAt:          p.CreatedAt,
	}
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	// Key is the plaintext key, present only in the create response.
	Key string `json:"key,omitempty"`
}
