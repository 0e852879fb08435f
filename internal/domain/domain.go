package domain

// Work item statuses. Stored denormalized; the reconcile sweep heals drift.
const (
	StatusAvailable   = "available"
	StatusAssigned    = "assigned"
	StatusSubmitted   = "submitted"
	StatusUnderReview = "under_review"
	StatusApproved    = "approved"
	StatusRejected    = "rejected"
	StatusFailed      = "failed"
)

// Review decisions.
const (
	DecisionApproved      = "approved"
	DecisionRejected      = "rejected"
	DecisionEditRequested = "edit_requested"
)

// Actor roles carried on tokens and API keys.
const (
	RoleWorker   = "worker"
	RoleReviewer = "reviewer"
	RoleAdmin    = "admin"
)

// WorkItem is one indivisible audio segment to transcribe.
// DurationSeconds is fixed at ingestion and determines pay.
type WorkItem struct {
	ID                   string  `json:"id"`
	Pool                 string  `json:"pool,omitempty"`
	StorageRef           string  `json:"storage_ref,omitempty"`
	DurationSeconds      int     `json:"duration_seconds"`
	Status               string  `json:"status" enum:"available,assigned,submitted,under_review,approved,rejected,failed"`
	ApprovedSubmissionID *string `json:"approved_submission_id,omitempty"`
	Ordinal              int     `json:"ordinal"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
}

// Lease grants one worker exclusive submission rights on a work item.
// A nil ExpiresAt never expires; a nil ReleasedAt is still open.
type Lease struct {
	ID         string  `json:"id"`
	WorkItemID string  `json:"work_item_id"`
	WorkerID   string  `json:"worker_id"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	ExpiresAt  *string `json:"expires_at,omitempty" format:"date-time"`
	ReleasedAt *string `json:"released_at,omitempty" format:"date-time"`
}

// Open reports whether the lease has not been released.
func (l Lease) Open() bool { return l.ReleasedAt == nil }

// Submission is transcript text tied to a lease. A nil SubmittedAt means
// it is still an editable draft.
type Submission struct {
	ID           string  `json:"id"`
	LeaseID      string  `json:"lease_id"`
	WorkItemID   string  `json:"work_item_id"`
	WorkerID     string  `json:"worker_id"`
	Text         string  `json:"text"`
	AISuggestion *string `json:"ai_suggestion,omitempty"`
	SubmittedAt  *string `json:"submitted_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

// Review is a reviewer's write-once decision on a submission. The
// duration snapshot keeps the billed length auditable even if the item
// row later changes. Deleted only by an administrative revert.
type Review struct {
	ID                      string `json:"id"`
	SubmissionID            string `json:"submission_id"`
	ReviewerID              string `json:"reviewer_id"`
	Decision                string `json:"decision" enum:"approved,rejected,edit_requested"`
	Comments                string `json:"comments,omitempty"`
	ApprovedDurationSeconds int    `json:"approved_duration_seconds"`
	CreatedAt               string `json:"created_at" format:"date-time"`
}

// LedgerEntry is one signed monetary delta. The ledger is append-only and
// is the sole source of truth for worker balances.
type LedgerEntry struct {
	ID               string  `json:"id"`
	WorkerID         string  `json:"worker_id"`
	DeltaCents       int64   `json:"delta_cents"`
	Description      string  `json:"description"`
	WorkItemID       *string `json:"work_item_id,omitempty"`
	RelatedPaymentID *string `json:"related_payment_id,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

// Worker carries the cached running balance. The cache must equal the
// ledger sum; the balance reconcile overwrites it when it does not.
type Worker struct {
	ID                 string `json:"id"`
	TotalEarningsCents int64  `json:"total_earnings_cents"`
	CreatedAt          string `json:"created_at" format:"date-time"`
}

// RatePlan is a per-minute compensation rate. At most one plan is active.
type RatePlan struct {
	ID                 string `json:"id"`
	RatePerMinuteCents int64  `json:"rate_per_minute_cents"`
	Currency           string `json:"currency"`
	Active             bool   `json:"active"`
	CreatedAt          string `json:"created_at" format:"date-time"`
}

// Event is an audit log row appended inside mutating transactions.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates non-interactive callers. Only the hash is stored.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role" enum:"worker,reviewer,admin"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
