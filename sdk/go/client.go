package scribepoolsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Scribepool HTTP API client. Authenticate with
// either a bearer token (JWT) or an API key; BearerToken wins when both
// are set.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// WorkItem is one audio unit of transcription work.
type WorkItem struct {
	ID                   string  `json:"id"`
	Pool                 string  `json:"pool,omitempty"`
	StorageRef           string  `json:"storage_ref,omitempty"`
	DurationSeconds      int     `json:"duration_seconds"`
	Status               string  `json:"status"`
	ApprovedSubmissionID *string `json:"approved_submission_id,omitempty"`
	CreatedAt            string  `json:"created_at"`
}

// Lease is a worker's time-limited hold on a work item.
type Lease struct {
	ID         string  `json:"id"`
	WorkItemID string  `json:"work_item_id"`
	WorkerID   string  `json:"worker_id"`
	CreatedAt  string  `json:"created_at"`
	ExpiresAt  *string `json:"expires_at,omitempty"`
	ReleasedAt *string `json:"released_at,omitempty"`
}

// Submission is a transcript, draft or submitted.
type Submission struct {
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

// Review is a reviewer's decision on a submission.
type Review struct {
	ID                      string `json:"id"`
	SubmissionID            string `json:"submission_id"`
	ReviewerID              string `json:"reviewer_id"`
	Decision                string `json:"decision"`
	Comments                string `json:"comments,omitempty"`
	ApprovedDurationSeconds int    `json:"approved_duration_seconds,omitempty"`
	CreatedAt               string `json:"created_at"`
}

// PendingReview pairs a submission with its work item for the queue.
type PendingReview struct {
	Submission Submission `json:"submission"`
	Item       WorkItem   `json:"item"`
	AudioURL   string     `json:"audio_url,omitempty"`
}

// WorkEntry is one row of a worker's active work.
type WorkEntry struct {
	Item       WorkItem    `json:"item"`
	Lease      *Lease      `json:"lease,omitempty"`
	Submission *Submission `json:"submission,omitempty"`
	AudioURL   string      `json:"audio_url,omitempty"`
}

// Balance is a worker's cached lifetime earnings.
type Balance struct {
	WorkerID           string `json:"worker_id"`
	TotalEarningsCents int64  `json:"total_earnings_cents"`
}

// LedgerEntry is one append-only compensation record.
type LedgerEntry struct {
	ID               string  `json:"id"`
	WorkerID         string  `json:"worker_id"`
	DeltaCents       int64   `json:"delta_cents"`
	Description      string  `json:"description"`
	WorkItemID       *string `json:"work_item_id,omitempty"`
	RelatedPaymentID *string `json:"related_payment_id,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

// APIError wraps non-2xx responses. Code carries the machine-readable
// error code from the response envelope when one was present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateWorkItem ingests a work item. Admin only.
func (c *Client) CreateWorkItem(ctx context.Context, pool, storageRef string, durationSeconds int) (WorkItem, error) {
	body := map[string]any{
		"pool":             pool,
		"storage_ref":      storageRef,
		"duration_seconds": durationSeconds,
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "items", body, &resp)
	return resp, err
}

// AvailableItems lists claimable items, optionally scoped to a pool.
func (c *Client) AvailableItems(ctx context.Context, pool string) ([]WorkItem, error) {
	endpoint := "items/available"
	if pool != "" {
		endpoint += "?pool=" + url.QueryEscape(pool)
	}
	var resp []WorkItem
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Claim takes a lease on the oldest available item, or on a specific one
// when workItemID is set.
func (c *Client) Claim(ctx context.Context, pool, workItemID string) (Lease, error) {
	body := map[string]any{}
	if pool != "" {
		body["pool"] = pool
	}
	if workItemID != "" {
		body["work_item_id"] = workItemID
	}
	var resp Lease
	err := c.do(ctx, http.MethodPost, "claims", body, &resp)
	return resp, err
}

// Release gives a lease back without submitting.
func (c *Client) Release(ctx context.Context, leaseID string) error {
	endpoint := fmt.Sprintf("leases/%s/release", url.PathEscape(leaseID))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// SaveDraft upserts the draft transcript on a lease.
func (c *Client) SaveDraft(ctx context.Context, leaseID, text string) (Submission, error) {
	endpoint := fmt.Sprintf("leases/%s/draft", url.PathEscape(leaseID))
	var resp Submission
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"text": text}, &resp)
	return resp, err
}

// Submit freezes the transcript and sends it to review.
func (c *Client) Submit(ctx context.Context, leaseID, text string) (Submission, error) {
	endpoint := fmt.Sprintf("leases/%s/submit", url.PathEscape(leaseID))
	var resp Submission
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"text": text}, &resp)
	return resp, err
}

// MyWork returns the caller's open leases and submissions in review.
func (c *Client) MyWork(ctx context.Context) ([]WorkEntry, error) {
	var resp []WorkEntry
	err := c.do(ctx, http.MethodGet, "work", nil, &resp)
	return resp, err
}

// PendingReviews returns submissions awaiting a decision. Reviewer only.
func (c *Client) PendingReviews(ctx context.Context) ([]PendingReview, error) {
	var resp []PendingReview
	err := c.do(ctx, http.MethodGet, "reviews/pending", nil, &resp)
	return resp, err
}

// Decide records approved, rejected, or edit_requested on a submission.
// finalText, when non-nil on approval, replaces the transcript of record.
func (c *Client) Decide(ctx context.Context, submissionID, decision, comments string, finalText *string) (Review, error) {
	body := map[string]any{
		"decision": decision,
	}
	if comments != "" {
		body["comments"] = comments
	}
	if finalText != nil {
		body["final_text"] = *finalText
	}
	endpoint := fmt.Sprintf("submissions/%s/decision", url.PathEscape(submissionID))
	var resp Review
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Balance returns a worker's cached lifetime earnings.
func (c *Client) Balance(ctx context.Context, workerID string) (Balance, error) {
	endpoint := fmt.Sprintf("workers/%s/balance", url.PathEscape(workerID))
	var resp Balance
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Ledger returns a worker's compensation entries, newest first.
func (c *Client) Ledger(ctx context.Context, workerID string) ([]LedgerEntry, error) {
	endpoint := fmt.Sprintf("workers/%s/ledger", url.PathEscape(workerID))
	var resp []LedgerEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SweepLeases expires stale leases server-side. Admin only.
func (c *Client) SweepLeases(ctx context.Context, limit int) (int, error) {
	endpoint := "maintenance/sweep-leases"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Expired int `json:"expired"`
	}
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.Expired, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
