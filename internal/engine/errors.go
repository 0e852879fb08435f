package engine

import (
	"errors"
	"fmt"
)

// Capacity and timing errors: expected, user-facing, retryable.
var (
	ErrNoCapacity       = errors.New("too many active leases")
	ErrNoItemsAvailable = errors.New("no work items available")
)

// CooldownError tells the worker how long to wait before claiming again.
type CooldownError struct {
	RetryAfterSeconds int
}

func (e CooldownError) Error() string {
	return fmt.Sprintf("claim cooldown active; retry in %ds", e.RetryAfterSeconds)
}

// Race losses: callers should refresh state rather than retry blindly.
var (
	ErrItemNotAvailable = errors.New("work item no longer available")
	ErrAlreadyApproved  = errors.New("work item already approved")
	ErrAlreadyReviewed  = errors.New("submission already reviewed")
)

// Lease validity: the caller must re-claim before retrying.
var (
	ErrLeaseExpired  = errors.New("lease expired; re-claim the work item")
	ErrLeaseNotOwned = errors.New("lease owned by a different worker")
)

// State errors on administrative operations.
var (
	ErrNotApproved = errors.New("work item is not approved")
	ErrNotRejected = errors.New("work item is not rejected")
)
