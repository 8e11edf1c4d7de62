package app

import "errors"

var (
	// ErrGroupNotOpen covers joins against groups that already completed or
	// expired before this attempt.
	ErrGroupNotOpen = errors.New("group is not open")

	// ErrGroupExpired is returned when a join attempt finds the deadline
	// passed; the group is flipped to expired as a side effect.
	ErrGroupExpired = errors.New("group has expired")

	// ErrContention is returned after the optimistic retry budget is
	// exhausted. Callers must treat it as retryable.
	ErrContention = errors.New("too much contention on group; retry")

	ErrInvalidAmount        = errors.New("amount must be greater than zero")
	ErrInvalidTarget        = errors.New("target participants must be at least 2")
	ErrInvalidExpiry        = errors.New("expiry must be in the future")
	ErrInvalidRefundAmount  = errors.New("refund amount exceeds payment amount or is not positive")
	ErrPaymentNotRefundable = errors.New("payment is not in a refundable state")

	// ErrInvalidSignature means webhook authentication failed; no state was
	// touched.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrMalformedPayload means the webhook body could not be interpreted.
	ErrMalformedPayload = errors.New("malformed webhook payload")

	// ErrRateLimited is returned when the join rate limiter rejects the
	// caller.
	ErrRateLimited = errors.New("rate limit exceeded")
)
