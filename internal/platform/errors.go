package platform

import "errors"

var (
	// ErrUnavailable means the platform kept failing with a retryable status
	// (429, 5xx) or a transport error until retries ran out.
	ErrUnavailable = errors.New("subscription platform unavailable")

	// ErrNotFound means the customer has no active subscription.
	ErrNotFound = errors.New("no active subscription")

	// ErrRejected means the platform refused the request with a non-retryable status.
	ErrRejected = errors.New("subscription platform rejected request")
)
