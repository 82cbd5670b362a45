package webhook

import "errors"

var (
	// ErrSignatureInvalid means the request was not signed by the provider.
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrPayloadMalformed means the body is signed but cannot be understood.
	ErrPayloadMalformed = errors.New("webhook payload malformed")

	// ErrStale means the signed timestamp is outside the tolerance window.
	ErrStale = errors.New("webhook timestamp outside tolerance")

	// ErrNotConfigured means the provider secret is empty.
	ErrNotConfigured = errors.New("webhook secret not configured")
)
