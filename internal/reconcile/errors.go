package reconcile

import "errors"

// ErrNotConfirmed is returned by ApplyRepairs without confirmation.
var ErrNotConfirmed = errors.New("repairs not confirmed")
