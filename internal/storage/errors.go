package storage

import "errors"

var (
	// ErrUserNotFound is returned when no ledger row exists for a user
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists is returned when creating a ledger row that already exists
	ErrUserExists = errors.New("user already exists")

	// ErrInsufficientBalance is returned when a guarded debit would go below zero
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAdminTokenNotFound is returned when an admin token is not found
	ErrAdminTokenNotFound = errors.New("admin token not found")

	// ErrMarkerNotFound is returned when no idempotency marker exists for a key
	ErrMarkerNotFound = errors.New("idempotency marker not found")
)
