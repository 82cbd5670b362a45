package ledger

import (
	"errors"

	"pollen_ledger/internal/storage"
)

var (
	// ErrUserNotFound is returned when no ledger row exists
	ErrUserNotFound = storage.ErrUserNotFound

	// ErrInvalidAmount is returned for non-positive credits or negative sets
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInsufficientBalance is returned when a debit would drive a bucket below zero
	ErrInsufficientBalance = storage.ErrInsufficientBalance

	// ErrInvalidBucket is returned when an event targets a bucket that cannot be credited
	ErrInvalidBucket = errors.New("bucket cannot be credited")
)
