package tiers

import (
	"errors"

	"pollen_ledger/internal/storage"
)

var (
	// ErrUserNotFound is returned when a transition targets a missing user.
	ErrUserNotFound = storage.ErrUserNotFound

	// ErrInvalidTrigger is returned for a trigger other than system or operator.
	ErrInvalidTrigger = errors.New("invalid transition trigger")

	// ErrInvalidScore is returned for a negative or non-finite trust score.
	ErrInvalidScore = errors.New("invalid trust score")
)
