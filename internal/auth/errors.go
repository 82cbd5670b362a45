package auth

import "errors"

var (
	// ErrInvalidCredentials covers unknown services and wrong tokens alike
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrTokenDisabled is returned for disabled or expired service tokens
	ErrTokenDisabled = errors.New("service token disabled or expired")

	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid role")
)
