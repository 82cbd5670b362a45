package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// AdminToken is a service credential for the admin and read APIs.
// The raw token is never stored; TokenHash holds its argon2id hash.
type AdminToken struct {
	ID          uuid.UUID      `db:"id"`
	ServiceName string         `db:"service_name"`
	TokenHash   string         `db:"token_hash"`
	Roles       pq.StringArray `db:"roles"` // admin, viewer, system
	Enabled     bool           `db:"enabled"`
	ExpiresAt   *time.Time     `db:"expires_at"`
	LastUsedAt  *time.Time     `db:"last_used_at"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// HasRole checks if the token has a specific role
func (t *AdminToken) HasRole(role string) bool {
	for _, r := range t.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsExpired checks if the token has expired
func (t *AdminToken) IsExpired() bool {
	if t.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*t.ExpiresAt)
}

// IsValid checks if the token is enabled and not expired
func (t *AdminToken) IsValid() bool {
	return t.Enabled && !t.IsExpired()
}
