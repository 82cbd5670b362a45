package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"pollen_ledger/internal/models"
)

const adminTokenColumns = `id, service_name, token_hash, roles, enabled, expires_at, last_used_at, created_at, updated_at`

// AdminTokenRepository handles service token rows
type AdminTokenRepository struct {
	db *DB
}

// NewAdminTokenRepository creates a new admin token repository
func NewAdminTokenRepository(db *DB) *AdminTokenRepository {
	return &AdminTokenRepository{db: db}
}

// GetAdminTokenByServiceName retrieves a token by its service name
func (r *AdminTokenRepository) GetAdminTokenByServiceName(ctx context.Context, serviceName string) (*models.AdminToken, error) {
	var token models.AdminToken
	query := `SELECT ` + adminTokenColumns + ` FROM admin_tokens WHERE service_name = $1`

	err := r.db.conn.GetContext(ctx, &token, query, serviceName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAdminTokenNotFound
		}
		return nil, fmt.Errorf("failed to get admin token: %w", err)
	}
	return &token, nil
}

// Create inserts a token. The caller supplies the argon2id hash.
func (r *AdminTokenRepository) Create(ctx context.Context, token *models.AdminToken) error {
	query := `
		INSERT INTO admin_tokens (id, service_name, token_hash, roles, enabled, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}

	err := r.db.conn.QueryRowContext(
		ctx, query,
		token.ID, token.ServiceName, token.TokenHash, token.Roles, token.Enabled, token.ExpiresAt,
	).Scan(&token.CreatedAt, &token.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create admin token: %w", err)
	}
	return nil
}

// UpdateAdminTokenLastUsed stamps last_used_at
func (r *AdminTokenRepository) UpdateAdminTokenLastUsed(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.conn.ExecContext(ctx, `UPDATE admin_tokens SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to update last used: %w", err)
	}
	return requireRow(result, ErrAdminTokenNotFound)
}

// Disable turns a token off without deleting it
func (r *AdminTokenRepository) Disable(ctx context.Context, serviceName string) error {
	query := `UPDATE admin_tokens SET enabled = false, updated_at = NOW() WHERE service_name = $1`
	result, err := r.db.conn.ExecContext(ctx, query, serviceName)
	if err != nil {
		return fmt.Errorf("failed to disable admin token: %w", err)
	}
	return requireRow(result, ErrAdminTokenNotFound)
}
