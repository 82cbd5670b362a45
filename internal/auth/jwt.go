package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"pollen_ledger/internal/config"
	"pollen_ledger/internal/models"
	"pollen_ledger/internal/storage"
	"pollen_ledger/internal/utils"
)

// AdminAuthTypeToken marks JWTs issued in exchange for a service token
const AdminAuthTypeToken = "service_token"

const defaultJWTTTL = time.Hour

// AdminStore looks up operator service tokens
type AdminStore interface {
	GetAdminTokenByServiceName(ctx context.Context, serviceName string) (*models.AdminToken, error)
	UpdateAdminTokenLastUsed(ctx context.Context, id uuid.UUID) error
}

// AdminClaims are the claims carried by operator JWTs
type AdminClaims struct {
	AuthType    string   `json:"auth_type"`
	AdminID     string   `json:"admin_id"`
	ServiceName string   `json:"service_name"`
	Roles       []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether any of the claim's roles grants required
func (c *AdminClaims) HasRole(required Role) bool {
	for _, r := range c.Roles {
		if Role(r).HasPermission(required) {
			return true
		}
	}
	return false
}

// GenerateAdminJWTWithToken verifies a raw service token against its stored
// argon2id hash and issues a short-lived HS256 JWT carrying the token's roles.
func GenerateAdminJWTWithToken(ctx context.Context, serviceName, rawToken string, store AdminStore, cfg *config.Config) (string, int64, error) {
	token, err := store.GetAdminTokenByServiceName(ctx, serviceName)
	if err != nil {
		if errors.Is(err, storage.ErrAdminTokenNotFound) {
			return "", 0, ErrInvalidCredentials
		}
		return "", 0, fmt.Errorf("failed to look up service token: %w", err)
	}

	ok, err := utils.VerifyPasswordArgon2(rawToken, token.TokenHash)
	if err != nil {
		return "", 0, fmt.Errorf("failed to verify service token: %w", err)
	}
	if !ok {
		return "", 0, ErrInvalidCredentials
	}
	if !token.IsValid() {
		return "", 0, ErrTokenDisabled
	}

	// last-used is informational
	_ = store.UpdateAdminTokenLastUsed(ctx, token.ID)

	ttl := cfg.JWTTTL
	if ttl <= 0 {
		ttl = defaultJWTTTL
	}
	now := time.Now()
	exp := now.Add(ttl)

	claims := &AdminClaims{
		AuthType:    AdminAuthTypeToken,
		AdminID:     token.ID.String(),
		ServiceName: token.ServiceName,
		Roles:       []string(token.Roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   token.ServiceName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.JWTSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, exp.Unix(), nil
}

// ValidateAdminJWT verifies the signature and expiry of an operator JWT
func ValidateAdminJWT(tokenString string, cfg *config.Config) (*AdminClaims, error) {
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return cfg.JWTSecret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
