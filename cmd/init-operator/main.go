package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"pollen_ledger/internal/auth"
	"pollen_ledger/internal/config"
	"pollen_ledger/internal/models"
	"pollen_ledger/internal/storage"
	"pollen_ledger/internal/utils"
)

const minTokenLength = 24

func main() {
	fmt.Println("Pollen Ledger - Operator Service Token Initialization")
	fmt.Println(strings.Repeat("=", 53))

	cfg, err := config.Load()
	if err != nil {
		fail("Failed to load configuration: %v", err)
	}

	serviceName := strings.TrimSpace(os.Getenv("OPERATOR_SERVICE_NAME"))
	rawToken := os.Getenv("OPERATOR_TOKEN")
	if serviceName == "" || rawToken == "" {
		fail("OPERATOR_SERVICE_NAME and OPERATOR_TOKEN must be set")
	}
	if len(rawToken) < minTokenLength {
		fail("OPERATOR_TOKEN must be at least %d characters long", minTokenLength)
	}

	roleNames := splitRoles(os.Getenv("OPERATOR_ROLES"))
	if _, err := auth.ParseRoles(roleNames); err != nil {
		fail("Invalid OPERATOR_ROLES %v: %v", roleNames, err)
	}

	fmt.Println("Connecting to database...")
	db, err := storage.NewDB(cfg.Database)
	if err != nil {
		fail("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		fail("Failed to apply migrations: %v", err)
	}

	repo := db.NewAdminTokenRepository()
	existing, err := repo.GetAdminTokenByServiceName(ctx, serviceName)
	if err != nil && !errors.Is(err, storage.ErrAdminTokenNotFound) {
		fail("Failed to check for existing token: %v", err)
	}
	if existing != nil {
		fmt.Printf("INFO: A token for service %q already exists (roles %v)\n", serviceName, existing.Roles)
		fmt.Println("Exiting successfully (no action taken)")
		return
	}

	fmt.Println("Hashing token using Argon2...")
	tokenHash, err := utils.HashPasswordArgon2(rawToken)
	if err != nil {
		fail("Failed to hash token: %v", err)
	}

	token := &models.AdminToken{
		ID:          uuid.New(),
		ServiceName: serviceName,
		TokenHash:   tokenHash,
		Roles:       pq.StringArray(roleNames),
		Enabled:     true,
	}
	if err := repo.Create(ctx, token); err != nil {
		fail("Failed to create service token: %v", err)
	}

	fmt.Println()
	fmt.Println("SUCCESS: Operator service token created")
	fmt.Printf("Service: %s\n", token.ServiceName)
	fmt.Printf("ID: %s\n", token.ID)
	fmt.Printf("Roles: %v\n", token.Roles)
	fmt.Printf("Created: %s\n", token.CreatedAt.Format(time.RFC3339))
	fmt.Println("\nExchange it for a JWT with POST /admin/auth/token, then remove")
	fmt.Println("OPERATOR_TOKEN from this environment.")
}

// splitRoles parses "admin,system"; empty means admin
func splitRoles(s string) []string {
	var roles []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	if len(roles) == 0 {
		return []string{string(auth.RoleAdmin)}
	}
	return roles
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "ERROR: "+format+"\n", args...)
	os.Exit(1)
}
