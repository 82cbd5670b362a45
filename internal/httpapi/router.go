package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"pollen_ledger/internal/auth"
	"pollen_ledger/internal/config"
	"pollen_ledger/internal/ledger"
	"pollen_ledger/internal/metrics"
	"pollen_ledger/internal/middleware"
	"pollen_ledger/internal/models"
	"pollen_ledger/internal/queue"
	"pollen_ledger/internal/refill"
	"pollen_ledger/internal/tiers"
	"pollen_ledger/internal/utils"
)

// UserStore creates ledger rows at signup
type UserStore interface {
	Create(ctx context.Context, id string) (*models.LedgerUser, error)
}

// BalanceReader serves the balance read surface
type BalanceReader interface {
	Snapshot(ctx context.Context, userID string) (ledger.Snapshot, error)
}

// TierService applies tier transitions
type TierService interface {
	RequestUpgrade(ctx context.Context, userID string, target models.Tier, trigger models.Trigger) (tiers.Transition, error)
	ApplyTrustScore(ctx context.Context, userID string, score float64) (tiers.Transition, error)
}

// RefillTrigger runs one refill pass on demand
type RefillTrigger interface {
	Trigger(ctx context.Context) (refill.Result, error)
}

// DeadLetters exposes the mirror dead-letter queue
type DeadLetters interface {
	DeadLetters(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error)
	RetryDeadLetter(ctx context.Context, id string) error
}

// HealthCheck reports whether a backend is reachable
type HealthCheck func(ctx context.Context) error

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Users       UserStore
	Balances    BalanceReader
	Tiers       TierService
	Refill      RefillTrigger
	Mirror      DeadLetters
	AdminStore  auth.AdminStore
	Metrics     *metrics.Metrics
	HealthCheck map[string]HealthCheck

	// Webhook receivers, one per provider
	Polar       http.Handler
	Stripe      http.Handler
	NOWPayments http.Handler
}

// NewRouter mounts every route on a chi router
func NewRouter(cfg *config.Config, deps *Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", deps.handleHealth)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/webhooks", func(r chi.Router) {
		mountWebhook(r, "/polar", deps.Polar)
		mountWebhook(r, "/stripe", deps.Stripe)
		mountWebhook(r, "/nowpayments", deps.NOWPayments)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.AdminJWTMiddleware(cfg, auth.RoleSystem, auth.RoleViewer))
		r.Get("/users/{id}/balance", deps.handleGetBalance)
	})

	r.Route("/admin", func(r chi.Router) {
		if deps.AdminStore != nil {
			r.Post("/auth/token", auth.TokenHandler(deps.AdminStore, cfg))
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminJWTMiddleware(cfg, auth.RoleAdmin))
			r.Post("/users", deps.handleCreateUser)
			r.Post("/users/{id}/tier", deps.handleSetTier)
			r.Post("/refill", deps.handleRefill)
			r.Post("/mirror/dead-letters/{id}/retry", deps.handleRetryDeadLetter)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminJWTMiddleware(cfg, auth.RoleSystem))
			r.Post("/users/{id}/trust-score", deps.handleTrustScore)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminJWTMiddleware(cfg, auth.RoleViewer))
			r.Get("/mirror/dead-letters", deps.handleListDeadLetters)
		})
	})

	return r
}

func mountWebhook(r chi.Router, path string, h http.Handler) {
	if h == nil {
		r.Post(path, func(w http.ResponseWriter, r *http.Request) {
			utils.RespondWithError(w, http.StatusServiceUnavailable, "webhook receiver not configured")
		})
		return
	}
	r.Method(http.MethodPost, path, h)
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(d.HealthCheck))
	for name, check := range d.HealthCheck {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]interface{}{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	utils.RespondWithJSON(w, status, body)
}
