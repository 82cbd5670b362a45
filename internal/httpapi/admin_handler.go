package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"pollen_ledger/internal/middleware"
	"pollen_ledger/internal/models"
	"pollen_ledger/internal/queue"
	"pollen_ledger/internal/storage"
	"pollen_ledger/internal/tiers"
	"pollen_ledger/internal/utils"
)

var adminLogger = utils.NewLogger("admin")

const (
	defaultDeadLetterLimit = 100
	maxDeadLetterLimit     = 1000
)

// CreateUserRequest is the body of POST /admin/users
type CreateUserRequest struct {
	UserID string `json:"user_id"`
}

// SetTierRequest is the body of POST /admin/users/{id}/tier
type SetTierRequest struct {
	Tier string `json:"tier"`
}

// TrustScoreRequest is the body of POST /admin/users/{id}/trust-score
type TrustScoreRequest struct {
	Score *float64 `json:"score"`
}

// RefillResponse reports a forced refill pass
type RefillResponse struct {
	Skipped bool             `json:"skipped"`
	Total   int64            `json:"total"`
	Counts  map[string]int64 `json:"counts,omitempty"`
}

func (d *Dependencies) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := utils.DecodeJSONBody(w, r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	user, err := d.Users.Create(r.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			utils.RespondWithError(w, http.StatusConflict, "User already exists")
			return
		}
		adminLogger.Error("failed to create user", "user_id", req.UserID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	adminLogger.Info("user created", "user_id", user.ID, "actor", middleware.Actor(r.Context()))
	utils.RespondWithJSON(w, http.StatusCreated, user)
}

// handleSetTier forces a tier with the operator trigger; downgrades allowed.
func (d *Dependencies) handleSetTier(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req SetTierRequest
	if err := utils.DecodeJSONBody(w, r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := models.ParseTier(req.Tier)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := d.Tiers.RequestUpgrade(r.Context(), userID, target, models.TriggerOperator)
	if err != nil {
		d.respondTierError(w, userID, err)
		return
	}

	adminLogger.Info("tier set by operator",
		"user_id", userID, "from", t.From, "to", t.To, "actor", middleware.Actor(r.Context()))
	utils.RespondWithJSON(w, http.StatusOK, t)
}

func (d *Dependencies) handleTrustScore(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req TrustScoreRequest
	if err := utils.DecodeJSONBody(w, r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Score == nil {
		utils.RespondWithError(w, http.StatusBadRequest, "score is required")
		return
	}

	t, err := d.Tiers.ApplyTrustScore(r.Context(), userID, *req.Score)
	if err != nil {
		d.respondTierError(w, userID, err)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, t)
}

func (d *Dependencies) respondTierError(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, tiers.ErrUserNotFound):
		utils.RespondWithError(w, http.StatusNotFound, "User not found")
	case errors.Is(err, models.ErrUnknownTier), errors.Is(err, tiers.ErrInvalidScore), errors.Is(err, tiers.ErrInvalidTrigger):
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
	default:
		adminLogger.Error("tier transition failed", "user_id", userID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Tier transition failed")
	}
}

// handleRefill forces a refill pass. The pass is still gated, so calling it
// twice in a day refills once.
func (d *Dependencies) handleRefill(w http.ResponseWriter, r *http.Request) {
	if d.Refill == nil {
		utils.RespondWithError(w, http.StatusServiceUnavailable, "Refill scheduler not configured")
		return
	}

	res, err := d.Refill.Trigger(r.Context())
	if err != nil {
		adminLogger.Error("forced refill failed", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Refill failed")
		return
	}

	resp := RefillResponse{Skipped: res.Skipped, Total: res.Total()}
	if len(res.Counts) > 0 {
		resp.Counts = make(map[string]int64, len(res.Counts))
		for _, c := range res.Counts {
			resp.Counts[string(c.Tier)] = c.Users
		}
	}
	adminLogger.Info("forced refill", "skipped", res.Skipped, "total", resp.Total, "actor", middleware.Actor(r.Context()))
	utils.RespondWithJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if d.Mirror == nil {
		utils.RespondWithError(w, http.StatusServiceUnavailable, "Mirror worker not configured")
		return
	}

	limit := defaultDeadLetterLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			utils.RespondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDeadLetterLimit)
	}

	items, err := d.Mirror.DeadLetters(r.Context(), limit)
	if err != nil {
		adminLogger.Error("failed to list dead letters", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to list dead letters")
		return
	}
	if items == nil {
		items = []queue.DeadLetterItem{}
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

func (d *Dependencies) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	if d.Mirror == nil {
		utils.RespondWithError(w, http.StatusServiceUnavailable, "Mirror worker not configured")
		return
	}
	id := chi.URLParam(r, "id")

	if err := d.Mirror.RetryDeadLetter(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrItemNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "Dead letter not found")
			return
		}
		adminLogger.Error("dead letter retry failed", "id", id, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Retry failed")
		return
	}

	adminLogger.Info("dead letter requeued", "id", id, "actor", middleware.Actor(r.Context()))
	utils.RespondWithJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "requeued"})
}
