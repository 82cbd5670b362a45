package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pollen_ledger/internal/ledger"
	"pollen_ledger/internal/utils"
)

var balanceLogger = utils.NewLogger("httpapi")

// handleGetBalance serves GET /v1/users/{id}/balance
func (d *Dependencies) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	snapshot, err := d.Balances.Snapshot(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ledger.ErrUserNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "User not found")
			return
		}
		balanceLogger.Error("balance read failed", "user_id", userID, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to read balance")
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, snapshot)
}
