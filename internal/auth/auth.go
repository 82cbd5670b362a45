package auth

import (
	"errors"
	"net/http"

	"pollen_ledger/internal/config"
	"pollen_ledger/internal/utils"
)

type tokenRequest struct {
	ServiceName string `json:"service_name"`
	Token       string `json:"token"`
}

// TokenHandler exchanges a service token for an operator JWT
func TokenHandler(store AdminStore, cfg *config.Config) http.HandlerFunc {
	logger := utils.NewLogger("auth")

	return func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		if err := utils.DecodeJSONBody(w, r, &req); err != nil {
			utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if req.ServiceName == "" || req.Token == "" {
			utils.RespondWithError(w, http.StatusBadRequest, "service_name and token are required")
			return
		}

		jwt, exp, err := GenerateAdminJWTWithToken(r.Context(), req.ServiceName, req.Token, store, cfg)
		switch {
		case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrTokenDisabled):
			logger.Warn("token exchange rejected", "service", req.ServiceName, "error", err)
			utils.RespondWithError(w, http.StatusUnauthorized, "Invalid service credentials")
			return
		case err != nil:
			logger.Error("token exchange failed", "service", req.ServiceName, "error", err)
			utils.RespondWithError(w, http.StatusInternalServerError, "Error generating token")
			return
		}

		utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"token": jwt,
			"exp":   exp,
		})
	}
}
