package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"veloway/backend/services/auth-service/internal/service"
)

// NewLogoutHandler handles POST /auth/logout. The session id comes from the
// body or the authorization header.
func NewLogoutHandler(authService *service.AuthService) http.HandlerFunc {
	type request struct {
		SessionID string `json:"session_id"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		if req.SessionID == "" {
			req.SessionID = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
		}
		if req.SessionID == "" {
			writeError(w, http.StatusBadRequest, "session_id is required")
			return
		}

		if err := authService.Logout(r.Context(), req.SessionID); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to logout")
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
	}
}
