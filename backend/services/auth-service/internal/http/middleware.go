package httpserver

import (
	"net/http"
	"strings"

	"veloway/backend/services/auth-service/internal/service"
)

// RequireAdmin gates a handler behind a valid admin access token.
func RequireAdmin(tokens *service.TokenService, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
		if raw == "" {
			http.Error(w, "missing access token", http.StatusUnauthorized)
			return
		}

		claims, err := tokens.ValidateToken(raw)
		if err != nil {
			http.Error(w, "invalid access token", http.StatusUnauthorized)
			return
		}
		if claims.Role != "admin" {
			http.Error(w, "admin role required", http.StatusForbidden)
			return
		}

		next(w, r)
	}
}
