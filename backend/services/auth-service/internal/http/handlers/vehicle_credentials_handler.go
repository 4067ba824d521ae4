package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"veloway/backend/services/auth-service/internal/service"
)

// NewVehicleCredentialsHandler serves /admin/vehicle-credentials: POST issues
// a publish identity for a vehicle, DELETE revokes it. Requires an admin
// access token, enforced by middleware.
func NewVehicleCredentialsHandler(authService *service.AuthService) http.HandlerFunc {
	type request struct {
		VehicleID string `json:"vehicle_id"`
	}
	type response struct {
		BrokerUsername string `json:"broker_username"`
		BrokerPassword string `json:"broker_password"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		req.VehicleID = strings.TrimSpace(req.VehicleID)
		if req.VehicleID == "" {
			writeError(w, http.StatusBadRequest, "vehicle_id is required")
			return
		}

		switch r.Method {
		case http.MethodPost:
			username, password, err := authService.CreateVehicleCredential(r.Context(), req.VehicleID)
			if err != nil {
				writeError(w, http.StatusBadGateway, "broker rejected credential creation")
				return
			}
			writeJSON(w, http.StatusCreated, response{BrokerUsername: username, BrokerPassword: password})
		case http.MethodDelete:
			if err := authService.RevokeVehicleCredential(r.Context(), req.VehicleID); err != nil {
				writeError(w, http.StatusBadGateway, "broker rejected credential revocation")
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
		default:
			w.Header().Set("Allow", "POST, DELETE")
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}
