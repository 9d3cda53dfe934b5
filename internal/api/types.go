package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status      string `json:"status"`
	SessionRoot bool   `json:"session_root"`
	Database    bool   `json:"database"`
	Launcher    bool   `json:"launcher"`
	Uptime      string `json:"uptime"`
}

// ErrorResponse is returned for sidecar errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
