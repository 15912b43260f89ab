package handler

import (
	"net/http"
	"time"
)

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	mode    string
	started time.Time
}

// NewHealthHandler creates a HealthHandler reporting the engine mode.
func NewHealthHandler(mode string) *HealthHandler {
	return &HealthHandler{mode: mode, started: time.Now().UTC()}
}

// HealthCheck reports liveness.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"mode":   h.mode,
		"uptime": time.Since(h.started).String(),
	})
}
