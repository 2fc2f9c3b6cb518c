package api

import (
	"net/http"

	"github.com/CberYellowstone/geminiproxy/internal/executor"
)

// HealthHandler reports broker liveness and which executors are connected.
// Executor dashboards poll it to show capacity at a glance.
type HealthHandler struct {
	executors *executor.Registry
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(executors *executor.Registry) *HealthHandler {
	return &HealthHandler{executors: executors}
}

// Status handles GET /.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"connectedExecutors": h.executors.IDs(),
	})
}
