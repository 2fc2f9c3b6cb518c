package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/CberYellowstone/geminiproxy/internal/executor"
)

// WSHandler handles the executor channel endpoint GET /ws/{executorID}.
// Executors are browser tabs; they identify themselves by the ID in the
// path, not by credentials. The endpoint is meant to be reachable only
// from machines the operator controls.
type WSHandler struct {
	registry *executor.Registry
	logger   *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(registry *executor.Registry, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		registry: registry,
		logger:   logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /ws/{executorID}.
// It upgrades the connection, registers the executor, and starts the client
// read/write pumps. The handler blocks until the connection closes, as
// WebSocket handlers do. A reconnect under an already-registered ID replaces
// the previous channel.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "executorID"))
	if id == "" {
		writeStatusError(w, http.StatusBadRequest, "executor id required")
		return
	}

	client, err := executor.NewClient(h.registry, w, r, id, h.logger)
	if err != nil {
		// The upgrader has already written the response on error.
		h.logger.Warn("ws: upgrade failed",
			zap.String("executor_id", id),
			zap.Error(err),
		)
		return
	}

	h.logger.Info("ws: executor connected",
		zap.String("executor_id", id),
		zap.String("remote_addr", r.RemoteAddr),
	)

	// Run registers the channel and blocks until it closes. readPump and
	// writePump handle deregistration and pending-request cancellation.
	client.Run()

	h.logger.Info("ws: executor disconnected",
		zap.String("executor_id", id),
		zap.String("remote_addr", r.RemoteAddr),
	)
}
