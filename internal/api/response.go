// Package api implements the HTTP surface of the broker. It uses Chi as the
// router and mirrors the upstream generative-content API: model commands and
// the file namespace live under /v1beta, the resumable upload protocol under
// /upload/v1beta/files, and executors connect over websocket at /ws. Error
// responses use the cloud's {"error": {code, message}} shape so existing
// client SDKs can parse them unchanged.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/CberYellowstone/geminiproxy/internal/broker"
	"github.com/CberYellowstone/geminiproxy/internal/cache"
	"github.com/CberYellowstone/geminiproxy/internal/executor"
	"github.com/CberYellowstone/geminiproxy/internal/gemini"
	"github.com/CberYellowstone/geminiproxy/internal/orchestrator"
)

// writeJSON writes v as a JSON response with the given status code.
// It sets Content-Type to application/json automatically.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRaw relays a pre-encoded JSON document untouched so executor
// responses reach the caller byte-for-byte. An empty document becomes {}.
func writeRaw(w http.ResponseWriter, status int, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	_, _ = w.Write(raw)
}

// writeStatusError renders a cloud-shaped error body for the given status.
func writeStatusError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, gemini.ErrorBody{Error: gemini.Status{Code: status, Message: message}})
}

// writeError maps an error from the orchestration or cache layers onto the
// caller surface. Errors the upstream API reported keep their original code
// and detail; everything else collapses to a small set of gateway statuses.
// Only genuinely unexpected errors are logged here, the rest are normal
// request outcomes.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var remote *broker.RemoteError
	if errors.As(err, &remote) {
		code := remote.Code
		if code < 100 || code > 599 {
			code = http.StatusBadGateway
		}
		writeJSON(w, code, gemini.ErrorBody{Error: gemini.Status{
			Code:    remote.Code,
			Message: remote.Message,
			Details: remote.Details,
		}})
		return
	}

	switch {
	case errors.Is(err, executor.ErrNoExecutors), errors.Is(err, executor.ErrExecutorGone):
		writeStatusError(w, http.StatusServiceUnavailable, "no executor available to serve the request")
	case errors.Is(err, broker.ErrGatewayTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		writeStatusError(w, http.StatusGatewayTimeout, "executor did not respond in time")
	case errors.Is(err, broker.ErrBadGateway):
		writeStatusError(w, http.StatusBadGateway, "request to executor failed")
	case errors.Is(err, cache.ErrSessionNotFound):
		writeStatusError(w, http.StatusNotFound, "upload session not found")
	case errors.Is(err, cache.ErrNotFound):
		writeStatusError(w, http.StatusNotFound, "file not found")
	case errors.Is(err, cache.ErrInvalidSize),
		errors.Is(err, cache.ErrOffsetMismatch),
		errors.Is(err, cache.ErrInvalidCommand),
		errors.Is(err, orchestrator.ErrInvalidPayload):
		writeStatusError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrRebuildFailed):
		logger.Error("request failed after rebuild", zap.Error(err))
		writeStatusError(w, http.StatusInternalServerError, "referenced file expired and could not be reconstructed")
	default:
		logger.Error("request failed", zap.Error(err))
		writeStatusError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON decodes the request body into dst, limiting body size to 1MB.
// Unknown fields are tolerated: callers send bodies written for the cloud
// API and the broker must not reject fields it does not model. Returns false
// and writes a 400 response when the body does not parse.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeStatusError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
