package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/CberYellowstone/geminiproxy/internal/executor"
	"github.com/CberYellowstone/geminiproxy/internal/orchestrator"
)

// maxModelBodyBytes caps model command bodies. Generation requests may carry
// base64 inline media, so the limit is well above the cloud's inline cap.
const maxModelBodyBytes = 64 << 20

// ModelHandler serves the model command surface under /v1beta/models: the
// catalog passthrough plus the generate/count/embed operations routed through
// the orchestrator.
type ModelHandler struct {
	orc    *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewModelHandler creates a new ModelHandler.
func NewModelHandler(orc *orchestrator.Orchestrator, logger *zap.Logger) *ModelHandler {
	return &ModelHandler{
		orc:    orc,
		logger: logger.Named("model_handler"),
	}
}

// List handles GET /v1beta/models. The catalog is whatever the selected
// executor's account sees; the broker adds nothing of its own.
func (h *ModelHandler) List(w http.ResponseWriter, r *http.Request) {
	payload := map[string]string{}
	if v := r.URL.Query().Get("pageSize"); v != "" {
		payload["pageSize"] = v
	}
	if v := r.URL.Query().Get("pageToken"); v != "" {
		payload["pageToken"] = v
	}

	resp, err := h.orc.Forward(r.Context(), executor.CmdListModels, payload)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeRaw(w, http.StatusOK, resp)
}

// Get handles GET /v1beta/models/{name}.
func (h *ModelHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	resp, err := h.orc.Forward(r.Context(), executor.CmdGetModel, map[string]string{
		"name": "models/" + name,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeRaw(w, http.StatusOK, resp)
}

// Invoke handles POST /v1beta/models/{name} where {name} is "model:action",
// e.g. gemini-2.5-pro:generateContent. The action picks the executor command;
// the model and body travel through the orchestrator, which resolves file
// references and schedules an executor.
func (h *ModelHandler) Invoke(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "name")
	idx := strings.LastIndex(raw, ":")
	if idx <= 0 || idx == len(raw)-1 {
		writeStatusError(w, http.StatusNotFound, fmt.Sprintf("unknown model operation %q", raw))
		return
	}
	model, action := raw[:idx], raw[idx+1:]

	switch action {
	case "generateContent":
		h.execute(w, r, executor.CmdGenerateContent, model)
	case "streamGenerateContent":
		h.executeStream(w, r, model)
	case "countTokens":
		h.execute(w, r, executor.CmdCountTokens, model)
	case "embedContent":
		h.execute(w, r, executor.CmdEmbedContent, model)
	default:
		writeStatusError(w, http.StatusNotFound, fmt.Sprintf("unsupported model operation %q", action))
	}
}

func (h *ModelHandler) execute(w http.ResponseWriter, r *http.Request, cmdType, model string) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	resp, err := h.orc.Execute(r.Context(), cmdType, model, body)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeRaw(w, http.StatusOK, resp)
}

// executeStream relays a streamed completion as server-sent events, one
// `data:` line per upstream chunk, flushed immediately. The response status
// is deferred until the first chunk arrives so failures before any data
// still map to real status codes; after that the only way to signal failure
// is closing the connection mid-stream.
func (h *ModelHandler) executeStream(w http.ResponseWriter, r *http.Request, model string) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeStatusError(w, http.StatusInternalServerError, "streaming unsupported by server")
		return
	}

	stream, err := h.orc.ExecuteStream(r.Context(), model, body)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	defer stream.Close()

	started := false
	for {
		chunk, err := stream.Recv(r.Context())
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				if !started {
					startSSE(w)
				}
			case !started:
				writeError(w, h.logger, err)
			case errors.Is(err, context.Canceled):
				h.logger.Debug("stream abandoned by caller", zap.String("model", model))
			default:
				// Status line is already on the wire; dropping the
				// connection is the only remaining failure signal.
				h.logger.Warn("stream aborted mid-flight",
					zap.String("model", model),
					zap.Error(err),
				)
			}
			return
		}

		if !started {
			startSSE(w)
			started = true
		}
		fmt.Fprintf(w, "data: %s\n\n", chunk)
		flusher.Flush()
	}
}

func (h *ModelHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxModelBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeStatusError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeStatusError(w, http.StatusBadRequest, "could not read request body")
		}
		return nil, false
	}
	return body, true
}

func startSSE(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}
