// Package executor maintains the registry of connected browser executors and
// the websocket channel to each one. Executors receive command envelopes,
// perform the real cloud API calls from their page context, and push response
// envelopes back.
package executor

import (
	"encoding/json"

	"github.com/CberYellowstone/geminiproxy/internal/gemini"
)

// Command types understood by executors.
const (
	// CmdGenerateContent asks for a single model completion.
	CmdGenerateContent = "generateContent"

	// CmdStreamGenerateContent asks for a streamed completion; the executor
	// answers with a sequence of chunk frames and a final frame.
	CmdStreamGenerateContent = "streamGenerateContent"

	// CmdListModels and CmdGetModel proxy the model catalog.
	CmdListModels = "listModels"
	CmdGetModel   = "getModel"

	// CmdCountTokens and CmdEmbedContent proxy the remaining unary
	// model operations.
	CmdCountTokens  = "countTokens"
	CmdEmbedContent = "embedContent"

	// CmdInitiateUpload starts a resumable upload on the executor side and
	// returns the session URL for CmdUploadChunk calls.
	CmdInitiateUpload = "initiate-resumable-upload"
	CmdUploadChunk    = "upload-chunk"

	// CmdGetFile fetches current file metadata, CmdDeleteFile removes the
	// remote copy.
	CmdGetFile    = "get_file"
	CmdDeleteFile = "delete_file"

	// CmdCancel tells the executor to abandon an in-flight request. Best
	// effort: executors are free to ignore it.
	CmdCancel = "cancel"
)

// Command is one request envelope pushed to an executor. ID correlates the
// eventual response envelopes back to the waiting caller.
type Command struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ResponseStatus is the error half of a response envelope. A nil Error means
// success.
type ResponseStatus struct {
	Error *gemini.Status `json:"error,omitempty"`
}

// Response is one envelope sent back by an executor. Unary commands answer
// with exactly one response; streaming commands send chunk frames carried
// inside Payload followed by a finished frame.
type Response struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Status  *ResponseStatus `json:"status,omitempty"`
}

// Err returns the remote error carried by the envelope, or nil.
func (r *Response) Err() *gemini.Status {
	if r.Status == nil {
		return nil
	}
	return r.Status.Error
}
