package gemini

// Upload-protocol constants shared by the HTTP ingest surface and the
// executor-side replication commands.
const (
	// UploadCommandUpload appends the carried bytes at the given offset.
	UploadCommandUpload = "upload"

	// UploadCommandFinalize seals the upload after the last appended byte.
	UploadCommandFinalize = "finalize"

	// UploadCommandUploadFinalize is the combined single-shot form.
	UploadCommandUploadFinalize = "upload, finalize"

	// HeaderUploadURL carries the session URL returned by session init.
	HeaderUploadURL = "X-Goog-Upload-URL"

	// HeaderUploadStatus is "active" while a session accepts bytes and
	// "final" on the terminating response.
	HeaderUploadStatus = "X-Goog-Upload-Status"

	// HeaderUploadOffset is the byte offset of the carried chunk.
	HeaderUploadOffset = "X-Goog-Upload-Offset"

	// HeaderUploadCommand is a comma-separated subset of {upload, finalize}.
	HeaderUploadCommand = "X-Goog-Upload-Command"

	// HeaderUploadContentType and HeaderUploadContentLength carry the
	// declared mime and total size on the session-init request.
	HeaderUploadContentType   = "X-Goog-Upload-Header-Content-Type"
	HeaderUploadContentLength = "X-Goog-Upload-Header-Content-Length"

	// UploadStatusActive and UploadStatusFinal are the HeaderUploadStatus
	// values for an open and a sealed session.
	UploadStatusActive = "active"
	UploadStatusFinal  = "final"
)

// InitiateUpload is the payload of the initiate-resumable-upload command
// sent to an executor when replicating a cached blob.
type InitiateUpload struct {
	DisplayName string `json:"displayName"`
	MimeType    string `json:"mimeType"`
	SizeBytes   string `json:"sizeBytes"`
}

// InitiateUploadResult is the executor's answer: the upstream session URL
// subsequent chunks must target.
type InitiateUploadResult struct {
	UploadURL string `json:"uploadUrl"`
}

// UploadChunk is the payload of the upload-chunk command. Data carries the
// chunk bytes base64-encoded; Command is one of the UploadCommand* values.
type UploadChunk struct {
	UploadURL     string `json:"uploadUrl"`
	Offset        int64  `json:"offset"`
	ContentLength int64  `json:"contentLength"`
	Command       string `json:"command"`
	Data          string `json:"data"`
}
