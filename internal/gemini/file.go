// Package gemini defines the wire types shared with the upstream
// generative-content API: the file resource returned by upload and metadata
// calls, the error body shape callers expect, and the payloads of the
// resumable-upload commands relayed to executors.
//
// Field names follow the cloud JSON schema exactly (camelCase, sizes as
// decimal strings) so responses collected from executors can be passed
// through to callers without translation.
package gemini

import (
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

// StateActive is the lifecycle state reported for files that are ready to be
// referenced by generation requests.
const StateActive = "ACTIVE"

// File mirrors the cloud file resource. Zero fields are omitted on the wire.
type File struct {
	Name           string  `json:"name,omitempty"`
	DisplayName    string  `json:"displayName,omitempty"`
	MimeType       string  `json:"mimeType,omitempty"`
	SizeBytes      string  `json:"sizeBytes,omitempty"`
	CreateTime     string  `json:"createTime,omitempty"`
	UpdateTime     string  `json:"updateTime,omitempty"`
	ExpirationTime string  `json:"expirationTime,omitempty"`
	SHA256Hash     string  `json:"sha256Hash,omitempty"`
	URI            string  `json:"uri,omitempty"`
	DownloadURI    string  `json:"downloadUri,omitempty"`
	State          string  `json:"state,omitempty"`
	Source         string  `json:"source,omitempty"`
	Error          *Status `json:"error,omitempty"`
	VideoMetadata  any     `json:"videoMetadata,omitempty"`
}

// Expiration parses the file's expirationTime. Returns the zero time when
// the field is absent or malformed.
func (f *File) Expiration() time.Time {
	if f == nil || f.ExpirationTime == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, f.ExpirationTime)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Status is the error object embedded in cloud error bodies and in executor
// response envelopes.
type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorBody is the top-level shape of every error response on the caller
// surface: {"error": {"code": ..., "message": ..., "details": ...}}.
type ErrorBody struct {
	Error Status `json:"error"`
}

// ListFilesResponse is the body of GET /v1beta/files.
type ListFilesResponse struct {
	Files         []File `json:"files"`
	NextPageToken string `json:"nextPageToken,omitempty"`
}

// UploadResponse wraps a single file descriptor, as returned by the upload
// finalize step.
type UploadResponse struct {
	File File `json:"file"`
}

var hexDigestRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// IsHexDigest reports whether s is a lowercase 64-char hex SHA-256 digest.
func IsHexDigest(s string) bool {
	return hexDigestRe.MatchString(s)
}

// ParseSHA256 normalizes the cloud's sha256Hash field to a lowercase hex
// digest. The cloud encodes the raw 32 bytes as standard base64; some
// executor builds report the hex form directly. Returns false when neither
// form parses.
func ParseSHA256(field string) (string, bool) {
	field = strings.TrimSpace(field)
	if field == "" {
		return "", false
	}
	if IsHexDigest(strings.ToLower(field)) {
		return strings.ToLower(field), true
	}
	raw, err := base64.StdEncoding.DecodeString(field)
	if err != nil || len(raw) != 32 {
		return "", false
	}
	return hex.EncodeToString(raw), true
}

// EncodeSHA256 converts a lowercase hex digest to the base64 form the cloud
// uses in sha256Hash fields. Returns "" for malformed input.
func EncodeSHA256(hexDigest string) string {
	raw, err := hex.DecodeString(hexDigest)
	if err != nil || len(raw) != 32 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}
