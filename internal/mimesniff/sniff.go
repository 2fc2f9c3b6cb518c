// Package mimesniff infers mime types for cached blobs from file extensions
// and content magic numbers, and derives fallback filenames for uploads that
// arrive without one.
//
// The tables are intentionally small: they cover the formats the upstream
// API accepts for file-grounded generation (documents, images, audio,
// video, archives). Anything else falls back to application/octet-stream.
package mimesniff

import (
	"archive/zip"
	"bytes"
	"mime"
	"path/filepath"
	"strings"
)

// DefaultMime is the fallback mime type when nothing better can be inferred.
const DefaultMime = "application/octet-stream"

// extensionMime maps lowercase file extensions to mime types. Checked before
// the stdlib mime database so the mapping stays stable across platforms.
var extensionMime = map[string]string{
	// images
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".svg":  "image/svg+xml",

	// documents
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".txt":  "text/plain",
	".rtf":  "application/rtf",

	// audio
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".m4a":  "audio/mp4",
	".flac": "audio/flac",

	// video
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",

	// code and text
	".js":   "text/javascript",
	".css":  "text/css",
	".html": "text/html",
	".htm":  "text/html",
	".json": "application/json",
	".xml":  "text/xml",
	".csv":  "text/csv",
	".md":   "text/markdown",
	".py":   "text/x-python",
	".java": "text/x-java-source",
	".cpp":  "text/x-c++src",
	".c":    "text/x-csrc",

	// archives
	".zip": "application/zip",
	".rar": "application/x-rar-compressed",
	".tar": "application/x-tar",
	".gz":  "application/gzip",
	".7z":  "application/x-7z-compressed",
}

// magicSignature pairs a leading byte pattern with the mime type it implies.
type magicSignature struct {
	prefix []byte
	mime   string
	ext    string
}

var magicSignatures = []magicSignature{
	{[]byte("%PDF-"), "application/pdf", ".pdf"},
	{[]byte("\x89PNG\r\n\x1a\n"), "image/png", ".png"},
	{[]byte{0xff, 0xd8, 0xff}, "image/jpeg", ".jpg"},
	{[]byte("GIF87a"), "image/gif", ".gif"},
	{[]byte("GIF89a"), "image/gif", ".gif"},
	{[]byte("PK\x03\x04"), "application/zip", ".zip"},
	{[]byte("PK\x05\x06"), "application/zip", ".zip"},
	{[]byte("PK\x07\x08"), "application/zip", ".zip"},
	{[]byte{0x1f, 0x8b, 0x08}, "application/gzip", ".gz"},
	{[]byte("Rar!\x1a\x07\x00"), "application/x-rar-compressed", ".rar"},
	{[]byte("7z\xbc\xaf\x27\x1c"), "application/x-7z-compressed", ".7z"},
	{[]byte("OggS"), "application/ogg", ".ogg"},
	{[]byte("ID3"), "audio/mpeg", ".mp3"},
	{[]byte{0x1a, 0x45, 0xdf, 0xa3}, "video/webm", ".webm"},
}

// binaryExtensions lists extensions that should never carry a text/* mime.
var binaryExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {}, ".bmp": {},
	".pdf": {}, ".mp3": {}, ".wav": {}, ".mp4": {}, ".avi": {}, ".mov": {},
	".zip": {}, ".rar": {}, ".doc": {}, ".docx": {}, ".xls": {}, ".xlsx": {},
	".ppt": {}, ".pptx": {},
}

// FromExtension infers a mime type from the filename's extension. Returns
// DefaultMime when the extension is unknown or absent.
func FromExtension(filename string) string {
	if filename == "" {
		return DefaultMime
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if m, ok := extensionMime[ext]; ok {
		return m
	}
	if m := mime.TypeByExtension(ext); m != "" {
		// Strip any charset parameter the stdlib database appends.
		if i := strings.IndexByte(m, ';'); i >= 0 {
			m = strings.TrimSpace(m[:i])
		}
		return m
	}
	return DefaultMime
}

// FromMagic matches sample against the signature table. ISO media files
// (mp4, m4a, mov) carry their "ftyp" marker at offset 4 rather than 0.
// Returns "" when nothing matches.
func FromMagic(sample []byte) string {
	if len(sample) == 0 {
		return ""
	}
	for _, sig := range magicSignatures {
		if bytes.HasPrefix(sample, sig.prefix) {
			return sig.mime
		}
	}
	if len(sample) >= 8 && bytes.Equal(sample[4:8], []byte("ftyp")) {
		return "video/mp4"
	}
	return ""
}

// FromFile detects a mime type from the blob at path: magic numbers first
// (with ZIP containers inspected for Office OpenXML layouts), then the text
// heuristic. Returns "" when the content is unrecognizable.
func FromFile(path string, sample []byte) string {
	m := FromMagic(sample)
	if m == "application/zip" {
		if office := detectOfficeType(path); office != "" {
			return office
		}
		return m
	}
	if m != "" {
		return m
	}
	if LooksLikeText(sample) {
		return "text/plain"
	}
	return ""
}

// detectOfficeType opens a ZIP container and classifies it by its top-level
// directory layout. Returns "" when the archive is unreadable.
func detectOfficeType(path string) string {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return ""
	}
	defer archive.Close()

	for _, f := range archive.File {
		switch {
		case strings.HasPrefix(f.Name, "word/"):
			return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
		case strings.HasPrefix(f.Name, "ppt/"):
			return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
		case strings.HasPrefix(f.Name, "xl/"):
			return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		}
	}
	return "application/zip"
}

// LooksLikeText reports whether sample is predominantly printable: bytes in
// the printable ASCII range plus common control characters must make up more
// than 90% of the sample.
func LooksLikeText(sample []byte) bool {
	if len(sample) == 0 {
		return false
	}
	nontext := 0
	for _, b := range sample {
		switch {
		case b >= 32 && b < 127:
		case b == 7 || b == 8 || b == 9 || b == 10 || b == 12 || b == 13 || b == 27:
		default:
			nontext++
		}
	}
	return float64(nontext)/float64(len(sample)) < 0.1
}

// ShouldCorrect reports whether a declared mime type is untrustworthy for
// the named file: missing, the octet-stream placeholder, or a text/* label
// on an extension that is always binary.
func ShouldCorrect(declared, filename string) bool {
	if declared == "" || declared == DefaultMime {
		return true
	}
	if strings.HasPrefix(declared, "text/") {
		ext := strings.ToLower(filepath.Ext(filename))
		if _, binary := binaryExtensions[ext]; binary {
			return true
		}
	}
	return false
}

// ExtensionFor returns a file extension for the given mime type, preferring
// the table's canonical extensions over the stdlib database. Defaults to
// ".bin" when the type is unknown.
func ExtensionFor(mimeType string) string {
	if mimeType == "" {
		return ".bin"
	}
	for _, sig := range magicSignatures {
		if sig.mime == mimeType {
			return sig.ext
		}
	}
	for ext, m := range extensionMime {
		if m == mimeType {
			// Prefer the short jpeg/html forms over their aliases.
			if ext == ".jpeg" || ext == ".htm" {
				continue
			}
			return ext
		}
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	switch mimeType {
	case "text/plain":
		return ".txt"
	case "application/json":
		return ".json"
	case "application/xml":
		return ".xml"
	}
	return ".bin"
}

// NormalizeFilename strips any directory components and surrounding
// whitespace from a caller-supplied filename. Returns "" when nothing
// usable remains.
func NormalizeFilename(filename string) string {
	if filename == "" {
		return ""
	}
	return strings.TrimSpace(filepath.Base(filename))
}

// FallbackFilename builds a deterministic name for content that arrived
// without one: file_<digest[:8]><ext>.
func FallbackFilename(digest, mimeType string) string {
	short := digest
	if short == "" {
		short = "file"
	}
	if len(short) > 8 {
		short = short[:8]
	}
	return "file_" + short + ExtensionFor(mimeType)
}
