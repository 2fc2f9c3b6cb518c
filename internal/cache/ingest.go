package cache

import (
	"fmt"
	"io"
	"mime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CberYellowstone/geminiproxy/internal/metrics"
	"github.com/CberYellowstone/geminiproxy/internal/mimesniff"
)

// sniffSampleSize is how many leading bytes content sniffing looks at.
const sniffSampleSize = 8192

// SessionMeta carries the metadata declared when a resumable upload starts.
type SessionMeta struct {
	DisplayName string
	MimeType    string
	// SizeBytes is the declared total size; zero means undeclared and
	// skips the finalize size check.
	SizeBytes int64
}

// ChunkResult reports the outcome of one upload chunk.
type ChunkResult struct {
	// Complete is true once the finalize command has run; Entry is then
	// valid.
	Complete bool
	// Offset is the total bytes received so far, which is the offset the
	// next chunk must declare.
	Offset int64
	Entry  Entry
	// AlreadyPresent is true when the content deduplicated against an
	// existing entry and no new blob was kept.
	AlreadyPresent bool
}

type uploadSession struct {
	id        string
	meta      SessionMeta
	createdAt time.Time
	updatedAt time.Time
	writer    *BlobWriter
	finalized bool
}

// Ingestor manages resumable upload sessions and turns their bytes into
// content-addressed cache entries. A single mutex covers all sessions;
// uploads are rare enough that per-session locking is not worth the
// bookkeeping.
type Ingestor struct {
	mu       sync.Mutex
	sessions map[string]*uploadSession

	store    *Store
	registry *Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewIngestor creates an ingestor over the store and registry.
func NewIngestor(store *Store, registry *Registry, m *metrics.Metrics, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		sessions: make(map[string]*uploadSession),
		store:    store,
		registry: registry,
		metrics:  m,
		logger:   logger.Named("ingest"),
	}
}

// CreateSession opens a resumable upload session and returns its id.
func (i *Ingestor) CreateSession(meta SessionMeta) string {
	id := uuid.NewString()
	now := time.Now().UTC()
	i.mu.Lock()
	i.sessions[id] = &uploadSession{id: id, meta: meta, createdAt: now, updatedAt: now}
	i.publishGauge()
	i.mu.Unlock()
	i.logger.Info("upload session created",
		zap.String("session_id", id),
		zap.String("display_name", meta.DisplayName),
		zap.Int64("declared_size", meta.SizeBytes))
	return id
}

// Len returns the number of open sessions, finalized ones included.
func (i *Ingestor) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.sessions)
}

// Append applies one chunk to a session. command is the raw upload command
// header; accepted tokens are "upload" and "finalize", alone or combined.
// The chunk's offset must equal the bytes received so far or the session is
// discarded with ErrOffsetMismatch. A finalize after finalize returns
// ErrInvalidCommand.
func (i *Ingestor) Append(id string, offset int64, command string, body io.Reader, contentType string) (ChunkResult, error) {
	upload, finalize, err := parseUploadCommand(command)
	if err != nil {
		return ChunkResult{}, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	sess, ok := i.sessions[id]
	if !ok {
		return ChunkResult{}, ErrSessionNotFound
	}
	if sess.finalized {
		return ChunkResult{}, fmt.Errorf("%w: session already finalized", ErrInvalidCommand)
	}
	if sess.writer == nil {
		w, err := i.store.NewWriter("chunk_" + id)
		if err != nil {
			return ChunkResult{}, err
		}
		sess.writer = w
	}
	if offset != sess.writer.Size() {
		expected := sess.writer.Size()
		i.discardLocked(sess)
		return ChunkResult{}, fmt.Errorf("%w: got %d, expected %d", ErrOffsetMismatch, offset, expected)
	}
	sess.updatedAt = time.Now().UTC()

	if upload {
		if _, err := io.Copy(sess.writer, body); err != nil {
			i.discardLocked(sess)
			return ChunkResult{}, fmt.Errorf("write upload chunk: %w", err)
		}
	}
	if !finalize {
		return ChunkResult{Offset: sess.writer.Size()}, nil
	}

	if sess.meta.SizeBytes > 0 && sess.writer.Size() != sess.meta.SizeBytes {
		got := sess.writer.Size()
		i.discardLocked(sess)
		return ChunkResult{}, fmt.Errorf("%w: received %d, declared %d", ErrInvalidSize, got, sess.meta.SizeBytes)
	}

	entry, existed, err := i.finishWriter(sess.writer, sess.meta.DisplayName, contentType, sess.meta.MimeType)
	if err != nil {
		i.discardLocked(sess)
		return ChunkResult{}, err
	}
	// Keep the finalized session around until the sweep so a repeated
	// finalize is answered with ErrInvalidCommand instead of a 404.
	sess.writer = nil
	sess.finalized = true
	sess.updatedAt = time.Now().UTC()
	i.logger.Info("upload session finalized",
		zap.String("session_id", id),
		zap.String("digest", entry.Digest),
		zap.Int64("size", entry.Size),
		zap.Bool("deduplicated", existed))
	return ChunkResult{Complete: true, Offset: entry.Size, Entry: entry, AlreadyPresent: existed}, nil
}

// IngestStream writes a complete reader into the cache in one shot, used for
// server-side fetches. declaredSize of zero skips the size check.
func (i *Ingestor) IngestStream(body io.Reader, displayName, contentType, declaredMime string, declaredSize int64) (Entry, bool, error) {
	w, err := i.store.NewWriter("temp_" + uuid.NewString())
	if err != nil {
		return Entry{}, false, err
	}
	if _, err := io.Copy(w, body); err != nil {
		w.Cancel()
		return Entry{}, false, fmt.Errorf("write stream: %w", err)
	}
	if declaredSize > 0 && w.Size() != declaredSize {
		got := w.Size()
		w.Cancel()
		return Entry{}, false, fmt.Errorf("%w: received %d, declared %d", ErrInvalidSize, got, declaredSize)
	}
	return i.finishWriter(w, displayName, contentType, declaredMime)
}

// finishWriter deduplicates, commits and registers a fully written blob.
func (i *Ingestor) finishWriter(w *BlobWriter, displayName, contentType, declaredMime string) (Entry, bool, error) {
	digest := w.Digest()
	if e, ok := i.registry.Get(digest); ok && !e.Stub {
		w.Cancel()
		i.registry.Touch(digest)
		return e, true, nil
	}
	path, err := w.Commit()
	if err != nil {
		return Entry{}, false, err
	}
	mimeType := i.pickMime(contentType, declaredMime, displayName, path)
	name := mimesniff.NormalizeFilename(displayName)
	if name == "" {
		name = mimesniff.FallbackFilename(digest, mimeType)
	}
	e, existed := i.registry.Upsert(digest, path, name, mimeType, w.Size())
	return e, existed, nil
}

// pickMime chooses the entry's mime type: transport Content-Type, declared
// mime from session init, content sniffing, extension mapping, then the
// octet-stream fallback. A text/* label on content that sniffs as binary is
// treated as wrong and the sniffed type wins.
func (i *Ingestor) pickMime(contentType, declared, filename, path string) string {
	candidate := ""
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt != "" && mt != mimesniff.DefaultMime {
		candidate = mt
	}
	if candidate == "" && declared != "" && declared != mimesniff.DefaultMime {
		candidate = declared
	}

	sniffed := mimesniff.FromFile(path, i.store.ReadSample(path, sniffSampleSize))
	if candidate != "" {
		if strings.HasPrefix(candidate, "text/") && sniffed != "" && !strings.HasPrefix(sniffed, "text/") {
			return sniffed
		}
		return candidate
	}
	if sniffed != "" {
		return sniffed
	}
	if m := mimesniff.FromExtension(filename); m != mimesniff.DefaultMime {
		return m
	}
	return mimesniff.DefaultMime
}

// SweepSessions drops sessions idle longer than maxAge and returns how many
// were removed.
func (i *Ingestor) SweepSessions(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)
	i.mu.Lock()
	defer i.mu.Unlock()
	removed := 0
	for id, sess := range i.sessions {
		if sess.updatedAt.After(cutoff) {
			continue
		}
		i.discardLocked(sess)
		removed++
		if !sess.finalized {
			i.logger.Info("expired upload session",
				zap.String("session_id", id),
				zap.Duration("max_age", maxAge))
		}
	}
	return removed
}

// CloseAll discards every session, canceling in-flight staging files. Called
// on shutdown.
func (i *Ingestor) CloseAll() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, sess := range i.sessions {
		i.discardLocked(sess)
	}
}

func (i *Ingestor) discardLocked(sess *uploadSession) {
	if sess.writer != nil {
		sess.writer.Cancel()
		sess.writer = nil
	}
	delete(i.sessions, sess.id)
	i.publishGauge()
}

func (i *Ingestor) publishGauge() {
	if i.metrics != nil {
		i.metrics.UploadSessions.Set(float64(len(i.sessions)))
	}
}

// parseUploadCommand splits the upload command header into its upload and
// finalize flags. Unknown tokens or an empty header are invalid.
func parseUploadCommand(command string) (upload, finalize bool, err error) {
	for _, tok := range strings.Split(command, ",") {
		switch strings.ToLower(strings.TrimSpace(tok)) {
		case "upload":
			upload = true
		case "finalize":
			finalize = true
		case "":
		default:
			return false, false, fmt.Errorf("%w: %q", ErrInvalidCommand, strings.TrimSpace(tok))
		}
	}
	if !upload && !finalize {
		return false, false, fmt.Errorf("%w: missing upload command", ErrInvalidCommand)
	}
	return upload, finalize, nil
}
