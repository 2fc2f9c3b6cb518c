package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/CberYellowstone/geminiproxy/internal/broker"
	"github.com/CberYellowstone/geminiproxy/internal/cache"
	"github.com/CberYellowstone/geminiproxy/internal/executor"
	"github.com/CberYellowstone/geminiproxy/internal/gemini"
	"github.com/CberYellowstone/geminiproxy/internal/mimesniff"
	"github.com/CberYellowstone/geminiproxy/internal/replication"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// FileHandler serves the file namespace: the resumable upload protocol,
// server-side URL ingestion, metadata list/get/delete, and the internal
// blob download executors use to pull content.
type FileHandler struct {
	registry  *cache.Registry
	store     *cache.Store
	ingest    *cache.Ingestor
	executors *executor.Registry
	dispatch  *broker.Dispatcher
	engine    *replication.Engine
	baseURL   string

	// fetchWait throttles server-side URL fetches so the broker cannot be
	// turned into a high-volume download proxy.
	fetchWait *rate.Limiter
	client    *http.Client
	logger    *zap.Logger
}

// NewFileHandler creates a FileHandler from the router dependencies.
func NewFileHandler(cfg RouterConfig) *FileHandler {
	rps := cfg.UploadFetchRPS
	if rps <= 0 {
		rps = 1
	}
	return &FileHandler{
		registry:  cfg.Registry,
		store:     cfg.Store,
		ingest:    cfg.Ingestor,
		executors: cfg.Executors,
		dispatch:  cfg.Dispatcher,
		engine:    cfg.Engine,
		baseURL:   strings.TrimRight(cfg.ProxyBaseURL, "/"),
		fetchWait: rate.NewLimiter(rate.Limit(rps), 1),
		client:    &http.Client{Timeout: cfg.Dispatcher.Timeout()},
		logger:    cfg.Logger.Named("file_handler"),
	}
}

// InitiateUpload handles POST /upload/v1beta/files. It opens an upload
// session and answers with the session URL in X-Goog-Upload-URL, mirroring
// the cloud's resumable protocol. Metadata arrives both in the JSON body
// ({"file": {...}}, camelCase or snake_case keys) and in the
// X-Goog-Upload-Header-* request headers; headers win for size and mime.
func (h *FileHandler) InitiateUpload(w http.ResponseWriter, r *http.Request) {
	var body struct {
		File map[string]any `json:"file"`
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeStatusError(w, http.StatusBadRequest, "could not read request body")
		return
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			writeStatusError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	mimeType := r.Header.Get(gemini.HeaderUploadContentType)
	if mimeType == "" {
		mimeType = firstString(body.File, "mimeType", "mime_type")
	}
	size, _ := strconv.ParseInt(r.Header.Get(gemini.HeaderUploadContentLength), 10, 64)

	id := h.ingest.CreateSession(cache.SessionMeta{
		DisplayName: firstString(body.File, "displayName", "display_name"),
		MimeType:    mimeType,
		SizeBytes:   size,
	})

	w.Header().Set(gemini.HeaderUploadURL, h.baseURL+"/v1beta/files/upload/"+id)
	w.Header().Set(gemini.HeaderUploadStatus, gemini.UploadStatusActive)
	w.WriteHeader(http.StatusOK)
}

// UploadChunk handles PUT and POST /v1beta/files/upload/{session}. Each
// request carries a byte range at X-Goog-Upload-Offset and a command set at
// X-Goog-Upload-Command. A missing command header means a single-shot body,
// which some clients send, and is treated as "upload, finalize". Non-final
// chunks answer 308 with the next expected offset; the finalize answer is
// the file descriptor of a synced remote copy.
func (h *FileHandler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	session := chi.URLParam(r, "session")
	command := r.Header.Get(gemini.HeaderUploadCommand)
	if command == "" {
		command = gemini.UploadCommandUploadFinalize
	}

	res, err := h.ingest.Append(session, chunkOffset(r), command, r.Body, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if !res.Complete {
		// 308 doubles as "resume incomplete" in the upload protocol.
		w.Header().Set(gemini.HeaderUploadStatus, gemini.UploadStatusActive)
		w.Header().Set(gemini.HeaderUploadOffset, strconv.FormatInt(res.Offset, 10))
		w.WriteHeader(http.StatusPermanentRedirect)
		return
	}

	remote, err := h.publish(r.Context(), res.Entry)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set(gemini.HeaderUploadStatus, gemini.UploadStatusFinal)
	writeJSON(w, http.StatusOK, gemini.UploadResponse{File: remote})
}

// UploadFromURL handles POST /v1beta/files:uploadFromUrl, a broker extension
// that fetches a remote resource into the cache server-side and then
// publishes it like a finished upload. The display name falls back to the
// URL's path base.
func (h *FileHandler) UploadFromURL(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL         string `json:"url"`
		DisplayName string `json:"displayName"`
		MimeType    string `json:"mimeType"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	u, err := url.Parse(strings.TrimSpace(body.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeStatusError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}

	if err := h.fetchWait.Wait(r.Context()); err != nil {
		writeError(w, h.logger, err)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u.String(), nil)
	if err != nil {
		writeStatusError(w, http.StatusBadRequest, "invalid url: "+err.Error())
		return
	}
	resp, err := h.client.Do(req)
	if err != nil {
		writeStatusError(w, http.StatusBadGateway, "fetching url failed: "+err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		writeStatusError(w, http.StatusBadGateway, fmt.Sprintf("origin returned status %d", resp.StatusCode))
		return
	}

	name := strings.TrimSpace(body.DisplayName)
	if name == "" {
		name = mimesniff.NormalizeFilename(path.Base(u.Path))
	}

	entry, _, err := h.ingest.IngestStream(resp.Body, name, resp.Header.Get("Content-Type"), body.MimeType, resp.ContentLength)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.logger.Info("ingested remote url",
		zap.String("url", u.String()),
		zap.String("digest", entry.Digest),
		zap.Int64("size", entry.Size))

	remote, err := h.publish(r.Context(), entry)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, gemini.UploadResponse{File: remote})
}

// List handles GET /v1beta/files. Only content with at least one synced
// remote copy is listed, one descriptor per digest, newest first. The page
// token is the stringified start index of the next page.
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pageSize := defaultPageSize
	if v := q.Get("pageSize"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	start := 0
	if v := q.Get("pageToken"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			start = n
		}
	}

	entries := h.registry.Entries()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	files := make([]gemini.File, 0, len(entries))
	for _, e := range entries {
		if _, rep, ok := e.FirstSynced(); ok {
			files = append(files, rep.Remote)
		}
	}

	if start > len(files) {
		start = len(files)
	}
	end := start + pageSize
	if end > len(files) {
		end = len(files)
	}

	resp := gemini.ListFilesResponse{Files: files[start:end]}
	if end < len(files) {
		resp.NextPageToken = strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /v1beta/files/{name}. The answer is the stored descriptor
// of a synced remote copy, preferring the copy whose remote name matches the
// request. With ?verifyRemote=true the owning executor is asked for the file
// first; a remote not-found demotes that replica before the local answer is
// assembled, so a lost copy stops being reported.
func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	ref := strings.Trim(chi.URLParam(r, "*"), "/")
	entry, ok := h.resolveRef(ref)
	if !ok {
		writeStatusError(w, http.StatusNotFound, "file not found")
		return
	}
	executorID, rep, ok := syncedReplicaFor(entry, ref)
	if !ok {
		writeStatusError(w, http.StatusNotFound, "file not found")
		return
	}

	if verify, _ := strconv.ParseBool(r.URL.Query().Get("verifyRemote")); verify {
		if h.verifyReplica(r.Context(), entry.Digest, executorID, rep) {
			entry, ok = h.registry.Get(entry.Digest)
			if !ok {
				writeStatusError(w, http.StatusNotFound, "file not found")
				return
			}
			if _, rep, ok = syncedReplicaFor(entry, ref); !ok {
				writeStatusError(w, http.StatusNotFound, "file not found")
				return
			}
		}
	}

	h.registry.Touch(entry.Digest)
	writeJSON(w, http.StatusOK, rep.Remote)
}

// Delete handles DELETE /v1beta/files/{name}. The entry is tombstoned
// locally and every synced remote copy gets a fire-and-forget delete; a miss
// still answers 200 so deletes are idempotent.
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ref := strings.Trim(chi.URLParam(r, "*"), "/")
	entry, ok := h.resolveRef(ref)
	if !ok {
		writeRaw(w, http.StatusOK, nil)
		return
	}

	dispatched := 0
	for executorID, rep := range entry.Replicas {
		if rep.Status == cache.ReplicaSynced && rep.Remote.Name != "" {
			h.engine.DeleteRemote(executorID, rep.Remote.Name)
			dispatched++
		}
	}
	h.registry.Tombstone(entry.Digest)

	h.logger.Info("file deleted",
		zap.String("digest", entry.Digest),
		zap.Int("remote_deletes", dispatched))
	writeRaw(w, http.StatusOK, nil)
}

// InternalDownload handles GET /v1beta/files/internal/{digest}/{token}:download,
// the endpoint executors pull blob content from. The token segment keeps the
// URL shape executors already expect; it is accepted as-is and not verified.
func (h *FileHandler) InternalDownload(w http.ResponseWriter, r *http.Request) {
	digest := chi.URLParam(r, "digest")
	entry, ok := h.registry.Get(digest)
	if !ok || entry.Stub {
		writeStatusError(w, http.StatusNotFound, "file not found in cache")
		return
	}

	f, err := h.store.Open(entry.Digest)
	if err != nil {
		writeStatusError(w, http.StatusNotFound, "file not found in cache")
		return
	}
	defer f.Close()
	h.registry.Touch(entry.Digest)

	mimeType := entry.MimeType
	if mimeType == "" {
		mimeType = mimesniff.DefaultMime
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", entry.Filename))
	// Empty name plus a preset Content-Type keeps ServeContent from
	// re-sniffing; it still gets range and conditional handling.
	http.ServeContent(w, r, "", entry.CreatedAt, f)
}

// publish guarantees the entry has at least one synced remote copy and
// returns its descriptor. Deduplicated uploads reuse the existing copy;
// fresh content replicates synchronously to the round-robin executor.
func (h *FileHandler) publish(ctx context.Context, entry cache.Entry) (gemini.File, error) {
	if _, rep, ok := entry.FirstSynced(); ok {
		h.registry.Touch(entry.Digest)
		return rep.Remote, nil
	}
	ch, err := h.executors.Next()
	if err != nil {
		return gemini.File{}, err
	}
	return h.engine.Replicate(ctx, entry.Digest, ch.ID())
}

// verifyReplica asks the owning executor whether the remote copy still
// exists. Returns true when the copy is gone and the replica was demoted.
// Errors other than a remote not-found leave the record alone: a timeout or
// a disconnect says nothing about the file.
func (h *FileHandler) verifyReplica(ctx context.Context, digest, executorID string, rep cache.Replica) bool {
	ch, connected := h.executors.Get(executorID)
	if !connected {
		return false
	}
	payload, err := json.Marshal(map[string]string{"name": rep.Remote.Name})
	if err != nil {
		return false
	}
	_, err = h.dispatch.Do(ctx, ch, executor.CmdGetFile, payload)
	if err == nil {
		return false
	}
	if !remoteNotFound(err) {
		h.logger.Warn("remote verification inconclusive",
			zap.String("digest", digest),
			zap.String("executor_id", executorID),
			zap.Error(err))
		return false
	}

	h.logger.Warn("remote copy lost, demoting replica",
		zap.String("digest", digest),
		zap.String("executor_id", executorID),
		zap.String("remote_name", rep.Remote.Name))
	if err := h.registry.UpdateReplication(digest, executorID, cache.ReplicaFailed, nil); err != nil {
		return false
	}
	return true
}

// resolveRef resolves a caller-supplied file reference, also trying the
// files/ resource prefix the caller usually strips off in the URL path.
func (h *FileHandler) resolveRef(ref string) (cache.Entry, bool) {
	if ref == "" {
		return cache.Entry{}, false
	}
	if e, ok := h.registry.Resolve(ref); ok {
		return e, true
	}
	if !strings.HasPrefix(ref, "files/") {
		return h.registry.Resolve("files/" + ref)
	}
	return cache.Entry{}, false
}

// syncedReplicaFor picks the replica to answer with: the synced copy whose
// remote name matches the requested ref if there is one, else the first
// synced copy in executor-id order.
func syncedReplicaFor(entry cache.Entry, ref string) (string, cache.Replica, bool) {
	want := ref
	if !strings.HasPrefix(want, "files/") {
		want = "files/" + ref
	}
	ids := make([]string, 0, len(entry.Replicas))
	for id, rep := range entry.Replicas {
		if rep.Status == cache.ReplicaSynced {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		if entry.Replicas[id].Remote.Name == want {
			return id, entry.Replicas[id], true
		}
	}
	return entry.FirstSynced()
}

// remoteNotFound reports whether the executor answered that the remote file
// does not exist, as opposed to failing to answer at all.
func remoteNotFound(err error) bool {
	var remote *broker.RemoteError
	if !errors.As(err, &remote) {
		return false
	}
	return remote.Code == http.StatusNotFound ||
		strings.Contains(strings.ToLower(remote.Message), "not found")
}

// chunkOffset reads the chunk's declared offset: the protocol header first,
// then a Content-Range start for clients that speak plain HTTP ranges, then
// zero for single-shot bodies.
func chunkOffset(r *http.Request) int64 {
	if v := r.Header.Get(gemini.HeaderUploadOffset); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	if cr := r.Header.Get("Content-Range"); cr != "" {
		cr = strings.TrimPrefix(cr, "bytes ")
		if i := strings.IndexByte(cr, '-'); i > 0 {
			if n, err := strconv.ParseInt(cr[:i], 10, 64); err == nil && n >= 0 {
				return n
			}
		}
	}
	return 0
}

// firstString returns the first non-empty string value under the given keys.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
