package cache

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CberYellowstone/geminiproxy/internal/gemini"
	"github.com/CberYellowstone/geminiproxy/internal/metrics"
)

var trailingDigestRe = regexp.MustCompile(`[0-9a-f]{64}$`)

// Registry is the in-memory metadata index over the blob store. It maps
// digests to entries and alias strings (cloud names, URIs, caller-supplied
// ids) back to digests, and keeps tombstones for explicitly deleted content
// so late executor responses cannot resurrect it.
//
// All methods are safe for concurrent use. Returned entries are snapshots;
// mutations go through registry methods only.
type Registry struct {
	mu sync.RWMutex
	// entries and aliases index live content; totalBytes counts bytes on
	// disk, so stubs contribute nothing.
	entries    map[string]*Entry
	aliases    map[string]string
	totalBytes int64
	// tombstones record explicit deletions. tombstoneAliases keep the
	// dead entry's aliases resolvable so delayed lookups report the
	// deletion instead of a miss.
	tombstones       map[string]struct{}
	tombstoneAliases map[string]string

	store   *Store
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRegistry creates an empty registry over the store.
func NewRegistry(store *Store, m *metrics.Metrics, logger *zap.Logger) *Registry {
	return &Registry{
		entries:          make(map[string]*Entry),
		aliases:          make(map[string]string),
		tombstones:       make(map[string]struct{}),
		tombstoneAliases: make(map[string]string),
		store:            store,
		metrics:          m,
		logger:           logger.Named("registry"),
	}
}

// Upsert records a committed blob. If a live non-stub entry already holds
// the digest the call is a no-op returning the existing entry and true. A
// stub entry is materialized in place, keeping its replicas and aliases.
// Upserting clears any tombstone: an explicit re-upload legitimately
// recreates deleted content.
func (r *Registry) Upsert(digest, path, filename, mimeType string, size int64) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clearTombstoneLocked(digest)
	if e, ok := r.entries[digest]; ok {
		if !e.Stub {
			return copyEntry(e), true
		}
		e.Path = path
		e.Filename = filename
		e.MimeType = mimeType
		e.Size = size
		e.Stub = false
		e.LastAccess = time.Now().UTC()
		r.totalBytes += size
		r.publishGauges()
		r.logger.Info("materialized stub entry",
			zap.String("digest", digest), zap.Int64("size", size))
		return copyEntry(e), true
	}

	now := time.Now().UTC()
	e := &Entry{
		Digest:     digest,
		Path:       path,
		Filename:   filename,
		MimeType:   mimeType,
		Size:       size,
		CreatedAt:  now,
		LastAccess: now,
		Replicas:   make(map[string]Replica),
	}
	r.entries[digest] = e
	r.aliases[digest] = digest
	r.totalBytes += size
	r.publishGauges()
	r.logger.Info("registered cache entry",
		zap.String("digest", digest),
		zap.String("filename", filename),
		zap.String("mime_type", mimeType),
		zap.Int64("size", size))
	return copyEntry(e), false
}

// EnsureRemoteStub guarantees a registry record for content known only from
// a cloud descriptor, so scheduling and lookups can see it. The descriptor's
// sha256Hash names the digest; an empty placeholder blob is written when the
// entry does not exist yet. The reporting executor is recorded as synced.
func (r *Registry) EnsureRemoteStub(remote gemini.File, executorID string) (Entry, error) {
	digest, ok := gemini.ParseSHA256(remote.SHA256Hash)
	if !ok {
		return Entry{}, ErrNotFound
	}

	r.mu.Lock()
	if _, dead := r.tombstones[digest]; dead {
		r.mu.Unlock()
		return Entry{}, ErrNotFound
	}
	if _, ok := r.entries[digest]; !ok {
		path, err := r.store.WriteStub(digest)
		if err != nil {
			r.mu.Unlock()
			return Entry{}, err
		}
		now := time.Now().UTC()
		e := &Entry{
			Digest:     digest,
			Path:       path,
			Filename:   remote.DisplayName,
			MimeType:   remote.MimeType,
			CreatedAt:  now,
			LastAccess: now,
			Stub:       true,
			Replicas:   make(map[string]Replica),
		}
		if n, err := parseSize(remote.SizeBytes); err == nil {
			e.Size = n
		}
		r.entries[digest] = e
		r.aliases[digest] = digest
		r.publishGauges()
		r.logger.Info("created stub entry from remote descriptor",
			zap.String("digest", digest), zap.String("remote_name", remote.Name))
	}
	r.mu.Unlock()

	if err := r.UpdateReplication(digest, executorID, ReplicaSynced, &remote); err != nil {
		return Entry{}, err
	}
	e, _ := r.Get(digest)
	return e, nil
}

// Get returns a snapshot of the entry for a digest.
func (r *Registry) Get(digest string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[digest]
	if !ok {
		return Entry{}, false
	}
	return copyEntry(e), true
}

// Touch bumps the entry's last-accessed timestamp.
func (r *Registry) Touch(digest string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[digest]; ok {
		e.LastAccess = time.Now().UTC()
	}
}

// Resolve maps any accepted reference form to an entry snapshot. Lookup
// order: direct alias or digest, the trailing segment of a "files/<id>"
// name, a full-URI scan over replication records, a remote-name scan, and
// finally a trailing 64-hex-char match. Scan hits backfill the alias map so
// the next lookup is direct.
func (r *Registry) Resolve(ref string) (Entry, bool) {
	if ref == "" {
		return Entry{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	digest, ok := r.resolveLocked(ref)
	if !ok {
		return Entry{}, false
	}
	return copyEntry(r.entries[digest]), true
}

func (r *Registry) resolveLocked(ref string) (string, bool) {
	if d, ok := r.liveAliasLocked(ref); ok {
		return d, true
	}
	if _, ok := r.entries[ref]; ok {
		return ref, true
	}
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		tail := ref[i+1:]
		if d, ok := r.liveAliasLocked(tail); ok {
			r.registerAliasLocked(ref, d)
			return d, true
		}
		if _, ok := r.entries[tail]; ok {
			r.registerAliasLocked(ref, tail)
			return tail, true
		}
	}
	for digest, e := range r.entries {
		for _, rep := range e.Replicas {
			if rep.Status != ReplicaSynced {
				continue
			}
			if rep.Remote.URI == ref || rep.Remote.DownloadURI == ref {
				r.registerAliasLocked(ref, digest)
				return digest, true
			}
		}
	}
	for digest, e := range r.entries {
		for _, rep := range e.Replicas {
			if rep.Status == ReplicaSynced && rep.Remote.Name == ref {
				r.registerAliasLocked(ref, digest)
				return digest, true
			}
		}
	}
	if m := trailingDigestRe.FindString(ref); m != "" {
		if _, ok := r.entries[m]; ok {
			r.registerAliasLocked(ref, m)
			return m, true
		}
	}
	return "", false
}

func (r *Registry) liveAliasLocked(ref string) (string, bool) {
	d, ok := r.aliases[ref]
	if !ok {
		return "", false
	}
	if _, live := r.entries[d]; !live {
		return "", false
	}
	return d, true
}

// RegisterAliases maps additional reference strings to a digest.
func (r *Registry) RegisterAliases(digest string, refs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[digest]; !ok {
		return
	}
	for _, ref := range refs {
		if ref != "" {
			r.registerAliasLocked(ref, digest)
		}
	}
}

func (r *Registry) registerAliasLocked(ref, digest string) {
	if prev, ok := r.aliases[ref]; ok && prev != digest {
		r.logger.Warn("alias remapped to a different digest",
			zap.String("alias", ref),
			zap.String("old_digest", prev),
			zap.String("new_digest", digest))
	}
	r.aliases[ref] = digest
}

// UpdateReplication sets the executor's replication record. On a transition
// to synced the remote descriptor's name and URIs become aliases and, on the
// entry's first success, its expiration is adopted. On demotion from synced
// those aliases are dropped.
func (r *Registry) UpdateReplication(digest, executorID string, status ReplicaStatus, remote *gemini.File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[digest]
	if !ok {
		return ErrNotFound
	}

	if old, ok := e.Replicas[executorID]; ok && old.Status == ReplicaSynced && status != ReplicaSynced {
		r.removeAliasesLocked(old.Remote.Name, old.Remote.URI, old.Remote.DownloadURI)
	}

	switch status {
	case ReplicaSynced:
		if remote == nil {
			return ErrInvalidCommand
		}
		e.Replicas[executorID] = Replica{Status: ReplicaSynced, Remote: *remote}
		for _, ref := range []string{remote.Name, remote.URI, remote.DownloadURI} {
			if ref != "" {
				r.registerAliasLocked(ref, digest)
			}
		}
		if e.ExpiresAt.IsZero() {
			if t := remote.Expiration(); !t.IsZero() {
				e.ExpiresAt = t
			}
		}
	default:
		e.Replicas[executorID] = Replica{Status: status}
	}
	return nil
}

// ResetReplication clears every replication record of the entry, forcing the
// next scheduling pass to re-upload everywhere. Remote aliases are dropped.
func (r *Registry) ResetReplication(digest string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[digest]
	if !ok {
		return
	}
	for _, rep := range e.Replicas {
		if rep.Status == ReplicaSynced {
			r.removeAliasesLocked(rep.Remote.Name, rep.Remote.URI, rep.Remote.DownloadURI)
		}
	}
	e.Replicas = make(map[string]Replica)
	e.ExpiresAt = time.Time{}
}

func (r *Registry) removeAliasesLocked(refs ...string) {
	for _, ref := range refs {
		if ref != "" {
			delete(r.aliases, ref)
		}
	}
}

// Entries returns snapshots of every live entry.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, copyEntry(e))
	}
	return out
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// TotalBytes returns the bytes on disk across live entries. Stub entries
// count as zero.
func (r *Registry) TotalBytes() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalBytes
}

// Delete destroys the entry and its blob without leaving a tombstone, as
// eviction does. Returns false when the digest is unknown.
func (r *Registry) Delete(digest string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyLocked(digest, false)
}

// Tombstone destroys the entry and records the deletion so delayed executor
// responses cannot resurrect it. Used for explicit caller deletes.
func (r *Registry) Tombstone(digest string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyLocked(digest, true)
}

// IsTombstoned reports whether the digest or reference names explicitly
// deleted content.
func (r *Registry) IsTombstoned(ref string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.tombstones[ref]; ok {
		return true
	}
	if _, ok := r.tombstoneAliases[ref]; ok {
		return true
	}
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		if _, ok := r.tombstones[ref[i+1:]]; ok {
			return true
		}
	}
	return false
}

func (r *Registry) clearTombstoneLocked(digest string) {
	if _, ok := r.tombstones[digest]; !ok {
		return
	}
	delete(r.tombstones, digest)
	for ref, d := range r.tombstoneAliases {
		if d == digest {
			delete(r.tombstoneAliases, ref)
		}
	}
}

func (r *Registry) destroyLocked(digest string, tombstone bool) bool {
	e, ok := r.entries[digest]
	if !ok {
		return false
	}
	for ref, d := range r.aliases {
		if d != digest {
			continue
		}
		delete(r.aliases, ref)
		if tombstone {
			r.tombstoneAliases[ref] = digest
		}
	}
	if tombstone {
		r.tombstones[digest] = struct{}{}
	}
	delete(r.entries, digest)
	if !e.Stub {
		r.totalBytes -= e.Size
	}
	if err := r.store.Delete(digest); err != nil {
		r.logger.Warn("failed to delete blob", zap.String("digest", digest), zap.Error(err))
	}
	r.publishGauges()
	return true
}

func (r *Registry) publishGauges() {
	if r.metrics == nil {
		return
	}
	r.metrics.CacheBytes.Set(float64(r.totalBytes))
	r.metrics.CacheEntries.Set(float64(len(r.entries)))
}

func parseSize(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
