package cache

import (
	"sort"
	"time"

	"github.com/CberYellowstone/geminiproxy/internal/gemini"
)

// ReplicaStatus tracks one executor's copy of a blob.
type ReplicaStatus string

const (
	// ReplicaPending means an upload to the executor is in flight.
	ReplicaPending ReplicaStatus = "pending"
	// ReplicaSynced means the executor holds the content and returned a
	// cloud descriptor for it.
	ReplicaSynced ReplicaStatus = "synced"
	// ReplicaFailed means the last upload attempt failed or the remote
	// copy was found missing on verification.
	ReplicaFailed ReplicaStatus = "failed"
)

// Replica is the per-executor replication record of an entry.
type Replica struct {
	Status ReplicaStatus
	// Remote is the cloud descriptor the executor returned. Only
	// meaningful while Status is ReplicaSynced.
	Remote gemini.File
}

// Entry is the registry record for one content-addressed blob.
type Entry struct {
	// Digest is the lowercase hex SHA-256 of the content and the entry's
	// identity.
	Digest string
	// Path is the blob location on disk.
	Path string
	// Filename is the sanitized display name used for cloud uploads.
	Filename string
	MimeType string
	// Size is the content length in bytes. For stub entries this is the
	// size claimed by the remote descriptor, not bytes on disk.
	Size       int64
	CreatedAt  time.Time
	LastAccess time.Time
	// ExpiresAt is the earliest cloud-side expiration seen for this
	// content. Zero until the first successful replication.
	ExpiresAt time.Time
	// Stub marks an entry whose local blob is an empty placeholder; the
	// content exists only on executors and cannot seed new replicas.
	Stub bool
	// Replicas maps executor id to that executor's replication record.
	Replicas map[string]Replica
}

// SyncedOn reports whether the executor holds a synced copy.
func (e *Entry) SyncedOn(executorID string) bool {
	return e.Replicas[executorID].Status == ReplicaSynced
}

// MissingReplicas counts executors from ids without a synced copy.
func (e *Entry) MissingReplicas(ids []string) int {
	missing := 0
	for _, id := range ids {
		if !e.SyncedOn(id) {
			missing++
		}
	}
	return missing
}

// FirstSynced returns the synced replica with the smallest executor id, so
// repeated calls over an unchanged entry agree.
func (e *Entry) FirstSynced() (string, Replica, bool) {
	ids := make([]string, 0, len(e.Replicas))
	for id, r := range e.Replicas {
		if r.Status == ReplicaSynced {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "", Replica{}, false
	}
	sort.Strings(ids)
	return ids[0], e.Replicas[ids[0]], true
}

// RemoteFor returns the cloud descriptor held by the executor, if synced.
func (e *Entry) RemoteFor(executorID string) (gemini.File, bool) {
	r, ok := e.Replicas[executorID]
	if !ok || r.Status != ReplicaSynced {
		return gemini.File{}, false
	}
	return r.Remote, true
}

// copyEntry returns a snapshot with its own replica map, safe to use after
// the registry lock is released.
func copyEntry(e *Entry) Entry {
	out := *e
	out.Replicas = make(map[string]Replica, len(e.Replicas))
	for id, r := range e.Replicas {
		out.Replicas[id] = r
	}
	return out
}
