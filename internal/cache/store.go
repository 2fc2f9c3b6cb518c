// Package cache implements the content-addressed file cache: blob storage on
// disk, the in-memory metadata registry, chunked upload ingestion and the
// TTL/LRU eviction sweep.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

const blobPermission = 0o644

// Store owns the on-disk blob tree. Blobs live at
// <root>/<digest[0:2]>/<digest[2:4]>/<digest>.bin and are only ever created
// by atomically renaming a fully written staging file into place.
type Store struct {
	root   string
	logger *zap.Logger
}

// NewStore creates the cache root if needed and verifies it is writable.
func NewStore(root string, logger *zap.Logger) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	probe, err := os.CreateTemp(abs, "probe_*")
	if err != nil {
		return nil, fmt.Errorf("cache dir not writable: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return &Store{root: abs, logger: logger.Named("store")}, nil
}

// Root returns the absolute cache directory.
func (s *Store) Root() string { return s.root }

// BlobPath returns the sharded path for a digest without touching the disk.
func (s *Store) BlobPath(digest string) string {
	return filepath.Join(s.root, digest[0:2], digest[2:4], digest+".bin")
}

// stagingPath returns the path of an in-progress upload file at the cache
// root, outside the sharded tree.
func (s *Store) stagingPath(name string) string {
	return filepath.Join(s.root, name)
}

// BlobWriter accumulates blob content in a staging file while hashing it.
// It stays open across chunks of a resumable upload; Commit moves the file
// to its content-addressed location and Cancel discards it.
type BlobWriter struct {
	store *Store
	file  *os.File
	path  string
	hash  hash.Hash
	size  int64
	done  bool
}

// NewWriter opens a staging file with the given name under the cache root.
func (s *Store) NewWriter(name string) (*BlobWriter, error) {
	path := s.stagingPath(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, blobPermission)
	if err != nil {
		return nil, fmt.Errorf("open staging file: %w", err)
	}
	return &BlobWriter{store: s, file: f, path: path, hash: sha256.New()}, nil
}

// Write appends to the staging file and feeds the running digest.
func (w *BlobWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if n > 0 {
		_, _ = w.hash.Write(p[:n])
		w.size += int64(n)
	}
	return n, err
}

// Size reports the bytes written so far, which is also the offset the next
// chunk must declare.
func (w *BlobWriter) Size() int64 { return w.size }

// Digest returns the lowercase hex SHA-256 of the bytes written so far.
func (w *BlobWriter) Digest() string {
	return hex.EncodeToString(w.hash.Sum(nil))
}

// Commit syncs the staging file and renames it to its content-addressed
// path, which it returns. The rename is atomic; a reader never observes a
// partially written blob.
func (w *BlobWriter) Commit() (string, error) {
	if w.done {
		return "", fmt.Errorf("commit staging file: writer already closed")
	}
	w.done = true
	final := w.store.BlobPath(w.Digest())
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		_ = os.Remove(w.path)
		return "", fmt.Errorf("sync staging file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.path)
		return "", fmt.Errorf("close staging file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		_ = os.Remove(w.path)
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.Rename(w.path, final); err != nil {
		_ = os.Remove(w.path)
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return final, nil
}

// Cancel discards the staging file. Safe to call after Commit, where it is
// a no-op.
func (w *BlobWriter) Cancel() {
	if w.done {
		return
	}
	w.done = true
	_ = w.file.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		w.store.logger.Warn("failed to remove staging file", zap.String("path", w.path), zap.Error(err))
	}
}

// Open opens the blob for reading.
func (s *Store) Open(digest string) (*os.File, error) {
	f, err := os.Open(s.BlobPath(digest))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

// ReadSample reads up to n leading bytes of the blob for content sniffing.
func (s *Store) ReadSample(path string, n int) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	buf := make([]byte, n)
	read, _ := io.ReadFull(f, buf)
	return buf[:read]
}

// WriteStub creates an empty placeholder blob for an entry whose content
// lives only on executors. Returns the blob path.
func (s *Store) WriteStub(digest string) (string, error) {
	path := s.BlobPath(digest)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, blobPermission)
	if err != nil {
		return "", fmt.Errorf("create stub blob: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close stub blob: %w", err)
	}
	return path, nil
}

// Delete unlinks the blob and prunes shard directories left empty. Missing
// blobs are not an error.
func (s *Store) Delete(digest string) error {
	path := s.BlobPath(digest)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	// Remove the two shard levels if empty; os.Remove refuses non-empty
	// directories, which is exactly the check we want.
	dir := filepath.Dir(path)
	for i := 0; i < 2 && dir != s.root; i++ {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// RemoveAll deletes every blob, staging file and shard directory under the
// root, keeping the root itself.
func (s *Store) RemoveAll() error {
	names, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	for _, e := range names {
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return fmt.Errorf("clear cache dir: %w", err)
		}
	}
	return nil
}
