package cache

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/CberYellowstone/geminiproxy/internal/metrics"
)

func newTestIngestor(t *testing.T) (*Store, *Registry, *Ingestor) {
	t.Helper()
	store, reg := newTestRegistry(t)
	return store, reg, NewIngestor(store, reg, metrics.New(), zaptest.NewLogger(t))
}

func TestChunkedUpload(t *testing.T) {
	_, reg, ing := newTestIngestor(t)
	content := []byte("chunk one|chunk two|")

	id := ing.CreateSession(SessionMeta{DisplayName: "parts.txt", SizeBytes: int64(len(content))})

	res, err := ing.Append(id, 0, "upload", bytes.NewReader(content[:10]), "")
	require.NoError(t, err)
	require.False(t, res.Complete)
	require.Equal(t, int64(10), res.Offset)

	res, err = ing.Append(id, 10, "upload, finalize", bytes.NewReader(content[10:]), "text/plain")
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.False(t, res.AlreadyPresent)
	require.Equal(t, digestOf(content), res.Entry.Digest)
	require.Equal(t, "parts.txt", res.Entry.Filename)
	require.Equal(t, "text/plain", res.Entry.MimeType)
	require.Equal(t, int64(len(content)), res.Entry.Size)

	data, err := os.ReadFile(res.Entry.Path)
	require.NoError(t, err)
	require.Equal(t, content, data)
	require.Equal(t, 1, reg.Len())
}

func TestUploadDeduplicates(t *testing.T) {
	store, reg, ing := newTestIngestor(t)
	content := []byte("identical payload")

	first := ing.CreateSession(SessionMeta{DisplayName: "one.bin"})
	res1, err := ing.Append(first, 0, "upload, finalize", bytes.NewReader(content), "")
	require.NoError(t, err)
	require.False(t, res1.AlreadyPresent)

	second := ing.CreateSession(SessionMeta{DisplayName: "two.bin"})
	res2, err := ing.Append(second, 0, "upload, finalize", bytes.NewReader(content), "")
	require.NoError(t, err)
	require.True(t, res2.AlreadyPresent)
	require.Equal(t, res1.Entry.Digest, res2.Entry.Digest)
	require.Equal(t, "one.bin", res2.Entry.Filename)
	require.Equal(t, 1, reg.Len())

	// Only the blob and no leftover staging files remain on disk.
	names, err := os.ReadDir(store.Root())
	require.NoError(t, err)
	require.Len(t, names, 1)
	require.True(t, names[0].IsDir())
}

func TestUploadOffsetMismatchDiscardsSession(t *testing.T) {
	_, _, ing := newTestIngestor(t)

	id := ing.CreateSession(SessionMeta{})
	_, err := ing.Append(id, 0, "upload", strings.NewReader("0123456789"), "")
	require.NoError(t, err)

	_, err = ing.Append(id, 7, "upload", strings.NewReader("xxx"), "")
	require.ErrorIs(t, err, ErrOffsetMismatch)

	// The session is gone after the mismatch.
	_, err = ing.Append(id, 10, "upload", strings.NewReader("yyy"), "")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFinalizeAfterFinalize(t *testing.T) {
	_, _, ing := newTestIngestor(t)

	id := ing.CreateSession(SessionMeta{})
	_, err := ing.Append(id, 0, "upload, finalize", strings.NewReader("done"), "")
	require.NoError(t, err)

	_, err = ing.Append(id, 4, "finalize", nil, "")
	require.ErrorIs(t, err, ErrInvalidCommand)
}

func TestFinalizeSizeMismatch(t *testing.T) {
	_, reg, ing := newTestIngestor(t)

	id := ing.CreateSession(SessionMeta{SizeBytes: 100})
	_, err := ing.Append(id, 0, "upload, finalize", strings.NewReader("short"), "")
	require.ErrorIs(t, err, ErrInvalidSize)
	require.Equal(t, 0, reg.Len())

	_, err = ing.Append(id, 0, "upload", strings.NewReader("more"), "")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestZeroByteUpload(t *testing.T) {
	_, _, ing := newTestIngestor(t)

	id := ing.CreateSession(SessionMeta{DisplayName: "empty.txt"})
	res, err := ing.Append(id, 0, "finalize", nil, "")
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.Equal(t, emptyDigest, res.Entry.Digest)
	require.Zero(t, res.Entry.Size)
	require.False(t, res.Entry.Stub)
}

func TestUnknownUploadCommand(t *testing.T) {
	_, _, ing := newTestIngestor(t)
	id := ing.CreateSession(SessionMeta{})
	_, err := ing.Append(id, 0, "query", nil, "")
	require.ErrorIs(t, err, ErrInvalidCommand)
	_, err = ing.Append(id, 0, "", nil, "")
	require.ErrorIs(t, err, ErrInvalidCommand)
}

func TestUnknownSession(t *testing.T) {
	_, _, ing := newTestIngestor(t)
	_, err := ing.Append("nope", 0, "upload", strings.NewReader("x"), "")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMimeSniffOverridesTextLabel(t *testing.T) {
	_, _, ing := newTestIngestor(t)

	// A JPEG payload mislabeled as text/plain sniffs as image/jpeg.
	jpeg := append([]byte{0xff, 0xd8, 0xff, 0xe0}, bytes.Repeat([]byte{0x42}, 64)...)
	id := ing.CreateSession(SessionMeta{DisplayName: "photo"})
	res, err := ing.Append(id, 0, "upload, finalize", bytes.NewReader(jpeg), "text/plain")
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", res.Entry.MimeType)
}

func TestMimePickOrder(t *testing.T) {
	_, _, ing := newTestIngestor(t)

	// Declared mime from session init is used when the transport header
	// is the octet-stream placeholder.
	id := ing.CreateSession(SessionMeta{DisplayName: "notes", MimeType: "text/markdown"})
	res, err := ing.Append(id, 0, "upload, finalize", strings.NewReader("# notes\n"), "application/octet-stream")
	require.NoError(t, err)
	require.Equal(t, "text/markdown", res.Entry.MimeType)

	// Nothing declared at all: sniffing sees plain text.
	id = ing.CreateSession(SessionMeta{})
	res, err = ing.Append(id, 0, "upload, finalize", strings.NewReader("just some words"), "")
	require.NoError(t, err)
	require.Equal(t, "text/plain", res.Entry.MimeType)
}

func TestFallbackFilename(t *testing.T) {
	_, _, ing := newTestIngestor(t)

	id := ing.CreateSession(SessionMeta{})
	pdf := append([]byte("%PDF-1.7\n"), bytes.Repeat([]byte{0x1}, 32)...)
	res, err := ing.Append(id, 0, "upload, finalize", bytes.NewReader(pdf), "")
	require.NoError(t, err)
	require.Equal(t, "application/pdf", res.Entry.MimeType)
	require.Equal(t, "file_"+res.Entry.Digest[:8]+".pdf", res.Entry.Filename)
}

func TestIngestStream(t *testing.T) {
	_, reg, ing := newTestIngestor(t)

	content := []byte("fetched from a url")
	e, existed, err := ing.IngestStream(bytes.NewReader(content), "remote.bin", "", "", int64(len(content)))
	require.NoError(t, err)
	require.False(t, existed)
	require.Equal(t, digestOf(content), e.Digest)
	require.Equal(t, 1, reg.Len())

	_, _, err = ing.IngestStream(bytes.NewReader(content), "remote.bin", "", "", 5)
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestSessionSweep(t *testing.T) {
	_, _, ing := newTestIngestor(t)

	stale := ing.CreateSession(SessionMeta{})
	_, err := ing.Append(stale, 0, "upload", strings.NewReader("half"), "")
	require.NoError(t, err)
	fresh := ing.CreateSession(SessionMeta{})

	ing.mu.Lock()
	ing.sessions[stale].updatedAt = time.Now().UTC().Add(-2 * time.Hour)
	ing.mu.Unlock()

	require.Equal(t, 1, ing.SweepSessions(time.Hour))
	require.Equal(t, 1, ing.Len())

	_, err = ing.Append(stale, 4, "upload", strings.NewReader("more"), "")
	require.ErrorIs(t, err, ErrSessionNotFound)
	_, err = ing.Append(fresh, 0, "upload", strings.NewReader("ok"), "")
	require.NoError(t, err)
}

func TestCloseAllCancelsStaging(t *testing.T) {
	store, _, ing := newTestIngestor(t)

	id := ing.CreateSession(SessionMeta{})
	_, err := ing.Append(id, 0, "upload", strings.NewReader("in flight"), "")
	require.NoError(t, err)

	ing.CloseAll()
	require.Zero(t, ing.Len())

	names, err := os.ReadDir(store.Root())
	require.NoError(t, err)
	require.Empty(t, names)
}
