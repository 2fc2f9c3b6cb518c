// Package replication pushes cached blobs to executors over the two-step
// resumable-upload command pair and keeps the registry's replication map
// current. Synchronous calls serve the orchestrator's pre-dispatch fill;
// background calls serve self-healing and remote deletes.
package replication

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/CberYellowstone/geminiproxy/internal/broker"
	"github.com/CberYellowstone/geminiproxy/internal/cache"
	"github.com/CberYellowstone/geminiproxy/internal/executor"
	"github.com/CberYellowstone/geminiproxy/internal/gemini"
	"github.com/CberYellowstone/geminiproxy/internal/metrics"
)

// ErrNoLocalContent marks a replication attempt against a stub entry: the
// broker never held the bytes, so no executor can be told to re-upload them.
var ErrNoLocalContent = errors.New("replication: no local content for digest")

const (
	outcomeOK     = "ok"
	outcomeFailed = "failed"
)

// Engine replicates cached blobs to executors.
type Engine struct {
	registry  *cache.Registry
	store     *cache.Store
	executors *executor.Registry
	dispatch  *broker.Dispatcher
	metrics   *metrics.Metrics
	logger    *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewEngine(registry *cache.Registry, store *cache.Store, executors *executor.Registry, dispatch *broker.Dispatcher, m *metrics.Metrics, logger *zap.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		registry:  registry,
		store:     store,
		executors: executors,
		dispatch:  dispatch,
		metrics:   m,
		logger:    logger.Named("replication"),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Close cancels background replication tasks and waits for them to exit.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// Replicate pushes the blob for digest through one executor and records the
// outcome in the replication map. Returns the cloud descriptor on success.
func (e *Engine) Replicate(ctx context.Context, digest, executorID string) (gemini.File, error) {
	entry, ok := e.registry.Get(digest)
	if !ok {
		return gemini.File{}, cache.ErrNotFound
	}
	if entry.Stub {
		return gemini.File{}, fmt.Errorf("%w: %s", ErrNoLocalContent, digest)
	}

	ch, ok := e.executors.Get(executorID)
	if !ok {
		return gemini.File{}, executor.ErrExecutorGone
	}

	if err := e.registry.UpdateReplication(digest, executorID, cache.ReplicaPending, nil); err != nil {
		return gemini.File{}, err
	}

	remote, err := e.upload(ctx, ch, entry)
	if err != nil {
		e.markFailed(digest, executorID)
		if e.metrics != nil {
			e.metrics.ReplicationsTotal.WithLabelValues(outcomeFailed).Inc()
		}
		e.logger.Warn("replication failed",
			zap.String("digest", digest),
			zap.String("executor_id", executorID),
			zap.Error(err))
		return gemini.File{}, err
	}

	if err := e.registry.UpdateReplication(digest, executorID, cache.ReplicaSynced, &remote); err != nil {
		return gemini.File{}, err
	}
	if e.metrics != nil {
		e.metrics.ReplicationsTotal.WithLabelValues(outcomeOK).Inc()
	}
	e.logger.Info("blob replicated",
		zap.String("digest", digest),
		zap.String("executor_id", executorID),
		zap.String("remote", remote.Name),
		zap.String("size", humanize.IBytes(uint64(entry.Size))))
	return remote, nil
}

// ReplicateAll synchronously pushes every digest to the executor, stopping
// at the first failure.
func (e *Engine) ReplicateAll(ctx context.Context, executorID string, digests []string) error {
	for _, digest := range digests {
		if _, err := e.Replicate(ctx, digest, executorID); err != nil {
			return err
		}
	}
	return nil
}

// Rebuild picks an executor round-robin and synchronously replicates the
// digest to it. Used when every remote copy of a cached file has expired.
func (e *Engine) Rebuild(ctx context.Context, digest string) (gemini.File, string, error) {
	ch, err := e.executors.Next()
	if err != nil {
		return gemini.File{}, "", err
	}
	remote, err := e.Replicate(ctx, digest, ch.ID())
	if err != nil {
		return gemini.File{}, "", err
	}
	return remote, ch.ID(), nil
}

// SelfHeal replicates the digests to the executor in the background.
// Failures are logged and recorded in the replication map only; the first
// failed digest aborts the batch.
func (e *Engine) SelfHeal(executorID string, digests []string) {
	if len(digests) == 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.logger.Info("self-heal started",
			zap.String("executor_id", executorID),
			zap.Int("files", len(digests)))
		for _, digest := range digests {
			if _, err := e.Replicate(e.baseCtx, digest, executorID); err != nil {
				e.logger.Warn("self-heal aborted",
					zap.String("executor_id", executorID),
					zap.String("digest", digest),
					zap.Error(err))
				return
			}
		}
		e.logger.Info("self-heal finished",
			zap.String("executor_id", executorID),
			zap.Int("files", len(digests)))
	}()
}

// DeleteRemote asks the executor to delete its cloud copy in the background.
// Failures are logged and dropped; the upstream TTL reclaims the copy
// eventually.
func (e *Engine) DeleteRemote(executorID, remoteName string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ch, ok := e.executors.Get(executorID)
		if !ok {
			return
		}
		payload, _ := json.Marshal(struct {
			FileName string `json:"file_name"`
		}{remoteName})
		if _, err := e.dispatch.Do(e.baseCtx, ch, executor.CmdDeleteFile, payload); err != nil {
			e.logger.Warn("remote delete failed",
				zap.String("executor_id", executorID),
				zap.String("file", remoteName),
				zap.Error(err))
			return
		}
		e.logger.Debug("remote file deleted",
			zap.String("executor_id", executorID),
			zap.String("file", remoteName))
	}()
}

func (e *Engine) markFailed(digest, executorID string) {
	if err := e.registry.UpdateReplication(digest, executorID, cache.ReplicaFailed, nil); err != nil {
		e.logger.Warn("replication status update failed",
			zap.String("digest", digest),
			zap.Error(err))
	}
}

// upload runs the two-command resumable protocol against one executor. The
// blob is read fully into memory; the protocol ships it as a single
// base64-encoded chunk.
func (e *Engine) upload(ctx context.Context, ch executor.Channel, entry cache.Entry) (gemini.File, error) {
	blob, err := e.store.Open(entry.Digest)
	if err != nil {
		return gemini.File{}, err
	}
	data, err := io.ReadAll(blob)
	blob.Close()
	if err != nil {
		return gemini.File{}, fmt.Errorf("read blob: %w", err)
	}

	initiate, err := json.Marshal(gemini.InitiateUpload{
		DisplayName: entry.Filename,
		MimeType:    entry.MimeType,
		SizeBytes:   strconv.FormatInt(entry.Size, 10),
	})
	if err != nil {
		return gemini.File{}, err
	}
	initRes, err := e.dispatch.Do(ctx, ch, executor.CmdInitiateUpload, initiate)
	if err != nil {
		return gemini.File{}, fmt.Errorf("initiate upload: %w", err)
	}
	var session gemini.InitiateUploadResult
	if err := json.Unmarshal(initRes, &session); err != nil || session.UploadURL == "" {
		return gemini.File{}, fmt.Errorf("%w: executor returned no upload url", broker.ErrBadGateway)
	}

	chunk, err := json.Marshal(gemini.UploadChunk{
		UploadURL:     session.UploadURL,
		Offset:        0,
		ContentLength: entry.Size,
		Command:       gemini.UploadCommandUploadFinalize,
		Data:          base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return gemini.File{}, err
	}
	uploadRes, err := e.dispatch.Do(ctx, ch, executor.CmdUploadChunk, chunk)
	if err != nil {
		return gemini.File{}, fmt.Errorf("upload chunk: %w", err)
	}
	return extractFile(uploadRes)
}

// extractFile digs the cloud descriptor out of an upload-chunk response.
// Executors answer with {"body": <file>} or {"file": <file>}, and some
// builds wrap the descriptor once more as {"file": {...}}.
func extractFile(payload json.RawMessage) (gemini.File, error) {
	var outer struct {
		Body json.RawMessage `json:"body"`
		File json.RawMessage `json:"file"`
	}
	if err := json.Unmarshal(payload, &outer); err != nil {
		return gemini.File{}, fmt.Errorf("%w: malformed upload response", broker.ErrBadGateway)
	}
	raw := outer.Body
	if isEmptyJSON(raw) {
		raw = outer.File
	}
	if isEmptyJSON(raw) {
		return gemini.File{}, fmt.Errorf("%w: upload response carries no file", broker.ErrBadGateway)
	}

	var wrapped struct {
		File *gemini.File `json:"file"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.File != nil && wrapped.File.Name != "" {
		return *wrapped.File, nil
	}
	var file gemini.File
	if err := json.Unmarshal(raw, &file); err != nil {
		return gemini.File{}, fmt.Errorf("%w: malformed file descriptor", broker.ErrBadGateway)
	}
	if file.Name == "" {
		return gemini.File{}, fmt.Errorf("%w: upload response carries no file name", broker.ErrBadGateway)
	}
	return file, nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
