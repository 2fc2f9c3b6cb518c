// Package broker relays caller requests to executors: it correlates response
// envelopes back to waiting requests, dispatches commands with timeouts, and
// exposes streamed responses as chunk sequences.
package broker

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/CberYellowstone/geminiproxy/internal/executor"
)

// streamBufferSize bounds the per-request chunk queue. A consumer that stops
// draining for this many chunks has the stream torn down rather than letting
// it block the executor's read loop.
const streamBufferSize = 256

// result resolves one non-streaming request.
type result struct {
	payload json.RawMessage
	err     error
}

// streamFrame is the broker's reading of a streaming response payload.
type streamFrame struct {
	Streaming bool            `json:"streaming"`
	Finished  bool            `json:"finished"`
	Chunk     json.RawMessage `json:"chunk,omitempty"`
}

// waiter is the correlation record for one in-flight request. Exactly one of
// resultCh (non-streaming, capacity 1) or chunks (streaming, bounded) is
// non-nil.
type waiter struct {
	executorID string
	resultCh   chan result
	chunks     chan json.RawMessage
	chunkCount int
	// err is the stream's terminal error. Written under the correlation
	// lock before chunks is closed; readers observe it only after the
	// close, so the channel ordering makes it visible.
	err error
}

// Correlation routes executor response envelopes to the requests waiting for
// them and fails requests over when their executor disconnects.
//
// Implements executor.MessageHandler.
type Correlation struct {
	mu      sync.Mutex
	waiters map[string]*waiter
	// assigned indexes live request ids by executor id so a disconnect
	// can fail its requests without a full scan.
	assigned map[string]map[string]struct{}

	logger *zap.Logger
}

// NewCorrelation creates an empty correlation table.
func NewCorrelation(logger *zap.Logger) *Correlation {
	return &Correlation{
		waiters:  make(map[string]*waiter),
		assigned: make(map[string]map[string]struct{}),
		logger:   logger.Named("correlation"),
	}
}

// addPending registers a non-streaming request and returns its result
// channel.
func (c *Correlation) addPending(rid, executorID string) <-chan result {
	w := &waiter{executorID: executorID, resultCh: make(chan result, 1)}
	c.add(rid, w)
	return w.resultCh
}

// addStream registers a streaming request and returns its waiter.
func (c *Correlation) addStream(rid, executorID string) *waiter {
	w := &waiter{executorID: executorID, chunks: make(chan json.RawMessage, streamBufferSize)}
	c.add(rid, w)
	return w
}

func (c *Correlation) add(rid string, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiters[rid] = w
	set, ok := c.assigned[w.executorID]
	if !ok {
		set = make(map[string]struct{})
		c.assigned[w.executorID] = set
	}
	set[rid] = struct{}{}
}

// Owner returns the executor assigned to a live request.
func (c *Correlation) Owner(rid string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.waiters[rid]
	if !ok {
		return "", false
	}
	return w.executorID, true
}

// Len returns the number of in-flight requests.
func (c *Correlation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Remove reclaims the request's local state: the waiter is dropped and a
// stream's chunk channel is closed so its reader sees end-of-stream.
// Idempotent; reports whether the request was still live.
func (c *Correlation) Remove(rid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanupLocked(rid)
}

// cleanupLocked is the only place a waiter is destroyed and the only place a
// chunk channel is closed.
func (c *Correlation) cleanupLocked(rid string) bool {
	w, ok := c.waiters[rid]
	if !ok {
		return false
	}
	delete(c.waiters, rid)
	if set := c.assigned[w.executorID]; set != nil {
		delete(set, rid)
		if len(set) == 0 {
			delete(c.assigned, w.executorID)
		}
	}
	if w.chunks != nil {
		close(w.chunks)
	}
	return true
}

// HandleMessage routes one response envelope. Unknown request ids are logged
// and discarded: they belong to requests that already timed out, were
// cancelled, or failed over.
func (c *Correlation) HandleMessage(executorID string, resp executor.Response) {
	c.mu.Lock()
	w, ok := c.waiters[resp.ID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("response for unknown request",
			zap.String("request_id", resp.ID),
			zap.String("executor_id", executorID))
		return
	}

	if w.chunks != nil {
		c.handleStreamFrameLocked(resp.ID, w, resp)
		c.mu.Unlock()
		return
	}

	// Non-streaming: the request resolves with this envelope either way.
	c.cleanupLocked(resp.ID)
	c.mu.Unlock()

	if st := resp.Err(); st != nil {
		w.resultCh <- result{err: newRemoteError(st)}
		return
	}
	w.resultCh <- result{payload: resp.Payload}
}

func (c *Correlation) handleStreamFrameLocked(rid string, w *waiter, resp executor.Response) {
	if st := resp.Err(); st != nil {
		w.err = newRemoteError(st)
		c.cleanupLocked(rid)
		return
	}

	var frame streamFrame
	if err := json.Unmarshal(resp.Payload, &frame); err != nil || !frame.Streaming {
		// Frames without the streaming flag have no defined meaning for a
		// streaming request.
		c.logger.Warn("discarding non-stream frame for streaming request",
			zap.String("request_id", rid))
		return
	}

	if len(frame.Chunk) > 0 && string(frame.Chunk) != "null" {
		select {
		case w.chunks <- frame.Chunk:
			w.chunkCount++
		default:
			// The consumer stopped draining. Drop the stream so the
			// executor's read loop stays unblocked; remaining frames for
			// this id will be discarded as unknown.
			w.err = ErrBadGateway
			c.logger.Warn("stream consumer stalled, dropping stream",
				zap.String("request_id", rid),
				zap.Int("delivered_chunks", w.chunkCount))
			c.cleanupLocked(rid)
			return
		}
	}

	if frame.Finished {
		c.logger.Debug("stream finished",
			zap.String("request_id", rid),
			zap.Int("chunks", w.chunkCount))
		c.cleanupLocked(rid)
	}
}

// HandleDisconnect fails every request assigned to the executor: pending
// results resolve with ErrExecutorGone and streams end with it as their
// terminal error.
func (c *Correlation) HandleDisconnect(executorID string) {
	c.mu.Lock()
	set := c.assigned[executorID]
	rids := make([]string, 0, len(set))
	for rid := range set {
		rids = append(rids, rid)
	}

	var resolve []chan result
	for _, rid := range rids {
		w := c.waiters[rid]
		w.err = executor.ErrExecutorGone
		c.cleanupLocked(rid)
		if w.resultCh != nil {
			resolve = append(resolve, w.resultCh)
		}
	}
	c.mu.Unlock()

	for _, ch := range resolve {
		ch <- result{err: executor.ErrExecutorGone}
	}
	if len(rids) > 0 {
		c.logger.Warn("failed requests over after executor disconnect",
			zap.String("executor_id", executorID),
			zap.Int("requests", len(rids)))
	}
}
