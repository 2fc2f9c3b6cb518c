// Package orchestrator routes model commands to executors. It resolves file
// references in request payloads against the cache, picks the executor that
// already holds the most of the referenced content, replicates whatever is
// missing, rewrites the references to that executor's remote names, and
// dispatches. Non-streaming commands that fail because the remote copies
// expired are rebuilt from the local cache and retried once.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/CberYellowstone/geminiproxy/internal/broker"
	"github.com/CberYellowstone/geminiproxy/internal/cache"
	"github.com/CberYellowstone/geminiproxy/internal/executor"
	"github.com/CberYellowstone/geminiproxy/internal/replication"
)

var (
	// ErrRebuildFailed means remote copies of referenced content expired
	// and reconstruction from the local cache did not recover the request.
	ErrRebuildFailed = errors.New("orchestrator: file expired and reconstruction failed")

	// ErrInvalidPayload means the request body is not a JSON object.
	ErrInvalidPayload = errors.New("orchestrator: invalid request payload")
)

// Orchestrator owns executor selection and payload rewriting for model
// commands. Safe for concurrent use.
type Orchestrator struct {
	executors *executor.Registry
	registry  *cache.Registry
	dispatch  *broker.Dispatcher
	engine    *replication.Engine
	logger    *zap.Logger
}

// New creates an orchestrator over the given executor pool, cache registry,
// dispatcher and replication engine.
func New(executors *executor.Registry, registry *cache.Registry, dispatch *broker.Dispatcher, engine *replication.Engine, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		executors: executors,
		registry:  registry,
		dispatch:  dispatch,
		engine:    engine,
		logger:    logger.Named("orchestrator"),
	}
}

// Execute runs a non-streaming model command end to end and returns the
// executor's response payload.
//
// If the executor answers that referenced content no longer exists upstream,
// every referenced digest is rebuilt from the local cache and the command is
// dispatched a second time. A failure anywhere in that recovery reports
// ErrRebuildFailed.
func (o *Orchestrator) Execute(ctx context.Context, cmdType, model string, body json.RawMessage) (json.RawMessage, error) {
	envelope, refs, err := o.prepare(cmdType, model, body)
	if err != nil {
		return nil, err
	}

	resp, err := o.dispatchOnce(ctx, cmdType, envelope, refs)
	if err == nil || len(refs) == 0 || !remoteSaysExpired(err) {
		return resp, err
	}

	digests := uniqueDigests(refs)
	o.logger.Warn("remote reports expired content, rebuilding",
		zap.String("command", cmdType),
		zap.Strings("digests", digests))

	for _, digest := range digests {
		o.registry.ResetReplication(digest)
		if _, _, rerr := o.engine.Rebuild(ctx, digest); rerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrRebuildFailed, rerr)
		}
	}

	resp, err = o.dispatchOnce(ctx, cmdType, envelope, refs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRebuildFailed, err)
	}
	return resp, nil
}

// ExecuteStream runs streamGenerateContent and hands back the live stream.
// Expired remote content is not rebuilt here: chunks may already have
// reached the caller by the time the executor reports the loss.
func (o *Orchestrator) ExecuteStream(ctx context.Context, model string, body json.RawMessage) (*broker.Stream, error) {
	envelope, refs, err := o.prepare(executor.CmdStreamGenerateContent, model, body)
	if err != nil {
		return nil, err
	}
	ch, buf, err := o.place(ctx, envelope, refs)
	if err != nil {
		return nil, err
	}
	return o.dispatch.Stream(ctx, ch, executor.CmdStreamGenerateContent, buf)
}

// Forward round-robins a command that carries no file references, such as
// listModels or getModel, and returns the raw response payload.
func (o *Orchestrator) Forward(ctx context.Context, cmdType string, payload any) (json.RawMessage, error) {
	ch, err := o.executors.Next()
	if err != nil {
		return nil, err
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return o.dispatch.Do(ctx, ch, cmdType, buf)
}

// prepare decodes the body, repairs declared mime types on generation
// payloads, wraps the body in the model envelope, and resolves every file
// reference it carries.
func (o *Orchestrator) prepare(cmdType, model string, body json.RawMessage) (map[string]any, []fileRef, error) {
	doc, err := decodeBody(body)
	if err != nil {
		return nil, nil, err
	}
	if cmdType == executor.CmdGenerateContent || cmdType == executor.CmdStreamGenerateContent {
		o.repairMimeTypes(doc)
	}
	envelope := map[string]any{"model": model, "payload": doc}
	refs, err := o.collectReferences(envelope)
	if err != nil {
		return nil, nil, err
	}
	return envelope, refs, nil
}

// dispatchOnce performs one full placement and dispatch pass.
func (o *Orchestrator) dispatchOnce(ctx context.Context, cmdType string, envelope map[string]any, refs []fileRef) (json.RawMessage, error) {
	ch, buf, err := o.place(ctx, envelope, refs)
	if err != nil {
		return nil, err
	}
	return o.dispatch.Do(ctx, ch, cmdType, buf)
}

// place selects an executor, synchronizes and rewrites the envelope's file
// references for it, and returns the channel with the marshaled envelope.
func (o *Orchestrator) place(ctx context.Context, envelope map[string]any, refs []fileRef) (executor.Channel, json.RawMessage, error) {
	selected, err := o.executors.Next()
	if err != nil {
		return nil, nil, err
	}
	if len(refs) > 0 {
		if selected, err = o.schedule(ctx, selected, uniqueDigests(refs)); err != nil {
			return nil, nil, err
		}
		if err := o.rewriteReferences(refs, selected.ID()); err != nil {
			return nil, nil, err
		}
	}
	buf, err := json.Marshal(envelope)
	if err != nil {
		return nil, nil, err
	}
	return selected, buf, nil
}

// schedule picks the executor to run a file-grounded command on. The
// round-robin choice wins outright when it already holds every digest.
// Otherwise the executor missing the fewest digests wins, with ties broken
// in favor of the round-robin choice and at random among the rest. Digests
// the winner is missing are replicated to it synchronously; when the
// round-robin choice loses, its gaps are healed in the background.
func (o *Orchestrator) schedule(ctx context.Context, preferred executor.Channel, digests []string) (executor.Channel, error) {
	preferredID := preferred.ID()
	preferredMissing := o.missingOn(preferredID, digests)
	if len(preferredMissing) == 0 {
		return preferred, nil
	}

	best := []string{preferredID}
	bestCount := len(preferredMissing)
	for _, id := range o.executors.IDs() {
		if id == preferredID {
			continue
		}
		switch n := len(o.missingOn(id, digests)); {
		case n < bestCount:
			bestCount = n
			best = []string{id}
		case n == bestCount:
			best = append(best, id)
		}
	}

	selectedID := preferredID
	if !slices.Contains(best, preferredID) {
		selectedID = best[rand.Intn(len(best))]
	}

	selected, ok := o.executors.Get(selectedID)
	if !ok {
		return nil, fmt.Errorf("executor %s: %w", selectedID, executor.ErrExecutorGone)
	}

	if missing := o.missingOn(selectedID, digests); len(missing) > 0 {
		if err := o.engine.ReplicateAll(ctx, selectedID, missing); err != nil {
			return nil, err
		}
	}
	if selectedID != preferredID {
		o.logger.Debug("rescheduled around round-robin choice",
			zap.String("preferred", preferredID),
			zap.String("selected", selectedID),
			zap.Int("preferred_missing", len(preferredMissing)))
		o.engine.SelfHeal(preferredID, preferredMissing)
	}
	return selected, nil
}

// missingOn returns the digests without a synced replica on the executor.
func (o *Orchestrator) missingOn(executorID string, digests []string) []string {
	var missing []string
	for _, digest := range digests {
		entry, ok := o.registry.Get(digest)
		if !ok || !entry.SyncedOn(executorID) {
			missing = append(missing, digest)
		}
	}
	return missing
}

// remoteSaysExpired reports whether the executor's error indicates the
// referenced content no longer exists upstream.
func remoteSaysExpired(err error) bool {
	var remote *broker.RemoteError
	if !errors.As(err, &remote) {
		return false
	}
	return strings.Contains(strings.ToLower(remote.Message), "not found")
}

func uniqueDigests(refs []fileRef) []string {
	seen := make(map[string]struct{}, len(refs))
	digests := make([]string, 0, len(refs))
	for _, r := range refs {
		if _, dup := seen[r.digest]; dup {
			continue
		}
		seen[r.digest] = struct{}{}
		digests = append(digests, r.digest)
	}
	return digests
}
