package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/CberYellowstone/geminiproxy/internal/broker"
	"github.com/CberYellowstone/geminiproxy/internal/cache"
	"github.com/CberYellowstone/geminiproxy/internal/executor"
	"github.com/CberYellowstone/geminiproxy/internal/gemini"
	"github.com/CberYellowstone/geminiproxy/internal/metrics"
	"github.com/CberYellowstone/geminiproxy/internal/replication"
)

type testRig struct {
	orc       *Orchestrator
	registry  *cache.Registry
	store     *cache.Store
	executors *executor.Registry
	corr      *broker.Correlation
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	logger := zaptest.NewLogger(t)
	m := metrics.New()
	store, err := cache.NewStore(t.TempDir(), logger)
	require.NoError(t, err)
	registry := cache.NewRegistry(store, m, logger)
	corr := broker.NewCorrelation(logger)
	executors := executor.NewRegistry(m, logger)
	executors.SetHandler(corr)
	dispatch := broker.NewDispatcher(executors, corr, time.Second, m, logger)
	engine := replication.NewEngine(registry, store, executors, dispatch, m, logger)
	t.Cleanup(engine.Close)
	return &testRig{
		orc:       New(executors, registry, dispatch, engine, logger),
		registry:  registry,
		store:     store,
		executors: executors,
		corr:      corr,
	}
}

func (r *testRig) seed(t *testing.T, content []byte, filename, mimeType string) string {
	t.Helper()
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])
	w, err := r.store.NewWriter("seed_" + digest[:8])
	require.NoError(t, err)
	_, err = w.Write(content)
	require.NoError(t, err)
	path, err := w.Commit()
	require.NoError(t, err)
	r.registry.Upsert(digest, path, filename, mimeType, int64(len(content)))
	return digest
}

func (r *testRig) syncRemote(t *testing.T, digest, executorID, name string) gemini.File {
	t.Helper()
	remote := remoteFile(digest, name)
	require.NoError(t, r.registry.UpdateReplication(digest, executorID, cache.ReplicaSynced, &remote))
	return remote
}

// scriptedExecutor answers dispatched commands through the correlation
// layer, the way a connected browser tab would.
type scriptedExecutor struct {
	id   string
	corr *broker.Correlation

	mu       sync.Mutex
	commands []executor.Command
	script   func(cmd executor.Command) *executor.Response
}

func (s *scriptedExecutor) ID() string { return s.id }
func (s *scriptedExecutor) Close()     {}

func (s *scriptedExecutor) Send(cmd executor.Command) error {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	script := s.script
	s.mu.Unlock()
	if script == nil {
		return nil
	}
	if resp := script(cmd); resp != nil {
		resp.ID = cmd.ID
		s.corr.HandleMessage(s.id, *resp)
	}
	return nil
}

func (s *scriptedExecutor) sent() []executor.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]executor.Command(nil), s.commands...)
}

func (s *scriptedExecutor) sentOfType(cmdType string) []executor.Command {
	var out []executor.Command
	for _, cmd := range s.sent() {
		if cmd.Type == cmdType {
			out = append(out, cmd)
		}
	}
	return out
}

func remoteFile(digest, name string) gemini.File {
	return gemini.File{
		Name:           name,
		MimeType:       "application/pdf",
		SizeBytes:      "11",
		SHA256Hash:     gemini.EncodeSHA256(digest),
		URI:            "https://generativelanguage.googleapis.com/v1beta/" + name,
		State:          gemini.StateActive,
		ExpirationTime: time.Now().Add(47 * time.Hour).UTC().Format(time.RFC3339Nano),
	}
}

// uploaderScript answers the replication handshake with the given remote
// descriptor and leaves every other command to fallthrough.
func uploaderScript(remote gemini.File, fallthroughScript func(executor.Command) *executor.Response) func(executor.Command) *executor.Response {
	return func(cmd executor.Command) *executor.Response {
		switch cmd.Type {
		case executor.CmdInitiateUpload:
			return &executor.Response{Payload: json.RawMessage(`{"uploadUrl":"https://upstream.test/upload/session-1"}`)}
		case executor.CmdUploadChunk:
			body, _ := json.Marshal(gemini.UploadResponse{File: remote})
			payload, _ := json.Marshal(map[string]json.RawMessage{"body": body})
			return &executor.Response{Payload: payload}
		default:
			if fallthroughScript != nil {
				return fallthroughScript(cmd)
			}
			return nil
		}
	}
}

func answer(payload string) func(executor.Command) *executor.Response {
	return func(cmd executor.Command) *executor.Response {
		return &executor.Response{Payload: json.RawMessage(payload)}
	}
}

func sentEnvelope(t *testing.T, cmd executor.Command) map[string]any {
	t.Helper()
	var envelope map[string]any
	require.NoError(t, json.Unmarshal(cmd.Payload, &envelope))
	return envelope
}

func fileDataIn(t *testing.T, envelope map[string]any, partKey string) map[string]any {
	t.Helper()
	payload, ok := envelope["payload"].(map[string]any)
	require.True(t, ok)
	contents, ok := payload["contents"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, contents)
	parts, ok := contents[0].(map[string]any)["parts"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, parts)
	fd, ok := parts[0].(map[string]any)[partKey].(map[string]any)
	require.True(t, ok)
	return fd
}

func TestExecuteForwardsEnvelope(t *testing.T) {
	rig := newTestRig(t)
	exec := &scriptedExecutor{id: "e1", corr: rig.corr, script: answer(`{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`)}
	rig.executors.Register(exec)

	body := json.RawMessage(`{"contents":[{"parts":[{"text":"hello"}]}],"generationConfig":{"temperature":0.30,"seed":9007199254740993}}`)
	resp, err := rig.orc.Execute(context.Background(), executor.CmdGenerateContent, "gemini-2.5-pro", body)
	require.NoError(t, err)
	require.JSONEq(t, `{"candidates":[{"content":{"parts":[{"text":"hi"}]}}]}`, string(resp))

	cmds := exec.sent()
	require.Len(t, cmds, 1)
	require.Equal(t, executor.CmdGenerateContent, cmds[0].Type)

	envelope := sentEnvelope(t, cmds[0])
	require.Equal(t, "gemini-2.5-pro", envelope["model"])
	require.Contains(t, envelope, "payload")

	// Number formatting survives the decode/encode round trip.
	raw := string(cmds[0].Payload)
	require.Contains(t, raw, "0.30")
	require.Contains(t, raw, "9007199254740993")
}

func TestExecuteRewritesFileReference(t *testing.T) {
	rig := newTestRig(t)
	digest := rig.seed(t, []byte("hello world"), "report.pdf", "application/pdf")

	exec := &scriptedExecutor{id: "e1", corr: rig.corr, script: answer(`{"candidates":[]}`)}
	rig.executors.Register(exec)
	remote := rig.syncRemote(t, digest, "e1", "files/remote-1")

	body := json.RawMessage(`{"contents":[{"parts":[
		{"text":"describe this"},
		{"fileData":{"fileName":"files/remote-1","mimeType":"application/pdf"}}
	]}]}`)
	_, err := rig.orc.Execute(context.Background(), executor.CmdGenerateContent, "gemini-2.5-pro", body)
	require.NoError(t, err)

	cmds := exec.sent()
	require.Len(t, cmds, 1)
	envelope := sentEnvelope(t, cmds[0])
	parts := envelope["payload"].(map[string]any)["contents"].([]any)[0].(map[string]any)["parts"].([]any)
	fd := parts[1].(map[string]any)["fileData"].(map[string]any)
	require.Equal(t, remote.URI, fd["fileUri"])
	require.NotContains(t, fd, "fileName")
}

func TestExecuteRewritesSnakeCaseReference(t *testing.T) {
	rig := newTestRig(t)
	digest := rig.seed(t, []byte("hello world"), "clip.mp4", "video/mp4")

	exec := &scriptedExecutor{id: "e1", corr: rig.corr, script: answer(`{"candidates":[]}`)}
	rig.executors.Register(exec)
	remote := rig.syncRemote(t, digest, "e1", "files/remote-2")

	body := json.RawMessage(`{"contents":[{"parts":[
		{"file_data":{"file_name":"files/remote-2","mime_type":"video/mp4"}}
	]}]}`)
	_, err := rig.orc.Execute(context.Background(), executor.CmdGenerateContent, "gemini-2.5-pro", body)
	require.NoError(t, err)

	envelope := sentEnvelope(t, exec.sent()[0])
	fd := fileDataIn(t, envelope, "file_data")
	require.Equal(t, remote.URI, fd["fileUri"])
	require.NotContains(t, fd, "file_name")
	require.NotContains(t, fd, "file_uri")
}

func TestExecuteRepairsMimeType(t *testing.T) {
	rig := newTestRig(t)
	digest := rig.seed(t, []byte("%PDF-1.7 data"), "report.pdf", "application/pdf")

	exec := &scriptedExecutor{id: "e1", corr: rig.corr, script: answer(`{"candidates":[]}`)}
	rig.executors.Register(exec)
	rig.syncRemote(t, digest, "e1", "files/remote-1")

	body := json.RawMessage(`{"contents":[{"parts":[
		{"fileData":{"fileName":"files/remote-1","mimeType":"application/octet-stream"}}
	]}]}`)
	_, err := rig.orc.Execute(context.Background(), executor.CmdGenerateContent, "gemini-2.5-pro", body)
	require.NoError(t, err)

	envelope := sentEnvelope(t, exec.sent()[0])
	fd := fileDataIn(t, envelope, "fileData")
	require.Equal(t, "application/pdf", fd["mimeType"])
}

func TestExecuteUnknownReference(t *testing.T) {
	rig := newTestRig(t)
	body := json.RawMessage(`{"contents":[{"parts":[{"fileData":{"fileUri":"files/ghost"}}]}]}`)
	_, err := rig.orc.Execute(context.Background(), executor.CmdGenerateContent, "gemini-2.5-pro", body)
	require.ErrorIs(t, err, cache.ErrNotFound)
}

func TestExecuteNoExecutors(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.orc.Execute(context.Background(), executor.CmdGenerateContent, "gemini-2.5-pro", json.RawMessage(`{"contents":[]}`))
	require.ErrorIs(t, err, executor.ErrNoExecutors)
}

func TestExecuteInvalidBody(t *testing.T) {
	rig := newTestRig(t)
	for _, body := range []string{"", "   ", "[1,2]", `{"contents":`} {
		_, err := rig.orc.Execute(context.Background(), executor.CmdGenerateContent, "gemini-2.5-pro", json.RawMessage(body))
		require.ErrorIs(t, err, ErrInvalidPayload, "body %q", body)
	}
}

func TestExecuteReplicatesMissingBeforeDispatch(t *testing.T) {
	rig := newTestRig(t)
	digest := rig.seed(t, []byte("hello world"), "report.pdf", "application/pdf")
	remote := remoteFile(digest, "files/fresh-1")

	exec := &scriptedExecutor{id: "e1", corr: rig.corr}
	exec.script = uploaderScript(remote, answer(`{"candidates":[]}`))
	rig.executors.Register(exec)

	// Reference by digest: nothing is synced anywhere yet.
	body := json.RawMessage(`{"contents":[{"parts":[{"fileData":{"fileName":"` + digest + `","mimeType":"application/pdf"}}]}]}`)
	_, err := rig.orc.Execute(context.Background(), executor.CmdGenerateContent, "gemini-2.5-pro", body)
	require.NoError(t, err)

	types := make([]string, 0, 3)
	for _, cmd := range exec.sent() {
		types = append(types, cmd.Type)
	}
	require.Equal(t, []string{executor.CmdInitiateUpload, executor.CmdUploadChunk, executor.CmdGenerateContent}, types)

	envelope := sentEnvelope(t, exec.sentOfType(executor.CmdGenerateContent)[0])
	fd := fileDataIn(t, envelope, "fileData")
	require.Equal(t, remote.URI, fd["fileUri"])

	entry, ok := rig.registry.Get(digest)
	require.True(t, ok)
	require.True(t, entry.SyncedOn("e1"))
}

func TestExecutePrefersExecutorHoldingContent(t *testing.T) {
	rig := newTestRig(t)
	digest := rig.seed(t, []byte("hello world"), "report.pdf", "application/pdf")

	healed := remoteFile(digest, "files/healed-1")
	e1 := &scriptedExecutor{id: "e1", corr: rig.corr}
	e1.script = uploaderScript(healed, nil)
	e2 := &scriptedExecutor{id: "e2", corr: rig.corr, script: answer(`{"candidates":[]}`)}
	rig.executors.Register(e1)
	rig.executors.Register(e2)

	remote := rig.syncRemote(t, digest, "e2", "files/remote-2")

	// Round-robin prefers e1, but only e2 holds the content.
	body := json.RawMessage(`{"contents":[{"parts":[{"fileData":{"fileName":"files/remote-2"}}]}]}`)
	_, err := rig.orc.Execute(context.Background(), executor.CmdGenerateContent, "gemini-2.5-pro", body)
	require.NoError(t, err)

	gen := e2.sentOfType(executor.CmdGenerateContent)
	require.Len(t, gen, 1)
	fd := fileDataIn(t, sentEnvelope(t, gen[0]), "fileData")
	require.Equal(t, remote.URI, fd["fileUri"])

	// The rejected round-robin choice is healed in the background.
	require.Eventually(t, func() bool {
		entry, ok := rig.registry.Get(digest)
		return ok && entry.SyncedOn("e1")
	}, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, e1.sentOfType(executor.CmdGenerateContent))
}

func TestExecuteRebuildsExpiredContent(t *testing.T) {
	rig := newTestRig(t)
	digest := rig.seed(t, []byte("hello world"), "report.pdf", "application/pdf")

	rebuilt := remoteFile(digest, "files/new-1")
	generateCalls := 0
	exec := &scriptedExecutor{id: "e1", corr: rig.corr}
	exec.script = uploaderScript(rebuilt, func(cmd executor.Command) *executor.Response {
		if cmd.Type != executor.CmdGenerateContent {
			return nil
		}
		generateCalls++
		if generateCalls == 1 {
			return &executor.Response{Status: &executor.ResponseStatus{
				Error: &gemini.Status{Code: 403, Message: "File not found. It may have expired."},
			}}
		}
		return &executor.Response{Payload: json.RawMessage(`{"candidates":[{"content":{"parts":[{"text":"recovered"}]}}]}`)}
	})
	rig.executors.Register(exec)
	rig.syncRemote(t, digest, "e1", "files/old-1")

	body := json.RawMessage(`{"contents":[{"parts":[{"fileData":{"fileName":"files/old-1","mimeType":"application/pdf"}}]}]}`)
	resp, err := rig.orc.Execute(context.Background(), executor.CmdGenerateContent, "gemini-2.5-pro", body)
	require.NoError(t, err)
	require.Contains(t, string(resp), "recovered")
	require.Equal(t, 2, generateCalls)

	// The retry referenced the rebuilt copy, not the expired one.
	gen := exec.sentOfType(executor.CmdGenerateContent)
	require.Len(t, gen, 2)
	fd := fileDataIn(t, sentEnvelope(t, gen[1]), "fileData")
	require.Equal(t, rebuilt.URI, fd["fileUri"])

	entry, ok := rig.registry.Get(digest)
	require.True(t, ok)
	require.Equal(t, "files/new-1", entry.Replicas["e1"].Remote.Name)
}

func TestExecuteRebuildFailure(t *testing.T) {
	rig := newTestRig(t)

	// Content known only from a cloud descriptor: no local bytes to rebuild
	// from once the remote copy is gone.
	digest := strings.Repeat("ab", 32)
	remote := remoteFile(digest, "files/stub-1")
	exec := &scriptedExecutor{id: "e1", corr: rig.corr, script: func(cmd executor.Command) *executor.Response {
		return &executor.Response{Status: &executor.ResponseStatus{
			Error: &gemini.Status{Code: 403, Message: "file not found"},
		}}
	}}
	rig.executors.Register(exec)
	_, err := rig.registry.EnsureRemoteStub(remote, "e1")
	require.NoError(t, err)

	body := json.RawMessage(`{"contents":[{"parts":[{"fileData":{"fileName":"files/stub-1"}}]}]}`)
	_, err = rig.orc.Execute(context.Background(), executor.CmdGenerateContent, "gemini-2.5-pro", body)
	require.ErrorIs(t, err, ErrRebuildFailed)
}

func TestExecuteRemoteErrorPassesThrough(t *testing.T) {
	rig := newTestRig(t)
	exec := &scriptedExecutor{id: "e1", corr: rig.corr, script: func(cmd executor.Command) *executor.Response {
		return &executor.Response{Status: &executor.ResponseStatus{
			Error: &gemini.Status{Code: 429, Message: "quota exhausted"},
		}}
	}}
	rig.executors.Register(exec)

	_, err := rig.orc.Execute(context.Background(), executor.CmdGenerateContent, "gemini-2.5-pro", json.RawMessage(`{"contents":[]}`))
	var remote *broker.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, 429, remote.Code)

	// No file references, so no rebuild attempt: one dispatch only.
	require.Len(t, exec.sent(), 1)
}

func TestExecuteStreamDeliversChunks(t *testing.T) {
	rig := newTestRig(t)
	exec := &scriptedExecutor{id: "e1", corr: rig.corr}
	exec.script = func(cmd executor.Command) *executor.Response {
		if cmd.Type != executor.CmdStreamGenerateContent {
			return nil
		}
		go func() {
			for _, chunk := range []string{`{"text":"a"}`, `{"text":"b"}`} {
				payload, _ := json.Marshal(map[string]any{"streaming": true, "chunk": json.RawMessage(chunk)})
				rig.corr.HandleMessage(exec.id, executor.Response{ID: cmd.ID, Payload: payload})
			}
			payload, _ := json.Marshal(map[string]any{"streaming": true, "finished": true})
			rig.corr.HandleMessage(exec.id, executor.Response{ID: cmd.ID, Payload: payload})
		}()
		return nil
	}
	rig.executors.Register(exec)

	stream, err := rig.orc.ExecuteStream(context.Background(), "gemini-2.5-pro", json.RawMessage(`{"contents":[{"parts":[{"text":"hi"}]}]}`))
	require.NoError(t, err)
	defer stream.Close()

	ctx := context.Background()
	chunk, err := stream.Recv(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"text":"a"}`, string(chunk))
	chunk, err = stream.Recv(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"text":"b"}`, string(chunk))
	_, err = stream.Recv(ctx)
	require.ErrorIs(t, err, io.EOF)

	envelope := sentEnvelope(t, exec.sent()[0])
	require.Equal(t, "gemini-2.5-pro", envelope["model"])
}

func TestForwardRoundRobins(t *testing.T) {
	rig := newTestRig(t)
	exec := &scriptedExecutor{id: "e1", corr: rig.corr, script: answer(`{"models":[{"name":"models/gemini-2.5-pro"}]}`)}
	rig.executors.Register(exec)

	resp, err := rig.orc.Forward(context.Background(), executor.CmdListModels, map[string]any{})
	require.NoError(t, err)
	require.JSONEq(t, `{"models":[{"name":"models/gemini-2.5-pro"}]}`, string(resp))

	cmds := exec.sent()
	require.Len(t, cmds, 1)
	require.Equal(t, executor.CmdListModels, cmds[0].Type)
	require.JSONEq(t, `{}`, string(cmds[0].Payload))
}

func TestForwardNoExecutors(t *testing.T) {
	rig := newTestRig(t)
	_, err := rig.orc.Forward(context.Background(), executor.CmdListModels, map[string]any{})
	require.ErrorIs(t, err, executor.ErrNoExecutors)
}
