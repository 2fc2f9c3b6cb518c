package broker

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/CberYellowstone/geminiproxy/internal/executor"
	"github.com/CberYellowstone/geminiproxy/internal/gemini"
)

func chunkFrame(chunk string, finished bool) executor.Response {
	frame := streamFrame{Streaming: true, Finished: finished}
	if chunk != "" {
		frame.Chunk = json.RawMessage(chunk)
	}
	payload, _ := json.Marshal(frame)
	return executor.Response{Payload: payload}
}

func TestUnaryResolution(t *testing.T) {
	c := NewCorrelation(zaptest.NewLogger(t))
	resCh := c.addPending("r1", "e1")

	c.HandleMessage("e1", executor.Response{ID: "r1", Payload: json.RawMessage(`{"ok":true}`)})

	res := <-resCh
	require.NoError(t, res.err)
	require.JSONEq(t, `{"ok":true}`, string(res.payload))
	require.Zero(t, c.Len())
}

func TestUnaryRemoteError(t *testing.T) {
	c := NewCorrelation(zaptest.NewLogger(t))
	resCh := c.addPending("r1", "e1")

	c.HandleMessage("e1", executor.Response{
		ID: "r1",
		Status: &executor.ResponseStatus{
			Error: &gemini.Status{Code: 429, Message: "quota exceeded"},
		},
	})

	res := <-resCh
	var remote *RemoteError
	require.ErrorAs(t, res.err, &remote)
	require.Equal(t, 429, remote.Code)
	require.Equal(t, "quota exceeded", remote.Message)
}

func TestStreamFrameSequence(t *testing.T) {
	c := NewCorrelation(zaptest.NewLogger(t))
	w := c.addStream("r1", "e1")

	resp := chunkFrame(`{"n":1}`, false)
	resp.ID = "r1"
	c.HandleMessage("e1", resp)
	resp = chunkFrame(`{"n":2}`, false)
	resp.ID = "r1"
	c.HandleMessage("e1", resp)
	// Final frame carries both the last chunk and the finished flag.
	resp = chunkFrame(`{"n":3}`, true)
	resp.ID = "r1"
	c.HandleMessage("e1", resp)

	var got []string
	for chunk := range w.chunks {
		got = append(got, string(chunk))
	}
	require.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, got)
	require.NoError(t, w.err)
	require.Zero(t, c.Len())
}

func TestStreamErrorEndsStream(t *testing.T) {
	c := NewCorrelation(zaptest.NewLogger(t))
	w := c.addStream("r1", "e1")

	c.HandleMessage("e1", executor.Response{
		ID: "r1",
		Status: &executor.ResponseStatus{
			Error: &gemini.Status{Code: 400, Message: "bad request"},
		},
	})

	_, open := <-w.chunks
	require.False(t, open)
	var remote *RemoteError
	require.ErrorAs(t, w.err, &remote)
	require.Equal(t, 400, remote.Code)
}

func TestStreamDropsUnflaggedFrames(t *testing.T) {
	c := NewCorrelation(zaptest.NewLogger(t))
	w := c.addStream("r1", "e1")

	c.HandleMessage("e1", executor.Response{ID: "r1", Payload: json.RawMessage(`{"no":"flags"}`)})

	require.Equal(t, 1, c.Len())
	require.Empty(t, w.chunks)
}

func TestUnknownRequestDiscarded(t *testing.T) {
	c := NewCorrelation(zaptest.NewLogger(t))
	c.HandleMessage("e1", executor.Response{ID: "ghost", Payload: json.RawMessage(`{}`)})
	require.Zero(t, c.Len())
}

func TestStreamOverflowDropsStream(t *testing.T) {
	c := NewCorrelation(zaptest.NewLogger(t))
	w := c.addStream("r1", "e1")

	// Nothing drains the channel, so one chunk past the buffer capacity
	// must tear the stream down.
	for i := 0; i <= streamBufferSize; i++ {
		resp := chunkFrame(fmt.Sprintf(`{"n":%d}`, i), false)
		resp.ID = "r1"
		c.HandleMessage("e1", resp)
	}

	require.Zero(t, c.Len())
	require.ErrorIs(t, w.err, ErrBadGateway)

	// The channel is closed after draining the buffered chunks.
	n := 0
	for range w.chunks {
		n++
	}
	require.Equal(t, streamBufferSize, n)
}

func TestDisconnectFailsAssignedRequests(t *testing.T) {
	c := NewCorrelation(zaptest.NewLogger(t))
	pendingGone := c.addPending("r1", "e1")
	streamGone := c.addStream("r2", "e1")
	pendingKept := c.addPending("r3", "e2")

	c.HandleDisconnect("e1")

	res := <-pendingGone
	require.ErrorIs(t, res.err, executor.ErrExecutorGone)

	_, open := <-streamGone.chunks
	require.False(t, open)
	require.ErrorIs(t, streamGone.err, executor.ErrExecutorGone)

	// The other executor's request is untouched.
	require.Equal(t, 1, c.Len())
	select {
	case <-pendingKept:
		t.Fatal("request on a live executor must not resolve")
	default:
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	c := NewCorrelation(zaptest.NewLogger(t))
	c.addPending("r1", "e1")

	require.True(t, c.Remove("r1"))
	require.False(t, c.Remove("r1"))
	require.Zero(t, c.Len())

	// A late response for the removed id is discarded.
	c.HandleMessage("e1", executor.Response{ID: "r1", Payload: json.RawMessage(`{}`)})
}
