package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/CberYellowstone/geminiproxy/internal/executor"
	"github.com/CberYellowstone/geminiproxy/internal/metrics"
)

// Dispatcher sends command envelopes to executors and couples them with the
// correlation table: one Do call per non-streaming request, one Stream per
// streaming request.
type Dispatcher struct {
	registry    *executor.Registry
	correlation *Correlation
	// timeout bounds each non-streaming request. Streams have no
	// aggregate timeout; the caller's context bounds each Recv.
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewDispatcher wires a dispatcher over the executor registry and
// correlation table.
func NewDispatcher(registry *executor.Registry, correlation *Correlation, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry:    registry,
		correlation: correlation,
		timeout:     timeout,
		metrics:     m,
		logger:      logger.Named("dispatcher"),
	}
}

// Timeout returns the per-request timeout, for callers that budget retries.
func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

// Do sends one non-streaming command to the executor and waits for its
// response, the timeout, or ctx. On timeout or ctx cancellation a
// best-effort cancel envelope is sent before local state is reclaimed.
func (d *Dispatcher) Do(ctx context.Context, ch executor.Channel, cmdType string, payload json.RawMessage) (json.RawMessage, error) {
	rid := uuid.NewString()
	start := time.Now()
	resCh := d.correlation.addPending(rid, ch.ID())

	if d.metrics != nil {
		d.metrics.RequestsInFlight.Inc()
		defer d.metrics.RequestsInFlight.Dec()
	}

	var err error
	defer func() { d.observe(cmdType, start, err) }()

	if sendErr := ch.Send(executor.Command{ID: rid, Type: cmdType, Payload: payload}); sendErr != nil {
		d.correlation.Remove(rid)
		err = sendErr
		if !errors.Is(sendErr, executor.ErrExecutorGone) {
			err = fmt.Errorf("%w: %v", ErrBadGateway, sendErr)
		}
		return nil, err
	}

	d.logger.Debug("command dispatched",
		zap.String("request_id", rid),
		zap.String("type", cmdType),
		zap.String("executor_id", ch.ID()))

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		err = res.err
		if err != nil {
			return nil, err
		}
		return res.payload, nil
	case <-timer.C:
		d.Cancel(rid)
		err = ErrGatewayTimeout
		return nil, err
	case <-ctx.Done():
		d.Cancel(rid)
		err = ctx.Err()
		return nil, err
	}
}

// Stream sends one streaming command and returns the chunk sequence. The
// caller must Close the stream when done with it.
func (d *Dispatcher) Stream(ctx context.Context, ch executor.Channel, cmdType string, payload json.RawMessage) (*Stream, error) {
	rid := uuid.NewString()
	start := time.Now()
	w := d.correlation.addStream(rid, ch.ID())

	if d.metrics != nil {
		d.metrics.RequestsInFlight.Inc()
	}

	if err := ch.Send(executor.Command{ID: rid, Type: cmdType, Payload: payload}); err != nil {
		d.correlation.Remove(rid)
		if d.metrics != nil {
			d.metrics.RequestsInFlight.Dec()
		}
		d.observe(cmdType, start, err)
		if !errors.Is(err, executor.ErrExecutorGone) {
			err = fmt.Errorf("%w: %v", ErrBadGateway, err)
		}
		return nil, err
	}

	d.logger.Debug("stream opened",
		zap.String("request_id", rid),
		zap.String("type", cmdType),
		zap.String("executor_id", ch.ID()))

	return &Stream{d: d, rid: rid, w: w, command: cmdType, started: start}, nil
}

// Cancel sends a best-effort cancel envelope to the owning executor and
// reclaims the request's local state. The envelope reuses the request id.
// Reports whether the request was still live.
func (d *Dispatcher) Cancel(rid string) bool {
	executorID, ok := d.correlation.Owner(rid)
	if !ok {
		return false
	}
	if err := d.registry.Send(executorID, executor.Command{ID: rid, Type: executor.CmdCancel}); err != nil {
		d.logger.Debug("cancel envelope not delivered",
			zap.String("request_id", rid), zap.Error(err))
	}
	return d.correlation.Remove(rid)
}

func (d *Dispatcher) observe(cmdType string, start time.Time, err error) {
	if d.metrics == nil {
		return
	}
	d.metrics.RequestsTotal.WithLabelValues(cmdType, classify(err)).Inc()
	d.metrics.RequestDuration.WithLabelValues(cmdType).Observe(time.Since(start).Seconds())
}

func classify(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrGatewayTimeout):
		return metrics.OutcomeTimeout
	case errors.As(err, &remote):
		return metrics.OutcomeRemoteErr
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCancelled
	default:
		return metrics.OutcomeGatewayErr
	}
}

// Stream is one in-flight streaming request. Chunks arrive in the order the
// executor sent them; a single consumer calls Recv until io.EOF.
type Stream struct {
	d       *Dispatcher
	rid     string
	w       *waiter
	command string
	started time.Time
	once    sync.Once
}

// RequestID returns the envelope id of the stream.
func (s *Stream) RequestID() string { return s.rid }

// Recv returns the next chunk. io.EOF means the executor finished the
// stream; any other error ended it early (upstream error, executor gone, or
// ctx cancelled by the caller's disconnect).
func (s *Stream) Recv(ctx context.Context) (json.RawMessage, error) {
	select {
	case chunk, ok := <-s.w.chunks:
		if !ok {
			if s.w.err != nil {
				return nil, s.w.err
			}
			return nil, io.EOF
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close cancels the request if it is still live and records its outcome.
// Safe to call more than once.
func (s *Stream) Close() {
	s.once.Do(func() {
		live := s.d.Cancel(s.rid)
		if s.d.metrics != nil {
			s.d.metrics.RequestsInFlight.Dec()
		}
		err := s.w.err
		if live {
			err = context.Canceled
		}
		s.d.observe(s.command, s.started, err)
	})
}
