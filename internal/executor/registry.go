package executor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CberYellowstone/geminiproxy/internal/metrics"
)

// Channel is the registry's view of one connected executor. *Client is the
// production implementation; tests substitute fakes.
type Channel interface {
	ID() string
	Send(cmd Command) error
	Close()
}

// MessageHandler consumes response envelopes and disconnect events. The
// broker's correlation layer implements it.
type MessageHandler interface {
	HandleMessage(executorID string, resp Response)
	HandleDisconnect(executorID string)
}

type connection struct {
	ch          Channel
	connectedAt time.Time
}

// Registry is the in-memory index of connected executors. All state is
// intentionally non-persistent: executors reconnect and re-register after a
// broker restart.
//
// Safe for concurrent use. The zero value is not usable; create instances
// with NewRegistry.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]*connection
	// order holds executor ids in connect order and drives the
	// round-robin cursor.
	order  []string
	cursor int

	handler MessageHandler
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewRegistry creates an empty executor registry.
func NewRegistry(m *metrics.Metrics, logger *zap.Logger) *Registry {
	return &Registry{
		executors: make(map[string]*connection),
		metrics:   m,
		logger:    logger.Named("executors"),
	}
}

// SetHandler wires the response consumer. Must be called before the first
// executor connects.
func (r *Registry) SetHandler(h MessageHandler) {
	r.handler = h
}

// Register adds a channel under its executor id. A duplicate id (an
// executor reconnecting before its previous connection timed out) replaces
// the old channel; the old connection is closed and its in-flight requests
// are failed over, since answers can no longer arrive on it.
func (r *Registry) Register(ch Channel) {
	id := ch.ID()

	r.mu.Lock()
	old, replaced := r.executors[id]
	r.executors[id] = &connection{ch: ch, connectedAt: time.Now().UTC()}
	if !replaced {
		r.order = append(r.order, id)
	}
	total := len(r.executors)
	r.mu.Unlock()

	if replaced {
		r.logger.Warn("replacing existing executor connection",
			zap.String("executor_id", id))
		old.ch.Close()
		if r.handler != nil {
			r.handler.HandleDisconnect(id)
		}
	}

	r.publishGauge()
	r.logger.Info("executor connected",
		zap.String("executor_id", id),
		zap.Int("total_connected", total))
}

// Deregister removes a channel. The pointer comparison keeps a replaced
// connection's exit from deregistering its successor.
func (r *Registry) Deregister(ch Channel) {
	id := ch.ID()

	r.mu.Lock()
	conn, exists := r.executors[id]
	if !exists || conn.ch != ch {
		r.mu.Unlock()
		return
	}
	delete(r.executors, id)
	for i, ordered := range r.order {
		if ordered == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	total := len(r.executors)
	connectedAt := conn.connectedAt
	r.mu.Unlock()

	if r.handler != nil {
		r.handler.HandleDisconnect(id)
	}

	r.publishGauge()
	r.logger.Info("executor disconnected",
		zap.String("executor_id", id),
		zap.Duration("session_duration", time.Since(connectedAt)),
		zap.Int("total_connected", total))
}

// deliver routes a response envelope to the handler.
func (r *Registry) deliver(executorID string, resp Response) {
	if r.handler != nil {
		r.handler.HandleMessage(executorID, resp)
	}
}

// Next returns the next executor in round-robin order.
func (r *Registry) Next() (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return nil, ErrNoExecutors
	}
	r.cursor = r.cursor % len(r.order)
	id := r.order[r.cursor]
	r.cursor++
	return r.executors[id].ch, nil
}

// Get returns the channel for an executor id.
func (r *Registry) Get(id string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.executors[id]
	if !ok {
		return nil, false
	}
	return conn.ch, true
}

// Send queues a command to a specific executor.
func (r *Registry) Send(id string, cmd Command) error {
	ch, ok := r.Get(id)
	if !ok {
		return ErrExecutorGone
	}
	return ch.Send(cmd)
}

// IDs returns the connected executor ids in connect order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Count returns the number of connected executors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}

// IsConnected reports whether the executor id has a live connection.
func (r *Registry) IsConnected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[id]
	return ok
}

func (r *Registry) publishGauge() {
	if r.metrics != nil {
		r.metrics.ConnectedExecutors.Set(float64(r.Count()))
	}
}
