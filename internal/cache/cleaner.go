package cache

import (
	"context"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/CberYellowstone/geminiproxy/internal/metrics"
)

// Cleaner runs the periodic cache sweep: expired entries first, then
// least-recently-used entries until the byte quota holds, then stale upload
// sessions. Marking happens over a snapshot; deletions are applied at the
// end, so a sweep is safe to interrupt.
type Cleaner struct {
	registry   *Registry
	ingest     *Ingestor
	quota      int64
	sessionTTL time.Duration
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewCleaner wires a cleaner over the registry and ingestor. quota is the
// cache size limit in bytes; sessionTTL is the upload session idle limit.
func NewCleaner(registry *Registry, ingest *Ingestor, quota int64, sessionTTL time.Duration, m *metrics.Metrics, logger *zap.Logger) *Cleaner {
	return &Cleaner{
		registry:   registry,
		ingest:     ingest,
		quota:      quota,
		sessionTTL: sessionTTL,
		metrics:    m,
		logger:     logger.Named("cleaner"),
	}
}

// Sweep performs one full eviction pass.
func (c *Cleaner) Sweep(ctx context.Context) {
	start := time.Now()
	now := start.UTC()
	entries := c.registry.Entries()

	marked := make(map[string]string, len(entries))
	for _, e := range entries {
		if !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(now) {
			marked[e.Digest] = metrics.ReasonTTL
		}
	}

	// Quota accounting starts from all bytes on disk; marking an entry,
	// whatever the reason, releases its share. Stubs hold no bytes and
	// are never quota victims.
	var total int64
	candidates := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Stub {
			continue
		}
		total += e.Size
		if _, ok := marked[e.Digest]; !ok {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].LastAccess.Before(candidates[b].LastAccess)
	})
	for _, e := range candidates {
		if total <= c.quota {
			break
		}
		marked[e.Digest] = metrics.ReasonLRU
		total -= e.Size
	}

	expiredSessions := c.ingest.SweepSessions(c.sessionTTL)

	if ctx.Err() != nil {
		c.logger.Warn("sweep interrupted before applying deletions", zap.Int("marked", len(marked)))
		return
	}

	var freed int64
	evicted := map[string]int{}
	for _, e := range entries {
		reason, ok := marked[e.Digest]
		if !ok {
			continue
		}
		if !c.registry.Delete(e.Digest) {
			continue
		}
		evicted[reason]++
		if !e.Stub {
			freed += e.Size
		}
		if c.metrics != nil {
			c.metrics.EvictionsTotal.WithLabelValues(reason).Inc()
		}
	}

	if len(marked) > 0 || expiredSessions > 0 {
		c.logger.Info("cache sweep finished",
			zap.Int("evicted_ttl", evicted[metrics.ReasonTTL]),
			zap.Int("evicted_lru", evicted[metrics.ReasonLRU]),
			zap.Int("expired_sessions", expiredSessions),
			zap.String("freed", humanize.IBytes(uint64(freed))),
			zap.String("cache_size", humanize.IBytes(uint64(c.registry.TotalBytes()))),
			zap.Duration("took", time.Since(start)))
	}
}

// SweepSessionsOnly expires idle upload sessions without touching entries.
func (c *Cleaner) SweepSessionsOnly(context.Context) {
	if n := c.ingest.SweepSessions(c.sessionTTL); n > 0 {
		c.logger.Info("expired idle upload sessions", zap.Int("count", n))
	}
}

// DeleteAll destroys every entry, blob and upload session. Called on
// shutdown so no stale local state survives a restart.
func (c *Cleaner) DeleteAll() {
	entries := c.registry.Entries()
	for _, e := range entries {
		if c.registry.Delete(e.Digest) && c.metrics != nil {
			c.metrics.EvictionsTotal.WithLabelValues(metrics.ReasonDelete).Inc()
		}
	}
	c.ingest.CloseAll()
	c.logger.Info("cleared cache on shutdown", zap.Int("entries", len(entries)))
}
