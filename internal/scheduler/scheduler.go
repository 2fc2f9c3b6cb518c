// Package scheduler runs the periodic cache maintenance. It wraps gocron and
// drives the cleaner: the full TTL + LRU sweep on the cache sweep interval
// and the cheaper upload-session sweep on its own, usually shorter, interval.
//
// Jobs run in singleton mode: if a sweep is still running when its next tick
// fires, the new run is skipped instead of stacking up behind a slow disk.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/CberYellowstone/geminiproxy/internal/cache"
)

// Scheduler wraps gocron and coordinates the maintenance jobs.
// The zero value is not usable; create instances with New.
type Scheduler struct {
	cron         gocron.Scheduler
	cleaner      *cache.Cleaner
	sweepEvery   time.Duration
	sessionEvery time.Duration
	logger       *zap.Logger
}

// New creates and configures a new Scheduler. Call Start to begin processing.
func New(cleaner *cache.Cleaner, sweepEvery, sessionEvery time.Duration, logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:         s,
		cleaner:      cleaner,
		sweepEvery:   sweepEvery,
		sessionEvery: sessionEvery,
		logger:       logger.Named("scheduler"),
	}, nil
}

// Start registers the sweep jobs and starts the underlying gocron scheduler.
// It should be called once at startup, after the cache store is open.
func (s *Scheduler) Start() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.sweepEvery),
		gocron.NewTask(func() {
			// A sweep slower than its own interval is cut off; the next
			// tick picks up where it left off.
			ctx, cancel := context.WithTimeout(context.Background(), s.sweepEvery)
			defer cancel()
			s.cleaner.Sweep(ctx)
		}),
		gocron.WithTags("cache-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for cache sweep: %w", err)
	}

	_, err = s.cron.NewJob(
		gocron.DurationJob(s.sessionEvery),
		gocron.NewTask(func() {
			s.cleaner.SweepSessionsOnly(context.Background())
		}),
		gocron.WithTags("session-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for session sweep: %w", err)
	}

	s.logger.Info("scheduler started",
		zap.Duration("cache_sweep_interval", s.sweepEvery),
		zap.Duration("session_sweep_interval", s.sessionEvery),
	)
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for a
// sweep in progress to complete before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}
