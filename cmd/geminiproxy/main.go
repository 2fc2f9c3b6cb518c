package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/CberYellowstone/geminiproxy/internal/api"
	"github.com/CberYellowstone/geminiproxy/internal/broker"
	"github.com/CberYellowstone/geminiproxy/internal/cache"
	"github.com/CberYellowstone/geminiproxy/internal/config"
	"github.com/CberYellowstone/geminiproxy/internal/executor"
	"github.com/CberYellowstone/geminiproxy/internal/metrics"
	"github.com/CberYellowstone/geminiproxy/internal/orchestrator"
	"github.com/CberYellowstone/geminiproxy/internal/replication"
	"github.com/CberYellowstone/geminiproxy/internal/scheduler"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()

	root := &cobra.Command{
		Use:   "geminiproxy",
		Short: "Websocket-fronted broker for the Gemini API",
		Long: `geminiproxy accepts standard Gemini API requests over HTTP and relays
them to browser-tab executors connected over websocket. It keeps a
content-addressed cache of uploaded files so a file uploaded once can be
re-synced to any executor without another client upload.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.ListenAddr, "listen-addr", config.EnvOrDefault("LISTEN_ADDR", cfg.ListenAddr), "HTTP and websocket listen address")
	root.PersistentFlags().StringVar(&cfg.ProxyBaseURL, "base-url", config.EnvOrDefault("PROXY_BASE_URL", cfg.ProxyBaseURL), "Externally reachable base URL advertised in upload session URLs")
	root.PersistentFlags().DurationVar(&cfg.ExecutorTimeout, "executor-timeout", config.EnvOrDefaultDuration("EXECUTOR_TIMEOUT", cfg.ExecutorTimeout), "Timeout for each non-streaming executor request")
	root.PersistentFlags().StringVar(&cfg.CacheDir, "cache-dir", config.EnvOrDefault("CACHE_DIR", cfg.CacheDir), "Directory for cached file blobs")
	root.PersistentFlags().Int64Var(&cfg.CacheQuotaBytes, "cache-quota-bytes", config.EnvOrDefaultInt64("CACHE_QUOTA_BYTES", cfg.CacheQuotaBytes), "Cache size threshold that triggers LRU eviction")
	root.PersistentFlags().DurationVar(&cfg.CacheSweepInterval, "cache-sweep-interval", config.EnvOrDefaultDuration("CACHE_SWEEP_INTERVAL", cfg.CacheSweepInterval), "Period of the TTL/LRU eviction sweep")
	root.PersistentFlags().DurationVar(&cfg.SessionTimeout, "session-timeout", config.EnvOrDefaultDuration("SESSION_TIMEOUT", cfg.SessionTimeout), "Idle timeout for resumable upload sessions")
	root.PersistentFlags().DurationVar(&cfg.SessionSweepInterval, "session-sweep-interval", config.EnvOrDefaultDuration("SESSION_SWEEP_INTERVAL", cfg.SessionSweepInterval), "Period of the upload session sweep")
	root.PersistentFlags().StringSliceVar(&cfg.CORSOrigins, "cors-origins", config.EnvOrDefaultStrings("CORS_ORIGINS", cfg.CORSOrigins), "Allowed CORS origins, comma separated (\"*\" allows any)")
	root.PersistentFlags().BoolVar(&cfg.CORSAllowCredentials, "cors-allow-credentials", config.EnvOrDefaultBool("CORS_ALLOW_CREDENTIALS", cfg.CORSAllowCredentials), "Send Access-Control-Allow-Credentials on CORS responses")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", config.EnvOrDefault("LOG_LEVEL", cfg.LogLevel), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.UploadFetchRPS, "upload-fetch-rps", config.EnvOrDefaultInt("UPLOAD_FETCH_RPS", cfg.UploadFetchRPS), "Max files:uploadFromUrl origin fetches per second")
	root.PersistentFlags().DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", config.EnvOrDefaultDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout), "Grace period for in-flight requests on shutdown")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("geminiproxy %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting geminiproxy",
		zap.String("version", version),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("base_url", cfg.ProxyBaseURL),
		zap.String("cache_dir", cfg.CacheDir),
		zap.Int64("cache_quota_bytes", cfg.CacheQuotaBytes),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()

	store, err := cache.NewStore(cfg.CacheDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open cache store: %w", err)
	}
	registry := cache.NewRegistry(store, m, logger)
	ingest := cache.NewIngestor(store, registry, m, logger)

	executors := executor.NewRegistry(m, logger)
	correlation := broker.NewCorrelation(logger)
	executors.SetHandler(correlation)
	dispatch := broker.NewDispatcher(executors, correlation, cfg.ExecutorTimeout, m, logger)

	engine := replication.NewEngine(registry, store, executors, dispatch, m, logger)
	orc := orchestrator.New(executors, registry, dispatch, engine, logger)

	cleaner := cache.NewCleaner(registry, ingest, cfg.CacheQuotaBytes, cfg.SessionTimeout, m, logger)
	sched, err := scheduler.New(cleaner, cfg.CacheSweepInterval, cfg.SessionSweepInterval, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	handler := api.NewRouter(api.RouterConfig{
		Logger:               logger,
		Metrics:              m,
		Executors:            executors,
		Registry:             registry,
		Store:                store,
		Ingestor:             ingest,
		Dispatcher:           dispatch,
		Engine:               engine,
		Orchestrator:         orc,
		ProxyBaseURL:         cfg.ProxyBaseURL,
		CORSOrigins:          cfg.CORSOrigins,
		CORSAllowCredentials: cfg.CORSAllowCredentials,
		UploadFetchRPS:       cfg.UploadFetchRPS,
	})

	// No global write timeout: streamed generations and large uploads are
	// expected to outlive any sane fixed value. The executor timeout bounds
	// the work behind each request instead.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down geminiproxy")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()

	if serr := sched.Stop(); serr != nil {
		logger.Warn("scheduler shutdown", zap.Error(serr))
	}
	engine.Close()
	// Registry state dies with the process, so blobs without it are garbage.
	cleaner.DeleteAll()

	logger.Info("geminiproxy stopped")
	return err
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
