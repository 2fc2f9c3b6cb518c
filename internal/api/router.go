package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/CberYellowstone/geminiproxy/internal/broker"
	"github.com/CberYellowstone/geminiproxy/internal/cache"
	"github.com/CberYellowstone/geminiproxy/internal/executor"
	"github.com/CberYellowstone/geminiproxy/internal/metrics"
	"github.com/CberYellowstone/geminiproxy/internal/orchestrator"
	"github.com/CberYellowstone/geminiproxy/internal/replication"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	Executors    *executor.Registry
	Registry     *cache.Registry
	Store        *cache.Store
	Ingestor     *cache.Ingestor
	Dispatcher   *broker.Dispatcher
	Engine       *replication.Engine
	Orchestrator *orchestrator.Orchestrator

	// ProxyBaseURL is the absolute base the broker advertises in upload
	// session URLs; it must be reachable by the uploading client.
	ProxyBaseURL string

	// CORSOrigins and CORSAllowCredentials shape the cross-origin contract
	// of the caller surface. "*" allows every origin.
	CORSOrigins          []string
	CORSAllowCredentials bool

	// UploadFetchRPS caps server-side URL fetches per second.
	UploadFetchRPS int
}

// NewRouter builds and returns the fully configured Chi router. Paths mirror
// the cloud API so client SDKs can be pointed at the broker by swapping the
// base URL only.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// CORS answers preflights (including Private Network Access) and tags
	// responses; it runs innermost so even panics recovered above it keep
	// their cross-origin headers.
	r.Use(CORS(cfg.CORSOrigins, cfg.CORSAllowCredentials))

	// --- Initialize handlers ---
	healthHandler := NewHealthHandler(cfg.Executors)
	wsHandler := NewWSHandler(cfg.Executors, cfg.Logger)
	modelHandler := NewModelHandler(cfg.Orchestrator, cfg.Logger)
	fileHandler := NewFileHandler(cfg)

	r.Get("/", healthHandler.Status)
	r.Get("/ws/{executorID}", wsHandler.ServeWS)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	// Session init lives under /upload, mirroring the cloud's layout.
	r.Post("/upload/v1beta/files", fileHandler.InitiateUpload)

	r.Route("/v1beta", func(r chi.Router) {
		// Model catalog and model commands. POST paths carry the action in
		// the final segment (model:generateContent); Invoke splits it off.
		r.Get("/models", modelHandler.List)
		r.Get("/models/{name}", modelHandler.Get)
		r.Post("/models/{name}", modelHandler.Invoke)

		// File namespace. Static segments (upload, internal, the
		// files:uploadFromUrl verb) take precedence over the name wildcard.
		r.Post("/files:uploadFromUrl", fileHandler.UploadFromURL)
		r.Get("/files", fileHandler.List)
		r.Get("/files/internal/{digest}/{token}:download", fileHandler.InternalDownload)
		r.Put("/files/upload/{session}", fileHandler.UploadChunk)
		r.Post("/files/upload/{session}", fileHandler.UploadChunk)
		r.Get("/files/*", fileHandler.Get)
		r.Delete("/files/*", fileHandler.Delete)
	})

	return r
}
