// Package config defines the broker's runtime configuration and the
// environment helpers cmd/geminiproxy uses to seed its flag defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every tunable of the broker process. Values come from
// flags, whose defaults come from environment variables, whose defaults are
// the constants in Default.
type Config struct {
	// ListenAddr is the bind address for the HTTP caller surface and the
	// executor websocket endpoint.
	ListenAddr string

	// ProxyBaseURL is the absolute URL the broker advertises in upload
	// session redirects and internal download links. Executors and
	// callers must be able to reach it.
	ProxyBaseURL string

	// ExecutorTimeout bounds each non-streaming executor request.
	ExecutorTimeout time.Duration

	// CacheDir is the blob store root.
	CacheDir string

	// CacheQuotaBytes is the LRU eviction threshold.
	CacheQuotaBytes int64

	// CacheSweepInterval is the eviction worker period.
	CacheSweepInterval time.Duration

	// SessionTimeout kills upload sessions idle longer than this.
	SessionTimeout time.Duration

	// SessionSweepInterval is the upload session GC period.
	SessionSweepInterval time.Duration

	// CORSOrigins lists the origins allowed on the caller surface. The
	// single element "*" allows any origin.
	CORSOrigins []string

	// CORSAllowCredentials mirrors Access-Control-Allow-Credentials.
	CORSAllowCredentials bool

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// UploadFetchRPS rate-limits server-side fetches performed for
	// files:uploadFromUrl requests.
	UploadFetchRPS int

	// ShutdownTimeout bounds the graceful HTTP shutdown on SIGINT/SIGTERM.
	ShutdownTimeout time.Duration
}

// Default returns the documented defaults, before environment and flag
// overrides.
func Default() Config {
	return Config{
		ListenAddr:           ":8000",
		ProxyBaseURL:         "http://localhost:8000",
		ExecutorTimeout:      600 * time.Second,
		CacheDir:             "./file_cache",
		CacheQuotaBytes:      10 << 30,
		CacheSweepInterval:   60 * time.Second,
		SessionTimeout:       3600 * time.Second,
		SessionSweepInterval: 600 * time.Second,
		CORSOrigins:          []string{"*"},
		CORSAllowCredentials: false,
		LogLevel:             "info",
		UploadFetchRPS:       1,
		ShutdownTimeout:      10 * time.Second,
	}
}

// Validate rejects values the process cannot start with and normalizes the
// base URL so path composition never produces double slashes.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if c.ProxyBaseURL == "" {
		return fmt.Errorf("config: proxy base URL is required")
	}
	c.ProxyBaseURL = strings.TrimRight(c.ProxyBaseURL, "/")
	if c.ExecutorTimeout <= 0 {
		return fmt.Errorf("config: executor timeout must be positive")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("config: cache directory is required")
	}
	if c.CacheQuotaBytes <= 0 {
		return fmt.Errorf("config: cache quota must be positive")
	}
	if c.CacheSweepInterval <= 0 || c.SessionSweepInterval <= 0 {
		return fmt.Errorf("config: sweep intervals must be positive")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("config: session timeout must be positive")
	}
	if c.UploadFetchRPS <= 0 {
		return fmt.Errorf("config: upload fetch rate must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("config: shutdown timeout must be positive")
	}
	return nil
}

// EnvOrDefault returns the environment value for key, or def when unset or
// empty.
func EnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvOrDefaultInt parses the environment value as an int. Unset, empty or
// malformed values yield def.
func EnvOrDefaultInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// EnvOrDefaultInt64 parses the environment value as an int64. Unset, empty
// or malformed values yield def.
func EnvOrDefaultInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// EnvOrDefaultDuration parses the environment value with time.ParseDuration,
// accepting a bare integer as seconds. Unset, empty or malformed values
// yield def.
func EnvOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

// EnvOrDefaultBool parses the environment value with strconv.ParseBool.
// Unset, empty or malformed values yield def.
func EnvOrDefaultBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// EnvOrDefaultStrings splits the environment value on commas, trimming
// whitespace and dropping empty elements. Unset or empty values yield def.
func EnvOrDefaultStrings(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
