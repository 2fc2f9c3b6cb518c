package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8000", cfg.ListenAddr)
	assert.Equal(t, int64(10<<30), cfg.CacheQuotaBytes)
	assert.Equal(t, 600*time.Second, cfg.ExecutorTimeout)
}

func TestValidateTrimsBaseURL(t *testing.T) {
	cfg := Default()
	cfg.ProxyBaseURL = "http://proxy.example:8000///"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "http://proxy.example:8000", cfg.ProxyBaseURL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"empty base url", func(c *Config) { c.ProxyBaseURL = "" }},
		{"zero timeout", func(c *Config) { c.ExecutorTimeout = 0 }},
		{"empty cache dir", func(c *Config) { c.CacheDir = "" }},
		{"negative quota", func(c *Config) { c.CacheQuotaBytes = -1 }},
		{"zero sweep", func(c *Config) { c.CacheSweepInterval = 0 }},
		{"zero session sweep", func(c *Config) { c.SessionSweepInterval = 0 }},
		{"zero session timeout", func(c *Config) { c.SessionTimeout = 0 }},
		{"zero fetch rps", func(c *Config) { c.UploadFetchRPS = 0 }},
		{"zero shutdown", func(c *Config) { c.ShutdownTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("GP_TEST_STR", "custom")
	assert.Equal(t, "custom", EnvOrDefault("GP_TEST_STR", "fallback"))
	assert.Equal(t, "fallback", EnvOrDefault("GP_TEST_STR_MISSING", "fallback"))
}

func TestEnvOrDefaultInt(t *testing.T) {
	t.Setenv("GP_TEST_INT", "42")
	assert.Equal(t, 42, EnvOrDefaultInt("GP_TEST_INT", 7))

	t.Setenv("GP_TEST_INT_BAD", "not-a-number")
	assert.Equal(t, 7, EnvOrDefaultInt("GP_TEST_INT_BAD", 7))
	assert.Equal(t, 7, EnvOrDefaultInt("GP_TEST_INT_MISSING", 7))
}

func TestEnvOrDefaultInt64(t *testing.T) {
	t.Setenv("GP_TEST_INT64", "10737418240")
	assert.Equal(t, int64(10737418240), EnvOrDefaultInt64("GP_TEST_INT64", 1))
	assert.Equal(t, int64(1), EnvOrDefaultInt64("GP_TEST_INT64_MISSING", 1))
}

func TestEnvOrDefaultDuration(t *testing.T) {
	t.Setenv("GP_TEST_DUR", "90s")
	assert.Equal(t, 90*time.Second, EnvOrDefaultDuration("GP_TEST_DUR", time.Minute))

	// Bare integers are seconds.
	t.Setenv("GP_TEST_DUR_BARE", "600")
	assert.Equal(t, 600*time.Second, EnvOrDefaultDuration("GP_TEST_DUR_BARE", time.Minute))

	t.Setenv("GP_TEST_DUR_BAD", "soon")
	assert.Equal(t, time.Minute, EnvOrDefaultDuration("GP_TEST_DUR_BAD", time.Minute))
}

func TestEnvOrDefaultBool(t *testing.T) {
	t.Setenv("GP_TEST_BOOL", "true")
	assert.True(t, EnvOrDefaultBool("GP_TEST_BOOL", false))

	t.Setenv("GP_TEST_BOOL_BAD", "yep")
	assert.False(t, EnvOrDefaultBool("GP_TEST_BOOL_BAD", false))
}

func TestEnvOrDefaultStrings(t *testing.T) {
	t.Setenv("GP_TEST_LIST", "https://a.example, https://b.example ,")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, EnvOrDefaultStrings("GP_TEST_LIST", []string{"*"}))

	t.Setenv("GP_TEST_LIST_EMPTY", " , ,")
	assert.Equal(t, []string{"*"}, EnvOrDefaultStrings("GP_TEST_LIST_EMPTY", []string{"*"}))
	assert.Equal(t, []string{"*"}, EnvOrDefaultStrings("GP_TEST_LIST_MISSING", []string{"*"}))
}
