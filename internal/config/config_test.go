package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// chdirTemp changes to an empty temp dir so no config.yaml or .env is found.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

// clearVendorKeys makes sure keys exported on the host do not leak into tests.
func clearVendorKeys(t *testing.T) {
	t.Helper()
	for _, env := range vendorKeys {
		t.Setenv(env, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)
	clearVendorKeys(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "data/pipeline.db", cfg.Store.DatabaseURL)
	assert.Equal(t, 5, cfg.Store.LockRetries)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10000, cfg.Pipeline.JobCount)
	assert.Equal(t, 100, cfg.Pipeline.TestJobCount)
	assert.Equal(t, 1000, cfg.Pipeline.EmailBatchSize)
	assert.Equal(t, 5000, cfg.Pipeline.EnrichBatchSize)
	assert.Equal(t, 5, cfg.Pipeline.MaxPushAttempts)
	assert.Equal(t, []string{"US"}, cfg.Filter.Countries)
	assert.Equal(t, 11, cfg.Filter.MinEmployees)
	assert.Equal(t, 200, cfg.Filter.MaxEmployees)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 25, cfg.Search.Limit)
	assert.Equal(t, "https://app.icypeas.com/api", cfg.Icypeas.BaseURL)
	assert.Equal(t, 600, cfg.Icypeas.PollTimeoutSecs)
	assert.Equal(t, "https://api.instantly.ai/api/v2", cfg.Instantly.BaseURL)
	assert.Equal(t, "https://prosp.ai/api/v1", cfg.Prosp.BaseURL)
	assert.Empty(t, cfg.Apify.Key)
	assert.Zero(t, cfg.Monitoring.CheckIntervalSecs)
	assert.Equal(t, 24*time.Hour, cfg.Monitoring.Lookback())
	assert.InDelta(t, 0.5, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, 500, cfg.Monitoring.BacklogThreshold)
	assert.Equal(t, 36, cfg.Monitoring.StaleAfterHours)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/leads
log:
  level: debug
  format: console
pipeline:
  test_job_count: 20
filter:
  countries: [US, CA]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 20, cfg.Pipeline.TestJobCount)
	assert.Equal(t, []string{"US", "CA"}, cfg.Filter.Countries)
	// Defaults still apply for unset values
	assert.Equal(t, 10000, cfg.Pipeline.JobCount)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))
	t.Setenv("LEADGEN_LOG_LEVEL", "warn")
	t.Setenv("LEADGEN_PIPELINE_MAX_PUSH_ATTEMPTS", "9")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 9, cfg.Pipeline.MaxPushAttempts)
}

func TestLoadBareVendorKeys(t *testing.T) {
	chdirTemp(t)
	clearVendorKeys(t)
	t.Setenv("EXA_API_KEY", "exa-key")
	t.Setenv("LEADGEN_PROSP_KEY", "prosp-key")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "exa-key", cfg.Search.Key)
	assert.Equal(t, "prosp-key", cfg.Prosp.Key)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	clearVendorKeys(t)
	os.Unsetenv("ICYPEAS_API_KEY")
	t.Cleanup(func() { os.Unsetenv("ICYPEAS_API_KEY") })
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ICYPEAS_API_KEY=from-dotenv\n"), 0644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Icypeas.Key)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

func loadDefaults(t *testing.T) *Config {
	t.Helper()
	chdirTemp(t)
	clearVendorKeys(t)
	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func withKeys(cfg *Config) *Config {
	cfg.Apify.Key = "a"
	cfg.Search.Key = "b"
	cfg.Icypeas.Key = "c"
	cfg.Instantly.Key = "d"
	cfg.Prosp.Key = "e"
	return cfg
}

func TestValidateRun_AllPresent(t *testing.T) {
	cfg := withKeys(loadDefaults(t))
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateRun_MissingKeys(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Search.Key = "set"

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APIFY_API_KEY")
	assert.Contains(t, err.Error(), "PROSP_API_KEY")
	assert.NotContains(t, err.Error(), "EXA_API_KEY")
}

func TestValidate_NonRunModesIgnoreKeys(t *testing.T) {
	cfg := loadDefaults(t)
	assert.NoError(t, cfg.Validate("runs"))
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidate_BadTunables(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero job count", func(c *Config) { c.Pipeline.JobCount = 0 }},
		{"zero concurrency", func(c *Config) { c.Pipeline.PushConcurrency = 0 }},
		{"employee range inverted", func(c *Config) { c.Filter.MinEmployees = 300 }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }},
		{"no countries", func(c *Config) { c.Filter.Countries = nil }},
		{"jitter above one", func(c *Config) { c.Retry.JitterFraction = 1.5 }},
		{"failure rate above one", func(c *Config) { c.Monitoring.FailureRateThreshold = 2 }},
		{"webhook not a url", func(c *Config) { c.Monitoring.WebhookURL = "not a url" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := withKeys(loadDefaults(t))
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate("run"))
		})
	}
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestPipelineHelpers(t *testing.T) {
	cfg := loadDefaults(t)
	assert.Equal(t, 100, cfg.Pipeline.JobTarget(true))
	assert.Equal(t, 10000, cfg.Pipeline.JobTarget(false))
	assert.Equal(t, time.Second, cfg.Pipeline.RetryDelay())

	summary := cfg.Summary(true)
	assert.Equal(t, true, summary["test_mode"])
	assert.Equal(t, 100, summary["job_count"])
	for k := range summary {
		assert.NotContains(t, k, "key")
	}
}

func TestRetryHelpers(t *testing.T) {
	cfg := loadDefaults(t)

	p := cfg.Retry.Policy()
	assert.Equal(t, 3, p.Normal().MaxAttempts)
	assert.Equal(t, 6, p.Extended().MaxAttempts)
	assert.Equal(t, 2*time.Second, p.Normal().InitialBackoff)

	lock := cfg.Store.LockRetry()
	assert.Equal(t, 6, lock.MaxAttempts)
	assert.Equal(t, 2*time.Second, lock.InitialBackoff)
}
