// Package config loads the lead pipeline configuration from config.yaml,
// .env and LEADGEN_-prefixed environment variables.
package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/lead-pipeline/internal/resilience"
)

// Config holds the full application configuration. It is built once by the
// CLI and passed down; core packages never read the environment themselves.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Filter     FilterConfig     `yaml:"filter" mapstructure:"filter"`
	Apify      ApifyConfig      `yaml:"apify" mapstructure:"apify"`
	Search     SearchConfig     `yaml:"search" mapstructure:"search"`
	Icypeas    IcypeasConfig    `yaml:"icypeas" mapstructure:"icypeas"`
	Instantly  InstantlyConfig  `yaml:"instantly" mapstructure:"instantly"`
	Prosp      ProspConfig      `yaml:"prosp" mapstructure:"prosp"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver        string `yaml:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DatabaseURL   string `yaml:"database_url" mapstructure:"database_url" validate:"required"`
	MaxConns      int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns      int32  `yaml:"min_conns" mapstructure:"min_conns"`
	LockRetries   int    `yaml:"lock_retries" mapstructure:"lock_retries" validate:"gte=0"`
	LockBackoffMs int    `yaml:"lock_backoff_ms" mapstructure:"lock_backoff_ms" validate:"gte=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the monitoring HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// PipelineConfig holds the orchestrator tunables.
type PipelineConfig struct {
	JobCount          int  `yaml:"job_count" mapstructure:"job_count" validate:"gt=0"`
	TestJobCount      int  `yaml:"test_job_count" mapstructure:"test_job_count" validate:"gt=0"`
	SearchConcurrency int  `yaml:"search_concurrency" mapstructure:"search_concurrency" validate:"gt=0"`
	EnrichConcurrency int  `yaml:"enrich_concurrency" mapstructure:"enrich_concurrency" validate:"gt=0"`
	PushConcurrency   int  `yaml:"push_concurrency" mapstructure:"push_concurrency" validate:"gt=0"`
	EmailBatchSize    int  `yaml:"email_batch_size" mapstructure:"email_batch_size" validate:"gt=0"`
	EnrichBatchSize   int  `yaml:"enrich_batch_size" mapstructure:"enrich_batch_size" validate:"gt=0"`
	BatchEnrich       bool `yaml:"batch_enrich" mapstructure:"batch_enrich"`
	RetryDelayMs      int  `yaml:"retry_delay_ms" mapstructure:"retry_delay_ms" validate:"gte=0"`
	MaxPushAttempts   int  `yaml:"max_push_attempts" mapstructure:"max_push_attempts" validate:"gte=0"`
	ProgressEvery     int  `yaml:"progress_every" mapstructure:"progress_every" validate:"gte=0"`
}

// JobTarget returns how many postings to acquire.
func (p PipelineConfig) JobTarget(testMode bool) int {
	if testMode {
		return p.TestJobCount
	}
	return p.JobCount
}

// RetryDelay returns the pause between items in the retry pass.
func (p PipelineConfig) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelayMs) * time.Millisecond
}

// RetryConfig configures the normal retry tier. The extended tier is derived
// from it.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts" validate:"gt=0"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms" validate:"gte=0"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms" validate:"gte=0"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier" validate:"gte=1"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction" validate:"gte=0,lte=1"`
}

// Policy returns the two-tier retry policy for vendor calls.
func (r RetryConfig) Policy() resilience.Policy {
	return resilience.NewPolicy(resilience.FromRetryConfig(
		r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs, r.Multiplier, r.JitterFraction,
	))
}

// LockRetry returns the store's lock contention schedule: one attempt plus
// LockRetries retries starting at LockBackoffMs.
func (s StoreConfig) LockRetry() resilience.RetryConfig {
	cfg := resilience.RetryConfig{
		MaxAttempts:    s.LockRetries + 1,
		InitialBackoff: time.Duration(s.LockBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Minute,
		Multiplier:     2.0,
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	return cfg
}

// FilterConfig holds the target company criteria.
type FilterConfig struct {
	Countries    []string `yaml:"countries" mapstructure:"countries" validate:"min=1"`
	MinEmployees int      `yaml:"min_employees" mapstructure:"min_employees" validate:"gte=0"`
	MaxEmployees int      `yaml:"max_employees" mapstructure:"max_employees" validate:"gtefield=MinEmployees"`
	SoftwareOnly bool     `yaml:"software_only" mapstructure:"software_only"`
	Keywords     []string `yaml:"keywords" mapstructure:"keywords"`
}

// ApifyConfig configures the job-board scraper source.
type ApifyConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	ActorID     string `yaml:"actor_id" mapstructure:"actor_id"`
	RunsLimit   int    `yaml:"runs_limit" mapstructure:"runs_limit"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// SearchConfig configures the Exa people search.
type SearchConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Limit       int    `yaml:"limit" mapstructure:"limit"`
	DelayMs     int    `yaml:"delay_ms" mapstructure:"delay_ms"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// IcypeasConfig configures email discovery and verification.
type IcypeasConfig struct {
	Key              string `yaml:"key" mapstructure:"key"`
	BaseURL          string `yaml:"base_url" mapstructure:"base_url"`
	PollIntervalSecs int    `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	PollTimeoutSecs  int    `yaml:"poll_timeout_secs" mapstructure:"poll_timeout_secs"`
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// InstantlyConfig configures the email campaign vendor.
type InstantlyConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	CampaignID  string `yaml:"campaign_id" mapstructure:"campaign_id"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ProspConfig configures the professional-network campaign vendor.
type ProspConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	ListID      string `yaml:"list_id" mapstructure:"list_id"`
	CampaignID  string `yaml:"campaign_id" mapstructure:"campaign_id"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// MonitoringConfig configures the run health checker started by serve.
// A zero CheckIntervalSecs disables it.
type MonitoringConfig struct {
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs" validate:"gte=0"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours" validate:"gt=0"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold" validate:"gte=0,lte=1"`
	BacklogThreshold     int     `yaml:"backlog_threshold" mapstructure:"backlog_threshold" validate:"gte=0"`
	StaleAfterHours      int     `yaml:"stale_after_hours" mapstructure:"stale_after_hours" validate:"gte=0"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url" validate:"omitempty,url"`
}

// CheckInterval returns the pause between health checks.
func (m MonitoringConfig) CheckInterval() time.Duration {
	return time.Duration(m.CheckIntervalSecs) * time.Second
}

// Lookback returns the window of runs a health check considers.
func (m MonitoringConfig) Lookback() time.Duration {
	return time.Duration(m.LookbackWindowHours) * time.Hour
}

// vendorKeys maps config keys to the bare environment names the vendors'
// keys are traditionally exported under.
var vendorKeys = map[string]string{
	"apify.key":     "APIFY_API_KEY",
	"search.key":    "EXA_API_KEY",
	"icypeas.key":   "ICYPEAS_API_KEY",
	"instantly.key": "INSTANTLY_API_KEY",
	"prosp.key":     "PROSP_API_KEY",
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range vendorKeys {
		prefixed := "LEADGEN_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, eris.Wrapf(err, "config: bind %s", key)
		}
	}

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "data/pipeline.db")
	v.SetDefault("store.lock_retries", 5)
	v.SetDefault("store.lock_backoff_ms", 2000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("pipeline.job_count", 10000)
	v.SetDefault("pipeline.test_job_count", 100)
	v.SetDefault("pipeline.search_concurrency", 5)
	v.SetDefault("pipeline.enrich_concurrency", 5)
	v.SetDefault("pipeline.push_concurrency", 10)
	v.SetDefault("pipeline.email_batch_size", 1000)
	v.SetDefault("pipeline.enrich_batch_size", 5000)
	v.SetDefault("pipeline.batch_enrich", true)
	v.SetDefault("pipeline.retry_delay_ms", 1000)
	v.SetDefault("pipeline.max_push_attempts", 5)
	v.SetDefault("pipeline.progress_every", 50)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 2000)
	v.SetDefault("retry.max_backoff_ms", 120000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.0)
	v.SetDefault("filter.countries", []string{"US"})
	v.SetDefault("filter.min_employees", 11)
	v.SetDefault("filter.max_employees", 200)
	v.SetDefault("filter.software_only", true)
	v.SetDefault("apify.base_url", "https://api.apify.com/v2")
	v.SetDefault("apify.actor_id", "curious_coder~linkedin-jobs-scraper")
	v.SetDefault("apify.runs_limit", 10)
	v.SetDefault("apify.timeout_secs", 120)
	v.SetDefault("search.base_url", "https://api.exa.ai")
	v.SetDefault("search.limit", 25)
	v.SetDefault("search.delay_ms", 2000)
	v.SetDefault("search.timeout_secs", 30)
	v.SetDefault("icypeas.base_url", "https://app.icypeas.com/api")
	v.SetDefault("icypeas.poll_interval_secs", 5)
	v.SetDefault("icypeas.poll_timeout_secs", 600)
	v.SetDefault("icypeas.timeout_secs", 60)
	v.SetDefault("instantly.base_url", "https://api.instantly.ai/api/v2")
	v.SetDefault("instantly.timeout_secs", 120)
	v.SetDefault("prosp.base_url", "https://prosp.ai/api/v1")
	v.SetDefault("prosp.timeout_secs", 30)
	v.SetDefault("monitoring.check_interval_secs", 0)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.backlog_threshold", 500)
	v.SetDefault("monitoring.stale_after_hours", 36)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration for the given command mode. Every mode
// checks tunables; "run" also requires every vendor key and "serve" requires
// a usable port.
func (c *Config) Validate(mode string) error {
	if err := validator.New().Struct(c); err != nil {
		return eris.Wrap(err, "config: invalid")
	}
	switch mode {
	case "run":
		if missing := c.MissingKeys(); len(missing) > 0 {
			return eris.Errorf("config: missing required API keys: %s", strings.Join(missing, ", "))
		}
	case "serve":
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			return eris.Errorf("config: server.port must be between 1 and 65535, got %d", c.Server.Port)
		}
	}
	return nil
}

// MissingKeys lists the bare environment names of unset vendor keys.
func (c *Config) MissingKeys() []string {
	var missing []string
	for _, k := range []struct {
		value string
		env   string
	}{
		{c.Apify.Key, "APIFY_API_KEY"},
		{c.Search.Key, "EXA_API_KEY"},
		{c.Icypeas.Key, "ICYPEAS_API_KEY"},
		{c.Instantly.Key, "INSTANTLY_API_KEY"},
		{c.Prosp.Key, "PROSP_API_KEY"},
	} {
		if k.value == "" {
			missing = append(missing, k.env)
		}
	}
	return missing
}

// Summary returns the run configuration persisted with each pipeline run.
// Secrets are omitted.
func (c *Config) Summary(testMode bool) map[string]any {
	return map[string]any{
		"test_mode":          testMode,
		"job_count":          c.Pipeline.JobTarget(testMode),
		"countries":          c.Filter.Countries,
		"min_employees":      c.Filter.MinEmployees,
		"max_employees":      c.Filter.MaxEmployees,
		"search_concurrency": c.Pipeline.SearchConcurrency,
		"enrich_concurrency": c.Pipeline.EnrichConcurrency,
		"push_concurrency":   c.Pipeline.PushConcurrency,
		"max_push_attempts":  c.Pipeline.MaxPushAttempts,
		"store_driver":       c.Store.Driver,
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
