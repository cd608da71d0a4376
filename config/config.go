package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the sync engine
type Config struct {
	// Credentials for the GitHub API, comma-separated in GITHUB_TOKENS.
	GitHubTokens  []string
	WebhookSecret string
	TenantID      string

	HTTPAddr string

	// Sync policy
	PollInterval        time.Duration
	BootstrapWindowDays int // 0 means full history
	SyncWorkers         int
	SyncTimeout         time.Duration
	QueueSize           int
	PageSize            int
	DriftThreshold      int

	// Rate limit / retry policy. The backoff formula constants and the quota
	// safety floor are policy knobs, not fixed behavior.
	QuotaFloor        int
	RequestsPerSecond float64
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	BackoffMaxRetries int
	BackoffJitter     float64

	LogLevel string
}

// NewConfig creates a new Config instance
func NewConfig() *Config {
	return &Config{}
}

// Load loads configuration from environment variables
func (c *Config) Load() error {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	// Read .env file if it exists
	if err := viper.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Required fields
	tokens := viper.GetString("GITHUB_TOKENS")
	if tokens == "" {
		tokens = viper.GetString("GITHUB_TOKEN") // single-token fallback
	}
	if tokens == "" {
		return fmt.Errorf("GITHUB_TOKENS is required")
	}
	for _, t := range strings.Split(tokens, ",") {
		if t = strings.TrimSpace(t); t != "" {
			c.GitHubTokens = append(c.GitHubTokens, t)
		}
	}
	if len(c.GitHubTokens) == 0 {
		return fmt.Errorf("GITHUB_TOKENS contains no usable tokens")
	}

	c.WebhookSecret = viper.GetString("WEBHOOK_SECRET")
	if c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}

	c.TenantID = viper.GetString("TENANT_ID")
	if c.TenantID == "" {
		c.TenantID = "default"
	}

	c.HTTPAddr = viper.GetString("HTTP_ADDR")
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}

	// Optional fields with defaults
	c.PollInterval = viper.GetDuration("POLL_INTERVAL")
	if c.PollInterval == 0 {
		c.PollInterval = time.Hour
	}

	if viper.IsSet("BOOTSTRAP_WINDOW_DAYS") {
		c.BootstrapWindowDays = viper.GetInt("BOOTSTRAP_WINDOW_DAYS")
	} else {
		c.BootstrapWindowDays = 30
	}
	if c.BootstrapWindowDays < 0 {
		return fmt.Errorf("BOOTSTRAP_WINDOW_DAYS cannot be negative")
	}

	c.SyncWorkers = viper.GetInt("SYNC_WORKERS")
	if c.SyncWorkers <= 0 {
		c.SyncWorkers = 4
	}

	c.SyncTimeout = viper.GetDuration("SYNC_TIMEOUT")
	if c.SyncTimeout == 0 {
		c.SyncTimeout = 30 * time.Minute
	}

	c.QueueSize = viper.GetInt("SYNC_QUEUE_SIZE")
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}

	c.PageSize = viper.GetInt("PAGE_SIZE")
	if c.PageSize <= 0 || c.PageSize > 100 {
		c.PageSize = 100
	}

	c.DriftThreshold = viper.GetInt("DRIFT_THRESHOLD")
	if c.DriftThreshold <= 0 {
		c.DriftThreshold = 25
	}

	c.QuotaFloor = viper.GetInt("QUOTA_FLOOR")
	if c.QuotaFloor <= 0 {
		c.QuotaFloor = 100
	}

	c.RequestsPerSecond = viper.GetFloat64("REQUESTS_PER_SECOND")
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 5
	}

	c.BackoffBase = viper.GetDuration("BACKOFF_BASE")
	if c.BackoffBase == 0 {
		c.BackoffBase = 500 * time.Millisecond
	}

	c.BackoffCap = viper.GetDuration("BACKOFF_CAP")
	if c.BackoffCap == 0 {
		c.BackoffCap = 30 * time.Second
	}

	c.BackoffMaxRetries = viper.GetInt("BACKOFF_MAX_RETRIES")
	if c.BackoffMaxRetries <= 0 {
		c.BackoffMaxRetries = 4
	}

	c.BackoffJitter = viper.GetFloat64("BACKOFF_JITTER")
	if c.BackoffJitter <= 0 || c.BackoffJitter > 1 {
		c.BackoffJitter = 0.2
	}

	c.LogLevel = viper.GetString("LOG_LEVEL")
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	return nil
}
