package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the CallPilot server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Insight  InsightConfig
	Jobs     JobsConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// InsightConfig configures the external analysis (insight) service.
type InsightConfig struct {
	BaseURL            string
	APIKey             string
	Timeout            time.Duration
	WebhookSecret      string
	SignatureTolerance time.Duration
}

// JobsConfig configures the analysis-job orchestration layer.
type JobsConfig struct {
	MaxRetries     int
	MaxJobLifetime time.Duration
	PollInterval   time.Duration
	MinPollAge     time.Duration
	LockTTL        time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	SweepBatchSize int
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("CALLPILOT_PORT", 8080),
			Env:  envString("CALLPILOT_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Insight: InsightConfig{
			BaseURL:            os.Getenv("INSIGHT_BASE_URL"),
			APIKey:             os.Getenv("INSIGHT_API_KEY"),
			Timeout:            envDuration("INSIGHT_TIMEOUT", 30*time.Second),
			WebhookSecret:      os.Getenv("INSIGHT_WEBHOOK_SECRET"),
			SignatureTolerance: envDuration("INSIGHT_SIGNATURE_TOLERANCE", 5*time.Minute),
		},
		Jobs: JobsConfig{
			MaxRetries:     envInt("JOBS_MAX_RETRIES", 3),
			MaxJobLifetime: envDuration("JOBS_MAX_LIFETIME", 30*time.Minute),
			PollInterval:   envDuration("JOBS_POLL_INTERVAL", 30*time.Second),
			MinPollAge:     envDuration("JOBS_MIN_POLL_AGE", 15*time.Second),
			LockTTL:        envDuration("JOBS_LOCK_TTL", 10*time.Second),
			RetryBaseDelay: envDuration("JOBS_RETRY_BASE_DELAY", 30*time.Second),
			RetryMaxDelay:  envDuration("JOBS_RETRY_MAX_DELAY", 10*time.Minute),
			SweepBatchSize: envInt("JOBS_SWEEP_BATCH_SIZE", 100),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Insight.BaseURL == "" {
		return fmt.Errorf("INSIGHT_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Insight.BaseURL, "http://") && !strings.HasPrefix(c.Insight.BaseURL, "https://") {
		return fmt.Errorf("INSIGHT_BASE_URL must start with http:// or https://, got %q", c.Insight.BaseURL)
	}
	if c.Insight.WebhookSecret == "" {
		return fmt.Errorf("INSIGHT_WEBHOOK_SECRET is required")
	}

	if c.Jobs.MaxRetries < 0 {
		return fmt.Errorf("JOBS_MAX_RETRIES must be >= 0, got %d", c.Jobs.MaxRetries)
	}
	if c.Jobs.LockTTL <= 0 {
		return fmt.Errorf("JOBS_LOCK_TTL must be positive, got %s", c.Jobs.LockTTL)
	}
	if c.Jobs.PollInterval <= 0 {
		return fmt.Errorf("JOBS_POLL_INTERVAL must be positive, got %s", c.Jobs.PollInterval)
	}
	if c.Jobs.MaxJobLifetime <= c.Jobs.PollInterval {
		return fmt.Errorf("JOBS_MAX_LIFETIME (%s) must exceed JOBS_POLL_INTERVAL (%s)",
			c.Jobs.MaxJobLifetime, c.Jobs.PollInterval)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
