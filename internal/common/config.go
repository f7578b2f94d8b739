package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string         `toml:"environment"` // "development" or "production"
	Server      ServerConfig   `toml:"server"`
	Storage     StorageConfig  `toml:"storage"`
	Logging     LoggingConfig  `toml:"logging"`
	Parallel    ParallelConfig `toml:"parallel"`
	Tracker     TrackerConfig  `toml:"tracker"`
	Auth        AuthConfig     `toml:"auth"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
	// PublicURL is the externally visible origin used in result URLs and
	// webhook payloads (e.g. "https://multitask.example.com").
	PublicURL string `toml:"public_url"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// ParallelConfig configures the remote task API client.
type ParallelConfig struct {
	BaseURL        string        `toml:"base_url"`
	RequestTimeout time.Duration `toml:"request_timeout"` // per-request HTTP timeout (non-streaming)
	RateLimit      int           `toml:"rate_limit"`      // requests per second
	BatchSize      int           `toml:"batch_size"`      // inputs per add-runs call
}

// TrackerConfig configures the per-group tracking actors.
type TrackerConfig struct {
	// InvocationBudget bounds one reconciliation pass. Strictly shorter than
	// the sweep interval ceiling so a pass always tears down cleanly before
	// the next one can be scheduled.
	InvocationBudget time.Duration `toml:"invocation_budget"`
	// SweepSchedule is the cron expression for the resume/purge sweep.
	SweepSchedule string `toml:"sweep_schedule"`
	// RetentionDays is how long completed groups are kept before purge.
	RetentionDays int `toml:"retention_days"`
	// LiveInterval is the Live Update Channel polling cadence.
	LiveInterval time.Duration `toml:"live_interval"`
	// WebhookTimeout bounds the completion webhook POST.
	WebhookTimeout time.Duration `toml:"webhook_timeout"`
	// ResultFetchTimeout bounds the supplementary run-result fetch.
	ResultFetchTimeout time.Duration `toml:"result_fetch_timeout"`
}

// AuthConfig configures the OAuth boundary used to exchange authorization
// codes for API-key cookies. The flow itself runs at the external provider;
// only the token endpoint is needed here.
type AuthConfig struct {
	TokenEndpoint     string `toml:"token_endpoint"`
	AuthorizeEndpoint string `toml:"authorize_endpoint"`
}

// NewDefaultConfig returns configuration defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:      8085,
			Host:      "localhost",
			PublicURL: "",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:           "./data/multitask",
				ResetOnStartup: false,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
		Parallel: ParallelConfig{
			BaseURL:        "https://api.parallel.ai",
			RequestTimeout: 30 * time.Second,
			RateLimit:      10,
			BatchSize:      500,
		},
		Tracker: TrackerConfig{
			InvocationBudget:   4 * time.Minute,
			SweepSchedule:      "*/1 * * * *", // every minute
			RetentionDays:      30,
			LiveInterval:       2 * time.Second,
			WebhookTimeout:     15 * time.Second,
			ResultFetchTimeout: 20 * time.Second,
		},
		Auth: AuthConfig{
			TokenEndpoint:     "https://parallel.simplerauth.com/token",
			AuthorizeEndpoint: "https://parallel.simplerauth.com/authorize",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("MULTITASK_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("MULTITASK_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("MULTITASK_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if publicURL := os.Getenv("MULTITASK_PUBLIC_URL"); publicURL != "" {
		config.Server.PublicURL = publicURL
	}
	if badgerPath := os.Getenv("MULTITASK_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if level := os.Getenv("MULTITASK_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if baseURL := os.Getenv("MULTITASK_PARALLEL_BASE_URL"); baseURL != "" {
		config.Parallel.BaseURL = baseURL
	}
	if retention := os.Getenv("MULTITASK_RETENTION_DAYS"); retention != "" {
		if d, err := strconv.Atoi(retention); err == nil && d > 0 {
			config.Tracker.RetentionDays = d
		}
	}
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime behavior.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Parallel.BatchSize <= 0 {
		return fmt.Errorf("parallel batch_size must be positive, got %d", c.Parallel.BatchSize)
	}
	if c.Tracker.InvocationBudget <= 0 {
		return fmt.Errorf("tracker invocation_budget must be positive")
	}
	if c.Tracker.RetentionDays <= 0 {
		return fmt.Errorf("tracker retention_days must be positive, got %d", c.Tracker.RetentionDays)
	}
	return nil
}

// PublicOrigin returns the configured public origin, falling back to the
// listen address for local development.
func (c *Config) PublicOrigin() string {
	if c.Server.PublicURL != "" {
		return c.Server.PublicURL
	}
	return fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
}

// Retention returns the purge window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Tracker.RetentionDays) * 24 * time.Hour
}
