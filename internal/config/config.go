package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Database Database `yaml:"database"`
	Dispatch Dispatch `yaml:"dispatch"`
	Engine   Engine   `yaml:"engine"`
	Sender   Sender   `yaml:"sender"`
	API      API      `yaml:"api"`
	Metrics  Metrics  `yaml:"metrics"`
	Logging  Logging  `yaml:"logging"`
}

// Database contains SQLite settings.
type Database struct {
	Path string `yaml:"path"`
}

// Dispatch queue backends.
const (
	BackendEmbedded = "embedded"
	BackendAMQP     = "amqp"
)

// Dispatch contains dispatch queue and processor settings.
type Dispatch struct {
	Backend string `yaml:"backend"` // embedded or amqp

	// Embedded backend
	Path string `yaml:"path"` // bbolt file

	// AMQP backend
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`

	Workers         int           `yaml:"workers"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	MaxRetries      int           `yaml:"max_retries"`
	ProcessInterval time.Duration `yaml:"process_interval"`

	// Completed job retention (embedded backend only)
	RetentionMaxAge time.Duration `yaml:"retention_max_age"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Engine contains batch processing and stats aggregation settings.
type Engine struct {
	BatchSize           int           `yaml:"batch_size"`
	RecheckInterval     time.Duration `yaml:"recheck_interval"`
	StatsFlushThreshold int           `yaml:"stats_flush_threshold"`
	StatsFlushInterval  time.Duration `yaml:"stats_flush_interval"`
}

// Sender contains delivery settings. With no relay URL the sandbox
// sender is used and messages are captured instead of delivered.
type Sender struct {
	RelayURL            string  `yaml:"relay_url"`
	RelayAPIKey         string  `yaml:"relay_api_key"`
	SandboxMaxMessages  int     `yaml:"sandbox_max_messages"`
	SimulateErrors      bool    `yaml:"simulate_errors"`
	SimulateProbability float64 `yaml:"simulate_probability"`
}

// API contains HTTP API settings.
type API struct {
	ListenAddr   string        `yaml:"listen_addr"`
	APIKey       string        `yaml:"api_key"`
	AllowedIPs   []string      `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access the API (empty = allow all)
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// Metrics contains Prometheus metrics settings.
type Metrics struct {
	Enabled    bool          `yaml:"enabled"`
	ListenAddr string        `yaml:"listen_addr"` // Default: :9090
	Path       string        `yaml:"path"`        // Default: /metrics
	Interval   time.Duration `yaml:"interval"`    // Queue gauge refresh. Default: 10s
	AllowedIPs []string      `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access metrics
}

// Logging contains logging settings.
type Logging struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file. Environment variables
// OUTREACH_API_KEY, OUTREACH_RELAY_API_KEY and OUTREACH_AMQP_URL
// override their file counterparts so secrets can stay out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.setDefaults()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("OUTREACH_API_KEY"); v != "" {
		c.API.APIKey = v
	}
	if v := os.Getenv("OUTREACH_RELAY_API_KEY"); v != "" {
		c.Sender.RelayAPIKey = v
	}
	if v := os.Getenv("OUTREACH_AMQP_URL"); v != "" {
		c.Dispatch.URL = v
	}
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/outreach/outreach.db"
	}

	if c.Dispatch.Backend == "" {
		c.Dispatch.Backend = BackendEmbedded
	}
	if c.Dispatch.Path == "" {
		c.Dispatch.Path = "/var/lib/outreach/dispatch.db"
	}
	if c.Dispatch.Queue == "" {
		c.Dispatch.Queue = "outreach.jobs"
	}
	if c.Dispatch.Prefetch == 0 {
		c.Dispatch.Prefetch = 8
	}
	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 4
	}
	if c.Dispatch.RetryInterval == 0 {
		c.Dispatch.RetryInterval = time.Minute
	}
	if c.Dispatch.MaxRetries == 0 {
		c.Dispatch.MaxRetries = 3
	}
	if c.Dispatch.ProcessInterval == 0 {
		c.Dispatch.ProcessInterval = time.Second
	}
	if c.Dispatch.RetentionMaxAge == 0 {
		c.Dispatch.RetentionMaxAge = 72 * time.Hour
	}
	if c.Dispatch.CleanupInterval == 0 {
		c.Dispatch.CleanupInterval = time.Hour
	}

	if c.Engine.BatchSize == 0 {
		c.Engine.BatchSize = 100
	}
	if c.Engine.RecheckInterval == 0 {
		c.Engine.RecheckInterval = 5 * time.Minute
	}
	if c.Engine.StatsFlushThreshold == 0 {
		c.Engine.StatsFlushThreshold = 50
	}
	if c.Engine.StatsFlushInterval == 0 {
		c.Engine.StatsFlushInterval = 30 * time.Second
	}

	if c.Sender.SandboxMaxMessages == 0 {
		c.Sender.SandboxMaxMessages = 1000
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Interval == 0 {
		c.Metrics.Interval = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Dispatch.Backend {
	case BackendEmbedded:
		if c.Dispatch.Path == "" {
			return fmt.Errorf("dispatch.path is required for the embedded backend")
		}
	case BackendAMQP:
		if c.Dispatch.URL == "" {
			return fmt.Errorf("dispatch.url is required for the amqp backend")
		}
	default:
		return fmt.Errorf("unknown dispatch backend %q", c.Dispatch.Backend)
	}

	if c.Sender.SimulateProbability < 0 || c.Sender.SimulateProbability > 1 {
		return fmt.Errorf("sender.simulate_probability must be between 0 and 1")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}

	return nil
}
