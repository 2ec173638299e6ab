package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Stream    StreamConfig    `yaml:"stream"`
	Runner    RunnerConfig    `yaml:"runner"`
	Retention RetentionConfig `yaml:"retention"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // not applied to streaming routes
	RequestTimeout  time.Duration `yaml:"request_timeout"`  // handler deadline for non-streaming routes
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // grace period for draining connections
}

// AuthConfig contains authentication settings
type AuthConfig struct {
	APIKeys []APIKey `yaml:"api_keys"`
}

// APIKey represents an API key for authentication
type APIKey struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

// StreamConfig contains event stream settings
type StreamConfig struct {
	MaxChunkBytes     int           `yaml:"max_chunk_bytes"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Retry             time.Duration `yaml:"retry"` // reconnect delay advertised to clients
}

// RunnerConfig sizes the build worker pool and names its external tools
type RunnerConfig struct {
	Concurrency      int    `yaml:"concurrency"`
	QueueSize        int    `yaml:"queue_size"`
	DockerCommand    string `yaml:"docker_command"`
	GitCommand       string `yaml:"git_command"`
	WorkspaceDir     string `yaml:"workspace_dir"`      // parent of per-build checkouts
	AllowJobCreation bool   `yaml:"allow_job_creation"` // POST /jobs, requires api keys
}

// RetentionConfig controls how long finished builds stay in memory
type RetentionConfig struct {
	Schedule   string        `yaml:"schedule"` // cron expression, descriptors like @every 10m allowed
	MaxAge     time.Duration `yaml:"max_age"`
	KeepPerJob int           `yaml:"keep_per_job"`
}

// RateLimitConfig limits build triggers per client
type RateLimitConfig struct {
	TriggersPerMinute int `yaml:"triggers_per_minute"`
	Burst             int `yaml:"burst"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration, expanding environment variables first
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Stream.MaxChunkBytes == 0 {
		c.Stream.MaxChunkBytes = 32 * 1024
	}
	if c.Stream.HeartbeatInterval == 0 {
		c.Stream.HeartbeatInterval = 15 * time.Second
	}
	if c.Stream.Retry == 0 {
		c.Stream.Retry = 3 * time.Second
	}
	if c.Runner.Concurrency == 0 {
		c.Runner.Concurrency = 4
	}
	if c.Runner.QueueSize == 0 {
		c.Runner.QueueSize = 64
	}
	if c.Runner.DockerCommand == "" {
		c.Runner.DockerCommand = "docker"
	}
	if c.Runner.GitCommand == "" {
		c.Runner.GitCommand = "git"
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = "@every 10m"
	}
	if c.Retention.MaxAge == 0 {
		c.Retention.MaxAge = 24 * time.Hour
	}
	if c.Retention.KeepPerJob == 0 {
		c.Retention.KeepPerJob = 5
	}
	if c.RateLimit.TriggersPerMinute == 0 {
		c.RateLimit.TriggersPerMinute = 30
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var err error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Stream.MaxChunkBytes < 0 {
		err = multierr.Append(err, errors.New("stream.max_chunk_bytes must not be negative"))
	}
	if c.Runner.Concurrency < 0 {
		err = multierr.Append(err, errors.New("runner.concurrency must not be negative"))
	}
	if c.Runner.QueueSize < 0 {
		err = multierr.Append(err, errors.New("runner.queue_size must not be negative"))
	}
	if c.Retention.KeepPerJob < 0 {
		err = multierr.Append(err, errors.New("retention.keep_per_job must not be negative"))
	}
	if _, perr := cron.ParseStandard(c.Retention.Schedule); perr != nil {
		err = multierr.Append(err, fmt.Errorf("retention.schedule %q: %w", c.Retention.Schedule, perr))
	}
	if c.Runner.AllowJobCreation && len(c.Auth.APIKeys) == 0 {
		err = multierr.Append(err, errors.New("runner.allow_job_creation requires auth.api_keys"))
	}
	for i, k := range c.Auth.APIKeys {
		if k.Key == "" {
			err = multierr.Append(err, fmt.Errorf("auth.api_keys[%d] (%s) has an empty key", i, k.Name))
		}
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		err = multierr.Append(err, fmt.Errorf("logging.format %q must be json or text", c.Logging.Format))
	}

	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
