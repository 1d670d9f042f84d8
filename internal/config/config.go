package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable, e.g. SOLO_RETRY_ROUNDS.
// Only prefixed variables are read.
const Prefix = "solo"

// Config holds all application configuration.
type Config struct {
	// Name is the shared segment name every instance of the application agrees on.
	Name string `split_words:"true" default:"solo"`
	// Dir holds the segment; empty means the platform default.
	Dir string `split_words:"true"`

	RetryRounds   int           `split_words:"true" default:"100"`
	RetryInterval time.Duration `split_words:"true" default:"500ms"`
	PollInterval  time.Duration `split_words:"true" default:"200ms"`

	LogLevel    string `split_words:"true" default:"info"`
	LogDev      bool   `split_words:"true" default:"false"`
	MetricsAddr string `split_words:"true"`
}

// Load loads and validates configuration from environment variables.
func Load() (*Config, error) {
	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads configuration from environment variables without validating it.
// Callers that override values, e.g. from flags, validate the result themselves.
func Parse() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the values that would make a guard misbehave.
func (c *Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("config: name must not be empty"))
	}
	if c.RetryRounds < 1 {
		errs = append(errs, fmt.Errorf("config: retry rounds must be positive, got %d", c.RetryRounds))
	}
	if c.RetryInterval < 0 {
		errs = append(errs, fmt.Errorf("config: retry interval must not be negative, got %s", c.RetryInterval))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("config: poll interval must be positive, got %s", c.PollInterval))
	}
	return errors.Join(errs...)
}
