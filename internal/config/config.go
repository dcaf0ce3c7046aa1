// Package config loads and validates the proxy's YAML configuration: listen
// port, client API keys, upstream provider credentials, admission queue
// settings, and persistence options.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider identifies an upstream LLM provider family.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the TCP port the proxy listens on.
	Port int `yaml:"port" json:"-"`

	// Debug lowers the log level to debug and enables gin debug mode.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile redirects log output to a rotated file instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// ProxyURL is an optional outbound proxy for upstream requests.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// ProxyKeys authenticate clients to this proxy. Empty disables client auth.
	ProxyKeys []string `yaml:"proxy-keys" json:"-"`

	// Upstreams maps provider name to its credential and endpoint settings.
	Upstreams map[Provider]Upstream `yaml:"upstreams" json:"upstreams"`

	// Queue controls the admission queue for rate-limited retries.
	Queue QueueConfig `yaml:"queue" json:"queue"`

	// UsagePersistence controls the sqlite usage and prompt-log store.
	UsagePersistence UsagePersistence `yaml:"usage-persistence" json:"usage-persistence"`

	// PromptLogging enables recording of prompt metadata per request.
	PromptLogging bool `yaml:"prompt-logging" json:"prompt-logging"`
}

// Upstream holds one provider's endpoint and key material.
type Upstream struct {
	// BaseURL is the provider API origin, e.g. https://api.openai.com.
	BaseURL string `yaml:"base-url" json:"base-url"`

	// Keys lists the pooled credentials for this provider.
	Keys []string `yaml:"keys" json:"-"`
}

// QueueConfig tunes the admission queue.
type QueueConfig struct {
	// Enabled turns on silent re-queueing of rate-limited requests.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Concurrency caps requests in flight toward upstreams.
	Concurrency int `yaml:"concurrency" json:"concurrency"`

	// MaxAttempts bounds re-enqueues per logical request.
	MaxAttempts int `yaml:"max-attempts" json:"max-attempts"`

	// MaxWaitSeconds bounds how long a queued request may wait for admission.
	MaxWaitSeconds int `yaml:"max-wait-seconds" json:"max-wait-seconds"`
}

// UsagePersistence configures the async sqlite writer.
type UsagePersistence struct {
	Enabled           bool   `yaml:"enabled" json:"enabled"`
	DBPath            string `yaml:"db-path" json:"db-path"`
	BatchSize         int    `yaml:"batch-size" json:"batch-size"`
	FlushIntervalSecs int    `yaml:"flush-interval-secs" json:"flush-interval-secs"`
	RetentionDays     int    `yaml:"retention-days" json:"retention-days"`
}

// NewDefaultConfig returns a config with working defaults for local use.
func NewDefaultConfig() *Config {
	return &Config{
		Port: 7860,
		Queue: QueueConfig{
			Enabled:        true,
			Concurrency:    8,
			MaxAttempts:    3,
			MaxWaitSeconds: 90,
		},
		Upstreams: map[Provider]Upstream{
			ProviderOpenAI:    {BaseURL: "https://api.openai.com"},
			ProviderAnthropic: {BaseURL: "https://api.anthropic.com"},
		},
	}
}

// LoadConfig reads and parses the YAML configuration at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := NewDefaultConfig()
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err = cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigOptional behaves like LoadConfig but tolerates a missing file when
// optional is true, returning defaults instead.
func LoadConfigOptional(path string, optional bool) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil && optional && os.IsNotExist(underlying(err)) {
		return NewDefaultConfig(), nil
	}
	return cfg, err
}

func underlying(err error) error {
	type wrapper interface{ Unwrap() error }
	for {
		w, ok := err.(wrapper)
		if !ok {
			return err
		}
		err = w.Unwrap()
	}
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = 8
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.MaxWaitSeconds <= 0 {
		c.Queue.MaxWaitSeconds = 90
	}
	for name, up := range c.Upstreams {
		if strings.TrimSpace(up.BaseURL) == "" {
			return fmt.Errorf("config: upstream %q has no base-url", name)
		}
	}
	return nil
}

// KeysFor returns the configured keys for a provider.
func (c *Config) KeysFor(p Provider) []string {
	if c == nil {
		return nil
	}
	return c.Upstreams[p].Keys
}
