// Package config loads and validates the indexer's runtime configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the indexer runtime.
type Config struct {
	Chains     []ChainConfig    `yaml:"chains"`
	Log        LogConfig        `yaml:"log"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Ordering   string           `yaml:"ordering"` // "omnichain" or "multichain", §4.8
}

// ChainConfig is the already-parsed per-chain configuration the core
// consumes (§6): `{id, rpc: url|urls|custom, ws?, pollingInterval,
// finalityBlockCount, disableCache}`.
type ChainConfig struct {
	ID                 string        `yaml:"id"`
	ChainID            uint64        `yaml:"chain_id"`
	RPCEndpoints       []string      `yaml:"rpc_endpoints"`
	WSEndpoint         string        `yaml:"ws_endpoint,omitempty"`
	PollingInterval    time.Duration `yaml:"polling_interval"`
	FinalityBlockCount uint64        `yaml:"finality_block_count"`
	DisableCache       bool          `yaml:"disable_cache"`
	StartHeight        uint64        `yaml:"start_height"`
}

// LogConfig configures the zap logger (internal/logger).
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig configures the SyncStore backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "pebble" or "memory"
	Path    string `yaml:"path"`
}

// MetricsConfig configures the Prometheus metrics sink.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ResilienceConfig holds handler retry settings (§7). They are loaded and
// defaulted here but nothing reads them: the orchestrator's handler retry
// policy uses constants.HandlerMaxAttempts and the HandlerRetry*
// constants, and the dispatcher's RPC retries use constants.MaxRetries.
type ResilienceConfig struct {
	HandlerMaxRetries int           `yaml:"handler_max_retries"`
	HandlerRetryDelay time.Duration `yaml:"handler_retry_delay"`
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills in zero-valued fields with sane defaults.
func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "pebble"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/indexer"
	}
	if c.Ordering == "" {
		c.Ordering = "omnichain"
	}
	if c.Resilience.HandlerMaxRetries == 0 {
		c.Resilience.HandlerMaxRetries = 3
	}
	if c.Resilience.HandlerRetryDelay == 0 {
		c.Resilience.HandlerRetryDelay = 500 * time.Millisecond
	}
	for i := range c.Chains {
		ch := &c.Chains[i]
		if ch.PollingInterval == 0 {
			ch.PollingInterval = 2 * time.Second
		}
		if ch.FinalityBlockCount == 0 {
			ch.FinalityBlockCount = 10
		}
	}
}

// LoadFromEnv overrides select fields from environment variables, the way
// a single-process deployment wires secrets/endpoints without a file.
func (c *Config) LoadFromEnv() error {
	if level := os.Getenv("STARKINDEX_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("STARKINDEX_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}
	if path := os.Getenv("STARKINDEX_STORAGE_PATH"); path != "" {
		c.Storage.Path = path
	}
	if ordering := os.Getenv("STARKINDEX_ORDERING"); ordering != "" {
		c.Ordering = ordering
	}
	if endpoints := os.Getenv("STARKINDEX_RPC_ENDPOINTS"); endpoints != "" && len(c.Chains) > 0 {
		c.Chains[0].RPCEndpoints = strings.Split(endpoints, ",")
	}
	if metricsEnabled := os.Getenv("STARKINDEX_METRICS_ENABLED"); metricsEnabled != "" {
		val, err := strconv.ParseBool(metricsEnabled)
		if err != nil {
			return fmt.Errorf("invalid STARKINDEX_METRICS_ENABLED: %w", err)
		}
		c.Metrics.Enabled = val
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}

	seen := make(map[string]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.ID == "" {
			return fmt.Errorf("chain id is required")
		}
		if seen[ch.ID] {
			return fmt.Errorf("duplicate chain id %q", ch.ID)
		}
		seen[ch.ID] = true
		if len(ch.RPCEndpoints) == 0 {
			return fmt.Errorf("chain %q: at least one rpc endpoint is required", ch.ID)
		}
		if ch.FinalityBlockCount == 0 {
			return fmt.Errorf("chain %q: finality_block_count must be positive", ch.ID)
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	validOrdering := map[string]bool{"omnichain": true, "multichain": true}
	if !validOrdering[c.Ordering] {
		return fmt.Errorf("invalid ordering %q, must be one of: omnichain, multichain", c.Ordering)
	}

	validBackends := map[string]bool{"pebble": true, "memory": true}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("invalid storage backend %q, must be one of: pebble, memory", c.Storage.Backend)
	}

	return nil
}

// Load loads configuration in the standard order: defaults, file, env,
// validate.
func Load(configFile string) (*Config, error) {
	cfg := NewConfig()

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
