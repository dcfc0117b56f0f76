package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validChain() ChainConfig {
	return ChainConfig{
		ID:                 "starknet-mainnet",
		ChainID:            1,
		RPCEndpoints:       []string{"https://rpc.example/v1"},
		FinalityBlockCount: 10,
	}
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{Chains: []ChainConfig{validChain()}}
	cfg.SetDefaults()

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "pebble", cfg.Storage.Backend)
	assert.Equal(t, "omnichain", cfg.Ordering)
	assert.Equal(t, 3, cfg.Resilience.HandlerMaxRetries)
	require.Len(t, cfg.Chains, 1)
	assert.NotZero(t, cfg.Chains[0].PollingInterval)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"no chains", func(c *Config) { c.Chains = nil }, true},
		{"empty chain id", func(c *Config) { c.Chains[0].ID = "" }, true},
		{"duplicate chain id", func(c *Config) { c.Chains = append(c.Chains, validChain()) }, true},
		{"no rpc endpoints", func(c *Config) { c.Chains[0].RPCEndpoints = nil }, true},
		{"zero finality", func(c *Config) { c.Chains[0].FinalityBlockCount = 0 }, true},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, true},
		{"bad ordering", func(c *Config) { c.Ordering = "sequential" }, true},
		{"bad backend", func(c *Config) { c.Storage.Backend = "mysql" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			cfg.Chains = []ChainConfig{validChain()}
			cfg.SetDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlData := `
chains:
  - id: starknet-mainnet
    chain_id: 1
    rpc_endpoints:
      - https://rpc-a.example
      - https://rpc-b.example
    finality_block_count: 12
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Chains, 1)
	assert.Equal(t, "starknet-mainnet", cfg.Chains[0].ID)
	assert.Equal(t, []string{"https://rpc-a.example", "https://rpc-b.example"}, cfg.Chains[0].RPCEndpoints)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STARKINDEX_LOG_LEVEL", "warn")
	t.Setenv("STARKINDEX_ORDERING", "multichain")

	cfg := NewConfig()
	cfg.Chains = []ChainConfig{validChain()}
	require.NoError(t, cfg.LoadFromEnv())
	cfg.SetDefaults()

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "multichain", cfg.Ordering)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
