package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"rpc": [{"url": "wss://base.example"}],
		"security": {"verify_url": "http://relay.local", "community": ["0x1111111111111111111111111111111111111111"]}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "token-watch-events.jsonl", cfg.Output)
	assert.Equal(t, "token-watch.log", cfg.Log)
	assert.Equal(t, uint64(1000), cfg.Discovery.LookbackBlocks)
	assert.Equal(t, 2*time.Hour, cfg.Discovery.StaleAfter.Duration)
	assert.Contains(t, cfg.Discovery.DeniedSymbols, "WETH")
	assert.Equal(t, 5*time.Second, cfg.Scheduler.NewTokenInterval.Duration)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.ActiveInterval.Duration)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.InactiveInterval.Duration)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.NewTokenWindow.Duration)
	assert.Equal(t, 3, cfg.Scheduler.MaxChecksWithoutMovement)
	assert.Equal(t, 5, cfg.Refresh.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Refresh.Interval.Duration)
	assert.Equal(t, BackendFile, cfg.Storage.Backend)
	assert.Equal(t, "baseTokens", cfg.Storage.Namespace)
	assert.Equal(t, DefaultCurated, cfg.Security.Curated)
	assert.Equal(t, []string{"0x1111111111111111111111111111111111111111"}, cfg.Watchlist)
}

func TestLoadDurations(t *testing.T) {
	path := writeConfig(t, `{
		"rpc": [{"url": "wss://base.example"}],
		"security": {"verify_url": "http://relay.local"},
		"scheduler": {"new_token_interval": "2s", "active_interval": "10s", "inactive_interval": "1m"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.NewTokenInterval.Duration)
	assert.Equal(t, time.Minute, cfg.Scheduler.InactiveInterval.Duration)

	bad := writeConfig(t, `{"scheduler": {"active_interval": 15}}`)
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvRPCURLs, "wss://a.example, wss://b.example")
	t.Setenv(EnvVerifyAPI, "http://verify.local")
	t.Setenv(EnvRedisURL, "redis://localhost:6379/0")

	path := writeConfig(t, `{"rpc": [{"url": "wss://ignored"}], "storage": {"backend": "redis"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, []string{"wss://a.example", "wss://b.example"}, cfg.RPCURLs())
	assert.Equal(t, "http://verify.local", cfg.Security.VerifyURL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Storage.RedisURL)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("TOKEN_WATCH_MARKET_API=http://market.local\n"), 0644))
	t.Setenv(EnvMarketAPI, "")
	require.NoError(t, os.Unsetenv(EnvMarketAPI))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), envFile))
	assert.Equal(t, "http://market.local", os.Getenv(EnvMarketAPI))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{
			RPC:      []RPCConfig{{URL: "wss://base.example"}},
			Security: SecurityConfig{VerifyURL: "http://relay.local"},
		}
		applyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"no rpc", func(c *Config) { c.RPC = nil }, true},
		{"empty rpc url", func(c *Config) { c.RPC = []RPCConfig{{URL: ""}} }, true},
		{"no verify url", func(c *Config) { c.Security.VerifyURL = "" }, true},
		{"intervals out of order", func(c *Config) { c.Scheduler.ActiveInterval.Duration = time.Hour }, true},
		{"bad curated address", func(c *Config) { c.Security.Curated = []string{"0x123"} }, true},
		{"bad watchlist address", func(c *Config) { c.Watchlist = []string{"0xzz2f43b21cf3e1b189c27678c0f551c08c01d150"} }, true},
		{"redis without url", func(c *Config) { c.Storage.Backend = BackendRedis }, true},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }, true},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBuildRPCURL(t *testing.T) {
	tests := []struct {
		base string
		key  string
		want string
	}{
		{"http://localhost:8545", "", "http://localhost:8545"},
		{"https://base-mainnet.g.alchemy.com/v2", "key123", "https://base-mainnet.g.alchemy.com/v2/key123"},
		{"https://base-mainnet.g.alchemy.com/v2/", "key123", "https://base-mainnet.g.alchemy.com/v2/key123"},
		{"https://rpc.example", "?apikey=abc", "https://rpc.example?apikey=abc"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BuildRPCURL(tt.base, tt.key))
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeConfig(t, `{"rpc": [{"url": "wss://one"}], "security": {"verify_url": "http://relay"}}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 1)
	go Watch(ctx, path, 10*time.Millisecond, zerolog.Nop(), func(c *Config) { got <- c })

	// Ensure a distinct mtime on filesystems with coarse timestamps.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.WriteFile(path, []byte(`{"rpc": [{"url": "wss://two"}], "security": {"verify_url": "http://relay"}}`), 0644))
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case cfg := <-got:
		assert.Equal(t, []string{"wss://two"}, cfg.RPCURLs())
	case <-time.After(2 * time.Second):
		t.Fatal("config change not observed")
	}
}
