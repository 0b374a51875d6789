package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rnts08/base-token-watch/src/watcher"
)

// Environment overrides. Secrets and endpoints are usually kept out of the
// JSON file and supplied through the process environment or a .env file.
const (
	EnvRPCURLs     = "TOKEN_WATCH_RPC_URLS"
	EnvRedisURL    = "TOKEN_WATCH_REDIS_URL"
	EnvPostgresDSN = "TOKEN_WATCH_PG_DSN"
	EnvMarketAPI   = "TOKEN_WATCH_MARKET_API"
	EnvVerifyAPI   = "TOKEN_WATCH_VERIFY_API"
)

const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// DefaultCurated is the editorially trusted token list.
var DefaultCurated = []string{
	"0x712f43b21cf3e1b189c27678c0f551c08c01d150",
	"0xacfe6019ed1a7dc6f7b508c02d1b04ec88cc21bf",
	"0xfa980ced6895ac314e7de34ef1bfae90a5add21b",
	"0x1dd2d631c92b1acdfcdd51a0f7145a50130050c4",
}

// Duration is a time.Duration that reads and writes as a Go duration string
// ("5s", "2m") in JSON.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type RPCConfig struct {
	URL    string `json:"url"`
	APIKey string `json:"apiKey,omitempty"`
}

type DiscoveryConfig struct {
	LookbackBlocks uint64   `json:"lookback_blocks"`
	StaleAfter     Duration `json:"stale_after"`
	DeniedSymbols  []string `json:"denied_symbols"`
	Concurrency    int      `json:"concurrency"`
}

type MarketConfig struct {
	BaseURL           string   `json:"base_url"`
	LogoBaseURL       string   `json:"logo_base_url"`
	RequestsPerSecond float64  `json:"requests_per_second"`
	Burst             int      `json:"burst"`
	Timeout           Duration `json:"timeout"`
}

type SecurityConfig struct {
	VerifyURL    string   `json:"verify_url"`
	PlatformName string   `json:"platform_name"`
	PlatformURL  string   `json:"platform_url"`
	Curated      []string `json:"curated"`
	Community    []string `json:"community"`
	ScanBytecode bool     `json:"scan_bytecode"`
	Timeout      Duration `json:"timeout"`
}

type SchedulerConfig struct {
	NewTokenWindow           Duration `json:"new_token_window"`
	NewTokenInterval         Duration `json:"new_token_interval"`
	ActiveInterval           Duration `json:"active_interval"`
	InactiveInterval         Duration `json:"inactive_interval"`
	MaxChecksWithoutMovement int      `json:"max_checks_without_movement"`
}

type RefreshConfig struct {
	Interval     Duration `json:"interval"`
	Concurrency  int      `json:"concurrency"`
	SaveInterval Duration `json:"save_interval"`
}

type StorageConfig struct {
	Backend     string `json:"backend"`
	Dir         string `json:"dir"`
	Namespace   string `json:"namespace"`
	RedisURL    string `json:"redis_url,omitempty"`
	PostgresDSN string `json:"postgres_dsn,omitempty"`
}

type Config struct {
	RPC         []RPCConfig `json:"rpc"`
	Output      string      `json:"output"`
	Log         string      `json:"log"`
	LogLevel    string      `json:"log_level"`
	MetricsAddr string      `json:"metrics_addr"`
	APIAddr     string      `json:"api_addr"`

	Discovery DiscoveryConfig `json:"discovery"`
	Market    MarketConfig    `json:"market"`
	Security  SecurityConfig  `json:"security"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Refresh   RefreshConfig   `json:"refresh"`
	Storage   StorageConfig   `json:"storage"`

	// Watchlist holds manually tracked addresses. Defaults to the community list.
	Watchlist []string `json:"watchlist"`
}

// LoadDotEnv reads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are not an error.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the JSON config at path, applies environment overrides and
// fills defaults. It does not validate; call Validate for that.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config open error: %w", err)
	}
	defer func() { _ = f.Close() }()

	var cfg Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config decode error: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvRPCURLs); v != "" {
		cfg.RPC = nil
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.RPC = append(cfg.RPC, RPCConfig{URL: u})
			}
		}
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv(EnvMarketAPI); v != "" {
		cfg.Market.BaseURL = v
	}
	if v := os.Getenv(EnvVerifyAPI); v != "" {
		cfg.Security.VerifyURL = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Output == "" {
		cfg.Output = "token-watch-events.jsonl"
	}
	if cfg.Log == "" {
		cfg.Log = "token-watch.log"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":2112"
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = ":8080"
	}

	d := &cfg.Discovery
	if d.LookbackBlocks == 0 {
		d.LookbackBlocks = 1000
	}
	if d.StaleAfter.Duration <= 0 {
		d.StaleAfter.Duration = 2 * time.Hour
	}
	if d.DeniedSymbols == nil {
		d.DeniedSymbols = append([]string(nil), watcher.DefaultDeniedSymbols...)
	}
	if d.Concurrency <= 0 {
		d.Concurrency = 20
	}

	m := &cfg.Market
	if m.BaseURL == "" {
		m.BaseURL = "https://api.dexscreener.com/latest/dex"
	}
	if m.LogoBaseURL == "" {
		m.LogoBaseURL = "https://dd.dexscreener.com/ds-data/tokens/base"
	}
	if m.RequestsPerSecond <= 0 {
		m.RequestsPerSecond = 4
	}
	if m.Burst <= 0 {
		m.Burst = 5
	}
	if m.Timeout.Duration <= 0 {
		m.Timeout.Duration = 10 * time.Second
	}

	s := &cfg.Security
	if s.PlatformName == "" {
		s.PlatformName = "CLANKER"
	}
	if s.PlatformURL == "" {
		s.PlatformURL = "https://www.clanker.world/"
	}
	if s.Curated == nil {
		s.Curated = append([]string(nil), DefaultCurated...)
	}
	if s.Timeout.Duration <= 0 {
		s.Timeout.Duration = 10 * time.Second
	}

	sc := &cfg.Scheduler
	if sc.NewTokenWindow.Duration <= 0 {
		sc.NewTokenWindow.Duration = 2 * time.Minute
	}
	if sc.NewTokenInterval.Duration <= 0 {
		sc.NewTokenInterval.Duration = 5 * time.Second
	}
	if sc.ActiveInterval.Duration <= 0 {
		sc.ActiveInterval.Duration = 15 * time.Second
	}
	if sc.InactiveInterval.Duration <= 0 {
		sc.InactiveInterval.Duration = 30 * time.Second
	}
	if sc.MaxChecksWithoutMovement <= 0 {
		sc.MaxChecksWithoutMovement = 3
	}

	r := &cfg.Refresh
	if r.Interval.Duration <= 0 {
		r.Interval.Duration = 30 * time.Second
	}
	if r.Concurrency <= 0 {
		r.Concurrency = 5
	}
	if r.SaveInterval.Duration <= 0 {
		r.SaveInterval.Duration = 5 * time.Second
	}

	st := &cfg.Storage
	if st.Backend == "" {
		st.Backend = BackendFile
	}
	if st.Dir == "" {
		st.Dir = "."
	}
	if st.Namespace == "" {
		st.Namespace = "baseTokens"
	}

	if cfg.Watchlist == nil {
		cfg.Watchlist = append([]string(nil), s.Community...)
	}
}

// Validate reports the first configuration error found.
func Validate(cfg *Config) error {
	if len(cfg.RPC) == 0 {
		return fmt.Errorf("rpc list required in config")
	}

	hasValidRPC := false
	for _, r := range cfg.RPC {
		if r.URL != "" {
			hasValidRPC = true
			break
		}
	}
	if !hasValidRPC {
		return fmt.Errorf("at least one valid RPC URL is required")
	}

	if cfg.Security.VerifyURL == "" {
		return fmt.Errorf("security.verify_url is required")
	}

	sc := cfg.Scheduler
	if !(sc.NewTokenInterval.Duration < sc.ActiveInterval.Duration && sc.ActiveInterval.Duration < sc.InactiveInterval.Duration) {
		return fmt.Errorf("scheduler intervals must satisfy new < active < inactive (got %s, %s, %s)",
			sc.NewTokenInterval, sc.ActiveInterval, sc.InactiveInterval)
	}

	for _, list := range [][]string{cfg.Security.Curated, cfg.Security.Community, cfg.Watchlist} {
		for _, a := range list {
			if !isHexAddress(a) {
				return fmt.Errorf("invalid address in config: %q", a)
			}
		}
	}

	switch cfg.Storage.Backend {
	case BackendFile:
	case BackendRedis:
		if cfg.Storage.RedisURL == "" {
			return fmt.Errorf("storage.redis_url is required for the redis backend")
		}
	case BackendPostgres:
		if cfg.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
	return nil
}

// RPCURLs returns the endpoint list with API keys applied.
func (c *Config) RPCURLs() []string {
	urls := make([]string, 0, len(c.RPC))
	for _, r := range c.RPC {
		if r.URL == "" {
			continue
		}
		urls = append(urls, BuildRPCURL(r.URL, r.APIKey))
	}
	return urls
}

func BuildRPCURL(base, key string) string {
	if key == "" {
		return base
	}
	if strings.HasPrefix(key, "?") || strings.HasSuffix(base, "/") {
		return base + key
	}
	return base + "/" + key
}

func isHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(strings.ToLower(s), "0x") {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
