package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rnts08/base-token-watch/src/api"
	"github.com/rnts08/base-token-watch/src/chain"
	"github.com/rnts08/base-token-watch/src/config"
	"github.com/rnts08/base-token-watch/src/contractmeta"
	"github.com/rnts08/base-token-watch/src/logging"
	"github.com/rnts08/base-token-watch/src/market"
	"github.com/rnts08/base-token-watch/src/metrics"
	"github.com/rnts08/base-token-watch/src/registry"
	"github.com/rnts08/base-token-watch/src/security"
	"github.com/rnts08/base-token-watch/src/store"
	"github.com/rnts08/base-token-watch/src/tracker"
	"github.com/rnts08/base-token-watch/src/watcher"
)

const (
	watchdogInterval = 10 * time.Second
	stallAfter       = 60 * time.Second
	reconnectDelay   = 5 * time.Second
	configPollPeriod = 5 * time.Second
)

func main() {
	configPath := flag.String("config", "config.json", "Path to configuration JSON")
	metricsAddr := flag.String("metrics", "", "Address to serve Prometheus metrics (overrides config)")
	apiAddr := flag.String("api", "", "Address to serve the token API (overrides config)")
	testConfig := flag.Bool("t", false, "Test configuration and exit")
	flag.Parse()

	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Printf("Failed to read .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = config.Validate(cfg)
	}
	if *testConfig {
		if err != nil {
			fmt.Printf("Configuration error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration OK")
		os.Exit(0)
	}
	if err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *apiAddr != "" {
		cfg.APIAddr = *apiAddr
	}

	logger, closer, err := logging.Setup(cfg.Log, cfg.LogLevel)
	if err != nil {
		fmt.Printf("Logging setup failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = closer.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath, logger); err != nil {
		logger.Error().Err(err).Msg("token-watch exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("graceful shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, configPath string, logger zerolog.Logger) error {
	m := metrics.New()
	if err := metrics.Register(prometheus.DefaultRegisterer, m); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	st, err := store.Open(ctx, storeConfig(cfg))
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}
	defer func() { _ = st.Close() }()

	out, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer func() { _ = out.Close() }()

	current := &chain.Current{}
	meta := contractmeta.NewCache(contractmeta.NewERC20Reader(current))

	var code security.CodeReader
	if cfg.Security.ScanBytecode {
		code = current
	}
	classifier := security.NewClassifier(
		securityConfig(cfg),
		security.NewHTTPVerifier(cfg.Security.VerifyURL, cfg.Security.Timeout.Duration),
		code, m, logging.Component(logger, "security"),
	)

	tr := tracker.New(tracker.Deps{
		Registry:   registry.New(),
		Metadata:   meta,
		Scheduler:  market.NewScheduler(schedulerPolicy(cfg), m),
		Fetcher:    market.NewClient(marketConfig(cfg), m, logging.Component(logger, "market")),
		Classifier: classifier,
		Store:      st,
		Journal:    tracker.NewJournal(out),
		Metrics:    m,
		Log:        logging.Component(logger, "tracker"),
	}, trackerConfig(cfg))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	servers := []*http.Server{
		{Addr: cfg.MetricsAddr, Handler: metricsMux},
		{Addr: cfg.APIAddr, Handler: api.New(tr, logging.Component(logger, "api"))},
	}
	for _, srv := range servers {
		go func() {
			logger.Info().Str("addr", srv.Addr).Msg("http server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", srv.Addr).Msg("http server error")
			}
		}()
	}

	s := &sessions{
		rotator:   chain.NewRotator(cfg.RPCURLs(), chain.Dial, m, logging.Component(logger, "rpc")),
		current:   current,
		meta:      meta,
		handler:   tr,
		metrics:   m,
		log:       logging.Component(logger, "watcher"),
		discovery: discoveryConfig(cfg),
		restarts:  tr.Restarts(),
		reload:    make(chan struct{}, 1),
	}

	go config.Watch(ctx, configPath, configPollPeriod, logger, func(next *config.Config) {
		s.rotator.SetEndpoints(next.RPCURLs())
		classifier.SetLists(securityConfig(next))
		tr.SetConfig(trackerConfig(next))
		s.setDiscovery(discoveryConfig(next))
		s.requestReload()
		logger.Info().Msg("configuration reloaded, restarting session")
	})

	logger.Info().Int("rpc_endpoints", len(cfg.RPC)).Str("backend", cfg.Storage.Backend).Msg("token-watch starting")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tr.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("tracker stopped")
		}
	}()

	s.run(ctx)
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	return nil
}

// sessions runs one discovery session per RPC connection and starts a new
// one whenever the connection stalls, the registry is reset or the config
// changes.
type sessions struct {
	rotator *chain.Rotator
	current *chain.Current
	meta    *contractmeta.Cache
	handler watcher.Handler
	metrics *metrics.PipelineMetrics
	log     zerolog.Logger

	mu        sync.Mutex
	discovery watcher.Config

	restarts <-chan struct{}
	reload   chan struct{}
}

func (s *sessions) setDiscovery(cfg watcher.Config) {
	s.mu.Lock()
	s.discovery = cfg
	s.mu.Unlock()
}

func (s *sessions) discoveryConfig() watcher.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discovery
}

func (s *sessions) requestReload() {
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

func (s *sessions) run(ctx context.Context) {
	for ctx.Err() == nil {
		client, url, err := s.rotator.Connect(ctx)
		if err != nil {
			s.log.Error().Err(err).Dur("retry_in", reconnectDelay).Msg("all rpc connections failed")
			select {
			case <-ctx.Done():
			case <-time.After(reconnectDelay):
			}
			continue
		}
		if failed := s.session(ctx, client, url); failed {
			select {
			case <-ctx.Done():
			case <-time.After(reconnectDelay):
			}
		}
	}
}

// session runs discovery on client until it fails or a restart is
// requested. It reports whether the session ended with an error.
func (s *sessions) session(ctx context.Context, client chain.EthClient, url string) bool {
	log := s.log.With().Str("session", uuid.NewString()).Str("rpc", url).Logger()
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.current.Set(client)

	var failed atomic.Bool
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		chain.Watchdog(sessCtx, client, watchdogInterval, stallAfter, s.metrics, log, cancel)
	}()
	go func() {
		defer wg.Done()
		w := watcher.New(client, s.meta, s.handler, s.discoveryConfig(), s.metrics, log)
		if err := w.Run(sessCtx); err != nil {
			failed.Store(true)
			log.Error().Err(err).Msg("discovery session failed")
		}
		cancel()
	}()

	select {
	case <-sessCtx.Done():
	case <-s.restarts:
		log.Info().Msg("registry reset, restarting discovery")
	case <-s.reload:
	}
	cancel()
	wg.Wait()

	s.current.Set(nil)
	client.Close()
	log.Info().Msg("session ended")
	return failed.Load()
}

func storeConfig(cfg *config.Config) store.Config {
	return store.Config{
		Backend:     cfg.Storage.Backend,
		Dir:         cfg.Storage.Dir,
		Namespace:   cfg.Storage.Namespace,
		RedisURL:    cfg.Storage.RedisURL,
		PostgresDSN: cfg.Storage.PostgresDSN,
	}
}

func securityConfig(cfg *config.Config) security.Config {
	return security.Config{
		Platform:  security.Platform{Name: cfg.Security.PlatformName, URL: cfg.Security.PlatformURL},
		Curated:   cfg.Security.Curated,
		Community: cfg.Security.Community,
	}
}

func schedulerPolicy(cfg *config.Config) market.Policy {
	return market.Policy{
		NewTokenWindow:           cfg.Scheduler.NewTokenWindow.Duration,
		NewTokenInterval:         cfg.Scheduler.NewTokenInterval.Duration,
		ActiveInterval:           cfg.Scheduler.ActiveInterval.Duration,
		InactiveInterval:         cfg.Scheduler.InactiveInterval.Duration,
		MaxChecksWithoutMovement: cfg.Scheduler.MaxChecksWithoutMovement,
	}
}

func marketConfig(cfg *config.Config) market.ClientConfig {
	return market.ClientConfig{
		BaseURL:           cfg.Market.BaseURL,
		LogoBaseURL:       cfg.Market.LogoBaseURL,
		RequestsPerSecond: cfg.Market.RequestsPerSecond,
		Burst:             cfg.Market.Burst,
		Timeout:           cfg.Market.Timeout.Duration,
	}
}

func trackerConfig(cfg *config.Config) tracker.Config {
	return tracker.Config{
		RefreshInterval: cfg.Refresh.Interval.Duration,
		Concurrency:     cfg.Refresh.Concurrency,
		SaveInterval:    cfg.Refresh.SaveInterval.Duration,
		Watchlist:       cfg.Watchlist,
	}
}

func discoveryConfig(cfg *config.Config) watcher.Config {
	return watcher.Config{
		LookbackBlocks: cfg.Discovery.LookbackBlocks,
		StaleAfter:     cfg.Discovery.StaleAfter.Duration,
		DeniedSymbols:  cfg.Discovery.DeniedSymbols,
		Concurrency:    cfg.Discovery.Concurrency,
	}
}
