// Package tracker wires discovery, enrichment, classification and
// persistence into one pipeline around the token registry.
package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rnts08/base-token-watch/src/contractmeta"
	"github.com/rnts08/base-token-watch/src/market"
	"github.com/rnts08/base-token-watch/src/metrics"
	"github.com/rnts08/base-token-watch/src/registry"
	"github.com/rnts08/base-token-watch/src/security"
	"github.com/rnts08/base-token-watch/src/store"
	"github.com/rnts08/base-token-watch/src/watcher"
)

// Fetcher returns market data for one token.
type Fetcher interface {
	Fetch(ctx context.Context, address string) (*market.Data, error)
}

type Config struct {
	RefreshInterval time.Duration
	Concurrency     int
	SaveInterval    time.Duration
	Watchlist       []string
}

// Deps are the components the tracker drives. Store and Journal may be nil,
// which disables persistence and the discovery journal.
type Deps struct {
	Registry   *registry.Registry
	Metadata   *contractmeta.Cache
	Scheduler  *market.Scheduler
	Fetcher    Fetcher
	Classifier *security.Classifier
	Store      store.Store
	Journal    *Journal
	Metrics    *metrics.PipelineMetrics
	Log        zerolog.Logger
}

type Tracker struct {
	reg        *registry.Registry
	meta       *contractmeta.Cache
	sched      *market.Scheduler
	fetcher    Fetcher
	classifier *security.Classifier
	store      store.Store
	journal    *Journal
	metrics    *metrics.PipelineMetrics
	log        zerolog.Logger
	now        func() time.Time

	cfgMu sync.RWMutex
	cfg   Config
	watch map[string]struct{}

	// resetMu is held exclusively by Reset. State writers hold it shared
	// and compare gen so work started before a reset is discarded.
	resetMu  sync.RWMutex
	gen      atomic.Uint64
	restarts chan struct{}

	bg sync.WaitGroup
}

var _ watcher.Handler = (*Tracker)(nil)

func New(d Deps, cfg Config) *Tracker {
	t := &Tracker{
		reg:        d.Registry,
		meta:       d.Metadata,
		sched:      d.Scheduler,
		fetcher:    d.Fetcher,
		classifier: d.Classifier,
		store:      d.Store,
		journal:    d.Journal,
		metrics:    d.Metrics,
		log:        d.Log,
		now:        time.Now,
		restarts:   make(chan struct{}, 1),
	}
	t.SetConfig(cfg)
	return t
}

// SetConfig replaces the refresh settings and watch-list. It takes effect
// from the next refresh cycle.
func (t *Tracker) SetConfig(cfg Config) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.SaveInterval <= 0 {
		cfg.SaveInterval = 5 * time.Second
	}
	watch := make(map[string]struct{}, len(cfg.Watchlist))
	for _, a := range cfg.Watchlist {
		watch[registry.Key(a)] = struct{}{}
	}

	t.cfgMu.Lock()
	t.cfg = cfg
	t.watch = watch
	t.cfgMu.Unlock()
}

func (t *Tracker) config() Config {
	t.cfgMu.RLock()
	defer t.cfgMu.RUnlock()
	return t.cfg
}

func (t *Tracker) watched(address string) bool {
	t.cfgMu.RLock()
	defer t.cfgMu.RUnlock()
	_, ok := t.watch[registry.Key(address)]
	return ok
}

// Restarts fires after Reset so the caller can start a new discovery
// session from a fresh block offset.
func (t *Tracker) Restarts() <-chan struct{} {
	return t.restarts
}

// Known reports whether address is already registered.
func (t *Tracker) Known(address string) bool {
	return t.reg.Has(address)
}

// HandleCandidate registers a newly discovered token and starts its first
// enrichment in the background.
func (t *Tracker) HandleCandidate(ctx context.Context, c watcher.Candidate) {
	now := t.now()
	name, symbol := c.Name, c.Symbol
	tok := registry.Token{
		Address:          c.Address,
		Name:             &name,
		Symbol:           &symbol,
		DiscoveredAt:     c.BlockTime,
		FirstSeenLocally: now,
		OriginBlock:      c.BlockNumber,
	}

	t.resetMu.RLock()
	inserted := t.reg.Discover(tok)
	if inserted {
		t.sched.MarkNew(c.Address, now)
	}
	t.resetMu.RUnlock()
	if !inserted {
		return
	}

	t.metrics.TokensDiscovered.Inc()
	t.metrics.RegistrySize.Set(float64(t.reg.Len()))
	t.log.Info().
		Str("address", registry.Key(c.Address)).
		Str("stage", "discover").
		Str("symbol", c.Symbol).
		Uint64("block", c.BlockNumber).
		Msg("token discovered")
	t.record(Finding{
		Address: registry.Key(c.Address),
		Name:    c.Name,
		Symbol:  c.Symbol,
		Block:   c.BlockNumber,
		TxHash:  c.TxHash,
		Source:  SourceMint,
		At:      now,
	})

	t.bg.Add(1)
	go func() {
		defer t.bg.Done()
		t.enrich(ctx, c.Address)
		t.classify(ctx, c.Address)
	}()
}

func (t *Tracker) record(f Finding) {
	if t.journal == nil {
		return
	}
	if err := t.journal.Write(f); err != nil {
		t.log.Warn().Err(err).Str("address", f.Address).Msg("journal write failed")
	}
}

// enrich runs one scheduled market check for a registered token. It reports
// whether a check was executed.
func (t *Tracker) enrich(ctx context.Context, address string) bool {
	key := registry.Key(address)
	now := t.now()
	t.resetMu.RLock()
	gen := t.gen.Load()
	claimed := t.reg.Has(key) && t.sched.Begin(key, now)
	t.resetMu.RUnlock()
	if !claimed {
		return false
	}

	data, err := t.fetcher.Fetch(ctx, key)
	done := t.now()

	t.resetMu.RLock()
	defer t.resetMu.RUnlock()
	if t.gen.Load() != gen {
		return false
	}
	t.sched.Complete(key, done, market.Observation{HasPair: data.HasPair(), Moved: data.Moved()})

	log := t.log.With().Str("address", key).Str("stage", "market").Logger()
	var fe *market.FetchError
	switch {
	case err == nil:
	case errors.Is(err, market.ErrNoData):
		log.Debug().Msg("no market pair yet")
		return true
	case errors.As(err, &fe):
		log.Warn().Err(err).Str("kind", string(fe.Kind)).Int("status", fe.Status).Msg("market fetch failed")
		return true
	default:
		log.Warn().Err(err).Msg("market fetch failed")
		return true
	}

	if !t.reg.Has(key) {
		return true
	}
	merged := t.reg.Merge(enrichment(key, data, done, t.watched(key)))
	log.Debug().
		Str("stage", "merge").
		Bool("has_pair_time", merged.PairCreatedAt != nil).
		Msg("market data merged")
	return true
}

func enrichment(address string, d *market.Data, at time.Time, manual bool) registry.Token {
	return registry.Token{
		Address:           address,
		PairCreatedAt:     d.PairCreatedAt,
		MarketCap:         d.MarketCap,
		PriceChange5m:     d.PriceChange5m,
		PriceChange1h:     d.PriceChange1h,
		LogoURI:           d.LogoURI,
		BannerURI:         d.BannerURI,
		LastEnrichedAt:    &at,
		IsManuallyTracked: manual,
	}
}

func (t *Tracker) classify(ctx context.Context, address string) {
	log := t.log.With().Str("address", registry.Key(address)).Str("stage", "security").Logger()

	st, err := t.classifier.Classify(ctx, address)
	if err != nil {
		log.Warn().Err(err).Msg("verification failed")
	} else if st != nil {
		log.Debug().
			Bool("automated", st.IsAutomatedCreation).
			Bool("curated", st.IsCuratedTrusted).
			Bool("community", st.IsCommunityVoted).
			Msg("token classified")
	}

	report, scanned, err := t.classifier.Risk(ctx, address)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("bytecode scan failed")
	case scanned && len(report.Flags) > 0:
		log.Info().Strs("flags", report.Flags).Int("score", report.Score).Msg("risk flags")
	}
}

// RefreshOnce runs one refresh cycle: every due token is re-fetched,
// unverified tokens are classified and missing watch-list tokens are
// bootstrapped. The cycle finishes before it returns.
func (t *Tracker) RefreshOnce(ctx context.Context) {
	start := time.Now()
	cfg := t.config()
	log := t.log.With().Str("cycle", uuid.NewString()).Logger()

	addrs := t.reg.Addresses()
	due := t.sched.Due(addrs, t.now())

	var checked atomic.Int64
	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for _, a := range due {
		g.Go(func() error {
			if t.enrich(ctx, a) {
				checked.Add(1)
			}
			return nil
		})
	}
	for _, a := range addrs {
		if t.classifier.Verified(a) {
			continue
		}
		g.Go(func() error {
			t.classify(ctx, a)
			return nil
		})
	}
	for _, a := range cfg.Watchlist {
		if t.reg.Has(a) {
			continue
		}
		g.Go(func() error {
			t.bootstrap(ctx, a)
			return nil
		})
	}
	_ = g.Wait()

	elapsed := time.Since(start)
	t.metrics.RefreshCycleDuration.Observe(elapsed.Seconds())
	t.metrics.RegistrySize.Set(float64(t.reg.Len()))
	log.Info().
		Int("tokens", len(addrs)).
		Int("due", len(due)).
		Int64("checked", checked.Load()).
		Dur("elapsed", elapsed).
		Msg("refresh cycle complete")
}

// bootstrap adds a watch-list token that discovery has not seen. It is
// registered only once the market lists a pair with an hourly change.
func (t *Tracker) bootstrap(ctx context.Context, address string) {
	key := registry.Key(address)
	log := t.log.With().Str("address", key).Str("stage", "metadata").Logger()
	gen := t.gen.Load()

	meta, err := t.meta.Resolve(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("watch-list token unreadable")
		return
	}
	now := t.now()
	t.resetMu.RLock()
	claimed := t.gen.Load() == gen && t.sched.Begin(key, now)
	t.resetMu.RUnlock()
	if !claimed {
		return
	}
	data, err := t.fetcher.Fetch(ctx, key)
	done := t.now()

	t.resetMu.RLock()
	defer t.resetMu.RUnlock()
	if t.gen.Load() != gen {
		return
	}
	t.sched.Complete(key, done, market.Observation{HasPair: data.HasPair(), Moved: data.Moved()})
	if err != nil {
		log.Debug().Err(err).Str("stage", "market").Msg("watch-list token has no market data")
		return
	}
	if data.PairCreatedAt == nil || data.PriceChange1h == nil {
		log.Debug().Str("stage", "market").Msg("watch-list token not trading yet")
		return
	}

	tok := enrichment(key, data, done, true)
	tok.Name = &meta.Name
	tok.Symbol = &meta.Symbol
	tok.DiscoveredAt = done
	tok.FirstSeenLocally = done
	t.reg.Merge(tok)
	t.metrics.RegistrySize.Set(float64(t.reg.Len()))
	log.Info().Str("stage", "merge").Str("symbol", meta.Symbol).Msg("watch-list token added")
	t.record(Finding{Address: key, Name: meta.Name, Symbol: meta.Symbol, Source: SourceWatchlist, At: done})

	t.bg.Add(1)
	go func() {
		defer t.bg.Done()
		t.classify(ctx, key)
	}()
}

// Run restores persisted state and drives the refresh and save loops until
// ctx is cancelled. A final snapshot is written on the way out.
func (t *Tracker) Run(ctx context.Context) error {
	if err := t.Restore(ctx); err != nil {
		t.log.Warn().Err(err).Str("stage", "persist").Msg("starting with empty registry")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.saveLoop(ctx)
	}()

	t.RefreshOnce(ctx)
	ticker := time.NewTicker(t.config().RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.bg.Wait()
			wg.Wait()
			return nil
		case <-ticker.C:
			t.RefreshOnce(ctx)
			ticker.Reset(t.config().RefreshInterval)
		}
	}
}

// saveLoop writes a snapshot at most once per save interval after the
// registry changes.
func (t *Tracker) saveLoop(ctx context.Context) {
	if t.store == nil {
		return
	}
	events, cancel := t.reg.Subscribe(64)
	defer cancel()

	ticker := time.NewTicker(t.config().SaveInterval)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			t.bg.Wait()
			saveCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			if err := t.Persist(saveCtx); err != nil {
				t.log.Error().Err(err).Str("stage", "persist").Msg("final save failed")
			}
			done()
			return
		case <-events:
			dirty = true
		case <-ticker.C:
			if !dirty {
				continue
			}
			if err := t.Persist(ctx); err != nil {
				t.log.Error().Err(err).Str("stage", "persist").Msg("save failed")
				continue
			}
			dirty = false
		}
	}
}

// Reset clears the registry, every cache and the persisted state, then
// signals Restarts. In-flight work started before the reset is dropped.
func (t *Tracker) Reset(ctx context.Context) error {
	t.resetMu.Lock()
	t.gen.Add(1)
	t.reg.Reset()
	t.meta.Reset()
	t.sched.Reset()
	t.classifier.Reset()
	var err error
	if t.store != nil {
		err = t.store.Clear(ctx)
	}
	t.resetMu.Unlock()

	t.metrics.RegistrySize.Set(0)
	if err != nil {
		t.metrics.PersistOps.WithLabelValues("clear", "error").Inc()
		t.log.Error().Err(err).Str("stage", "persist").Msg("clearing stored state failed")
	} else {
		t.metrics.PersistOps.WithLabelValues("clear", "ok").Inc()
	}

	select {
	case t.restarts <- struct{}{}:
	default:
	}
	t.log.Info().Msg("registry reset, discovery restarting")
	return err
}
