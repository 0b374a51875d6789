package main

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rnts08/base-token-watch/src/chain"
	"github.com/rnts08/base-token-watch/src/chain/chaintest"
	"github.com/rnts08/base-token-watch/src/config"
	"github.com/rnts08/base-token-watch/src/contractmeta"
	"github.com/rnts08/base-token-watch/src/metrics"
	"github.com/rnts08/base-token-watch/src/watcher"
)

type nopHandler struct{}

func (nopHandler) Known(string) bool { return false }
func (nopHandler) HandleCandidate(context.Context, watcher.Candidate) {}

func TestConfigMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"rpc": [{"url": "wss://base.example", "apiKey": "k"}],
		"security": {"verify_url": "http://relay.local", "scan_bytecode": true},
		"scheduler": {"new_token_interval": "4s"},
		"refresh": {"concurrency": 7},
		"storage": {"backend": "redis", "redis_url": "redis://localhost:6379/0"},
		"watchlist": ["0x1111111111111111111111111111111111111111"]
	}`), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate(cfg))

	p := schedulerPolicy(cfg)
	assert.Equal(t, 4*time.Second, p.NewTokenInterval)
	assert.Equal(t, 15*time.Second, p.ActiveInterval)
	assert.Equal(t, 3, p.MaxChecksWithoutMovement)

	tc := trackerConfig(cfg)
	assert.Equal(t, 7, tc.Concurrency)
	assert.Equal(t, 30*time.Second, tc.RefreshInterval)
	assert.Equal(t, []string{"0x1111111111111111111111111111111111111111"}, tc.Watchlist)

	dc := discoveryConfig(cfg)
	assert.Equal(t, uint64(1000), dc.LookbackBlocks)
	assert.Equal(t, 2*time.Hour, dc.StaleAfter)

	sc := storeConfig(cfg)
	assert.Equal(t, "redis", sc.Backend)
	assert.Equal(t, "baseTokens", sc.Namespace)
	assert.Equal(t, "redis://localhost:6379/0", sc.RedisURL)

	sec := securityConfig(cfg)
	assert.Equal(t, "CLANKER", sec.Platform.Name)
	assert.Equal(t, config.DefaultCurated, sec.Curated)
}

func TestSessionsRestartOnSignal(t *testing.T) {
	var dials atomic.Int32
	dial := func(url string) (chain.EthClient, error) {
		dials.Add(1)
		return &chaintest.MockEthClient{}, nil
	}

	m := metrics.New()
	current := &chain.Current{}
	restarts := make(chan struct{}, 1)
	s := &sessions{
		rotator:   chain.NewRotator([]string{"rpc1", "rpc2"}, dial, m, zerolog.Nop()),
		current:   current,
		meta:      contractmeta.NewCache(contractmeta.NewERC20Reader(current)),
		handler:   nopHandler{},
		metrics:   m,
		log:       zerolog.Nop(),
		discovery: watcher.Config{LookbackBlocks: 10, StaleAfter: time.Hour},
		restarts:  restarts,
		reload:    make(chan struct{}, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return dials.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	restarts <- struct{}{}
	require.Eventually(t, func() bool { return dials.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	s.requestReload()
	require.Eventually(t, func() bool { return dials.Load() == 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session loop did not stop")
	}
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSubscriptions))
}
