package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rnts08/base-token-watch/src/metrics"
)

const (
	maxRPCFailures  = 3
	rpcTripDuration = 5 * time.Minute
	chainIDAttempts = 3
)

var ErrAllEndpointsFailed = errors.New("all rpc endpoints failed")

type endpointState struct {
	url          string
	failureCount int
	trippedUntil time.Time
}

// Rotator hands out connections round-robin across the configured endpoints.
// An endpoint that fails maxRPCFailures times in a row is skipped for
// rpcTripDuration.
type Rotator struct {
	mu        sync.Mutex
	endpoints []*endpointState
	next      int

	dial       DialFunc
	metrics    *metrics.PipelineMetrics
	log        zerolog.Logger
	now        func() time.Time
	retryDelay time.Duration
}

func NewRotator(urls []string, dial DialFunc, m *metrics.PipelineMetrics, log zerolog.Logger) *Rotator {
	r := &Rotator{
		dial:       dial,
		metrics:    m,
		log:        log,
		now:        time.Now,
		retryDelay: time.Second,
	}
	r.SetEndpoints(urls)
	return r
}

// SetEndpoints replaces the endpoint list, keeping breaker state for URLs that
// survive the change.
func (r *Rotator) SetEndpoints(urls []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := make(map[string]*endpointState, len(r.endpoints))
	for _, s := range r.endpoints {
		old[s.url] = s
	}
	states := make([]*endpointState, 0, len(urls))
	for _, u := range urls {
		if s, ok := old[u]; ok {
			states = append(states, s)
			continue
		}
		states = append(states, &endpointState{url: u})
	}
	r.endpoints = states
}

// Connect tries each endpoint once, starting after the last one used, and
// returns the first client whose chain id can be read.
func (r *Rotator) Connect(ctx context.Context) (EthClient, string, error) {
	r.mu.Lock()
	n := len(r.endpoints)
	r.mu.Unlock()

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}

		r.mu.Lock()
		if len(r.endpoints) == 0 {
			r.mu.Unlock()
			break
		}
		state := r.endpoints[r.next%len(r.endpoints)]
		r.next++
		tripped := r.now().Before(state.trippedUntil)
		url := state.url
		r.mu.Unlock()

		if tripped {
			continue
		}

		client, err := r.dial(url)
		if err == nil {
			if err = r.checkChainID(ctx, client, url); err == nil {
				r.markHealthy(state)
				return client, url, nil
			}
			client.Close()
		}

		r.log.Warn().Err(err).Str("url", url).Msg("rpc connection failed, trying next")
		r.markFailed(state)
	}

	return nil, "", ErrAllEndpointsFailed
}

func (r *Rotator) checkChainID(ctx context.Context, client EthClient, url string) error {
	var err error
	for attempt := 0; attempt < chainIDAttempts; attempt++ {
		var id *big.Int
		id, err = client.ChainID(ctx)
		if err == nil {
			r.log.Info().Str("url", url).Str("chain_id", id.String()).Msg("connected to rpc")
			return nil
		}
		r.metrics.ChainIDFetchFailures.WithLabelValues(url).Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.retryDelay):
		}
	}
	return err
}

func (r *Rotator) markHealthy(state *endpointState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state.failureCount = 0
	for _, s := range r.endpoints {
		r.metrics.ActiveRPC.WithLabelValues(s.url).Set(0)
	}
	r.metrics.ActiveRPC.WithLabelValues(state.url).Set(1)
}

func (r *Rotator) markFailed(state *endpointState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state.failureCount++
	if state.failureCount >= maxRPCFailures {
		state.trippedUntil = r.now().Add(rpcTripDuration)
		r.log.Warn().Str("url", state.url).Dur("trip", rpcTripDuration).Msg("circuit breaker tripped")
		r.metrics.RPCCircuitBreakerTrips.WithLabelValues(state.url).Inc()
	}
}

// Watchdog polls the head block and cancels the session when it stops
// advancing for stallAfter.
func Watchdog(ctx context.Context, client EthClient, interval, stallAfter time.Duration, m *metrics.PipelineMetrics, log zerolog.Logger, cancel context.CancelFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		lastHead     uint64
		lastProgress = time.Now()
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			head, err := client.BlockNumber(ctx)
			if err == nil {
				m.RPCLatency.Observe(time.Since(start).Seconds())
				if head > lastHead {
					lastHead = head
					lastProgress = time.Now()
				}
			}

			if stalled := time.Since(lastProgress); stalled > stallAfter {
				log.Error().Dur("stalled_for", stalled.Round(time.Second)).Msg("rpc connection stalled, reconnecting")
				m.RPCStalled.Set(1)
				cancel()
				return
			}
			m.RPCStalled.Set(0)
		}
	}
}
