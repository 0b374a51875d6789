package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rnts08/base-token-watch/src/chain/chaintest"
	"github.com/rnts08/base-token-watch/src/metrics"
)

func newTestRotator(urls []string, dial DialFunc) (*Rotator, *metrics.PipelineMetrics) {
	m := metrics.New()
	r := NewRotator(urls, dial, m, zerolog.Nop())
	r.retryDelay = time.Millisecond
	return r, m
}

func TestConnectRotatesPastFailingEndpoint(t *testing.T) {
	var dialed []string
	dial := func(url string) (EthClient, error) {
		dialed = append(dialed, url)
		if url == "bad" {
			return nil, errors.New("connection refused")
		}
		return &chaintest.MockEthClient{}, nil
	}

	r, m := newTestRotator([]string{"bad", "good"}, dial)
	client, url, err := r.Connect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Equal(t, "good", url)
	assert.Equal(t, []string{"bad", "good"}, dialed)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveRPC.WithLabelValues("good")))
}

func TestConnectRetriesChainID(t *testing.T) {
	calls := 0
	closed := false
	dial := func(url string) (EthClient, error) {
		return &chaintest.MockEthClient{
			ChainIDFunc: func(ctx context.Context) (*big.Int, error) {
				calls++
				return nil, errors.New("timeout")
			},
			CloseFunc: func() { closed = true },
		}, nil
	}

	r, m := newTestRotator([]string{"flaky"}, dial)
	_, _, err := r.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAllEndpointsFailed)
	assert.Equal(t, chainIDAttempts, calls)
	assert.True(t, closed)
	assert.Equal(t, float64(chainIDAttempts), testutil.ToFloat64(m.ChainIDFetchFailures.WithLabelValues("flaky")))
}

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	dialCount := 0
	dial := func(url string) (EthClient, error) {
		dialCount++
		return nil, errors.New("down")
	}

	r, m := newTestRotator([]string{"down"}, dial)
	r.now = func() time.Time { return now }

	for i := 0; i < maxRPCFailures; i++ {
		_, _, err := r.Connect(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, maxRPCFailures, dialCount)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCCircuitBreakerTrips.WithLabelValues("down")))

	// Tripped: not dialed again until the trip window passes.
	_, _, _ = r.Connect(context.Background())
	assert.Equal(t, maxRPCFailures, dialCount)

	now = now.Add(rpcTripDuration + time.Second)
	_, _, _ = r.Connect(context.Background())
	assert.Equal(t, maxRPCFailures+1, dialCount)
}

func TestSetEndpointsKeepsBreakerState(t *testing.T) {
	r, _ := newTestRotator([]string{"a", "b"}, nil)
	r.endpoints[0].failureCount = 2

	r.SetEndpoints([]string{"c", "a"})
	require.Len(t, r.endpoints, 2)
	assert.Equal(t, "c", r.endpoints[0].url)
	assert.Equal(t, 0, r.endpoints[0].failureCount)
	assert.Equal(t, "a", r.endpoints[1].url)
	assert.Equal(t, 2, r.endpoints[1].failureCount)
}

func TestWatchdogCancelsOnStall(t *testing.T) {
	client := &chaintest.MockEthClient{
		BlockNumberFunc: func(ctx context.Context) (uint64, error) { return 42, nil },
	}
	m := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		Watchdog(ctx, client, 5*time.Millisecond, 30*time.Millisecond, m, zerolog.Nop(), cancel)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not detect stall")
	}
	assert.Error(t, ctx.Err())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCStalled))
}

func TestCurrentWithoutClient(t *testing.T) {
	var c Current
	_, err := c.CodeAt(context.Background(), common.Address{}, nil)
	assert.ErrorIs(t, err, ErrNoClient)

	c.Set(&chaintest.MockEthClient{
		CodeAtFunc: func(ctx context.Context, _ common.Address, _ *big.Int) ([]byte, error) { return []byte{0x00}, nil },
	})
	code, err := c.CodeAt(context.Background(), common.Address{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, code)
}
