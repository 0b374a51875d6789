package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type PipelineMetrics struct {
	MintEventsSeen         prometheus.Counter
	CandidatesDropped      *prometheus.CounterVec
	TokensDiscovered       prometheus.Counter
	RegistrySize           prometheus.Gauge
	MarketFetches          *prometheus.CounterVec
	MarketFetchLatency     prometheus.Histogram
	SchedulerDecisions     *prometheus.CounterVec
	VerificationCalls      *prometheus.CounterVec
	VerificationCacheHits  prometheus.Counter
	RiskFlags              *prometheus.CounterVec
	PersistOps             *prometheus.CounterVec
	RefreshCycleDuration   prometheus.Histogram
	RPCStalled             prometheus.Gauge
	ActiveRPC              *prometheus.GaugeVec
	RPCLatency             prometheus.Histogram
	RPCCircuitBreakerTrips *prometheus.CounterVec
	ChainIDFetchFailures   *prometheus.CounterVec
	ActiveSubscriptions    prometheus.Gauge
}

// New builds unregistered collectors. Tests can create as many as they like;
// the binary registers exactly one set with Register.
func New() *PipelineMetrics {
	return &PipelineMetrics{
		MintEventsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "token_watch_mint_events_total",
			Help: "Total number of mint transfer logs received",
		}),
		CandidatesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_watch_candidates_dropped_total",
			Help: "Mint candidates rejected before registration, by reason",
		}, []string{"reason"}),
		TokensDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "token_watch_tokens_discovered_total",
			Help: "Total number of tokens inserted into the registry by discovery",
		}),
		RegistrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "token_watch_registry_size",
			Help: "Current number of tokens in the registry",
		}),
		MarketFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_watch_market_fetches_total",
			Help: "Market-data fetches by outcome (ok, no_data, transient, malformed)",
		}, []string{"outcome"}),
		MarketFetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "token_watch_market_fetch_latency_seconds",
			Help:    "Market-data request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		SchedulerDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_watch_scheduler_decisions_total",
			Help: "Scheduler decisions by cadence and result",
		}, []string{"cadence", "decision"}),
		VerificationCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_watch_verification_calls_total",
			Help: "Outbound verification requests by result (verified, unverified, error)",
		}, []string{"result"}),
		VerificationCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "token_watch_verification_cache_hits_total",
			Help: "Verification lookups served from cache",
		}),
		RiskFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_watch_risk_flags_total",
			Help: "Bytecode risk flags detected, by flag",
		}, []string{"flag"}),
		PersistOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_watch_persist_ops_total",
			Help: "Persistence operations by kind and result",
		}, []string{"op", "result"}),
		RefreshCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "token_watch_refresh_cycle_seconds",
			Help:    "Wall time of one market refresh cycle",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		RPCStalled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "token_watch_rpc_stalled",
			Help: "Indicates if the RPC connection is stalled (1=stalled, 0=healthy)",
		}),
		ActiveRPC: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "token_watch_active_rpc",
			Help: "Indicates which RPC endpoint is currently active (1=active, 0=inactive)",
		}, []string{"url"}),
		RPCLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "token_watch_rpc_latency_seconds",
			Help:    "RPC round-trip latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		RPCCircuitBreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_watch_rpc_circuit_breaker_trips_total",
			Help: "Total number of times the RPC circuit breaker has been tripped per endpoint",
		}, []string{"url"}),
		ChainIDFetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "token_watch_chain_id_fetch_failures_total",
			Help: "Total number of failed ChainID fetch attempts",
		}, []string{"url"}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "token_watch_active_subscriptions",
			Help: "Current number of active log subscriptions",
		}),
	}
}

func (m *PipelineMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MintEventsSeen, m.CandidatesDropped, m.TokensDiscovered, m.RegistrySize,
		m.MarketFetches, m.MarketFetchLatency, m.SchedulerDecisions,
		m.VerificationCalls, m.VerificationCacheHits, m.RiskFlags, m.PersistOps,
		m.RefreshCycleDuration, m.RPCStalled, m.ActiveRPC, m.RPCLatency,
		m.RPCCircuitBreakerTrips, m.ChainIDFetchFailures, m.ActiveSubscriptions,
	}
}

func Register(reg prometheus.Registerer, m *PipelineMetrics) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
