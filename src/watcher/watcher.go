// Package watcher turns ERC-20 mint transfers into token candidates.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/rnts08/base-token-watch/src/chain"
	"github.com/rnts08/base-token-watch/src/contractmeta"
	"github.com/rnts08/base-token-watch/src/metrics"
)

// TransferTopic is keccak256("Transfer(address,address,uint256)").
var TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// zeroTopic matches an indexed zero address, i.e. a mint.
var zeroTopic = common.BytesToHash(common.Address{}.Bytes())

const blockTimeCacheSize = 4096

// Candidate is a freshly minted token that passed every discovery check.
type Candidate struct {
	Address     string
	Name        string
	Symbol      string
	BlockNumber uint64
	BlockTime   time.Time
	TxHash      string
}

// MetadataResolver returns name and symbol for a contract.
type MetadataResolver interface {
	Resolve(ctx context.Context, address string) (contractmeta.Entry, error)
}

// Handler receives candidates. Known lets the watcher skip addresses that
// are already registered before spending RPC calls on them.
type Handler interface {
	Known(address string) bool
	HandleCandidate(ctx context.Context, c Candidate)
}

type Config struct {
	LookbackBlocks uint64
	StaleAfter     time.Duration
	DeniedSymbols  []string
	Concurrency    int
}

type Watcher struct {
	client  chain.EthClient
	meta    MetadataResolver
	handler Handler
	symbols *SymbolFilter
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.PipelineMetrics
	now     func() time.Time

	mu         sync.Mutex
	inflight   map[string]struct{}
	blockTimes map[uint64]time.Time
}

func New(client chain.EthClient, meta MetadataResolver, handler Handler, cfg Config, m *metrics.PipelineMetrics, log zerolog.Logger) *Watcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Watcher{
		client:     client,
		meta:       meta,
		handler:    handler,
		symbols:    NewSymbolFilter(cfg.DeniedSymbols),
		cfg:        cfg,
		log:        log,
		metrics:    m,
		now:        time.Now,
		inflight:   make(map[string]struct{}),
		blockTimes: make(map[uint64]time.Time),
	}
}

// Query matches Transfer logs whose from address is zero.
func Query() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Topics: [][]common.Hash{{TransferTopic}, {zeroTopic}},
	}
}

// Run backfills mints from the lookback window and then follows new ones
// until ctx ends or the subscription fails. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read head block: %w", err)
	}
	var start uint64
	if head > w.cfg.LookbackBlocks {
		start = head - w.cfg.LookbackBlocks
	}
	w.log.Info().Uint64("head", head).Uint64("start_block", start).Msg("discovery session starting")

	logs := make(chan types.Log, 256)
	sub, err := w.client.SubscribeFilterLogs(ctx, Query(), logs)
	if err != nil {
		return fmt.Errorf("subscribe mint logs: %w", err)
	}
	defer sub.Unsubscribe()
	w.metrics.ActiveSubscriptions.Inc()
	defer w.metrics.ActiveSubscriptions.Dec()

	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	dispatch := func(vLog types.Log) {
		if vLog.BlockNumber <= start || vLog.Removed {
			return
		}
		w.metrics.MintEventsSeen.Inc()
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(ctx, vLog)
		}()
	}

	q := Query()
	q.FromBlock = new(big.Int).SetUint64(start + 1)
	q.ToBlock = new(big.Int).SetUint64(head)
	history, err := w.client.FilterLogs(ctx, q)
	if err != nil {
		// The live stream still works; only the backfill is lost.
		w.log.Warn().Err(err).Msg("historical mint query failed")
	}
	for _, vLog := range history {
		dispatch(vLog)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return fmt.Errorf("mint subscription: %w", err)
		case vLog := <-logs:
			dispatch(vLog)
		}
	}
}

func (w *Watcher) process(ctx context.Context, vLog types.Log) {
	address := strings.ToLower(vLog.Address.Hex())

	var (
		c      Candidate
		reason string
		err    error
	)
	switch {
	case w.handler.Known(address):
		reason = "known"
	case !w.claim(address):
		reason = "inflight"
	default:
		defer w.release(address)
		c, reason, err = w.evaluate(ctx, address, vLog)
	}

	if reason != "" {
		w.metrics.CandidatesDropped.WithLabelValues(reason).Inc()
		ev := w.log.Debug()
		if err != nil {
			ev = w.log.Warn().Err(err)
		}
		ev.Str("address", address).
			Str("stage", reason).
			Uint64("block", vLog.BlockNumber).
			Msg("candidate dropped")
		return
	}
	w.handler.HandleCandidate(ctx, c)
}

// evaluate applies the discovery checks in order: staleness, metadata and
// symbol rules. A non-empty reason means the log was dropped.
func (w *Watcher) evaluate(ctx context.Context, address string, vLog types.Log) (Candidate, string, error) {
	if len(vLog.Topics) < 3 || vLog.Topics[0] != TransferTopic {
		return Candidate{}, "malformed", nil
	}
	if common.BytesToAddress(vLog.Topics[1].Bytes()) != (common.Address{}) {
		return Candidate{}, "not_mint", nil
	}

	blockTime, err := w.blockTime(ctx, vLog.BlockNumber)
	if err != nil {
		return Candidate{}, "block_unavailable", err
	}
	if age := w.now().Sub(blockTime); age > w.cfg.StaleAfter {
		return Candidate{}, "stale", nil
	}

	meta, err := w.meta.Resolve(ctx, address)
	if err != nil {
		return Candidate{}, "unreadable", err
	}
	if w.symbols.ShouldFilter(meta.Symbol) {
		return Candidate{}, "denied_symbol", nil
	}

	return Candidate{
		Address:     address,
		Name:        meta.Name,
		Symbol:      meta.Symbol,
		BlockNumber: vLog.BlockNumber,
		BlockTime:   blockTime,
		TxHash:      vLog.TxHash.Hex(),
	}, "", nil
}

func (w *Watcher) claim(address string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.inflight[address]; busy {
		return false
	}
	w.inflight[address] = struct{}{}
	return true
}

func (w *Watcher) release(address string) {
	w.mu.Lock()
	delete(w.inflight, address)
	w.mu.Unlock()
}

func (w *Watcher) blockTime(ctx context.Context, number uint64) (time.Time, error) {
	w.mu.Lock()
	ts, ok := w.blockTimes[number]
	w.mu.Unlock()
	if ok {
		return ts, nil
	}

	header, err := w.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, err
	}
	ts = time.Unix(int64(header.Time), 0).UTC()

	w.mu.Lock()
	if len(w.blockTimes) >= blockTimeCacheSize {
		w.blockTimes = make(map[uint64]time.Time)
	}
	w.blockTimes[number] = ts
	w.mu.Unlock()
	return ts, nil
}
