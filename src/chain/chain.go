package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthClient is the subset of ethclient.Client the pipeline depends on.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	Close()
}

// DialFunc opens a client for one endpoint URL.
type DialFunc func(url string) (EthClient, error)

func Dial(url string) (EthClient, error) {
	c, err := ethclient.Dial(url)
	if err != nil {
		return nil, err
	}
	return c, nil
}

var ErrNoClient = errors.New("no active rpc client")

// Current holds the client of the active session. Components that outlive a
// session (metadata reader, bytecode scanner) call through it so a reconnect
// does not require rewiring them.
type Current struct {
	mu     sync.RWMutex
	client EthClient
}

func (c *Current) Set(client EthClient) {
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
}

func (c *Current) get() (EthClient, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, ErrNoClient
	}
	return c.client, nil
}

func (c *Current) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	client, err := c.get()
	if err != nil {
		return nil, err
	}
	return client.CallContract(ctx, msg, blockNumber)
}

func (c *Current) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	client, err := c.get()
	if err != nil {
		return nil, err
	}
	return client.CodeAt(ctx, account, blockNumber)
}
