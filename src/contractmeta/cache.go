// Package contractmeta resolves and caches ERC-20 name/symbol per address.
package contractmeta

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/rnts08/base-token-watch/src/registry"
)

// ErrUnreadable means name or symbol could not be read from the contract.
var ErrUnreadable = errors.New("contract metadata unreadable")

type Entry struct {
	Name       string    `json:"name"`
	Symbol     string    `json:"symbol"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

type Reader interface {
	Name(ctx context.Context, token common.Address) (string, error)
	Symbol(ctx context.Context, token common.Address) (string, error)
}

// Cache memoizes successful reads. Failures are not cached so a later
// sighting of the same contract retries.
type Cache struct {
	reader Reader
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
}

func NewCache(reader Reader) *Cache {
	return &Cache{
		reader:  reader,
		now:     time.Now,
		entries: make(map[string]Entry),
	}
}

// Resolve returns the cached entry for address, reading name and symbol
// concurrently on a miss.
func (c *Cache) Resolve(ctx context.Context, address string) (Entry, error) {
	key := registry.Key(address)
	if e, ok := c.Get(key); ok {
		return e, nil
	}

	token := common.HexToAddress(key)
	var name, symbol string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		name, err = c.reader.Name(gctx, token)
		return err
	})
	g.Go(func() error {
		var err error
		symbol, err = c.reader.Symbol(gctx, token)
		return err
	})
	if err := g.Wait(); err != nil {
		return Entry{}, fmt.Errorf("%w: %s: %v", ErrUnreadable, key, err)
	}
	if name == "" || symbol == "" {
		return Entry{}, fmt.Errorf("%w: %s: empty name or symbol", ErrUnreadable, key)
	}

	e := Entry{Name: name, Symbol: symbol, ResolvedAt: c.now()}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return e, nil
}

func (c *Cache) Get(address string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[registry.Key(address)]
	return e, ok
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()
}

func (c *Cache) Snapshot() map[string]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

func (c *Cache) Restore(entries map[string]Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry, len(entries))
	for k, v := range entries {
		c.entries[registry.Key(k)] = v
	}
}
