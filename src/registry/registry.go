// Package registry holds the authoritative set of discovered tokens.
//
// Discovery-time fields are written once. Enrichment fields are overwritten
// by every merge, except that a known pair-creation time is never cleared.
package registry

import (
	"strings"
	"sync"
	"time"
)

type Token struct {
	Address string  `json:"address"`
	Name    *string `json:"name"`
	Symbol  *string `json:"symbol"`

	// DiscoveredAt is the timestamp of the block carrying the first mint.
	DiscoveredAt time.Time `json:"timestamp"`
	// FirstSeenLocally is when this process first registered the token.
	FirstSeenLocally time.Time `json:"firstSeen"`
	OriginBlock      uint64    `json:"blockNumber,string"`

	PairCreatedAt  *time.Time `json:"pairCreatedAt"`
	MarketCap      *float64   `json:"marketCap"`
	PriceChange5m  *float64   `json:"priceChange5m"`
	PriceChange1h  *float64   `json:"priceChange1h"`
	LogoURI        string     `json:"logoURI,omitempty"`
	BannerURI      string     `json:"bannerURI,omitempty"`
	LastEnrichedAt *time.Time `json:"lastEnrichedAt"`

	IsManuallyTracked bool `json:"isManuallyTracked"`
}

// Key normalizes an address for use as a registry key.
func Key(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

type EventKind int

const (
	EventInserted EventKind = iota
	EventUpdated
	EventReset
)

type Event struct {
	Kind    EventKind
	Address string
}

type Registry struct {
	mu     sync.RWMutex
	tokens map[string]Token
	order  []string

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func New() *Registry {
	return &Registry{
		tokens: make(map[string]Token),
		subs:   make(map[int]chan Event),
	}
}

// Discover inserts t if its address is not yet registered. It reports
// whether the insert happened; an existing entry is left untouched.
func (r *Registry) Discover(t Token) bool {
	t.Address = Key(t.Address)

	r.mu.Lock()
	if _, ok := r.tokens[t.Address]; ok {
		r.mu.Unlock()
		return false
	}
	r.tokens[t.Address] = t
	r.order = append(r.order, t.Address)
	r.mu.Unlock()

	r.publish(Event{Kind: EventInserted, Address: t.Address})
	return true
}

// Merge upserts update by address and returns the stored result.
//
// For an existing token FirstSeenLocally, DiscoveredAt and OriginBlock are
// kept, enrichment fields take the incoming values, a nil PairCreatedAt does
// not clear a known one, and nil Name or Symbol keep the current value.
// Merging the same update twice yields the same state.
func (r *Registry) Merge(update Token) Token {
	update.Address = Key(update.Address)

	r.mu.Lock()
	existing, ok := r.tokens[update.Address]
	var merged Token
	if !ok {
		merged = update
		r.order = append(r.order, update.Address)
	} else {
		merged = mergeToken(existing, update)
	}
	r.tokens[update.Address] = merged
	r.mu.Unlock()

	kind := EventUpdated
	if !ok {
		kind = EventInserted
	}
	r.publish(Event{Kind: kind, Address: update.Address})
	return merged
}

func mergeToken(existing, update Token) Token {
	out := update
	out.FirstSeenLocally = existing.FirstSeenLocally
	out.DiscoveredAt = existing.DiscoveredAt
	out.OriginBlock = existing.OriginBlock
	if existing.FirstSeenLocally.IsZero() {
		out.FirstSeenLocally = update.FirstSeenLocally
	}
	if existing.DiscoveredAt.IsZero() {
		out.DiscoveredAt = update.DiscoveredAt
	}

	if out.Name == nil {
		out.Name = existing.Name
	}
	if out.Symbol == nil {
		out.Symbol = existing.Symbol
	}
	if out.PairCreatedAt == nil {
		out.PairCreatedAt = existing.PairCreatedAt
	}
	if out.LogoURI == "" {
		out.LogoURI = existing.LogoURI
	}
	if out.BannerURI == "" {
		out.BannerURI = existing.BannerURI
	}
	out.IsManuallyTracked = existing.IsManuallyTracked || update.IsManuallyTracked
	return out
}

func (r *Registry) Get(address string) (Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[Key(address)]
	return t, ok
}

func (r *Registry) Has(address string) bool {
	_, ok := r.Get(address)
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}

// Addresses returns registered keys in insertion order.
func (r *Registry) Addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Snapshot returns a copy of every token in insertion order.
func (r *Registry) Snapshot() []Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Token, 0, len(r.order))
	for _, a := range r.order {
		out = append(out, r.tokens[a])
	}
	return out
}

// Restore replaces the contents with tokens, as loaded from storage.
// Later duplicates of an address are ignored.
func (r *Registry) Restore(tokens []Token) {
	r.mu.Lock()
	r.tokens = make(map[string]Token, len(tokens))
	r.order = r.order[:0]
	for _, t := range tokens {
		t.Address = Key(t.Address)
		if t.Address == "" {
			continue
		}
		if _, dup := r.tokens[t.Address]; dup {
			continue
		}
		r.tokens[t.Address] = t
		r.order = append(r.order, t.Address)
	}
	r.mu.Unlock()

	r.publish(Event{Kind: EventReset})
}

func (r *Registry) Reset() {
	r.mu.Lock()
	r.tokens = make(map[string]Token)
	r.order = nil
	r.mu.Unlock()

	r.publish(Event{Kind: EventReset})
}

// Subscribe returns a channel of change events and a cancel func. Slow
// subscribers lose events rather than blocking writers.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (r *Registry) publish(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
