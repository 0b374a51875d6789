// Package security classifies tokens as platform-verified, curated or
// community-voted, deduplicating outbound verification calls.
package security

import (
	"context"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/rnts08/base-token-watch/src/metrics"
	"github.com/rnts08/base-token-watch/src/registry"
)

type Platform struct {
	Name string
	URL  string
}

// Status is the trust classification of a token. A nil *Status means
// unverified.
type Status struct {
	IsAutomatedCreation bool   `json:"isAutomatedCreation"`
	PlatformTag         string `json:"platformTag,omitempty"`
	PlatformURL         string `json:"platformURL,omitempty"`
	IsCuratedTrusted    bool   `json:"isCuratedTrusted"`
	IsCommunityVoted    bool   `json:"isCommunityVoted"`
}

type Config struct {
	Platform  Platform
	Curated   []string
	Community []string
}

type Classifier struct {
	verifier Verifier
	code     CodeReader
	metrics  *metrics.PipelineMetrics
	log      zerolog.Logger

	group singleflight.Group

	mu        sync.RWMutex
	gen       uint64
	platform  Platform
	curated   map[string]struct{}
	community map[string]struct{}
	verified  map[string]bool
	risks     map[string]RiskReport
}

// NewClassifier builds a classifier. code may be nil to disable bytecode
// scanning.
func NewClassifier(cfg Config, verifier Verifier, code CodeReader, m *metrics.PipelineMetrics, log zerolog.Logger) *Classifier {
	c := &Classifier{
		verifier: verifier,
		code:     code,
		metrics:  m,
		log:      log,
		verified: make(map[string]bool),
		risks:    make(map[string]RiskReport),
	}
	c.SetLists(cfg)
	return c
}

// SetLists replaces the platform and the static trust lists.
func (c *Classifier) SetLists(cfg Config) {
	curated := toSet(cfg.Curated)
	community := toSet(cfg.Community)
	c.mu.Lock()
	c.platform = cfg.Platform
	c.curated = curated
	c.community = community
	c.mu.Unlock()
}

func toSet(list []string) map[string]struct{} {
	out := make(map[string]struct{}, len(list))
	for _, a := range list {
		out[registry.Key(a)] = struct{}{}
	}
	return out
}

// Classify returns the status for address, calling the verifier at most once
// per address for the life of the cache. Concurrent callers for the same
// address share one in-flight call.
func (c *Classifier) Classify(ctx context.Context, address string) (*Status, error) {
	key := registry.Key(address)
	verified, err := c.verify(ctx, key)
	if err != nil {
		return nil, err
	}
	return c.status(key, verified), nil
}

func (c *Classifier) verify(ctx context.Context, key string) (bool, error) {
	c.mu.RLock()
	v, ok := c.verified[key]
	gen := c.gen
	c.mu.RUnlock()
	if ok {
		c.metrics.VerificationCacheHits.Inc()
		return v, nil
	}

	// Calls started before a Reset neither share nor cache results with
	// calls started after it.
	res, err, _ := c.group.Do(flightKey("verify", gen, key), func() (interface{}, error) {
		c.mu.RLock()
		v, ok := c.verified[key]
		c.mu.RUnlock()
		if ok {
			return v, nil
		}

		exists, err := c.verifier.Exists(ctx, key)
		if err != nil {
			c.metrics.VerificationCalls.WithLabelValues("error").Inc()
			return false, err
		}
		result := "unverified"
		if exists {
			result = "verified"
		}
		c.metrics.VerificationCalls.WithLabelValues(result).Inc()

		c.mu.Lock()
		current := c.gen == gen
		if current {
			c.verified[key] = exists
		}
		c.mu.Unlock()
		if !current {
			c.log.Debug().Str("address", key).Msg("verification answer predates reset, not cached")
		}
		return exists, nil
	})
	if err != nil {
		c.log.Debug().Err(err).Str("address", key).Msg("verification call failed")
		return false, err
	}
	return res.(bool), nil
}

func flightKey(kind string, gen uint64, key string) string {
	return kind + ":" + strconv.FormatUint(gen, 10) + ":" + key
}

func (c *Classifier) status(key string, verified bool) *Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, curated := c.curated[key]
	_, voted := c.community[key]

	switch {
	case verified:
		return &Status{
			IsAutomatedCreation: true,
			PlatformTag:         c.platform.Name,
			PlatformURL:         platformLink(c.platform.URL, key),
			IsCuratedTrusted:    true,
			IsCommunityVoted:    voted,
		}
	case curated || voted:
		return &Status{IsCuratedTrusted: curated, IsCommunityVoted: voted}
	default:
		return nil
	}
}

func platformLink(base, address string) string {
	if base == "" {
		return ""
	}
	if base[len(base)-1] != '/' {
		base += "/"
	}
	return base + "clanker/" + address
}

// Peek returns the best known status without any I/O: the cached
// classification if verification already ran, else the static list flags.
func (c *Classifier) Peek(address string) *Status {
	key := registry.Key(address)
	c.mu.RLock()
	verified := c.verified[key]
	c.mu.RUnlock()
	return c.status(key, verified)
}

// Verified reports whether a verification answer is cached for address.
func (c *Classifier) Verified(address string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.verified[registry.Key(address)]
	return ok
}

// Risk scans the contract bytecode once per address.
func (c *Classifier) Risk(ctx context.Context, address string) (RiskReport, bool, error) {
	if c.code == nil {
		return RiskReport{}, false, nil
	}
	key := registry.Key(address)
	c.mu.RLock()
	r, ok := c.risks[key]
	gen := c.gen
	c.mu.RUnlock()
	if ok {
		return r, true, nil
	}

	res, err, _ := c.group.Do(flightKey("code", gen, key), func() (interface{}, error) {
		code, err := c.code.CodeAt(ctx, common.HexToAddress(key), nil)
		if err != nil {
			return RiskReport{}, err
		}
		report := ScanCode(code)
		for _, f := range report.Flags {
			c.metrics.RiskFlags.WithLabelValues(f).Inc()
		}
		c.mu.Lock()
		if c.gen == gen {
			c.risks[key] = report
		}
		c.mu.Unlock()
		return report, nil
	})
	if err != nil {
		return RiskReport{}, false, err
	}
	return res.(RiskReport), true, nil
}

func (c *Classifier) CachedRisk(address string) (RiskReport, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.risks[registry.Key(address)]
	return r, ok
}

// Invalidate forgets the cached verification for address so the next
// Classify asks again.
func (c *Classifier) Invalidate(address string) {
	key := registry.Key(address)
	c.mu.Lock()
	delete(c.verified, key)
	gen := c.gen
	c.mu.Unlock()
	c.group.Forget(flightKey("verify", gen, key))
}

// Reset drops every cached verification and scan. Answers to calls still in
// flight are returned to their callers but not cached.
func (c *Classifier) Reset() {
	c.mu.Lock()
	c.gen++
	c.verified = make(map[string]bool)
	c.risks = make(map[string]RiskReport)
	c.mu.Unlock()
}
