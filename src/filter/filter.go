// Package filter selects and orders tokens for display.
package filter

import (
	"sort"
	"time"

	"github.com/rnts08/base-token-watch/src/registry"
	"github.com/rnts08/base-token-watch/src/security"
)

// Options toggles exclusion rules. Enabled rules combine with AND.
type Options struct {
	HideCommunityVoted bool `json:"hideCommunityVoted"`
	HideNoMarketCap    bool `json:"hideNoMarketCap"`
	HideInactivePairs  bool `json:"hideInactivePairs"`
	HideOlderThan24h   bool `json:"hideOlderThan24h"`
	HideUnverified     bool `json:"hideUnverified"`
	HidePairless       bool `json:"hidePairless"`
}

const maxAge = 24 * time.Hour

// Apply returns the tokens that pass every enabled rule, newest
// FirstSeenLocally first. Ties keep their input order. statuses maps
// registry keys to classifications; a missing or nil entry is unverified.
// The input slice is not modified.
func Apply(tokens []registry.Token, statuses map[string]*security.Status, opts Options, now time.Time) []registry.Token {
	out := make([]registry.Token, 0, len(tokens))
	for _, t := range tokens {
		if keep(t, statuses[registry.Key(t.Address)], opts, now) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FirstSeenLocally.After(out[j].FirstSeenLocally)
	})
	return out
}

func keep(t registry.Token, st *security.Status, opts Options, now time.Time) bool {
	if opts.HideCommunityVoted && st != nil && st.IsCommunityVoted {
		return false
	}
	if opts.HideNoMarketCap && t.MarketCap == nil {
		return false
	}
	if opts.HideInactivePairs && (t.PriceChange1h == nil || *t.PriceChange1h == 0) {
		return false
	}
	if opts.HideOlderThan24h && now.Sub(age(t)) > maxAge {
		return false
	}
	if opts.HideUnverified && st == nil {
		return false
	}
	if opts.HidePairless && t.PairCreatedAt == nil {
		return false
	}
	return true
}

// age picks the pair creation time when known, else the discovery time.
func age(t registry.Token) time.Time {
	if t.PairCreatedAt != nil {
		return *t.PairCreatedAt
	}
	if !t.DiscoveredAt.IsZero() {
		return t.DiscoveredAt
	}
	return t.FirstSeenLocally
}
