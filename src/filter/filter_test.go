package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rnts08/base-token-watch/src/registry"
	"github.com/rnts08/base-token-watch/src/security"
)

var now = time.Date(2024, 11, 2, 12, 0, 0, 0, time.UTC)

func f64p(f float64) *float64 { return &f }
func tp(t time.Time) *time.Time { return &t }

func addresses(tokens []registry.Token) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, t.Address)
	}
	return out
}

func fixture() ([]registry.Token, map[string]*security.Status) {
	tokens := []registry.Token{
		{ // fresh, active, verified
			Address: "0xa", FirstSeenLocally: now.Add(-time.Minute), DiscoveredAt: now.Add(-time.Minute),
			PairCreatedAt: tp(now.Add(-30 * time.Second)), MarketCap: f64p(50000), PriceChange1h: f64p(-2),
		},
		{ // pairless, no figures
			Address: "0xb", FirstSeenLocally: now.Add(-2 * time.Minute), DiscoveredAt: now.Add(-2 * time.Minute),
		},
		{ // old pair, flat
			Address: "0xc", FirstSeenLocally: now.Add(-3 * time.Minute), DiscoveredAt: now.Add(-48 * time.Hour),
			PairCreatedAt: tp(now.Add(-30 * time.Hour)), MarketCap: f64p(0), PriceChange1h: f64p(0),
		},
		{ // community voted, old discovery, no pair
			Address: "0xd", FirstSeenLocally: now.Add(-30 * time.Second), DiscoveredAt: now.Add(-25 * time.Hour),
			MarketCap: f64p(10), PriceChange1h: f64p(1),
		},
	}
	statuses := map[string]*security.Status{
		"0xa": {IsAutomatedCreation: true, IsCuratedTrusted: true, PlatformTag: "CLANKER"},
		"0xd": {IsCommunityVoted: true},
	}
	return tokens, statuses
}

func TestApplyPredicates(t *testing.T) {
	tokens, statuses := fixture()

	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{"no filters sorts by first seen", Options{}, []string{"0xd", "0xa", "0xb", "0xc"}},
		{"hide community voted", Options{HideCommunityVoted: true}, []string{"0xa", "0xb", "0xc"}},
		{"hide no market cap keeps zero figure", Options{HideNoMarketCap: true}, []string{"0xd", "0xa", "0xc"}},
		{"hide inactive pairs", Options{HideInactivePairs: true}, []string{"0xd", "0xa"}},
		{"hide older than 24h", Options{HideOlderThan24h: true}, []string{"0xa", "0xb"}},
		{"hide unverified", Options{HideUnverified: true}, []string{"0xd", "0xa"}},
		{"hide pairless", Options{HidePairless: true}, []string{"0xa", "0xc"}},
		{"conjunction", Options{HideUnverified: true, HideCommunityVoted: true, HideOlderThan24h: true}, []string{"0xa"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, addresses(Apply(tokens, statuses, tt.opts, now)))
		})
	}
}

func TestApplyStableTies(t *testing.T) {
	tokens := []registry.Token{
		{Address: "0x1", FirstSeenLocally: now},
		{Address: "0x2", FirstSeenLocally: now},
		{Address: "0x3", FirstSeenLocally: now.Add(time.Second)},
		{Address: "0x4", FirstSeenLocally: now},
	}
	assert.Equal(t, []string{"0x3", "0x1", "0x2", "0x4"}, addresses(Apply(tokens, nil, Options{}, now)))
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	tokens, statuses := fixture()
	before := addresses(tokens)
	_ = Apply(tokens, statuses, Options{HideUnverified: true}, now)
	assert.Equal(t, before, addresses(tokens))
}

func TestEndToEndScenarioFilters(t *testing.T) {
	tok := registry.Token{
		Address:          "0xaaa",
		DiscoveredAt:     now.Add(-30 * time.Second),
		FirstSeenLocally: now,
		PairCreatedAt:    tp(now.Add(-20 * time.Second)),
		PriceChange5m:    f64p(1.5),
		PriceChange1h:    f64p(-2.0),
		MarketCap:        f64p(50000),
	}
	got := Apply([]registry.Token{tok}, nil, Options{HideInactivePairs: true, HideOlderThan24h: true}, now)
	assert.Equal(t, []string{"0xaaa"}, addresses(got))
}
