package tracker

import (
	"github.com/rnts08/base-token-watch/src/filter"
	"github.com/rnts08/base-token-watch/src/market"
	"github.com/rnts08/base-token-watch/src/registry"
	"github.com/rnts08/base-token-watch/src/security"
)

// View is a registry record with its trust classification. Security is nil
// for unverified tokens.
type View struct {
	registry.Token
	Security *security.Status `json:"security"`
}

type Detail struct {
	View
	Check *market.CheckState   `json:"check,omitempty"`
	Risk  *security.RiskReport `json:"risk,omitempty"`
}

type Stats struct {
	Tokens    int `json:"tokens"`
	Contracts int `json:"contracts"`
}

// List returns the filtered, ranked token list.
func (t *Tracker) List(opts filter.Options) []View {
	tokens := t.reg.Snapshot()
	statuses := make(map[string]*security.Status, len(tokens))
	for _, tok := range tokens {
		statuses[tok.Address] = t.classifier.Peek(tok.Address)
	}

	ranked := filter.Apply(tokens, statuses, opts, t.now())
	out := make([]View, 0, len(ranked))
	for _, tok := range ranked {
		out = append(out, View{Token: tok, Security: statuses[tok.Address]})
	}
	return out
}

func (t *Tracker) Detail(address string) (Detail, bool) {
	tok, ok := t.reg.Get(address)
	if !ok {
		return Detail{}, false
	}
	d := Detail{View: View{Token: tok, Security: t.classifier.Peek(tok.Address)}}
	if st, ok := t.sched.State(tok.Address); ok {
		d.Check = &st
	}
	if r, ok := t.classifier.CachedRisk(tok.Address); ok {
		d.Risk = &r
	}
	return d, true
}

func (t *Tracker) Stats() Stats {
	return Stats{Tokens: t.reg.Len(), Contracts: t.meta.Len()}
}
