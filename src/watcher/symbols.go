package watcher

import "strings"

// DefaultDeniedSymbols is the stock deny list for Base.
var DefaultDeniedSymbols = []string{
	"BSWAP-LP", "STKD-UNI-V2", "cbETH", "USD+", "DAI", "sUSDe", "USDe",
	"UNI-V2", "oUSDT", "WETH", "USDC", "cbBTC", "USDbC", "EURC", "tBTC",
	"aBasWETH", "axlUSDC", "flETH", "mwETH", "WBTC", "rsETH",
}

// SymbolFilter rejects deny-listed symbols and pair-style symbols ("A/B").
// Matching is exact and case-sensitive.
type SymbolFilter struct {
	denied map[string]struct{}
}

func NewSymbolFilter(denied []string) *SymbolFilter {
	f := &SymbolFilter{denied: make(map[string]struct{}, len(denied))}
	for _, s := range denied {
		f.denied[s] = struct{}{}
	}
	return f
}

func (f *SymbolFilter) ShouldFilter(symbol string) bool {
	if _, ok := f.denied[symbol]; ok {
		return true
	}
	return strings.Contains(symbol, "/")
}

var defaultFilter = NewSymbolFilter(DefaultDeniedSymbols)

// ShouldFilterSymbol applies the default deny list.
func ShouldFilterSymbol(symbol string) bool {
	return defaultFilter.ShouldFilter(symbol)
}
