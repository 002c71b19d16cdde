// Package symbol normalizes instrument tickers and infers exchange metadata
// from their suffixes. The ledger and the market-data aggregator share these
// rules so both sides key positions and quotes identically.
package symbol

import (
	"strings"

	"github.com/h8man13/h8man-finance-sub000/asset"
)

// DefaultMarketSuffix is appended to bare equity tickers. Crypto pairs and
// already-suffixed symbols are kept verbatim.
const DefaultMarketSuffix = "US"

// Normalize uppercases a raw ticker and appends the default market suffix
// when no exchange suffix is present. Crypto pairs such as BTC-USD pass
// through unchanged.
func Normalize(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return s
	}
	if IsCrypto(s) {
		return s
	}
	if strings.Contains(s, ".") {
		return s
	}
	return s + "." + DefaultMarketSuffix
}

// NormalizeAll normalizes every symbol in place and returns the slice.
func NormalizeAll(raw []string) []string {
	out := make([]string, len(raw))
	for i := range raw {
		out[i] = Normalize(raw[i])
	}
	return out
}

// IsCrypto reports whether the symbol is a crypto pair in X-USD form.
func IsCrypto(sym string) bool {
	return strings.HasSuffix(strings.ToUpper(sym), "-USD")
}

// Bare strips the exchange suffix from a normalized symbol. Crypto pairs are
// returned unchanged.
func Bare(sym string) string {
	s := strings.ToUpper(strings.TrimSpace(sym))
	if IsCrypto(s) {
		return s
	}
	if i := strings.LastIndex(s, "."); i > 0 {
		return s[:i]
	}
	return s
}

// Market returns the exchange code encoded in the symbol suffix. Crypto pairs
// report the CC market; everything without a suffix defaults to US.
func Market(sym string) string {
	s := strings.ToUpper(strings.TrimSpace(sym))
	if IsCrypto(s) {
		return "CC"
	}
	if i := strings.LastIndex(s, "."); i > 0 && i < len(s)-1 {
		return s[i+1:]
	}
	return DefaultMarketSuffix
}

// InferMeta derives (asset class, market, currency) from a symbol the way
// the aggregator classifies unknown tickers: XETRA-listed instruments are
// treated as EUR ETFs, X-USD pairs as crypto, everything else as US stocks.
func InferMeta(sym string) (class asset.Class, market, currency string) {
	s := strings.ToUpper(strings.TrimSpace(sym))
	switch {
	case IsCrypto(s):
		return asset.Crypto, "CC", "USD"
	case strings.HasSuffix(s, ".XETRA") || s == "XETRA":
		return asset.ETF, "XETRA", "EUR"
	default:
		return asset.Stock, Market(s), "USD"
	}
}

// SplitList splits a comma separated symbol list, trims blanks and drops
// empty entries. Symbols are not normalized here; callers decide.
func SplitList(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for i := range parts {
		p := strings.TrimSpace(parts[i])
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// JoinKey joins normalized symbols into a stable cache key fragment.
func JoinKey(symbols []string) string {
	return strings.Join(symbols, ",")
}
