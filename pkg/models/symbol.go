package models

import "strings"

// AssetClass picks the fetch strategy and the synthetic price range
// for a symbol.
type AssetClass string

const (
	ClassEquity AssetClass = "equity"
	ClassCrypto AssetClass = "crypto"
	ClassForex  AssetClass = "forex"
	ClassFund   AssetClass = "fund"
)

// Tier groups symbols that share a poll interval and freshness threshold.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// Tiers in descending priority order.
var Tiers = []Tier{TierHigh, TierMedium, TierLow}

// cryptoBases covers the quote pairs the upstream account actually carries.
var cryptoBases = map[string]bool{
	"BTC": true, "ETH": true, "SOL": true, "XRP": true,
	"ADA": true, "DOGE": true, "BNB": true, "LTC": true, "DOT": true,
}

// InferClass classifies a symbol from its shape. Explicit overrides win;
// pair symbols (BASE/QUOTE) are crypto when the base is a known coin and
// forex otherwise; everything else defaults to equity. Funds cannot be
// told apart from equities by shape alone, so they must come in through
// overrides.
func InferClass(symbol string, overrides map[string]AssetClass) AssetClass {
	if c, ok := overrides[symbol]; ok {
		return c
	}
	if base, _, ok := strings.Cut(symbol, "/"); ok {
		if cryptoBases[strings.ToUpper(base)] {
			return ClassCrypto
		}
		return ClassForex
	}
	return ClassEquity
}

// AlwaysSynthetic reports whether a class is never fetched live. Forex
// pairs are not available on the account tier this service runs against.
func AlwaysSynthetic(c AssetClass) bool {
	return c == ClassForex
}
