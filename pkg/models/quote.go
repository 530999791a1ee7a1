package models

// Source tells a consumer whether a quote came from the upstream provider
// or was fabricated by the synthetic generator.
type Source string

const (
	SourceLive      Source = "live"
	SourceSynthetic Source = "synthetic"
)

// Quote is a single point-in-time price record for a symbol.
type Quote struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`
	Volume        int64   `json:"volume"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Open          float64 `json:"open"`
	PreviousClose float64 `json:"previous_close"`
	Timestamp     int64   `json:"timestamp"` // unix milli
	Source        Source  `json:"source"`
}

// SymbolInfo is a single search result from the upstream symbol directory.
type SymbolInfo struct {
	Symbol   string     `json:"symbol"`
	Name     string     `json:"name"`
	Exchange string     `json:"exchange,omitempty"`
	Class    AssetClass `json:"class"`
}
