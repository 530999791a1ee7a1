package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/marketfan/quotefeed/pkg/models"
)

// Failure classes for a fetch. Ingestion absorbs all of them into the
// synthetic fallback; ErrRateLimited additionally ends the current poll
// cycle for the tier that hit it.
var (
	ErrUnavailable = errors.New("upstream unavailable")
	ErrRejected    = errors.New("upstream rejected request")
	ErrRateLimited = errors.New("upstream rate limited")
)

// Adapter is the provider contract the feed engine polls against. The
// engine does not care whether the other side is REST, a stream, or a
// test double, as long as results fit the Quote shape.
type Adapter interface {
	// FetchLatest returns the current quote for symbol.
	FetchLatest(ctx context.Context, symbol string) (models.Quote, error)

	// FetchComparisonPrice returns the price roughly lookback ago,
	// or ok=false when the provider has no bar that far back.
	FetchComparisonPrice(ctx context.Context, symbol string, lookback time.Duration) (float64, bool, error)

	// SearchSymbols queries the provider's symbol directory.
	SearchSymbols(ctx context.Context, query string) ([]models.SymbolInfo, error)
}
