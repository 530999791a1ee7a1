package synthetic

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/cache"
	"github.com/marketfan/quotefeed/pkg/models"
)

// maxStep bounds each random walk step to ±2% of the current base.
const maxStep = 0.02

// baseKeyPrefix keeps synthetic bases in their own namespace so they never
// collide with live quotes.
const baseKeyPrefix = "synthetic_base:"

// baseTTL keeps the walk continuous across long gaps between fallbacks.
const baseTTL = 24 * time.Hour

// classRange seeds a first-use base price per asset class.
type classRange struct {
	min, max float64
}

var seedRanges = map[models.AssetClass]classRange{
	models.ClassEquity: {20, 500},
	models.ClassCrypto: {100, 60000},
	models.ClassForex:  {0.5, 1.5},
	models.ClassFund:   {30, 400},
}

// Generator fabricates plausible quotes when live data is unavailable.
// Each symbol walks off its previously generated price, so repeated
// fallbacks produce a continuous-looking series instead of independent
// random draws.
type Generator struct {
	store  cache.Store
	rand   Rand
	clock  Clock
	logger *zap.Logger
}

func NewGenerator(store cache.Store, rnd Rand, clock Clock, logger *zap.Logger) *Generator {
	return &Generator{store: store, rand: rnd, clock: clock, logger: logger}
}

// Quote produces the next synthetic quote for symbol. The new price is
// cached as the base for the next call.
func (g *Generator) Quote(ctx context.Context, symbol string, class models.AssetClass) models.Quote {
	base := g.basePrice(ctx, symbol, class)

	// Symmetric step in [-maxStep, +maxStep]
	step := (g.rand.Float64()*2 - 1) * maxStep
	price := round(base*(1+step), class)

	q := models.Quote{
		Symbol:        symbol,
		Price:         price,
		Change:        round(price-base, class),
		ChangePercent: math.Round(step*10000) / 100,
		Volume:        int64(g.rand.Float64() * 1_000_000),
		High:          round(math.Max(base, price)*1.001, class),
		Low:           round(math.Min(base, price)*0.999, class),
		Open:          base,
		PreviousClose: base,
		Timestamp:     g.clock.Now().UnixMilli(),
		Source:        models.SourceSynthetic,
	}

	if err := cache.SetJSON(ctx, g.store, baseKeyPrefix+symbol, price, baseTTL); err != nil {
		g.logger.Warn("failed to persist synthetic base", zap.String("symbol", symbol), zap.Error(err))
	}
	return q
}

func (g *Generator) basePrice(ctx context.Context, symbol string, class models.AssetClass) float64 {
	base, ok, err := cache.GetJSON[float64](ctx, g.store, baseKeyPrefix+symbol)
	if err != nil {
		g.logger.Warn("failed to read synthetic base", zap.String("symbol", symbol), zap.Error(err))
	}
	if ok && base > 0 {
		return base
	}

	r, found := seedRanges[class]
	if !found {
		r = seedRanges[models.ClassEquity]
	}
	return round(r.min+g.rand.Float64()*(r.max-r.min), class)
}

// round trims prices to the precision viewers expect: four decimals for
// forex, two for everything else.
func round(v float64, class models.AssetClass) float64 {
	scale := 100.0
	if class == models.ClassForex {
		scale = 10000.0
	}
	return math.Round(v*scale) / scale
}
