package feed

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/cache"
	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/synthetic"
	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/upstream"
	"github.com/marketfan/quotefeed/pkg/config"
	"github.com/marketfan/quotefeed/pkg/models"
)

const quoteKeyPrefix = "quote:"

// comparisonLookback is the horizon change/change_percent is computed
// against: short-term momentum, not distance from the calendar close.
const comparisonLookback = time.Minute

// cacheEntry is what actually lives under a quote key. FetchedAt records
// when we last asked the upstream; freshness ages against it rather than
// the provider timestamp, which stops advancing outside market hours and
// would otherwise read as permanently stale.
type cacheEntry struct {
	models.Quote
	FetchedAt int64 `json:"fetched_at"` // unix milli
}

// Scheduler polls active symbols tier by tier, writes accepted quotes
// into the cache, and falls back to the synthetic generator whenever the
// upstream cannot serve a symbol. A fetch failure never escapes this
// layer.
type Scheduler struct {
	cfg          config.FeedConfig
	fetchTimeout time.Duration
	logger       *zap.Logger
	store        cache.Store
	adapter      upstream.Adapter
	synth        *synthetic.Generator
	budget       *Budget
	clock        Clock

	tiers      map[models.Tier]config.TierConfig
	membership map[string]models.Tier
	classes    map[string]models.AssetClass
	prewarmed  map[string]bool

	mu     sync.Mutex
	active map[string]bool

	updates chan models.Quote
}

func NewScheduler(
	cfg config.FeedConfig,
	fetchTimeout time.Duration,
	store cache.Store,
	adapter upstream.Adapter,
	synth *synthetic.Generator,
	clock Clock,
	logger *zap.Logger,
) *Scheduler {
	s := &Scheduler{
		cfg:          cfg,
		fetchTimeout: fetchTimeout,
		logger:       logger,
		store:        store,
		adapter:      adapter,
		synth:        synth,
		budget:       NewBudget(cfg.BudgetLimit, cfg.BudgetWindow),
		clock:        clock,
		tiers: map[models.Tier]config.TierConfig{
			models.TierHigh:   cfg.High,
			models.TierMedium: cfg.Medium,
			models.TierLow:    cfg.Low,
		},
		membership: make(map[string]models.Tier),
		classes:    make(map[string]models.AssetClass),
		prewarmed:  make(map[string]bool),
		active:     make(map[string]bool),
		updates:    make(chan models.Quote, 256),
	}

	overrides := make(map[string]models.AssetClass, len(cfg.ClassOverrides))
	for sym, c := range cfg.ClassOverrides {
		overrides[sym] = models.AssetClass(c)
	}

	register := func(tier models.Tier, symbols []string) {
		for _, sym := range symbols {
			s.membership[sym] = tier
			s.classes[sym] = models.InferClass(sym, overrides)
		}
	}
	register(models.TierLow, cfg.Low.Symbols)
	register(models.TierMedium, cfg.Medium.Symbols)
	register(models.TierHigh, cfg.High.Symbols)

	// Pre-warmed symbols poll from process start and ignore Deactivate
	for _, sym := range cfg.Prewarm {
		if _, ok := s.membership[sym]; !ok {
			s.membership[sym] = models.TierLow
			s.classes[sym] = models.InferClass(sym, overrides)
		}
		s.prewarmed[sym] = true
		s.active[sym] = true
	}

	return s
}

// KnownSymbols returns the configured symbol universe.
func (s *Scheduler) KnownSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.membership))
	for sym := range s.membership {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Updates delivers accepted quote writes. Sends never block the polling
// loops; a slow consumer just misses intermediate updates.
func (s *Scheduler) Updates() <-chan models.Quote {
	return s.updates
}

// Activate starts polling symbol. Unknown symbols land in the low tier.
func (s *Scheduler) Activate(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.membership[symbol]; !ok {
		s.membership[symbol] = models.TierLow
		s.classes[symbol] = models.InferClass(symbol, nil)
		s.logger.Debug("unconfigured symbol activated into low tier", zap.String("symbol", symbol))
	}
	s.active[symbol] = true
}

// Deactivate stops polling symbol unless it is pre-warmed.
func (s *Scheduler) Deactivate(symbol string) {
	if s.prewarmed[symbol] {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, symbol)
}

// IsActive reports whether symbol is currently a poll target.
func (s *Scheduler) IsActive(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[symbol]
}

// CachedQuote reads the current cached quote for symbol.
func (s *Scheduler) CachedQuote(ctx context.Context, symbol string) (models.Quote, bool) {
	e, ok := s.cachedEntry(ctx, symbol)
	return e.Quote, ok
}

func (s *Scheduler) cachedEntry(ctx context.Context, symbol string) (cacheEntry, bool) {
	e, ok, err := cache.GetJSON[cacheEntry](ctx, s.store, quoteKeyPrefix+symbol)
	if err != nil {
		s.logger.Warn("cache read failed", zap.String("symbol", symbol), zap.Error(err))
		return cacheEntry{}, false
	}
	return e, ok
}

// Run drives one polling loop per tier until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for tier, tc := range s.tiers {
		wg.Add(1)
		go func(tier models.Tier, tc config.TierConfig) {
			defer wg.Done()
			s.logger.Info("tier poller started",
				zap.String("tier", string(tier)),
				zap.Duration("interval", tc.Interval))

			ticker := time.NewTicker(tc.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.pollTier(ctx, tier)
				}
			}
		}(tier, tc)
	}
	wg.Wait()
	close(s.updates)
	s.logger.Info("scheduler stopped")
}

// pollTier runs one ingestion cycle for a tier: pick symbols whose cached
// quote is absent or stale, then fetch them in batches.
func (s *Scheduler) pollTier(ctx context.Context, tier models.Tier) {
	tc := s.tiers[tier]
	due := s.dueSymbols(ctx, tier, tc.TTL)
	if len(due) == 0 {
		return
	}

	for start := 0; start < len(due); start += tc.BatchSize {
		if start > 0 && tc.BatchDelay > 0 {
			s.clock.Sleep(tc.BatchDelay)
		}
		end := start + tc.BatchSize
		if end > len(due) {
			end = len(due)
		}
		for _, sym := range due[start:end] {
			if ctx.Err() != nil {
				return
			}
			if !s.pollSymbol(ctx, sym) {
				s.logger.Warn("ending poll cycle early: rate limited",
					zap.String("tier", string(tier)),
					zap.Int("budget_used", s.budget.Used()))
				return
			}
		}
	}
}

// dueSymbols returns the active symbols of a tier whose cached quote is
// missing or older than the tier's freshness threshold.
func (s *Scheduler) dueSymbols(ctx context.Context, tier models.Tier, ttl time.Duration) []string {
	s.mu.Lock()
	candidates := make([]string, 0, len(s.active))
	for sym := range s.active {
		if s.membership[sym] == tier {
			candidates = append(candidates, sym)
		}
	}
	s.mu.Unlock()
	sort.Strings(candidates)

	now := s.clock.Now().UnixMilli()
	due := candidates[:0]
	for _, sym := range candidates {
		e, ok := s.cachedEntry(ctx, sym)
		if !ok || now-e.FetchedAt >= ttl.Milliseconds() {
			due = append(due, sym)
		}
	}
	return due
}

// pollSymbol ingests one symbol. It returns false only when the cycle
// should stop early (call budget spent or upstream shed us).
func (s *Scheduler) pollSymbol(ctx context.Context, symbol string) bool {
	s.mu.Lock()
	class := s.classes[symbol]
	s.mu.Unlock()
	if models.AlwaysSynthetic(class) {
		s.fillSynthetic(ctx, symbol, class)
		return true
	}

	// Budget exhaustion skips the rest of the cycle; fetches are never
	// queued across windows to avoid a burst when the window resets.
	if !s.budget.Allow() {
		return false
	}

	fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	quote, err := s.adapter.FetchLatest(fctx, symbol)
	cancel()

	if err != nil {
		s.logger.Debug("live fetch failed, falling back to synthetic",
			zap.String("symbol", symbol), zap.Error(err))
		s.fillSynthetic(ctx, symbol, class)
		return !errors.Is(err, upstream.ErrRateLimited)
	}

	quote.Symbol = symbol
	quote.Source = models.SourceLive
	if basis, ok := s.comparisonPrice(ctx, symbol); ok && basis > 0 {
		quote.Change = quote.Price - basis
		quote.ChangePercent = (quote.Price - basis) / basis * 100
	}

	if s.storeQuote(ctx, quote) {
		s.publish(quote)
	}
	return true
}

// comparisonPrice resolves the ~60s-ago basis for change computation.
// The "lookback" strategy asks the upstream for a short-lookback bar
// (spending budget); "cached" reuses the previously cached price and
// costs nothing. Either way a miss degrades to the cached price.
func (s *Scheduler) comparisonPrice(ctx context.Context, symbol string) (float64, bool) {
	if s.cfg.Comparison == "lookback" && s.budget.Allow() {
		fctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
		price, ok, err := s.adapter.FetchComparisonPrice(fctx, symbol, comparisonLookback)
		cancel()
		if err == nil && ok {
			return price, true
		}
	}
	prev, ok := s.CachedQuote(ctx, symbol)
	if !ok {
		return 0, false
	}
	return prev.Price, true
}

func (s *Scheduler) fillSynthetic(ctx context.Context, symbol string, class models.AssetClass) {
	q := s.synth.Quote(ctx, symbol, class)
	if s.storeQuote(ctx, q) {
		s.publish(q)
	}
}

// storeQuote writes q unless the cache already holds a quote with an
// equal or newer provider timestamp; a stale fetch must never clobber
// fresher data. Either way the entry's fetch time is refreshed, so a
// provider returning the same timestamp (closed market, delayed feed)
// does not leave the symbol permanently due.
func (s *Scheduler) storeQuote(ctx context.Context, q models.Quote) bool {
	now := s.clock.Now().UnixMilli()
	prev, ok := s.cachedEntry(ctx, q.Symbol)
	if ok && prev.Timestamp >= q.Timestamp {
		s.logger.Debug("dropping stale quote",
			zap.String("symbol", q.Symbol),
			zap.Int64("cached_ts", prev.Timestamp),
			zap.Int64("incoming_ts", q.Timestamp))
		prev.FetchedAt = now
		if err := cache.SetJSON(ctx, s.store, quoteKeyPrefix+q.Symbol, prev, s.cfg.Retention); err != nil {
			s.logger.Error("cache write failed", zap.String("symbol", q.Symbol), zap.Error(err))
		}
		return false
	}
	e := cacheEntry{Quote: q, FetchedAt: now}
	if err := cache.SetJSON(ctx, s.store, quoteKeyPrefix+q.Symbol, e, s.cfg.Retention); err != nil {
		s.logger.Error("cache write failed", zap.String("symbol", q.Symbol), zap.Error(err))
		return false
	}
	return true
}

func (s *Scheduler) publish(q models.Quote) {
	select {
	case s.updates <- q:
	default:
		// Consumer is behind; the broadcast sweep will re-read the cache
		s.logger.Debug("update channel full, dropping notification", zap.String("symbol", q.Symbol))
	}
}
