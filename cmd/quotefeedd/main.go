package main

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/cache"
	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/feed"
	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/firehose"
	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/gateway"
	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/hub"
	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/synthetic"
	"github.com/marketfan/quotefeed/cmd/quotefeedd/internal/upstream"
	"github.com/marketfan/quotefeed/pkg/config"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, err := config.NewLogger(cfg.App, cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// Cache: shared Redis when configured, in-process otherwise. A Redis
	// outage degrades to the local store instead of stopping ingestion.
	local := cache.NewMemory()
	var store cache.Store = local
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("Redis unreachable, starting on in-memory cache", zap.Error(err))
		}
		store = cache.NewFallback(cache.NewRedis(rdb), local, logger)
	}

	adapter := upstream.NewHTTPAdapter(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, cfg.Upstream.Timeout)
	if cfg.Upstream.BaseURL == "" {
		logger.Warn("no upstream configured, every symbol will serve synthetic quotes")
	}

	rnd := synthetic.RealRand{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	synth := synthetic.NewGenerator(store, rnd, synthetic.RealClock{}, logger)

	sched := feed.NewScheduler(cfg.Feed, cfg.Upstream.Timeout, store, adapter, synth, feed.RealClock{}, logger)

	validSymbols := make(map[string]bool)
	for _, sym := range sched.KnownSymbols() {
		validSymbols[sym] = true
	}

	wsHub := hub.NewHub(sched, sched, validSymbols, cfg.Hub.BroadcastInterval, logger)

	var fh *firehose.Firehose
	if len(cfg.Kafka.Brokers) > 0 {
		fh = firehose.New(firehose.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), logger)
		logger.Info("firehose enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	ctx, cancel := context.WithCancel(context.Background())

	go local.Janitor(ctx, time.Minute)
	go sched.Run(ctx)
	go wsHub.Run(ctx)

	// Hand scheduler updates to the hub (immediate fan-out) and firehose
	go func() {
		for q := range sched.Updates() {
			wsHub.Push(q)
			if fh != nil {
				fh.Publish(ctx, q)
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		gateway.NewClient(conn, wsHub, logger).Start()
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/quote", func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		if symbol == "" {
			http.Error(w, "missing symbol", http.StatusBadRequest)
			return
		}
		q, ok := sched.CachedQuote(r.Context(), symbol)
		if !ok {
			http.Error(w, "no quote", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(q)
	})
	mux.HandleFunc("/api/search", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		if query == "" {
			http.Error(w, "missing q", http.StatusBadRequest)
			return
		}
		infos, err := adapter.SearchSymbols(r.Context(), query)
		if err != nil {
			http.Error(w, "search unavailable", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(infos)
	})

	srv := &http.Server{Addr: cfg.App.Port, Handler: mux}

	go func() {
		logger.Info("Server Started", zap.String("port", cfg.App.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("HTTP Error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("Shutdown signal received")

	// Stop periodic work first; in-flight fetches finish under their own
	// timeout. Connections close after that.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	if fh != nil {
		if err := fh.Close(); err != nil {
			logger.Error("Error closing firehose", zap.Error(err))
		}
	}
	if rdb != nil {
		rdb.Close()
	}
	logger.Info("Shutdown Complete")
}
