package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Hub      HubConfig      `mapstructure:"hub"`
}

type AppConfig struct {
	Port string `mapstructure:"port"`
	Env  string `mapstructure:"env"` // e.g., "local", "prod"
}

type LoggerConfig struct {
	Level string `mapstructure:"level"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"` // empty = in-memory cache only
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"` // empty = firehose disabled
	Topic   string   `mapstructure:"topic"`
}

type UpstreamConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TierConfig describes one polling tier: which symbols it owns, how often
// they are polled, how old a cached quote may get before it counts as
// stale, and how fetches are batched.
type TierConfig struct {
	Symbols    []string      `mapstructure:"symbols"`
	Interval   time.Duration `mapstructure:"interval"`
	TTL        time.Duration `mapstructure:"ttl"`
	BatchSize  int           `mapstructure:"batch_size"`
	BatchDelay time.Duration `mapstructure:"batch_delay"`
}

type FeedConfig struct {
	High   TierConfig `mapstructure:"high"`
	Medium TierConfig `mapstructure:"medium"`
	Low    TierConfig `mapstructure:"low"`

	// Symbols that stay active regardless of subscriber count.
	Prewarm []string `mapstructure:"prewarm"`

	// Rolling-window upstream call budget.
	BudgetLimit  int           `mapstructure:"budget_limit"`
	BudgetWindow time.Duration `mapstructure:"budget_window"`

	// "cached" reuses the previously cached price as the comparison
	// basis; "lookback" queries the upstream short-lookback endpoint.
	Comparison string `mapstructure:"comparison"`

	// How long an accepted quote stays readable in the cache. Must be
	// comfortably larger than the slowest tier interval.
	Retention time.Duration `mapstructure:"retention"`

	// Per-symbol class overrides, e.g. "VTI" -> "fund".
	ClassOverrides map[string]string `mapstructure:"class_overrides"`
}

type HubConfig struct {
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
}

// LoadConfig reads configuration from .env file, environment variables, and defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// Load .env into the process environment first so viper sees it
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, relying on System Env Vars")
	}

	v.SetDefault("app.port", ":8080")
	v.SetDefault("app.env", "local")
	v.SetDefault("logger.level", "info")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "quote_updates")

	v.SetDefault("upstream.base_url", "")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.timeout", "3s")

	v.SetDefault("feed.high.symbols", []string{"AAPL", "MSFT", "TSLA", "BTC/USD", "ETH/USD"})
	v.SetDefault("feed.high.interval", "5s")
	v.SetDefault("feed.high.ttl", "10s")
	v.SetDefault("feed.high.batch_size", 3)
	v.SetDefault("feed.high.batch_delay", "200ms")

	v.SetDefault("feed.medium.symbols", []string{"GOOG", "AMZN", "NVDA", "SOL/USD"})
	v.SetDefault("feed.medium.interval", "15s")
	v.SetDefault("feed.medium.ttl", "30s")
	v.SetDefault("feed.medium.batch_size", 5)
	v.SetDefault("feed.medium.batch_delay", "300ms")

	v.SetDefault("feed.low.symbols", []string{"EUR/USD", "GBP/USD", "USD/JPY", "VTI", "SPY"})
	v.SetDefault("feed.low.interval", "60s")
	v.SetDefault("feed.low.ttl", "120s")
	v.SetDefault("feed.low.batch_size", 10)
	v.SetDefault("feed.low.batch_delay", "500ms")

	v.SetDefault("feed.prewarm", []string{"AAPL", "BTC/USD"})
	v.SetDefault("feed.budget_limit", 60)
	v.SetDefault("feed.budget_window", "1m")
	v.SetDefault("feed.comparison", "cached")
	v.SetDefault("feed.retention", "1h")
	v.SetDefault("feed.class_overrides", map[string]string{"VTI": "fund", "SPY": "fund"})

	v.SetDefault("hub.broadcast_interval", "2s")

	// Map dot-notation keys to underscore env vars (feed.budget_limit -> FEED_BUDGET_LIMIT)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Viper only maps flat env vars onto nested structs for keys it knows about
	bindEnv(v, "app.port", "app.env", "logger.level")
	bindEnv(v, "redis.addr", "redis.password", "redis.db")
	bindEnv(v, "kafka.brokers", "kafka.topic")
	bindEnv(v, "upstream.base_url", "upstream.api_key", "upstream.timeout")
	bindEnv(v, "feed.prewarm", "feed.budget_limit", "feed.budget_window",
		"feed.comparison", "feed.retention")
	bindEnv(v, "hub.broadcast_interval")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %v", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Feed.BudgetLimit <= 0 {
		return fmt.Errorf("feed.budget_limit must be positive")
	}
	if c.Feed.BudgetWindow <= 0 {
		return fmt.Errorf("feed.budget_window must be positive")
	}
	if c.Feed.Comparison != "cached" && c.Feed.Comparison != "lookback" {
		return fmt.Errorf("feed.comparison must be \"cached\" or \"lookback\", got %q", c.Feed.Comparison)
	}
	if c.Hub.BroadcastInterval <= 0 {
		return fmt.Errorf("hub.broadcast_interval must be positive")
	}
	for _, tc := range []TierConfig{c.Feed.High, c.Feed.Medium, c.Feed.Low} {
		if tc.Interval <= 0 || tc.TTL <= 0 {
			return fmt.Errorf("tier interval and ttl must be positive")
		}
		if tc.BatchSize <= 0 {
			return fmt.Errorf("tier batch_size must be positive")
		}
	}
	return nil
}

// bindEnv is a helper to bind multiple keys at once
func bindEnv(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			log.Printf("Could not bind env var for key %s: %v", key, err)
		}
	}
}
