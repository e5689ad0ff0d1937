package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Upstream market-data provider
	UpstreamWSURL    string `env:"UPSTREAM_WS_URL,required"`
	UpstreamWSKey    string `env:"UPSTREAM_WS_KEY,required"`
	UpstreamWSSecret string `env:"UPSTREAM_WS_SECRET,required"`
	UpstreamRESTURL  string `env:"UPSTREAM_REST_URL,required"`

	// Pipeline sizing
	BackfillLookbackMinutes int `env:"BACKFILL_LOOKBACK_MINUTES" envDefault:"1440"`
	TickQueueCapacity       int `env:"TICK_QUEUE_CAPACITY" envDefault:"500"`
	SSEQueueCapacity        int `env:"SSE_QUEUE_CAPACITY" envDefault:"10"`
	MaxConcurrentSymbols    int `env:"MAX_CONCURRENT_SYMBOLS" envDefault:"500"`

	// Reconnect backoff bounds
	ReconnectMinMS int `env:"RECONNECT_MIN_MS" envDefault:"1000"`
	ReconnectMaxMS int `env:"RECONNECT_MAX_MS" envDefault:"30000"`

	// Storage
	StorePath   string `env:"STORE_PATH" envDefault:"./data/market.db"`
	PostgresDSN string `env:"POSTGRES_DSN,required"`

	// Auth
	AuthJWKSURL     string `env:"AUTH_JWKS_URL"`
	AuthHS256Secret string `env:"AUTH_HS256_SECRET"`

	// Sentiment bridge (disabled when RedisAddr is empty)
	RedisAddr          string `env:"REDIS_ADDR"`
	RedisPassword      string `env:"REDIS_PASSWORD"`
	NewsStreamKey      string `env:"NEWS_STREAM_KEY" envDefault:"news:pending"`
	SentimentStreamKey string `env:"SENTIMENT_STREAM_KEY" envDefault:"news:scored"`

	// HTTP
	HTTPListenAddr string `env:"HTTP_LISTEN_ADDR" envDefault:":8001"`
	MetricsAddr    string `env:"METRICS_ADDR" envDefault:":9102"`

	// Operations
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownGraceMS int    `env:"SHUTDOWN_GRACE_MS" envDefault:"5000"`
}

// Load reads configuration from the environment (and .env when present).
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.AuthJWKSURL == "" && cfg.AuthHS256Secret == "" {
		return nil, errors.New("config: one of AUTH_JWKS_URL or AUTH_HS256_SECRET must be set")
	}
	if cfg.ReconnectMinMS <= 0 || cfg.ReconnectMaxMS < cfg.ReconnectMinMS {
		return nil, fmt.Errorf("config: invalid reconnect bounds %d..%d ms", cfg.ReconnectMinMS, cfg.ReconnectMaxMS)
	}
	return cfg, nil
}

// BackfillWindow is the historical lookback requested on first interest.
func (c *Config) BackfillWindow() time.Duration {
	return time.Duration(c.BackfillLookbackMinutes) * time.Minute
}

// ReconnectMin is the initial reconnect backoff delay.
func (c *Config) ReconnectMin() time.Duration {
	return time.Duration(c.ReconnectMinMS) * time.Millisecond
}

// ReconnectMax is the reconnect backoff cap.
func (c *Config) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMS) * time.Millisecond
}

// ShutdownGrace bounds the tick-queue drain at shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMS) * time.Millisecond
}
