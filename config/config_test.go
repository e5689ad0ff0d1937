package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("UPSTREAM_WS_URL", "wss://stream.example.com/v2/iex")
	t.Setenv("UPSTREAM_WS_KEY", "key")
	t.Setenv("UPSTREAM_WS_SECRET", "secret")
	t.Setenv("UPSTREAM_REST_URL", "https://data.example.com/v2")
	t.Setenv("POSTGRES_DSN", "postgres://localhost/app?sslmode=disable")
	t.Setenv("AUTH_HS256_SECRET", "dev-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TickQueueCapacity != 500 {
		t.Errorf("expected tick queue capacity 500, got %d", cfg.TickQueueCapacity)
	}
	if cfg.SSEQueueCapacity != 10 {
		t.Errorf("expected sse queue capacity 10, got %d", cfg.SSEQueueCapacity)
	}
	if cfg.MaxConcurrentSymbols != 500 {
		t.Errorf("expected max symbols 500, got %d", cfg.MaxConcurrentSymbols)
	}
	if cfg.StorePath != "./data/market.db" {
		t.Errorf("unexpected store path %q", cfg.StorePath)
	}
	if cfg.HTTPListenAddr != ":8001" {
		t.Errorf("unexpected listen addr %q", cfg.HTTPListenAddr)
	}
	if cfg.BackfillWindow() != 24*time.Hour {
		t.Errorf("expected 24h backfill window, got %v", cfg.BackfillWindow())
	}
	if cfg.ReconnectMin() != time.Second || cfg.ReconnectMax() != 30*time.Second {
		t.Errorf("unexpected reconnect bounds %v..%v", cfg.ReconnectMin(), cfg.ReconnectMax())
	}
	if cfg.ShutdownGrace() != 5*time.Second {
		t.Errorf("expected 5s shutdown grace, got %v", cfg.ShutdownGrace())
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("BACKFILL_LOOKBACK_MINUTES", "60")
	t.Setenv("TICK_QUEUE_CAPACITY", "100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackfillWindow() != time.Hour {
		t.Errorf("expected 1h backfill window, got %v", cfg.BackfillWindow())
	}
	if cfg.TickQueueCapacity != 100 {
		t.Errorf("expected tick queue capacity 100, got %d", cfg.TickQueueCapacity)
	}
}

func TestLoad_RequiresAuthMaterial(t *testing.T) {
	setRequired(t)
	t.Setenv("AUTH_HS256_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error with neither JWKS URL nor HS256 secret")
	}

	t.Setenv("AUTH_JWKS_URL", "https://auth.example.com/jwks")
	if _, err := Load(); err != nil {
		t.Fatalf("JWKS URL alone should satisfy auth config: %v", err)
	}
}

func TestLoad_RejectsBadReconnectBounds(t *testing.T) {
	setRequired(t)
	t.Setenv("RECONNECT_MIN_MS", "5000")
	t.Setenv("RECONNECT_MAX_MS", "1000")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for max < min")
	}
}
