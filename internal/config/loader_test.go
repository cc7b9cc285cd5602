package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigFillsDefaultsForEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewConfigLoader().LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.Market.MarketKind != "spot" {
		t.Errorf("MarketKind = %q, want spot", cfg.Market.MarketKind)
	}
	if cfg.Market.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q, want BTCUSDT", cfg.Market.Symbol)
	}
	if cfg.Market.EmitIntervalMs != 8 {
		t.Errorf("EmitIntervalMs = %d, want 8", cfg.Market.EmitIntervalMs)
	}
	if cfg.Sink != "redis" {
		t.Errorf("Sink = %q, want redis", cfg.Sink)
	}
	if cfg.Redis.Port != 6379 {
		t.Errorf("Redis.Port = %d, want 6379", cfg.Redis.Port)
	}
	if cfg.Metrics.ListenAddr != ":9090" {
		t.Errorf("Metrics.ListenAddr = %q, want :9090", cfg.Metrics.ListenAddr)
	}
}

func TestLoadConfigPreservesExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "market:\n  market_kind: futures_usdm\n  symbol: ETHUSDT\n  emit_interval_ms: 16\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewConfigLoader().LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.Market.MarketKind != "futures_usdm" {
		t.Errorf("MarketKind = %q, want futures_usdm", cfg.Market.MarketKind)
	}
	if cfg.Market.Symbol != "ETHUSDT" {
		t.Errorf("Symbol = %q, want ETHUSDT", cfg.Market.Symbol)
	}
	if cfg.Market.EmitIntervalMs != 16 {
		t.Errorf("EmitIntervalMs = %d, want 16 (explicit value must not be overwritten)", cfg.Market.EmitIntervalMs)
	}
}

func TestLoadConfigErrorsOnMissingFile(t *testing.T) {
	if _, err := NewConfigLoader().LoadConfig("/nonexistent/config.yaml"); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestGetRedisAddress(t *testing.T) {
	c := &Config{}
	c.Redis.Host = "redis.internal"
	c.Redis.Port = 6380
	if got := c.GetRedisAddress(); got != "redis.internal:6380" {
		t.Errorf("GetRedisAddress() = %q, want redis.internal:6380", got)
	}
}
