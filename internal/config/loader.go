package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigLoader reads a yaml config file and fills in defaults for
// anything the file leaves unset.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (cl *ConfigLoader) LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&config)
	return &config, nil
}

func applyDefaults(c *Config) {
	if c.Market.MarketKind == "" {
		c.Market.MarketKind = "spot"
	}
	if c.Market.Symbol == "" {
		c.Market.Symbol = "BTCUSDT"
	}
	if c.Market.Timeframe == "" {
		c.Market.Timeframe = "1m"
	}
	if c.Market.MinNotionalUsdt == 0 {
		c.Market.MinNotionalUsdt = 100
	}
	if c.Market.EmitIntervalMs == 0 {
		c.Market.EmitIntervalMs = 8
	}
	if c.Market.ClockSyncIntervalMs == 0 {
		c.Market.ClockSyncIntervalMs = 30_000
	}
	if c.Market.StartupMode == "" {
		c.Market.StartupMode = "live_first"
	}
	if c.Market.HistoryLimit == 0 {
		c.Market.HistoryLimit = 1000
	}

	if c.Sink == "" {
		c.Sink = "redis"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}

	if c.Broadcast.ListenAddr == "" {
		c.Broadcast.ListenAddr = ":8090"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}

	if c.Persistence.Path == "" {
		c.Persistence.Path = "marketstream.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) GetRedisAddress() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
