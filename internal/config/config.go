package config

// Config is the on-disk shape for a marketstream session plus the
// ambient services (Redis, metrics, persistence) it wires up. It is
// the direct yaml.v3 target loaded by ConfigLoader.
type Config struct {
	Market      MarketConfig      `yaml:"market"`
	Redis       RedisConfig       `yaml:"redis"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Sink        string            `yaml:"sink"` // "redis" or "websocket"
	Metrics     MetricsConfig     `yaml:"metrics"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// MarketConfig mirrors start_market_stream's argument set (spec §4.1),
// so a config file can seed the first session without any CLI flags.
type MarketConfig struct {
	MarketKind            string  `yaml:"market_kind"`
	Symbol                string  `yaml:"symbol"`
	Timeframe             string  `yaml:"timeframe"`
	MinNotionalUsdt       float64 `yaml:"min_notional_usdt"`
	EmitIntervalMs        int     `yaml:"emit_interval_ms"`
	ClockSyncIntervalMs   int     `yaml:"clock_sync_interval_ms"`
	StartupMode           string  `yaml:"startup_mode"`
	HistoryLimit          int     `yaml:"history_limit"`
	HistoryAll            bool    `yaml:"history_all"`
	MockMode              bool    `yaml:"mock_mode"`
	EmitLegacyPriceEvent  bool    `yaml:"emit_legacy_price_event"`
	EmitLegacyFrameEvents bool    `yaml:"emit_legacy_frame_events"`
	PerfTelemetry         bool    `yaml:"perf_telemetry"`
}

// RedisConfig represents Redis connection configuration, used when
// Sink == "redis".
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// BroadcastConfig configures the local WebSocket broadcaster, used when
// Sink == "websocket".
type BroadcastConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// MetricsConfig configures the Prometheus /metrics and /healthz server.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// PersistenceConfig configures the SQLite preferences/drawings store.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}
