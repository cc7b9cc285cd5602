package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quantumcastro/marketstream/internal/config"
	"github.com/quantumcastro/marketstream/internal/control"
	"github.com/quantumcastro/marketstream/internal/model"
	"github.com/quantumcastro/marketstream/internal/persistence"
	"github.com/quantumcastro/marketstream/internal/sink"
	"github.com/quantumcastro/marketstream/internal/telemetry"

	goredis "github.com/redis/go-redis/v9"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "marketstream",
		Short: "Real-time aggTrade market-data ingestion pipeline",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "path to config file")

	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		marketKind string
		symbol     string
		timeframe  string
		mockMode   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the ingestion pipeline and block until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(marketKind, symbol, timeframe, mockMode)
		},
	}
	cmd.Flags().StringVar(&marketKind, "market-kind", "", "spot or futures_usdm, overrides config")
	cmd.Flags().StringVar(&symbol, "symbol", "", "trading symbol, overrides config")
	cmd.Flags().StringVar(&timeframe, "timeframe", "", "candle timeframe, overrides config")
	cmd.Flags().BoolVar(&mockMode, "mock", false, "run against a deterministic local trade generator")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query /healthz on a running instance's metrics server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigLoader().LoadConfig(configPath)
			if err != nil {
				return err
			}
			resp, err := http.Get("http://" + cfg.Metrics.ListenAddr + "/healthz")
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			defer resp.Body.Close()
			_, err = fmt.Println("status endpoint returned", resp.StatusCode)
			return err
		},
	}
}

func runPipeline(marketKindFlag, symbolFlag, timeframeFlag string, mockMode bool) error {
	cfg, err := config.NewConfigLoader().LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting marketstream",
		zap.String("sink", cfg.Sink),
		zap.String("market_kind", cfg.Market.MarketKind),
		zap.String("symbol", cfg.Market.Symbol))

	tel := telemetry.New()
	var metrics *telemetry.Metrics
	if cfg.Metrics.Enabled {
		metrics = telemetry.NewMetrics(log)
		if err := metrics.Start(cfg.Metrics.ListenAddr); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	var eventSink sink.EventSink
	var wsBroadcaster *sink.WSBroadcaster
	switch cfg.Sink {
	case "websocket":
		wsBroadcaster = sink.NewWSBroadcaster(log, tel)
		eventSink = wsBroadcaster
	default:
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.GetRedisAddress(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		eventSink = sink.NewRedisSink(rdb, log, tel)
	}

	var repo *persistence.Repository
	var prefs persistence.Preferences
	if cfg.Persistence.Enabled {
		repo, err = persistence.Open(cfg.Persistence.Path)
		if err != nil {
			return fmt.Errorf("failed to open persistence store: %w", err)
		}
		defer repo.Close()

		prefs, err = repo.GetPreferences()
		if err != nil {
			return fmt.Errorf("failed to load persisted preferences: %w", err)
		}
		log.Info("loaded persisted market preferences",
			zap.String("market_kind", prefs.MarketKind),
			zap.String("symbol", prefs.Symbol),
			zap.String("timeframe", prefs.Timeframe))
	}

	ctrl := control.New(log, eventSink, metrics)

	args := control.StartArgs{}
	if marketKindFlag != "" {
		mk := model.MarketKind(marketKindFlag)
		args.MarketKind = &mk
	} else if cfg.Market.MarketKind != "" {
		mk := model.MarketKind(cfg.Market.MarketKind)
		args.MarketKind = &mk
	} else if prefs.MarketKind != "" {
		mk := model.MarketKind(prefs.MarketKind)
		args.MarketKind = &mk
	}
	if symbolFlag != "" {
		args.Symbol = &symbolFlag
	} else if cfg.Market.Symbol != "" {
		s := cfg.Market.Symbol
		args.Symbol = &s
	} else if prefs.Symbol != "" {
		s := prefs.Symbol
		args.Symbol = &s
	}
	if timeframeFlag != "" {
		tf := model.Timeframe(timeframeFlag)
		args.Timeframe = &tf
	} else if cfg.Market.Timeframe != "" {
		tf := model.Timeframe(cfg.Market.Timeframe)
		args.Timeframe = &tf
	} else if prefs.Timeframe != "" {
		tf := model.Timeframe(prefs.Timeframe)
		args.Timeframe = &tf
	}
	if mockMode {
		m := true
		args.MockMode = &m
	} else {
		m := cfg.Market.MockMode
		args.MockMode = &m
	}
	minNotional := cfg.Market.MinNotionalUsdt
	args.MinNotionalUsdt = &minNotional
	emitMs := cfg.Market.EmitIntervalMs
	args.EmitIntervalMs = &emitMs
	clockSyncMs := cfg.Market.ClockSyncIntervalMs
	args.ClockSyncIntervalMs = &clockSyncMs
	historyLimit := cfg.Market.HistoryLimit
	args.HistoryLimit = &historyLimit
	historyAll := cfg.Market.HistoryAll
	args.HistoryAll = &historyAll
	perf := cfg.Market.PerfTelemetry
	args.PerfTelemetry = &perf
	legacyPrice := cfg.Market.EmitLegacyPriceEvent
	args.EmitLegacyPriceEvent = &legacyPrice
	legacyFrame := cfg.Market.EmitLegacyFrameEvents
	args.EmitLegacyFrameEvents = &legacyFrame
	startupMode := model.StartupMode(cfg.Market.StartupMode)
	args.StartupMode = &startupMode

	session, err := ctrl.Start(args)
	if err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	log.Info("pipeline started", zap.String("key", session.Key()))

	if wsBroadcaster != nil {
		doneCh := make(chan struct{})
		defer close(doneCh)
		go wsBroadcaster.Run(doneCh)

		mux := http.NewServeMux()
		mux.HandleFunc("/ws", wsBroadcaster.HandleWS)
		server := &http.Server{Addr: cfg.Broadcast.ListenAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("broadcast server stopped", zap.Error(err))
			}
		}()
		defer server.Close()
	}

	waitForShutdown(log)

	log.Info("shutting down pipeline")
	ctrl.Stop()
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	level := zapcore.InfoLevel
	if err := level.Set(cfg.Level); err == nil {
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	zapCfg.OutputPaths = []string{"stdout"}
	if !cfg.JSON {
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return zapCfg.Build()
}

func waitForShutdown(log *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received shutdown signal", zap.String("signal", sig.String()))
}
