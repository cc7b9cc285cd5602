package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quantumcastro/marketstream/internal/model"
)

// allStates lists every ConnectionState label so SetConnectionState can
// zero out the states the session is no longer in.
var allStates = []model.ConnectionState{
	model.StateConnecting, model.StateLive, model.StateDesynced,
	model.StateReconnecting, model.StateStopped, model.StateError,
}

// Metrics is the Prometheus surface for the pipeline, modeled on
// pulseintel's PrometheusMetrics: one struct of registered vectors plus
// a small HTTP server exposing /metrics and /healthz.
type Metrics struct {
	TradesIngested   *prometheus.CounterVec
	FramesEmitted    *prometheus.CounterVec
	FramesDropped    *prometheus.CounterVec
	SequenceGaps     *prometheus.CounterVec
	ReconnectsTotal  *prometheus.CounterVec
	ParseLatencyUs   *prometheus.HistogramVec
	ApplyLatencyUs   *prometheus.HistogramVec
	PipelineLatencyMs *prometheus.HistogramVec
	ConnectionState  *prometheus.GaugeVec
	ClockOffsetMs    *prometheus.GaugeVec

	log    *zap.Logger
	server *http.Server
}

func NewMetrics(log *zap.Logger) *Metrics {
	m := &Metrics{
		log: log,
		TradesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketstream_trades_ingested_total",
				Help: "Total number of aggregated trades applied to the conflated state.",
			},
			[]string{"market_kind", "symbol"},
		),
		FramesEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketstream_frames_emitted_total",
				Help: "Total number of market_frame_update frames emitted.",
			},
			[]string{"market_kind", "symbol"},
		),
		FramesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketstream_frames_dropped_total",
				Help: "Total number of frames dropped because the sink was full.",
			},
			[]string{"market_kind", "symbol"},
		),
		SequenceGaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketstream_sequence_gaps_total",
				Help: "Total number of aggregate-id sequence gaps detected.",
			},
			[]string{"market_kind", "symbol"},
		),
		ReconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketstream_ws_reconnects_total",
				Help: "Total number of WebSocket reconnect attempts.",
			},
			[]string{"market_kind", "symbol", "reason"},
		),
		ParseLatencyUs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketstream_parse_latency_microseconds",
				Help:    "Aggregated-trade JSON parse latency in microseconds.",
				Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000},
			},
			[]string{"market_kind", "symbol"},
		),
		ApplyLatencyUs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketstream_apply_latency_microseconds",
				Help:    "Conflated-state apply latency in microseconds.",
				Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000},
			},
			[]string{"market_kind", "symbol"},
		),
		PipelineLatencyMs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketstream_local_pipeline_latency_ms",
				Help:    "Wall time from Producer receipt to ConflatedState apply.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"market_kind", "symbol"},
		),
		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketstream_connection_state",
				Help: "Current connection state (1 for the active state label, 0 otherwise).",
			},
			[]string{"market_kind", "symbol", "state"},
		),
		ClockOffsetMs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketstream_clock_offset_ms",
				Help: "EWMA-smoothed server-minus-local clock offset in milliseconds.",
			},
			[]string{"market_kind", "symbol"},
		),
	}

	prometheus.MustRegister(
		m.TradesIngested,
		m.FramesEmitted,
		m.FramesDropped,
		m.SequenceGaps,
		m.ReconnectsTotal,
		m.ParseLatencyUs,
		m.ApplyLatencyUs,
		m.PipelineLatencyMs,
		m.ConnectionState,
		m.ClockOffsetMs,
	)

	return m
}

// IncTradesIngested records one applied trade.
func (m *Metrics) IncTradesIngested(marketKind model.MarketKind, symbol string) {
	m.TradesIngested.WithLabelValues(string(marketKind), symbol).Inc()
}

// IncFramesEmitted records one emitted market_frame_update.
func (m *Metrics) IncFramesEmitted(marketKind model.MarketKind, symbol string) {
	m.FramesEmitted.WithLabelValues(string(marketKind), symbol).Inc()
}

// IncFramesDropped records one frame dropped by a full sink.
func (m *Metrics) IncFramesDropped(marketKind model.MarketKind, symbol string) {
	m.FramesDropped.WithLabelValues(string(marketKind), symbol).Inc()
}

// IncSequenceGap records one aggregate-id sequence gap detection.
func (m *Metrics) IncSequenceGap(marketKind model.MarketKind, symbol string) {
	m.SequenceGaps.WithLabelValues(string(marketKind), symbol).Inc()
}

// IncReconnect records one WebSocket reconnect attempt with its reason.
func (m *Metrics) IncReconnect(marketKind model.MarketKind, symbol, reason string) {
	m.ReconnectsTotal.WithLabelValues(string(marketKind), symbol, reason).Inc()
}

// ObserveParseUs records one aggTrade JSON parse duration.
func (m *Metrics) ObserveParseUs(marketKind model.MarketKind, symbol string, us float64) {
	m.ParseLatencyUs.WithLabelValues(string(marketKind), symbol).Observe(us)
}

// ObserveApplyUs records one ConflatedState.ApplyTrade duration.
func (m *Metrics) ObserveApplyUs(marketKind model.MarketKind, symbol string, us float64) {
	m.ApplyLatencyUs.WithLabelValues(string(marketKind), symbol).Observe(us)
}

// ObservePipelineMs records one local-pipeline-latency sample.
func (m *Metrics) ObservePipelineMs(marketKind model.MarketKind, symbol string, ms float64) {
	m.PipelineLatencyMs.WithLabelValues(string(marketKind), symbol).Observe(ms)
}

// SetConnectionState sets the gauge for state to 1 and every other known
// state for this market_kind/symbol pair to 0.
func (m *Metrics) SetConnectionState(marketKind model.MarketKind, symbol string, state model.ConnectionState) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.ConnectionState.WithLabelValues(string(marketKind), symbol, string(s)).Set(v)
	}
}

// SetClockOffsetMs records the latest EWMA-smoothed clock offset sample.
func (m *Metrics) SetClockOffsetMs(marketKind model.MarketKind, symbol string, offsetMs float64) {
	m.ClockOffsetMs.WithLabelValues(string(marketKind), symbol).Set(offsetMs)
}

// Start serves /metrics and /healthz on addr until Stop is called.
func (m *Metrics) Start(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	m.server = &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return nil
}

func (m *Metrics) Stop() error {
	if m.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.server.Shutdown(ctx)
}
