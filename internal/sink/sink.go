// Package sink defines the EventSink surface Consumer, Heartbeat, and
// HistoryLoader publish through, plus two concrete implementations: a
// Redis pub/sub sink adapted from pulseintel's internal/publisher
// (internal/publisher/redis.go) and a local WebSocket broadcaster
// adapted from pkg/broadcaster/broadcaster.go. Either stands in for
// spec §5's "bounded channel with the consumer side owned by the
// shell."
package sink

import (
	"github.com/quantumcastro/marketstream/internal/model"
	"github.com/quantumcastro/marketstream/internal/telemetry"
)

// Frame is the combined market_frame_update payload (spec §6).
type Frame struct {
	Tick                   *model.UiTick
	Candle                 *model.Candle
	DeltaCandle            *model.DeltaCandle
	LocalPipelineLatencyMs float64
}

// Bootstrap is the candles_bootstrap/delta_candles_bootstrap payload.
type Bootstrap struct {
	MarketKind model.MarketKind
	Symbol     string
	Timeframe  model.Timeframe
	Candles    []model.Candle
}

// EventSink is the outbound surface the pipeline publishes through. It
// must never block the Producer: implementations drop and count on a
// full buffer rather than apply backpressure to the hot path.
type EventSink interface {
	PublishStatus(model.StatusSnapshot)
	PublishPerf(snap telemetry.PerfSnapshot, marketKind model.MarketKind, symbol string, timeframe model.Timeframe)
	PublishFrame(Frame)
	PublishCandlesBootstrap(Bootstrap)
	PublishDeltaCandlesBootstrap(Bootstrap)
	PublishHistoryProgress(model.HistoryLoadProgress)

	// Legacy opt-in per-channel events (spec §4.5 step 4).
	PublishPriceUpdate(model.UiTick)
	PublishCandleUpdate(model.Candle)
	PublishDeltaCandleUpdate(model.DeltaCandle)
}
