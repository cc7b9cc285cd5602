// Package consume implements Consumer, the fixed-interval emission
// task described by spec §4.5. It is the Consumer side of
// ConflatedState: read-only, runs on its own ticker, and never blocks
// on the sink.
package consume

import (
	"context"
	"time"

	"github.com/quantumcastro/marketstream/internal/conflate"
	"github.com/quantumcastro/marketstream/internal/model"
	"github.com/quantumcastro/marketstream/internal/sink"
	"github.com/quantumcastro/marketstream/internal/telemetry"
)

// Consumer emits one combined frame per tick when ConflatedState is
// dirty, plus optional legacy per-channel events.
type Consumer struct {
	state   *conflate.State
	tel     *telemetry.Telemetry
	sink    sink.EventSink
	metrics *telemetry.Metrics // optional

	marketKind model.MarketKind
	symbol     string

	interval              time.Duration
	emitLegacyPriceEvent  bool
	emitLegacyFrameEvents bool
}

// New builds a Consumer. emitIntervalMs must already be clamped to
// 8..1000 by the caller (Controller applies spec §4.1's defaults).
// metrics may be nil.
func New(state *conflate.State, tel *telemetry.Telemetry, s sink.EventSink, metrics *telemetry.Metrics, marketKind model.MarketKind, symbol string, emitIntervalMs int, emitLegacyPriceEvent, emitLegacyFrameEvents bool) *Consumer {
	return &Consumer{
		state:                 state,
		tel:                   tel,
		sink:                  s,
		metrics:               metrics,
		marketKind:            marketKind,
		symbol:                symbol,
		interval:              time.Duration(emitIntervalMs) * time.Millisecond,
		emitLegacyPriceEvent:  emitLegacyPriceEvent,
		emitLegacyFrameEvents: emitLegacyFrameEvents,
	}
}

// Run ticks at a fixed interval until ctx is cancelled. Per spec §4.5,
// drift is absorbed by skipping missed ticks, never by coalescing;
// time.Ticker already has this property (it drops ticks the receiver
// didn't keep up with).
func (c *Consumer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.emit()
		}
	}
}

func (c *Consumer) emit() {
	snap := c.state.SnapshotForEmit()
	if !snap.WasDirty {
		return
	}

	frame := sink.Frame{
		Tick:                   snap.LastTick,
		Candle:                 snap.Candle,
		DeltaCandle:            snap.DeltaCandle,
		LocalPipelineLatencyMs: c.tel.LocalPipelineLatencyMs(),
	}
	c.sink.PublishFrame(frame)
	c.tel.IncEmit()
	if c.metrics != nil {
		c.metrics.IncFramesEmitted(c.marketKind, c.symbol)
	}

	if c.emitLegacyPriceEvent && snap.LastTick != nil {
		c.sink.PublishPriceUpdate(*snap.LastTick)
	}
	if c.emitLegacyFrameEvents {
		if snap.Candle != nil {
			c.sink.PublishCandleUpdate(*snap.Candle)
		}
		if snap.DeltaCandle != nil {
			c.sink.PublishDeltaCandleUpdate(*snap.DeltaCandle)
		}
	}
}
