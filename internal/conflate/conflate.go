// Package conflate holds ConflatedState, the single mutex-guarded
// rendezvous between Producer and Consumer (spec §4.4). Its bucket
// rollover arithmetic is adapted from pulseintel's CandleBuilder, which
// tracked open/high/low/close/volume per symbol:timeframe key; here
// there is exactly one candle and one delta-candle in flight per
// session, so the map-of-builders collapses to two plain fields
// guarded by one mutex.
package conflate

import (
	"sync"

	"github.com/quantumcastro/marketstream/internal/model"
)

// State is the fast-mutex rendezvous described by spec §4.4. The
// critical section touched by apply_trade and snapshot_for_emit must
// never perform I/O or allocate beyond what field assignment implies.
type State struct {
	mu sync.Mutex

	bucketMs int64

	haveCandle bool
	candle     model.Candle

	haveDelta   bool
	deltaCandle model.DeltaCandle

	haveTick bool
	lastTick model.UiTick

	dirty bool
}

// New creates a State for the given timeframe's bucket width.
func New(tf model.Timeframe) *State {
	return &State{bucketMs: model.BucketSeconds(tf) * 1000}
}

// Snapshot is the value Consumer reads once per emission tick.
type Snapshot struct {
	Candle      *model.Candle
	DeltaCandle *model.DeltaCandle
	LastTick    *model.UiTick
	WasDirty    bool
}

// ApplyTrade folds one already-filtered trade into the in-flight
// candle and delta-candle, rolling over to a new bucket when the
// trade's bucket differs from the current one. Producer-only.
func (s *State) ApplyTrade(trade model.AggTrade) {
	t := bucketFloor(trade.TradeTimeMs, s.bucketMs)
	signedQ := trade.Quantity
	if trade.BuyerIsMaker {
		signedQ = -trade.Quantity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.haveCandle || s.candle.T != t {
		s.candle = model.Candle{T: t, O: trade.Price, H: trade.Price, L: trade.Price, C: trade.Price, V: trade.Quantity}
		s.haveCandle = true
	} else {
		if trade.Price > s.candle.H {
			s.candle.H = trade.Price
		}
		if trade.Price < s.candle.L {
			s.candle.L = trade.Price
		}
		s.candle.C = trade.Price
		s.candle.V += trade.Quantity
	}

	if !s.haveDelta || s.deltaCandle.T != t {
		s.deltaCandle = model.DeltaCandle{T: t, O: signedQ, H: signedQ, L: signedQ, C: signedQ, V: trade.Quantity}
		s.haveDelta = true
	} else {
		s.deltaCandle.C += signedQ
		if s.deltaCandle.C > s.deltaCandle.H {
			s.deltaCandle.H = s.deltaCandle.C
		}
		if s.deltaCandle.C < s.deltaCandle.L {
			s.deltaCandle.L = s.deltaCandle.C
		}
		s.deltaCandle.V += trade.Quantity
	}

	s.lastTick = model.UiTick{T: trade.TradeTimeMs, P: trade.Price, V: trade.Quantity, D: trade.Direction()}
	s.haveTick = true
	s.dirty = true
}

// SnapshotForEmit reads the three fields and clears dirty. Consumer-only.
func (s *State) SnapshotForEmit() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out Snapshot
	out.WasDirty = s.dirty
	s.dirty = false

	if s.haveCandle {
		c := s.candle
		out.Candle = &c
	}
	if s.haveDelta {
		d := s.deltaCandle
		out.DeltaCandle = &d
	}
	if s.haveTick {
		tick := s.lastTick
		out.LastTick = &tick
	}
	return out
}

func bucketFloor(tradeTimeMs, bucketMs int64) int64 {
	if bucketMs <= 0 {
		return tradeTimeMs
	}
	return (tradeTimeMs / bucketMs) * bucketMs
}
