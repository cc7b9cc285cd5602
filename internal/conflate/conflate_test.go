package conflate

import (
	"testing"

	"github.com/quantumcastro/marketstream/internal/model"
)

// TestApplyTradeHappyPath reproduces spec §8 scenario 1: three trades at
// ids 100,101,102 within one minute bucket, m=false,true,false.
func TestApplyTradeHappyPath(t *testing.T) {
	s := New(model.Timeframe1m)

	trades := []model.AggTrade{
		{AggregateID: 100, Price: 100.0, Quantity: 2, BuyerIsMaker: false, TradeTimeMs: 0},
		{AggregateID: 101, Price: 101.0, Quantity: 1, BuyerIsMaker: true, TradeTimeMs: 1000},
		{AggregateID: 102, Price: 100.5, Quantity: 1, BuyerIsMaker: false, TradeTimeMs: 2000},
	}
	for _, tr := range trades {
		s.ApplyTrade(tr)
	}

	snap := s.SnapshotForEmit()
	if !snap.WasDirty {
		t.Fatal("expected dirty state after three trades")
	}

	wantCandle := model.Candle{T: 0, O: 100.0, H: 101.0, L: 100.0, C: 100.5, V: 4}
	if snap.Candle == nil || *snap.Candle != wantCandle {
		t.Errorf("candle = %+v, want %+v", snap.Candle, wantCandle)
	}

	// signed deltas: +2 (buy), -1 (sell), +1 (buy) -> running sum
	// 2, 1, 2. o is the first delta (+2), c is the final running sum
	// (+2), h is the running-sum max (+2), l is the running-sum min (+1).
	wantDelta := model.DeltaCandle{T: 0, O: 2, H: 2, L: 1, C: 2, V: 4}
	if snap.DeltaCandle == nil || *snap.DeltaCandle != wantDelta {
		t.Errorf("deltaCandle = %+v, want %+v", snap.DeltaCandle, wantDelta)
	}

	if snap.LastTick == nil || snap.LastTick.P != 100.5 {
		t.Errorf("lastTick = %+v, want price 100.5", snap.LastTick)
	}
}

// TestApplyTradeCandleInvariant checks spec §8's universal candle
// invariant across a run of trades with mixed direction price moves.
func TestApplyTradeCandleInvariant(t *testing.T) {
	s := New(model.Timeframe1m)
	prices := []float64{100, 105, 95, 102, 90, 110}
	for i, p := range prices {
		s.ApplyTrade(model.AggTrade{AggregateID: uint64(i + 1), Price: p, Quantity: 1, TradeTimeMs: 0})
	}
	snap := s.SnapshotForEmit()
	c := snap.Candle
	if c == nil {
		t.Fatal("expected a candle")
	}
	if !(c.L <= min(c.O, c.C) && max(c.O, c.C) <= c.H) {
		t.Errorf("candle invariant violated: %+v", c)
	}
	if c.V < 0 {
		t.Errorf("candle volume must be non-negative, got %v", c.V)
	}
}

// TestApplyTradeBucketRollover exercises spec §8's bucket-rollover
// boundary: two trades straddling a minute boundary produce two
// distinct bucket times exactly 60_000ms apart.
func TestApplyTradeBucketRollover(t *testing.T) {
	s := New(model.Timeframe1m)
	s.ApplyTrade(model.AggTrade{AggregateID: 1, Price: 100, Quantity: 1, TradeTimeMs: 59_999})
	first := s.SnapshotForEmit()
	if first.Candle == nil || first.Candle.T != 0 {
		t.Fatalf("first bucket = %+v, want t=0", first.Candle)
	}

	s.ApplyTrade(model.AggTrade{AggregateID: 2, Price: 101, Quantity: 1, TradeTimeMs: 60_001})
	second := s.SnapshotForEmit()
	if second.Candle == nil || second.Candle.T != 60_000 {
		t.Fatalf("second bucket = %+v, want t=60000", second.Candle)
	}
}

// TestSnapshotForEmitClearsDirty verifies spec invariant 4: a second
// snapshot with no intervening trade reports wasDirty=false while
// still returning the last-known candle (bucket repeats, not skipped).
func TestSnapshotForEmitClearsDirty(t *testing.T) {
	s := New(model.Timeframe1m)
	s.ApplyTrade(model.AggTrade{AggregateID: 1, Price: 100, Quantity: 1, TradeTimeMs: 0})

	first := s.SnapshotForEmit()
	if !first.WasDirty {
		t.Fatal("expected dirty on first snapshot")
	}

	second := s.SnapshotForEmit()
	if second.WasDirty {
		t.Fatal("expected clean snapshot with no new trade")
	}
	if second.Candle == nil || second.Candle.T != first.Candle.T {
		t.Error("candle should persist across a non-dirty snapshot")
	}
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
