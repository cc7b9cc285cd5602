package control

import (
	"testing"

	"go.uber.org/zap"

	"github.com/quantumcastro/marketstream/internal/model"
)

func ptrInt(v int) *int { return &v }

func TestRealizeDefaults(t *testing.T) {
	s, err := realize(StartArgs{})
	if err != nil {
		t.Fatalf("realize(empty) returned error: %v", err)
	}
	if s.MarketKind != model.MarketSpot {
		t.Errorf("default marketKind = %q, want spot", s.MarketKind)
	}
	if s.Symbol != "BTCUSDT" {
		t.Errorf("default symbol = %q, want BTCUSDT", s.Symbol)
	}
	if s.Timeframe != model.Timeframe1m {
		t.Errorf("default timeframe = %q, want 1m", s.Timeframe)
	}
	if s.MinNotionalUsdt != defaultMinNotionalUsdt {
		t.Errorf("default minNotionalUsdt = %v, want %v", s.MinNotionalUsdt, defaultMinNotionalUsdt)
	}
	if s.EmitIntervalMs != defaultEmitIntervalMs {
		t.Errorf("default emitIntervalMs = %v, want %v", s.EmitIntervalMs, defaultEmitIntervalMs)
	}
	if s.StartupMode != model.StartupLiveFirst {
		t.Errorf("default startupMode = %q, want live_first", s.StartupMode)
	}
}

func TestRealizeClampsEmitInterval(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{0, defaultEmitIntervalMs}, // zero means "unset" -> default
		{1, minEmitIntervalMs},
		{8, 8},
		{500, 500},
		{5000, maxEmitIntervalMs},
	}
	for _, c := range cases {
		args := StartArgs{EmitIntervalMs: ptrInt(c.in)}
		s, err := realize(args)
		if err != nil {
			t.Fatalf("realize(%d) error: %v", c.in, err)
		}
		if s.EmitIntervalMs != c.want {
			t.Errorf("realize(emitIntervalMs=%d).EmitIntervalMs = %d, want %d", c.in, s.EmitIntervalMs, c.want)
		}
	}
}

func TestRealizeClampsClockSyncInterval(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{1000, minClockSyncIntervalMs},
		{5000, 5000},
		{1_000_000, maxClockSyncIntervalMs},
	}
	for _, c := range cases {
		s, err := realize(StartArgs{ClockSyncIntervalMs: ptrInt(c.in)})
		if err != nil {
			t.Fatalf("realize error: %v", err)
		}
		if s.ClockSyncIntervalMs != c.want {
			t.Errorf("clockSyncIntervalMs %d -> %d, want %d", c.in, s.ClockSyncIntervalMs, c.want)
		}
	}
}

func TestRealizeClampsHistoryLimit(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{0, defaultHistoryLimit},
		{-5, minHistoryLimit},
		{3_000_000, maxHistoryLimit},
	}
	for _, c := range cases {
		s, err := realize(StartArgs{HistoryLimit: ptrInt(c.in)})
		if err != nil {
			t.Fatalf("realize error: %v", err)
		}
		if s.HistoryLimit != c.want {
			t.Errorf("historyLimit %d -> %d, want %d", c.in, s.HistoryLimit, c.want)
		}
	}
}

func TestRealizeRejectsInvalidArgs(t *testing.T) {
	badKind := model.MarketKind("dex")
	if _, err := realize(StartArgs{MarketKind: &badKind}); err == nil {
		t.Error("expected error for unrecognized marketKind")
	}

	emptySymbol := ""
	if _, err := realize(StartArgs{Symbol: &emptySymbol}); err == nil {
		t.Error("expected error for empty symbol")
	}

	badTf := model.Timeframe("2m")
	if _, err := realize(StartArgs{Timeframe: &badTf}); err == nil {
		t.Error("expected error for unrecognized timeframe")
	}

	negNotional := -1.0
	if _, err := realize(StartArgs{MinNotionalUsdt: &negNotional}); err == nil {
		t.Error("expected error for negative minNotionalUsdt")
	}
}

func TestStopIdempotentWithNoSession(t *testing.T) {
	c := New(zap.NewNop(), nil, nil)
	if stopped := c.Stop(); !stopped {
		t.Error("Stop() on a controller with no session must still return true")
	}
	if stopped := c.Stop(); !stopped {
		t.Error("second Stop() call must also return true")
	}
}

func TestStatusDefaultsToStoppedWithNoSession(t *testing.T) {
	c := New(zap.NewNop(), nil, nil)
	snap := c.Status()
	if snap.State != model.StateStopped {
		t.Errorf("Status().State = %q, want stopped", snap.State)
	}
}
