package sink

import (
	"testing"
	"time"
)

func TestSymbolChannelFormat(t *testing.T) {
	got := symbolChannel("spot", "BTCUSDT", "market_status")
	want := "marketstream:spot:BTCUSDT:market_status"
	if got != want {
		t.Errorf("symbolChannel() = %q, want %q", got, want)
	}
}

func TestAllowCapsAtMaxPerSecond(t *testing.T) {
	s := &RedisSink{maxPerSecond: 3, windowStart: time.Now()}
	for i := 0; i < 3; i++ {
		if !s.allow() {
			t.Fatalf("allow() call %d should succeed within the per-second budget", i)
		}
	}
	if s.allow() {
		t.Error("allow() should reject once maxPerSecond is exhausted within the window")
	}
}
