package telemetry

import (
	"testing"
	"time"

	"github.com/quantumcastro/marketstream/internal/model"
)

func TestReasonThrottleCollapsesRepeatedReasonWithinWindow(t *testing.T) {
	r := NewReasonThrottle()
	if !r.Allow("dial failed: timeout") {
		t.Fatal("first occurrence of a reason must always be allowed")
	}
	if r.Allow("dial failed: timeout") {
		t.Error("an identical reason repeated within the window must be collapsed")
	}
}

func TestReasonThrottleAllowsDifferentReasonImmediately(t *testing.T) {
	r := NewReasonThrottle()
	r.Allow("dial failed: timeout")
	if !r.Allow("read error: eof") {
		t.Error("a different reason must not be throttled by the previous one's window")
	}
}

func TestReasonThrottleAlwaysAllowsLiveState(t *testing.T) {
	r := NewReasonThrottle()
	r.Allow("dial failed: timeout")
	r.Allow("dial failed: timeout")
	if !r.Allow("") {
		t.Error("an empty (live) reason must never be throttled")
	}
	if !r.Allow("") {
		t.Error("repeated live-state transitions must never be throttled")
	}
}

func TestReasonThrottleAllowsAfterWindowElapses(t *testing.T) {
	r := NewReasonThrottle()
	r.window = 5 * time.Millisecond
	r.Allow("dial failed: timeout")
	time.Sleep(10 * time.Millisecond)
	if !r.Allow("dial failed: timeout") {
		t.Error("an identical reason must be allowed again once the window elapses")
	}
}

type recordingStatusPublisher struct {
	snapshots []model.StatusSnapshot
}

func (r *recordingStatusPublisher) PublishStatus(s model.StatusSnapshot) {
	r.snapshots = append(r.snapshots, s)
}

func TestHeartbeatEmitIncludesTelemetryReason(t *testing.T) {
	tel := New()
	tel.SetReason("sequence_gap")

	pub := &recordingStatusPublisher{}
	hb := NewHeartbeat(tel, pub, model.MarketSpot, "BTCUSDT", model.Timeframe1m)
	hb.emit()

	if len(pub.snapshots) != 1 {
		t.Fatalf("expected 1 published snapshot, got %d", len(pub.snapshots))
	}
	if pub.snapshots[0].Reason != "sequence_gap" {
		t.Errorf("snapshot.Reason = %q, want sequence_gap", pub.snapshots[0].Reason)
	}
}

func TestHeartbeatEmitAlwaysFiresRegardlessOfThrottle(t *testing.T) {
	tel := New()
	tel.SetReason("dial failed: timeout")

	pub := &recordingStatusPublisher{}
	hb := NewHeartbeat(tel, pub, model.MarketSpot, "BTCUSDT", model.Timeframe1m)
	hb.emit()
	hb.emit()
	hb.emit()

	if len(pub.snapshots) != 3 {
		t.Errorf("expected 3 unconditional heartbeat emissions, got %d", len(pub.snapshots))
	}
}
