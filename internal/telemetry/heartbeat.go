package telemetry

import (
	"context"
	"time"

	"github.com/quantumcastro/marketstream/internal/model"
)

// StatusPublisher is the narrow sink surface the heartbeat task needs:
// one outbound market_status event per call.
type StatusPublisher interface {
	PublishStatus(model.StatusSnapshot)
}

// PerfPublisher is the narrow sink surface the perf task needs.
type PerfPublisher interface {
	PublishPerf(snap PerfSnapshot, marketKind model.MarketKind, symbol string, timeframe model.Timeframe)
}

// Heartbeat emits a market_status event at least once per heartbeat
// interval, satisfying spec invariant 5.
type Heartbeat struct {
	telemetry *Telemetry
	publisher StatusPublisher

	marketKind model.MarketKind
	symbol     string
	timeframe  model.Timeframe
	interval   time.Duration
}

func NewHeartbeat(t *Telemetry, p StatusPublisher, marketKind model.MarketKind, symbol string, tf model.Timeframe) *Heartbeat {
	return &Heartbeat{
		telemetry:  t,
		publisher:  p,
		marketKind: marketKind,
		symbol:     symbol,
		timeframe:  tf,
		interval:   time.Second,
	}
}

// Run emits one market_status per tick until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.emit()
		}
	}
}

func (h *Heartbeat) emit() {
	state := h.telemetry.ConnectionState()
	reason := h.telemetry.Reason()

	snap := model.StatusSnapshot{
		State:      state,
		MarketKind: h.marketKind,
		Symbol:     h.symbol,
		Timeframe:  h.timeframe,
		LastAggID:  h.telemetry.LastAggID(),
		Reason:     reason,
	}

	raw := h.telemetry.RawExchangeLatencyMs()
	snap.RawExchangeLatencyMs = &raw

	if offset, ok := h.telemetry.ClockOffsetMs(); ok {
		snap.ClockOffsetMs = &offset
		adjusted := h.telemetry.AdjustedNetworkLatencyMs()
		snap.AdjustedNetworkLatencyMs = &adjusted
		snap.LatencyMs = &adjusted
	} else {
		snap.LatencyMs = &raw
	}

	local := h.telemetry.LocalPipelineLatencyMs()
	snap.LocalPipelineLatencyMs = &local

	h.publisher.PublishStatus(snap)
}

// ReasonThrottle collapses repeated identical non-live status reasons
// emitted within a 2s window into a single emission (spec §4.8). It is
// used on the ad-hoc emission path Producer drives on state
// transitions, not on Heartbeat.Run's unconditional per-tick emission.
type ReasonThrottle struct {
	window       time.Duration
	lastReason   string
	lastEmitAt   time.Time
	haveEmitted  bool
}

func NewReasonThrottle() *ReasonThrottle {
	return &ReasonThrottle{window: 2 * time.Second}
}

// Allow reports whether a transition carrying reason should be emitted
// now. The live state (reason == "") always passes through so a
// recovery is never swallowed by the window.
func (r *ReasonThrottle) Allow(reason string) bool {
	now := time.Now()
	if reason == "" {
		r.lastReason = reason
		r.lastEmitAt = now
		r.haveEmitted = true
		return true
	}
	if r.haveEmitted && reason == r.lastReason && now.Sub(r.lastEmitAt) < r.window {
		return false
	}
	r.lastReason = reason
	r.lastEmitAt = now
	r.haveEmitted = true
	return true
}

// PerfTask emits a market_perf event every 5s while enabled, per spec
// §4.8's opt-in perf snapshot.
type PerfTask struct {
	telemetry *Telemetry
	publisher PerfPublisher

	marketKind model.MarketKind
	symbol     string
	timeframe  model.Timeframe
	interval   time.Duration
}

func NewPerfTask(t *Telemetry, p PerfPublisher, marketKind model.MarketKind, symbol string, tf model.Timeframe) *PerfTask {
	return &PerfTask{
		telemetry:  t,
		publisher:  p,
		marketKind: marketKind,
		symbol:     symbol,
		timeframe:  tf,
		interval:   5 * time.Second,
	}
}

func (p *PerfTask) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := p.telemetry.Snapshot()
			p.publisher.PublishPerf(snap, p.marketKind, p.symbol, p.timeframe)
		}
	}
}
