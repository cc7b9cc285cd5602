// Package telemetry holds the atomics, ring buffers, and periodic
// emission tasks described in spec §4.8. Telemetry fields are kept out
// of ConflatedState's mutex deliberately: Consumer and the heartbeat
// task read them on every tick/second and must never contend with the
// Producer's hot-path mutex.
package telemetry

import (
	"math"
	"sync/atomic"

	"github.com/quantumcastro/marketstream/internal/model"
	"github.com/quantumcastro/marketstream/internal/ringbuffer"
)

const ringCapacity = 1024

// Telemetry is shared by Producer (writer), Consumer/Heartbeat (readers),
// and the perf-snapshot task. All fields are either atomics or
// single-producer ring buffers; nothing here is guarded by a mutex.
type Telemetry struct {
	lastAggID      uint64
	connState      atomic.Value // model.ConnectionState
	lastReason     atomic.Value // string
	rawLatencyBits uint64       // math.Float64bits(rawExchangeLatencyMs)
	clockOffsetBits uint64
	localPipelineBits   uint64
	hasClockOffset      uint32 // 0/1, guards ClockOffsetMs being "unset"

	ingestCount   uint64
	emitCount     uint64
	framesDropped uint64

	ParseUs          *ringbuffer.Buffer
	ApplyUs          *ringbuffer.Buffer
	LocalPipelineMs  *ringbuffer.Buffer
}

func New() *Telemetry {
	t := &Telemetry{
		ParseUs:         ringbuffer.New(ringCapacity),
		ApplyUs:         ringbuffer.New(ringCapacity),
		LocalPipelineMs: ringbuffer.New(ringCapacity),
	}
	t.connState.Store(model.StateStopped)
	t.lastReason.Store("")
	return t
}

func (t *Telemetry) SetConnectionState(s model.ConnectionState) { t.connState.Store(s) }
func (t *Telemetry) ConnectionState() model.ConnectionState      { return t.connState.Load().(model.ConnectionState) }

// SetReason records the human-readable reason for the most recent state
// transition; Heartbeat.Run includes it in every per-tick emission.
func (t *Telemetry) SetReason(reason string) { t.lastReason.Store(reason) }
func (t *Telemetry) Reason() string          { return t.lastReason.Load().(string) }

func (t *Telemetry) SetLastAggID(id uint64) { atomic.StoreUint64(&t.lastAggID, id) }
func (t *Telemetry) LastAggID() uint64       { return atomic.LoadUint64(&t.lastAggID) }

func (t *Telemetry) SetRawExchangeLatencyMs(v float64) {
	atomic.StoreUint64(&t.rawLatencyBits, math.Float64bits(v))
}
func (t *Telemetry) RawExchangeLatencyMs() float64 {
	return math.Float64frombits(atomic.LoadUint64(&t.rawLatencyBits))
}

func (t *Telemetry) SetClockOffsetMs(v float64) {
	atomic.StoreUint64(&t.clockOffsetBits, math.Float64bits(v))
	atomic.StoreUint32(&t.hasClockOffset, 1)
}
func (t *Telemetry) ClockOffsetMs() (float64, bool) {
	if atomic.LoadUint32(&t.hasClockOffset) == 0 {
		return 0, false
	}
	return math.Float64frombits(atomic.LoadUint64(&t.clockOffsetBits)), true
}

// AdjustedNetworkLatencyMs derives raw_exchange_latency_ms -
// clock_offset_ms, clamped to [0, +inf) per spec §4.7. It has no
// backing atomic of its own: clock offset and raw latency already are
// atomics, so this is computed fresh on every read.
func (t *Telemetry) AdjustedNetworkLatencyMs() float64 {
	offset, ok := t.ClockOffsetMs()
	if !ok {
		return t.RawExchangeLatencyMs()
	}
	adjusted := t.RawExchangeLatencyMs() - offset
	if adjusted < 0 {
		return 0
	}
	return adjusted
}

func (t *Telemetry) SetLocalPipelineLatencyMs(v float64) {
	atomic.StoreUint64(&t.localPipelineBits, math.Float64bits(v))
}
func (t *Telemetry) LocalPipelineLatencyMs() float64 {
	return math.Float64frombits(atomic.LoadUint64(&t.localPipelineBits))
}

func (t *Telemetry) IncIngest()       { atomic.AddUint64(&t.ingestCount, 1) }
func (t *Telemetry) IncEmit()         { atomic.AddUint64(&t.emitCount, 1) }
func (t *Telemetry) IncFramesDropped() { atomic.AddUint64(&t.framesDropped, 1) }

func (t *Telemetry) IngestCount() uint64   { return atomic.LoadUint64(&t.ingestCount) }
func (t *Telemetry) EmitCount() uint64     { return atomic.LoadUint64(&t.emitCount) }
func (t *Telemetry) FramesDropped() uint64 { return atomic.LoadUint64(&t.framesDropped) }

// PerfSnapshot is the payload of an opt-in market_perf event.
type PerfSnapshot struct {
	ParseUsP50, ParseUsP95, ParseUsP99             float64
	ApplyUsP50, ApplyUsP95, ApplyUsP99             float64
	LocalPipelineMsP50, LocalPipelineMsP95, LocalPipelineMsP99 float64
	IngestCount uint64
	EmitCount   uint64
}

// Snapshot computes p50/p95/p99 across all three ring buffers by
// sorting a local copy, then resets the buffers and the
// ingest/emit counters so the next snapshot reflects only the
// interval since this call, as spec §4.8 requires.
func (t *Telemetry) Snapshot() PerfSnapshot {
	parse := t.ParseUs.Snapshot()
	apply := t.ApplyUs.Snapshot()
	local := t.LocalPipelineMs.Snapshot()

	var s PerfSnapshot
	s.ParseUsP50, s.ParseUsP95, s.ParseUsP99 = ringbuffer.Percentiles(parse)
	s.ApplyUsP50, s.ApplyUsP95, s.ApplyUsP99 = ringbuffer.Percentiles(apply)
	s.LocalPipelineMsP50, s.LocalPipelineMsP95, s.LocalPipelineMsP99 = ringbuffer.Percentiles(local)
	s.IngestCount = t.IngestCount()
	s.EmitCount = t.EmitCount()

	t.ParseUs.Reset()
	t.ApplyUs.Reset()
	t.LocalPipelineMs.Reset()
	atomic.StoreUint64(&t.ingestCount, 0)
	atomic.StoreUint64(&t.emitCount, 0)

	return s
}
