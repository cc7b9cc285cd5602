// Package model holds the data shapes shared across the streaming pipeline:
// market/timeframe enums, the wire-level trade record, the candle and
// delta-candle aggregates, and the session/progress records the control
// plane hands back to callers.
package model

import "fmt"

// MarketKind selects the exchange endpoint family a Session talks to.
type MarketKind string

const (
	MarketSpot        MarketKind = "spot"
	MarketFuturesUsdm MarketKind = "futures_usdm"
)

func (m MarketKind) Valid() bool {
	return m == MarketSpot || m == MarketFuturesUsdm
}

// Timeframe is the OHLCV bucket width.
type Timeframe string

const (
	Timeframe1m Timeframe = "1m"
	Timeframe5m Timeframe = "5m"
	Timeframe1h Timeframe = "1h"
	Timeframe4h Timeframe = "4h"
	Timeframe1d Timeframe = "1d"
	Timeframe1w Timeframe = "1w"
	Timeframe1M Timeframe = "1M"
)

var bucketSeconds = map[Timeframe]int64{
	Timeframe1m: 60,
	Timeframe5m: 300,
	Timeframe1h: 3600,
	Timeframe4h: 14400,
	Timeframe1d: 86400,
	Timeframe1w: 604800,
	Timeframe1M: 2_592_000, // nominal 30-day month, not calendar-aligned; see DESIGN.md
}

// BucketSeconds returns the bucket width in seconds for tf, or 0 if tf is
// not a recognized timeframe.
func BucketSeconds(tf Timeframe) int64 {
	return bucketSeconds[tf]
}

func (tf Timeframe) Valid() bool {
	_, ok := bucketSeconds[tf]
	return ok
}

// StartupMode governs whether the live WebSocket or the historical REST
// load gates first emission.
type StartupMode string

const (
	StartupLiveFirst    StartupMode = "live_first"
	StartupHistoryFirst StartupMode = "history_first"
)

func (s StartupMode) Valid() bool {
	return s == StartupLiveFirst || s == StartupHistoryFirst
}

// ConnectionState is the Producer's connection state machine (§4.9).
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateLive         ConnectionState = "live"
	StateDesynced     ConnectionState = "desynced"
	StateReconnecting ConnectionState = "reconnecting"
	StateStopped      ConnectionState = "stopped"
	StateError        ConnectionState = "error"
)

// AggTrade is the inbound aggregated-trade record, parsed in place from
// the exchange's `aggTrade` WebSocket frame.
type AggTrade struct {
	AggregateID   uint64
	Price         float64
	Quantity      float64
	BuyerIsMaker  bool
	TradeTimeMs   int64
	EventTimeMs   int64
}

// Direction maps the aggressor side to the UI's signed convention:
// -1 the buyer was the maker (seller aggressed), +1 the opposite, 0 is
// reserved for synthetic ticks with no direction.
func (t AggTrade) Direction() int {
	if t.BuyerIsMaker {
		return -1
	}
	return 1
}

// Notional is price*quantity, the USDT-equivalent size of the trade.
func (t AggTrade) Notional() float64 {
	return t.Price * t.Quantity
}

// Candle is an OHLCV tuple for one bucket. Invariant:
// l <= min(o,c) <= max(o,c) <= h and v >= 0.
type Candle struct {
	T int64 // bucket open, epoch ms
	O float64
	H float64
	L float64
	C float64
	V float64
}

// DeltaCandle mirrors Candle's shape but every field is a signed running
// net-delta: +quantity per aggressive-buy trade, -quantity per
// aggressive-sell trade. H/L are running-sum extremes (not per-trade
// extremes), V is the unsigned sum of traded quantity.
type DeltaCandle struct {
	T int64
	O float64
	H float64
	L float64
	C float64
	V float64
}

// UiTick is the minimal per-trade payload emitted only when legacy
// per-tick emission is enabled.
type UiTick struct {
	T int64 // trade time, ms
	P float64
	V float64
	D int
}

// HistoryLoadProgress reports paginated-history loading progress.
type HistoryLoadProgress struct {
	MarketKind           MarketKind
	Symbol               string
	Timeframe            Timeframe
	PagesFetched         int
	CandlesFetched       int
	EstimatedTotalCandles *int
	ProgressPct          *float64
	Done                 bool
}

// Session is the Controller-owned record of the current request.
type Session struct {
	MarketKind          MarketKind
	Symbol              string
	Timeframe           Timeframe
	EmitIntervalMs      int
	MinNotionalUsdt      float64
	StartupMode         StartupMode
	ClockSyncIntervalMs int
	HistoryLimit        int
	HistoryAll          bool
	MockMode            bool
	EmitLegacyPriceEvent  bool
	EmitLegacyFrameEvents bool
	PerfTelemetry       bool
}

// Key identifies a Session for the "same params, refresh flags in place"
// comparison the Controller makes on start.
func (s Session) Key() string {
	return fmt.Sprintf("%s:%s:%s", s.MarketKind, s.Symbol, s.Timeframe)
}

// StatusSnapshot is the result of the status control-plane operation.
type StatusSnapshot struct {
	State                   ConnectionState
	MarketKind              MarketKind
	Symbol                  string
	Timeframe               Timeframe
	LastAggID               uint64
	LatencyMs               *float64
	RawExchangeLatencyMs    *float64
	ClockOffsetMs           *float64
	AdjustedNetworkLatencyMs *float64
	LocalPipelineLatencyMs  *float64
	Reason                  string
}
