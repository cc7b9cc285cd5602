// Package control implements Controller, the pipeline lifecycle owner
// described by spec §4.1. Its task management is adapted from
// pulseintel's internal/supervisor package (see supervisor.go in this
// package): the same spawn/retry/join machinery, generalized from
// per-exchange connector workers to the cooperating tasks one
// market-stream session actually runs.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantumcastro/marketstream/internal/clocksync"
	"github.com/quantumcastro/marketstream/internal/conflate"
	"github.com/quantumcastro/marketstream/internal/consume"
	"github.com/quantumcastro/marketstream/internal/exchange"
	"github.com/quantumcastro/marketstream/internal/history"
	"github.com/quantumcastro/marketstream/internal/model"
	"github.com/quantumcastro/marketstream/internal/sink"
	"github.com/quantumcastro/marketstream/internal/stream"
	"github.com/quantumcastro/marketstream/internal/telemetry"
)

// StartArgs mirrors spec §6's start_market_stream option set. Nil
// pointers mean "use the default, or for an in-place refresh of an
// already-running session, keep the current value."
type StartArgs struct {
	MarketKind            *model.MarketKind
	Symbol                *string
	MinNotionalUsdt       *float64
	EmitIntervalMs        *int
	MockMode              *bool
	EmitLegacyPriceEvent  *bool
	EmitLegacyFrameEvents *bool
	PerfTelemetry         *bool
	ClockSyncIntervalMs   *int
	Timeframe             *model.Timeframe
	StartupMode           *model.StartupMode
	HistoryLimit          *int
	HistoryAll            *bool
}

// ErrInvalidArgs is returned when a start_market_stream constraint
// fails validation.
var ErrInvalidArgs = fmt.Errorf("control: invalid arguments")

// ErrAlreadyStarting is returned when start is called concurrently with
// another in-flight start.
var ErrAlreadyStarting = fmt.Errorf("control: start already in progress")

const (
	defaultMinNotionalUsdt     = 100.0
	defaultEmitIntervalMs      = 8
	minEmitIntervalMs          = 8
	maxEmitIntervalMs          = 1000
	defaultClockSyncIntervalMs = 30_000
	minClockSyncIntervalMs     = 5_000
	maxClockSyncIntervalMs     = 300_000
	defaultHistoryLimit        = 1000
	minHistoryLimit            = 1
	maxHistoryLimit            = 2_000_000
)

// Controller owns at most one live pipeline per process (spec
// invariant 1).
type Controller struct {
	log     *zap.Logger
	sink    sink.EventSink
	metrics *telemetry.Metrics // optional; nil disables Prometheus instrumentation

	mu               sync.Mutex
	starting         bool
	session          *model.Session
	producer         *stream.Producer
	supervisor       *supervisor
	supervisorCancel context.CancelFunc
	tel              *telemetry.Telemetry
	client           *exchange.Client
}

// New builds a Controller publishing every event through s. metrics may
// be nil to run without Prometheus instrumentation.
func New(log *zap.Logger, s sink.EventSink, metrics *telemetry.Metrics) *Controller {
	return &Controller{log: log, sink: s, metrics: metrics}
}

// Start realizes a session per spec §4.1/§4.2's defaults and clamps. If
// a pipeline is already running with the same (marketKind, symbol,
// timeframe), it refreshes flags in place instead of tearing down the
// WebSocket.
func (c *Controller) Start(args StartArgs) (model.Session, error) {
	c.mu.Lock()
	if c.starting {
		c.mu.Unlock()
		return model.Session{}, ErrAlreadyStarting
	}
	c.starting = true
	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	c.mu.Unlock()

	session, err := realize(args)
	if err != nil {
		return model.Session{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && c.session.Key() == session.Key() {
		c.refreshLocked(session)
		return *c.session, nil
	}

	c.stopLocked()

	client, err := exchange.New(session.MarketKind)
	if err != nil {
		return model.Session{}, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}

	state := conflate.New(session.Timeframe)
	tel := telemetry.New()
	sup := newSupervisor(c.log)

	producer := stream.New(client, state, tel, c.sink, c.metrics, c.log, session.MarketKind, session.Symbol, session.Timeframe, session.MinNotionalUsdt, session.MockMode)
	consumer := consume.New(state, tel, c.sink, c.metrics, session.MarketKind, session.Symbol, session.EmitIntervalMs, session.EmitLegacyPriceEvent, session.EmitLegacyFrameEvents)
	cs := clocksync.New(client, tel, c.metrics, c.log, session.MarketKind, session.Symbol, time.Duration(session.ClockSyncIntervalMs)*time.Millisecond)
	hb := telemetry.NewHeartbeat(tel, c.sink, session.MarketKind, session.Symbol, session.Timeframe)

	taskBackoff := taskConfig{InitialBackoff: 250 * time.Millisecond, MaxBackoff: 8 * time.Second, BackoffFactor: 2.0}

	sup.add(withName(taskBackoff, "producer"), func(ctx context.Context) error {
		producer.Run(ctx)
		return ctx.Err()
	})
	sup.add(withName(taskBackoff, "consumer"), func(ctx context.Context) error {
		consumer.Run(ctx)
		return ctx.Err()
	})
	sup.add(withName(taskBackoff, "clocksync"), func(ctx context.Context) error {
		cs.Run(ctx)
		return ctx.Err()
	})
	sup.add(withName(taskBackoff, "heartbeat"), func(ctx context.Context) error {
		hb.Run(ctx)
		return ctx.Err()
	})

	if session.PerfTelemetry {
		perf := telemetry.NewPerfTask(tel, c.sink, session.MarketKind, session.Symbol, session.Timeframe)
		sup.add(withName(taskBackoff, "perf"), func(ctx context.Context) error {
			perf.Run(ctx)
			return ctx.Err()
		})
	}

	loader := history.New(client, c.sink, c.log, session.MarketKind, session.Symbol, session.Timeframe)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	switch session.StartupMode {
	case model.StartupHistoryFirst:
		loader.Run(bgCtx, session.HistoryLimit, session.HistoryAll)
		sup.start(bgCtx)
	default:
		sup.start(bgCtx)
		go loader.Run(bgCtx, session.HistoryLimit, session.HistoryAll)
	}

	c.session = &session
	c.producer = producer
	c.supervisor = sup
	c.supervisorCancel = bgCancel
	c.tel = tel
	c.client = client

	return session, nil
}

func withName(cfg taskConfig, name string) taskConfig {
	cfg.Name = name
	return cfg
}

// realize fills defaults, applies clamps, and validates args per spec
// §4.1/§4.2. It always starts from the spec defaults; Controller.Start
// handles the narrower "refresh a running session's flags in place"
// case separately, after realize returns.
func realize(args StartArgs) (model.Session, error) {
	s := model.Session{
		MarketKind:          model.MarketSpot,
		Symbol:              "BTCUSDT",
		Timeframe:           model.Timeframe1m,
		EmitIntervalMs:      defaultEmitIntervalMs,
		MinNotionalUsdt:     defaultMinNotionalUsdt,
		StartupMode:         model.StartupLiveFirst,
		ClockSyncIntervalMs: defaultClockSyncIntervalMs,
		HistoryLimit:        defaultHistoryLimit,
	}

	if args.MarketKind != nil {
		s.MarketKind = *args.MarketKind
	}
	if args.Symbol != nil {
		s.Symbol = *args.Symbol
	}
	if args.Timeframe != nil {
		s.Timeframe = *args.Timeframe
	}
	if args.MinNotionalUsdt != nil {
		s.MinNotionalUsdt = *args.MinNotionalUsdt
	}
	if args.EmitIntervalMs != nil {
		s.EmitIntervalMs = clampInt(*args.EmitIntervalMs, minEmitIntervalMs, maxEmitIntervalMs)
	}
	if args.MockMode != nil {
		s.MockMode = *args.MockMode
	}
	if args.EmitLegacyPriceEvent != nil {
		s.EmitLegacyPriceEvent = *args.EmitLegacyPriceEvent
	}
	if args.EmitLegacyFrameEvents != nil {
		s.EmitLegacyFrameEvents = *args.EmitLegacyFrameEvents
	}
	if args.PerfTelemetry != nil {
		s.PerfTelemetry = *args.PerfTelemetry
	}
	if args.ClockSyncIntervalMs != nil && *args.ClockSyncIntervalMs != 0 {
		s.ClockSyncIntervalMs = clampInt(*args.ClockSyncIntervalMs, minClockSyncIntervalMs, maxClockSyncIntervalMs)
	}
	if args.StartupMode != nil {
		s.StartupMode = *args.StartupMode
	}
	if args.HistoryLimit != nil && *args.HistoryLimit != 0 {
		s.HistoryLimit = clampInt(*args.HistoryLimit, minHistoryLimit, maxHistoryLimit)
	}
	if args.HistoryAll != nil {
		s.HistoryAll = *args.HistoryAll
	}

	if s.EmitIntervalMs == 0 {
		s.EmitIntervalMs = defaultEmitIntervalMs
	}
	if s.ClockSyncIntervalMs == 0 {
		s.ClockSyncIntervalMs = defaultClockSyncIntervalMs
	}
	if s.HistoryLimit == 0 {
		s.HistoryLimit = defaultHistoryLimit
	}
	if !s.StartupMode.Valid() {
		s.StartupMode = model.StartupLiveFirst
	}

	if !s.MarketKind.Valid() {
		return model.Session{}, fmt.Errorf("%w: unrecognized marketKind %q", ErrInvalidArgs, s.MarketKind)
	}
	if s.Symbol == "" {
		return model.Session{}, fmt.Errorf("%w: symbol must not be empty", ErrInvalidArgs)
	}
	if !s.Timeframe.Valid() {
		return model.Session{}, fmt.Errorf("%w: unrecognized timeframe %q", ErrInvalidArgs, s.Timeframe)
	}
	if s.MinNotionalUsdt < 0 {
		return model.Session{}, fmt.Errorf("%w: minNotionalUsdt must not be negative", ErrInvalidArgs)
	}

	return s, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// refreshLocked updates flags on an already-running session in place
// without dropping the WebSocket (spec's round-trip idempotence
// property). Only fields that can change without restarting a task are
// honored; emitIntervalMs/clockSyncIntervalMs/perfTelemetry changes
// require a fresh session since their owning tasks' tickers are fixed
// at construction.
func (c *Controller) refreshLocked(next model.Session) {
	c.producer.SetMinNotionalUsdt(next.MinNotionalUsdt)
	c.session.MinNotionalUsdt = next.MinNotionalUsdt
	c.session.EmitLegacyPriceEvent = next.EmitLegacyPriceEvent
	c.session.EmitLegacyFrameEvents = next.EmitLegacyFrameEvents
}

// Stop cancels all spawned tasks, drains their join points, and closes
// the WebSocket cleanly. Always returns stopped=true, even if nothing
// was running.
func (c *Controller) Stop() (stopped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	return true
}

func (c *Controller) stopLocked() {
	if c.supervisor == nil {
		return
	}
	if c.supervisorCancel != nil {
		c.supervisorCancel()
	}
	c.supervisor.stop()
	c.session = nil
	c.producer = nil
	c.supervisor = nil
	c.supervisorCancel = nil
	c.tel = nil
	c.client = nil
}

// Status reads telemetry atomics and returns the current snapshot.
func (c *Controller) Status() model.StatusSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tel == nil || c.session == nil {
		return model.StatusSnapshot{State: model.StateStopped}
	}

	snap := model.StatusSnapshot{
		State:      c.tel.ConnectionState(),
		MarketKind: c.session.MarketKind,
		Symbol:     c.session.Symbol,
		Timeframe:  c.session.Timeframe,
		LastAggID:  c.tel.LastAggID(),
	}
	raw := c.tel.RawExchangeLatencyMs()
	snap.RawExchangeLatencyMs = &raw
	if offset, ok := c.tel.ClockOffsetMs(); ok {
		snap.ClockOffsetMs = &offset
		adjusted := c.tel.AdjustedNetworkLatencyMs()
		snap.AdjustedNetworkLatencyMs = &adjusted
		snap.LatencyMs = &adjusted
	} else {
		snap.LatencyMs = &raw
	}
	local := c.tel.LocalPipelineLatencyMs()
	snap.LocalPipelineLatencyMs = &local
	return snap
}

// Symbols proxies ExchangeClient.FetchSymbols for the market_symbols
// command; it works even with no session running.
func (c *Controller) Symbols(ctx context.Context, marketKind model.MarketKind) ([]string, error) {
	client, err := exchange.New(marketKind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return client.FetchSymbols(ctx)
}
