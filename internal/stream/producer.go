// Package stream implements Producer, the single-writer WebSocket
// ingestion task described by spec §4.3. Its connection setup and
// read-loop shape are adapted from pulseintel's BinanceConnector
// (internal/exchanges/binance.go): a dialer with bounded buffers, a
// read loop answering protocol pings with pongs, and a dedicated ping
// ticker — generalized here to the aggTrade-only, sequence-validated
// stream this pipeline actually needs instead of the teacher's
// multi-stream trade+depth combo feed.
package stream

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quantumcastro/marketstream/internal/conflate"
	"github.com/quantumcastro/marketstream/internal/model"
	"github.com/quantumcastro/marketstream/internal/telemetry"
)

// dialTimeout bounds the WebSocket handshake, per spec §5's timeout
// table.
const dialTimeout = 10 * time.Second

// LastAggIDFetcher is the one ExchangeClient operation the resync path
// needs.
type LastAggIDFetcher interface {
	FetchLastAggID(ctx context.Context, symbol string) (uint64, error)
	WebsocketAggTradeURL(symbol string) string
}

// StatusEmitter is the narrow sink surface Producer uses for ad-hoc
// state-transition events, distinct from Heartbeat's per-tick emission.
type StatusEmitter interface {
	PublishStatus(model.StatusSnapshot)
}

// Producer owns the WebSocket connection, parses aggTrade frames,
// validates sequence continuity, and is the sole writer into State.
type Producer struct {
	client     LastAggIDFetcher
	state      *conflate.State
	tel        *telemetry.Telemetry
	status     StatusEmitter
	metrics    *telemetry.Metrics // optional; nil when no Prometheus server is configured
	throttle   *telemetry.ReasonThrottle
	log        *zap.Logger
	marketKind model.MarketKind
	symbol     string
	timeframe  model.Timeframe
	minNotionalBits uint64 // atomic, math.Float64bits(minNotionalUsdt); lets Controller refresh it without restarting the WS
	mockMode   bool

	mu          sync.Mutex
	lastAggID   uint64
	haveAggID   bool

	resyncCh chan string // non-blocking signal: resync finished, reconnect with this reason
}

// New builds a Producer for one session. metrics may be nil.
func New(client LastAggIDFetcher, state *conflate.State, tel *telemetry.Telemetry, status StatusEmitter, metrics *telemetry.Metrics, log *zap.Logger, marketKind model.MarketKind, symbol string, tf model.Timeframe, minNotional float64, mockMode bool) *Producer {
	p := &Producer{
		client:     client,
		state:      state,
		tel:        tel,
		status:     status,
		metrics:    metrics,
		throttle:   telemetry.NewReasonThrottle(),
		log:        log,
		marketKind: marketKind,
		symbol:     symbol,
		timeframe:  tf,
		mockMode:   mockMode,
		resyncCh:   make(chan string, 1),
	}
	p.SetMinNotionalUsdt(minNotional)
	return p
}

// SetMinNotionalUsdt updates the notional filter threshold in place;
// Controller calls this when a start_market_stream refresh changes the
// value for an already-running session without dropping the WS.
func (p *Producer) SetMinNotionalUsdt(v float64) {
	atomic.StoreUint64(&p.minNotionalBits, math.Float64bits(v))
}

func (p *Producer) minNotionalUsdt() float64 {
	return math.Float64frombits(atomic.LoadUint64(&p.minNotionalBits))
}

// Run drives the connect/read/resync loop until ctx is cancelled or a
// fatal rejection is observed.
func (p *Producer) Run(ctx context.Context) {
	if p.mockMode {
		p.runMock(ctx)
		return
	}

	p.setState(model.StateConnecting, "")

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			p.setState(model.StateStopped, "")
			return
		default:
		}

		fatal, reason := p.connectAndRead(ctx)
		if fatal {
			p.setState(model.StateError, reason)
			return
		}
		if ctx.Err() != nil {
			p.setState(model.StateStopped, "")
			return
		}

		p.setState(model.StateReconnecting, reason)
		delay := backoffDelay(attempt)
		attempt++
		select {
		case <-ctx.Done():
			p.setState(model.StateStopped, "")
			return
		case <-time.After(delay):
		}
	}
}

// connectAndRead dials the WS once and reads until the connection
// closes or ctx is cancelled. It returns fatal=true only for
// unrecoverable rejections (spec's FatalRejection kind).
func (p *Producer) connectAndRead(ctx context.Context) (fatal bool, reason string) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: dialTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	url := p.client.WebsocketAggTradeURL(p.symbol)
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return true, fmt.Sprintf("fatal: websocket rejected with status %d", resp.StatusCode)
		}
		p.log.Warn("websocket dial failed", zap.Error(err), zap.String("symbol", p.symbol))
		return false, fmt.Sprintf("dial failed: %v", err)
	}
	defer conn.Close()

	// Go's net package enables TCP_NODELAY by default; no explicit
	// no-delay call is needed here (and none is reachable through the
	// TLS conn gorilla/websocket hands back for a wss:// dial anyway).
	conn.SetReadLimit(655350)
	conn.SetPongHandler(func(string) error { return nil })

	pingDone := make(chan struct{})
	defer close(pingDone)
	go p.pingLoop(conn, pingDone)

	// Reading happens on its own goroutine so the select below can also
	// observe a resync completion and force a clean reconnect, the way
	// pulseintel's BinanceConnector separates ReadMessage() off onto a
	// buffered messageChannel instead of blocking the driving loop.
	msgCh := make(chan []byte, 256)
	readErrCh := make(chan error, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErrCh <- err
				return
			}
			select {
			case msgCh <- raw:
			default:
				p.log.Warn("producer read buffer full, dropping frame")
			}
		}
	}()

	firstFrame := true
	for {
		select {
		case <-ctx.Done():
			return false, ""
		case err := <-readErrCh:
			return false, fmt.Sprintf("read error: %v", err)
		case reason := <-p.resyncCh:
			return false, reason
		case raw := <-msgCh:
			enqueuedAt := time.Now()
			parseStart := time.Now()
			trade, err := parseAggTrade(raw)
			parseUs := float64(time.Since(parseStart).Microseconds())
			if err != nil {
				p.log.Debug("dropping unparsable frame", zap.Error(err))
				continue
			}

			if firstFrame {
				p.setState(model.StateLive, "")
				firstFrame = false
			}

			p.applyWithTiming(trade, enqueuedAt, parseUs)
		}
	}
}

func (p *Producer) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// applyWithTiming runs the hot-path steps of spec §4.3 step 4: raw
// latency, parse/apply timers, notional filter, sequence validation,
// conflated-state apply, telemetry increments. parseUs is the caller's
// already-measured parseAggTrade decode cost, not re-timed here, since
// by the time applyWithTiming runs the frame is already decoded.
func (p *Producer) applyWithTiming(trade model.AggTrade, enqueuedAt time.Time, parseUs float64) {
	rawLatency := float64(trade.EventTimeMs) - float64(time.Now().UnixMilli())
	p.tel.SetRawExchangeLatencyMs(rawLatency)
	p.tel.ParseUs.Add(parseUs)
	if p.metrics != nil {
		p.metrics.ObserveParseUs(p.marketKind, p.symbol, parseUs)
	}

	if !p.checkSequence(trade.AggregateID) {
		return
	}

	if trade.Notional() < p.minNotionalUsdt() {
		return
	}

	applyStart := time.Now()
	p.state.ApplyTrade(trade)
	applyUs := float64(time.Since(applyStart).Microseconds())
	p.tel.ApplyUs.Add(applyUs)

	pipelineMs := float64(time.Since(enqueuedAt).Milliseconds())
	p.tel.SetLocalPipelineLatencyMs(pipelineMs)
	p.tel.LocalPipelineMs.Add(pipelineMs)

	p.tel.IncIngest()
	if p.metrics != nil {
		p.metrics.ObserveApplyUs(p.marketKind, p.symbol, applyUs)
		p.metrics.ObservePipelineMs(p.marketKind, p.symbol, pipelineMs)
		p.metrics.IncTradesIngested(p.marketKind, p.symbol)
	}
}

// checkSequence implements spec §4.3's three sequence-validation cases.
// It returns false when the trade must not be applied (stale duplicate)
// but note a gap still results in the trade itself being discarded per
// spec; resync is asynchronous and does not block this call.
func (p *Producer) checkSequence(aggID uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.haveAggID {
		p.lastAggID = aggID
		p.haveAggID = true
		p.tel.SetLastAggID(aggID)
		return true
	}

	switch {
	case aggID == p.lastAggID+1:
		p.lastAggID = aggID
		p.tel.SetLastAggID(aggID)
		return true
	case aggID > p.lastAggID+1:
		missed := aggID - p.lastAggID - 1
		if p.metrics != nil {
			p.metrics.IncSequenceGap(p.marketKind, p.symbol)
		}
		go p.resync(missed)
		return false
	default:
		return false
	}
}

// resync runs spec §4.3's resync protocol: desynced -> fetch_last_agg_id
// -> reconnecting -> (live on next applied trade, handled by the read
// loop's firstFrame path once the WS is re-dialed by Run's outer loop).
func (p *Producer) resync(missed uint64) {
	p.setState(model.StateDesynced, fmt.Sprintf("sequence gap: missed=%d", missed))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	newID, err := p.client.FetchLastAggID(ctx, p.symbol)
	if err != nil {
		p.log.Warn("resync fetch_last_agg_id failed", zap.Error(err))
		return
	}

	p.mu.Lock()
	p.lastAggID = newID
	p.haveAggID = true
	p.mu.Unlock()
	p.tel.SetLastAggID(newID)

	p.setState(model.StateReconnecting, "resync: last_agg_id refreshed")
	select {
	case p.resyncCh <- "resync: last_agg_id refreshed":
	default:
	}
}

func (p *Producer) setState(state model.ConnectionState, reason string) {
	p.tel.SetConnectionState(state)
	p.tel.SetReason(reason)
	if p.metrics != nil {
		p.metrics.SetConnectionState(p.marketKind, p.symbol, state)
		if state == model.StateReconnecting {
			p.metrics.IncReconnect(p.marketKind, p.symbol, reason)
		}
	}
	if p.status == nil {
		return
	}
	if !p.throttle.Allow(reason) {
		return
	}
	p.status.PublishStatus(model.StatusSnapshot{
		State:      state,
		MarketKind: p.marketKind,
		Symbol:     p.symbol,
		Timeframe:  p.timeframe,
		LastAggID:  p.tel.LastAggID(),
		Reason:     reason,
	})
}

// runMock drives a deterministic local trade generator instead of a
// live exchange connection, for offline demos and tests.
func (p *Producer) runMock(ctx context.Context) {
	p.setState(model.StateLive, "")
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	r := rand.New(rand.NewSource(1))
	price := 100.0
	var aggID uint64

	for {
		select {
		case <-ctx.Done():
			p.setState(model.StateStopped, "")
			return
		case <-ticker.C:
			aggID++
			price += (r.Float64() - 0.5) * 0.1
			qty := 0.1 + r.Float64()
			trade := model.AggTrade{
				AggregateID:  aggID,
				Price:        price,
				Quantity:     qty,
				BuyerIsMaker: aggID%2 == 0,
				TradeTimeMs:  time.Now().UnixMilli(),
				EventTimeMs:  time.Now().UnixMilli(),
			}
			p.applyWithTiming(trade, time.Now(), 0)
		}
	}
}
