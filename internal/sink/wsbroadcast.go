package sink

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quantumcastro/marketstream/internal/model"
	"github.com/quantumcastro/marketstream/internal/telemetry"
)

// envelope tags every outbound message with its event name so a single
// WebSocket connection can carry the whole event set.
type envelope struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// upgrader is permissive about origin: the consumer is a desktop UI
// shell, not a browser page subject to third-party CSRF concerns.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSBroadcaster fans every published event out to all connected
// consumer sockets, adapted from pkg/broadcaster/broadcaster.go's
// register/unregister/broadcast channel trio; batching is dropped
// since this sink carries one low-rate event stream per process rather
// than the teacher's multi-symbol firehose.
type WSBroadcaster struct {
	log *zap.Logger
	tel *telemetry.Telemetry

	mu           sync.Mutex
	clients      map[*websocket.Conn]bool
	broadcastCh  chan []byte
	registerCh   chan *websocket.Conn
	unregisterCh chan *websocket.Conn
}

// NewWSBroadcaster builds a broadcaster; call Run in its own goroutine
// before serving HandleWS.
func NewWSBroadcaster(log *zap.Logger, tel *telemetry.Telemetry) *WSBroadcaster {
	return &WSBroadcaster{
		log:          log,
		tel:          tel,
		clients:      make(map[*websocket.Conn]bool),
		broadcastCh:  make(chan []byte, 1024),
		registerCh:   make(chan *websocket.Conn, 16),
		unregisterCh: make(chan *websocket.Conn, 16),
	}
}

// HandleWS upgrades an HTTP request to a WebSocket and registers the
// resulting connection with the broadcaster.
func (b *WSBroadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	b.registerCh <- conn

	go func() {
		defer func() { b.unregisterCh <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Run drives register/unregister/broadcast until done is closed.
func (b *WSBroadcaster) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			b.mu.Lock()
			for c := range b.clients {
				c.Close()
			}
			b.mu.Unlock()
			return
		case c := <-b.registerCh:
			b.mu.Lock()
			b.clients[c] = true
			b.mu.Unlock()
		case c := <-b.unregisterCh:
			b.mu.Lock()
			if _, ok := b.clients[c]; ok {
				delete(b.clients, c)
				c.Close()
			}
			b.mu.Unlock()
		case msg := <-b.broadcastCh:
			b.mu.Lock()
			for c := range b.clients {
				c.SetWriteDeadline(time.Now().Add(time.Second))
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					delete(b.clients, c)
					c.Close()
				}
			}
			b.mu.Unlock()
		}
	}
}

func (b *WSBroadcaster) publish(event string, payload interface{}) {
	data, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		b.log.Error("ws sink: marshal failed", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case b.broadcastCh <- data:
	default:
		b.log.Warn("ws sink: broadcast channel full, dropping", zap.String("event", event))
		if b.tel != nil {
			b.tel.IncFramesDropped()
		}
	}
}

func (b *WSBroadcaster) PublishStatus(snap model.StatusSnapshot) { b.publish("market_status", snap) }

func (b *WSBroadcaster) PublishPerf(snap telemetry.PerfSnapshot, marketKind model.MarketKind, symbol string, timeframe model.Timeframe) {
	b.publish("market_perf", snap)
}

func (b *WSBroadcaster) PublishFrame(f Frame) { b.publish("market_frame_update", f) }

func (b *WSBroadcaster) PublishCandlesBootstrap(bs Bootstrap) { b.publish("candles_bootstrap", bs) }

func (b *WSBroadcaster) PublishDeltaCandlesBootstrap(bs Bootstrap) {
	b.publish("delta_candles_bootstrap", bs)
}

func (b *WSBroadcaster) PublishHistoryProgress(p model.HistoryLoadProgress) {
	b.publish("history_load_progress", p)
}

func (b *WSBroadcaster) PublishPriceUpdate(t model.UiTick) { b.publish("price_update", t) }

func (b *WSBroadcaster) PublishCandleUpdate(c model.Candle) { b.publish("candle_update", c) }

func (b *WSBroadcaster) PublishDeltaCandleUpdate(d model.DeltaCandle) {
	b.publish("delta_candle_update", d)
}
