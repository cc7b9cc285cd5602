package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quantumcastro/marketstream/internal/model"
	"github.com/quantumcastro/marketstream/internal/telemetry"
)

// channelPrefix namespaces the status, perf, bootstrap and
// history-progress channels, keyed by market kind and symbol so
// multiple independent pipelines (spec's "one pipeline = one symbol")
// don't collide on one Redis instance. Frames and the legacy
// price/candle/delta-candle updates are published on their bare event
// names, which are shared by every pipeline on the same instance.
const channelPrefix = "marketstream"

// RedisSink publishes events as JSON on per-topic pub/sub channels,
// adapted from pulseintel's RedisPublisher: same throttle-and-count
// shape, generalized from one fixed channel to the pipeline's full
// event set and wired to telemetry's framesDropped counter instead of
// an internal-only metrics struct.
type RedisSink struct {
	client *redis.Client
	log    *zap.Logger
	tel    *telemetry.Telemetry

	maxPerSecond int
	mu           sync.Mutex
	count        int
	windowStart  time.Time
}

// NewRedisSink builds a sink bound to an existing Redis client. tel may
// be nil if frame-drop accounting isn't needed (e.g. in tests).
func NewRedisSink(client *redis.Client, log *zap.Logger, tel *telemetry.Telemetry) *RedisSink {
	return &RedisSink{
		client:       client,
		log:          log,
		tel:          tel,
		maxPerSecond: 1000,
		windowStart:  time.Now(),
	}
}

func (s *RedisSink) allow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if now.Sub(s.windowStart) >= time.Second {
		s.count = 0
		s.windowStart = now
	}
	if s.count >= s.maxPerSecond {
		return false
	}
	s.count++
	return true
}

func (s *RedisSink) publish(channel string, payload interface{}) {
	if !s.allow() {
		if s.tel != nil {
			s.tel.IncFramesDropped()
		}
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("sink: marshal failed", zap.String("channel", channel), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.client.Publish(ctx, channel, data).Err(); err != nil {
		s.log.Warn("sink: redis publish failed", zap.String("channel", channel), zap.Error(err))
		if s.tel != nil {
			s.tel.IncFramesDropped()
		}
	}
}

func symbolChannel(kind, symbol, topic string) string {
	return fmt.Sprintf("%s:%s:%s:%s", channelPrefix, kind, symbol, topic)
}

func (s *RedisSink) PublishStatus(snap model.StatusSnapshot) {
	s.publish(symbolChannel(string(snap.MarketKind), snap.Symbol, "market_status"), snap)
}

func (s *RedisSink) PublishPerf(snap telemetry.PerfSnapshot, marketKind model.MarketKind, symbol string, timeframe model.Timeframe) {
	s.publish(symbolChannel(string(marketKind), symbol, "market_perf"), snap)
}

func (s *RedisSink) PublishFrame(f Frame) {
	// Like every event here, a frame over the rate limit above or with
	// a failed publish is dropped and counted through IncFramesDropped.
	s.publish("market_frame_update", f)
}

func (s *RedisSink) PublishCandlesBootstrap(b Bootstrap) {
	s.publish(symbolChannel(string(b.MarketKind), b.Symbol, "candles_bootstrap"), b)
}

func (s *RedisSink) PublishDeltaCandlesBootstrap(b Bootstrap) {
	s.publish(symbolChannel(string(b.MarketKind), b.Symbol, "delta_candles_bootstrap"), b)
}

func (s *RedisSink) PublishHistoryProgress(p model.HistoryLoadProgress) {
	s.publish(symbolChannel(string(p.MarketKind), p.Symbol, "history_load_progress"), p)
}

func (s *RedisSink) PublishPriceUpdate(t model.UiTick) {
	s.publish("price_update", t)
}

func (s *RedisSink) PublishCandleUpdate(c model.Candle) {
	s.publish("candle_update", c)
}

func (s *RedisSink) PublishDeltaCandleUpdate(d model.DeltaCandle) {
	s.publish("delta_candle_update", d)
}
