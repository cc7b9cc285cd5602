// Package history implements HistoryLoader, the paginated REST
// bootstrap described by spec §4.6. Its pagination and progress
// reporting loop is grounded on pulseintel's HistoricalDataFetcher
// (internal/analytics/historical_data_fetcher.go), generalized from
// that type's fixed 1000-candle single-shot pull across three
// exchanges into the spec's single-exchange, caller-chosen-limit,
// optionally-paginate-to-exhaustion loader, and rate-limited with
// golang.org/x/time/rate instead of the teacher's fixed 100ms sleep.
package history

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quantumcastro/marketstream/internal/model"
	"github.com/quantumcastro/marketstream/internal/sink"
)

// KlineFetcher is the one ExchangeClient operation HistoryLoader needs.
type KlineFetcher interface {
	FetchKlines(ctx context.Context, symbol string, tf model.Timeframe, startMs, endMs *int64, limit int) ([]model.Candle, error)
}

const pageLimit = 1000

// Loader produces the initial candle and delta-candle arrays for a
// session.
type Loader struct {
	client  KlineFetcher
	sink    sink.EventSink
	log     *zap.Logger
	limiter *rate.Limiter

	marketKind model.MarketKind
	symbol     string
	timeframe  model.Timeframe
}

// New builds a Loader. The limiter caps outbound kline requests at 5/s
// with a burst of 2, comfortably under Binance's public REST weight
// limits for a single-symbol paginated pull.
func New(client KlineFetcher, s sink.EventSink, log *zap.Logger, marketKind model.MarketKind, symbol string, tf model.Timeframe) *Loader {
	return &Loader{
		client:     client,
		sink:       s,
		log:        log,
		limiter:    rate.NewLimiter(rate.Limit(5), 2),
		marketKind: marketKind,
		symbol:     symbol,
		timeframe:  tf,
	}
}

// Run loads either a single page of historyLimit candles
// (historyAll=false) or the full available history (historyAll=true,
// historyLimit ignored; pages are pageLimit candles each). Delta-candle history is not
// synthesizable from klines, so delta_candles_bootstrap is always
// emitted empty; see DESIGN.md for the rationale this mirrors spec
// §4.6 and §9.
func (l *Loader) Run(ctx context.Context, historyLimit int, historyAll bool) {
	var candles []model.Candle
	var err error

	if historyAll {
		candles, err = l.loadAll(ctx)
	} else {
		candles, err = l.loadSinglePage(ctx, historyLimit)
	}
	if err != nil {
		l.log.Warn("history load failed", zap.Error(err))
		return
	}

	l.sink.PublishCandlesBootstrap(sink.Bootstrap{
		MarketKind: l.marketKind,
		Symbol:     l.symbol,
		Timeframe:  l.timeframe,
		Candles:    candles,
	})
	l.sink.PublishDeltaCandlesBootstrap(sink.Bootstrap{
		MarketKind: l.marketKind,
		Symbol:     l.symbol,
		Timeframe:  l.timeframe,
		Candles:    nil,
	})
}

func (l *Loader) loadSinglePage(ctx context.Context, limit int) ([]model.Candle, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.client.FetchKlines(ctx, l.symbol, l.timeframe, nil, nil, limit)
}

// loadAll paginates backward from the present, fetching pageLimit
// candles at a time and emitting progress per spec §4.6, stopping as
// soon as a page returns fewer candles than requested or is empty.
func (l *Loader) loadAll(ctx context.Context) ([]model.Candle, error) {
	var all []model.Candle
	var endMs *int64
	pages := 0

	for {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		page, err := l.client.FetchKlines(ctx, l.symbol, l.timeframe, nil, endMs, pageLimit)
		if err != nil {
			return nil, fmt.Errorf("history: page %d: %w", pages+1, err)
		}

		pages++
		if len(page) > 0 {
			all = append(page, all...)
			oldest := page[0].T - 1
			endMs = &oldest
		}

		done := len(page) < pageLimit
		l.sink.PublishHistoryProgress(model.HistoryLoadProgress{
			MarketKind:     l.marketKind,
			Symbol:         l.symbol,
			Timeframe:      l.timeframe,
			PagesFetched:   pages,
			CandlesFetched: len(all),
			Done:           false,
		})

		if done {
			l.sink.PublishHistoryProgress(model.HistoryLoadProgress{
				MarketKind:     l.marketKind,
				Symbol:         l.symbol,
				Timeframe:      l.timeframe,
				PagesFetched:   pages,
				CandlesFetched: len(all),
				Done:           true,
			})
			return all, nil
		}
	}
}
