package history

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/quantumcastro/marketstream/internal/model"
	"github.com/quantumcastro/marketstream/internal/sink"
	"github.com/quantumcastro/marketstream/internal/telemetry"
)

// fakeKlineFetcher serves fixed pages back to front, mimicking a
// backward paginated REST history endpoint.
type fakeKlineFetcher struct {
	pages [][]model.Candle
	calls int
}

func (f *fakeKlineFetcher) FetchKlines(ctx context.Context, symbol string, tf model.Timeframe, startMs, endMs *int64, limit int) ([]model.Candle, error) {
	if f.calls >= len(f.pages) {
		return nil, nil
	}
	p := f.pages[f.calls]
	f.calls++
	return p, nil
}

// recordingSink captures every published event so tests can assert on
// the sequence without a real transport.
type recordingSink struct {
	progress []model.HistoryLoadProgress
	bootC    []sink.Bootstrap
	bootD    []sink.Bootstrap
}

func (r *recordingSink) PublishStatus(model.StatusSnapshot)         {}
func (r *recordingSink) PublishPerf(telemetry.PerfSnapshot, model.MarketKind, string, model.Timeframe) {}
func (r *recordingSink) PublishFrame(sink.Frame)                    {}
func (r *recordingSink) PublishCandlesBootstrap(b sink.Bootstrap)      { r.bootC = append(r.bootC, b) }
func (r *recordingSink) PublishDeltaCandlesBootstrap(b sink.Bootstrap) { r.bootD = append(r.bootD, b) }
func (r *recordingSink) PublishHistoryProgress(p model.HistoryLoadProgress) {
	r.progress = append(r.progress, p)
}
func (r *recordingSink) PublishPriceUpdate(model.UiTick)             {}
func (r *recordingSink) PublishCandleUpdate(model.Candle)            {}
func (r *recordingSink) PublishDeltaCandleUpdate(model.DeltaCandle)  {}

func candlesAt(times ...int64) []model.Candle {
	out := make([]model.Candle, len(times))
	for i, t := range times {
		out[i] = model.Candle{T: t, O: 1, H: 1, L: 1, C: 1, V: 1}
	}
	return out
}

// TestLoadAllThreePageProgressSequence reproduces spec §8 scenario 5:
// three backward pages of sizes 1000/1000/237 must produce one progress
// event per page with pagesFetched 1,2,3 and cumulative candlesFetched
// 1000,2000,2237, followed by a terminal done=true event.
func TestLoadAllThreePageProgressSequence(t *testing.T) {
	page1 := make([]model.Candle, 1000)
	for i := range page1 {
		page1[i] = model.Candle{T: int64(i + 2000), O: 1, H: 1, L: 1, C: 1, V: 1}
	}
	page2 := make([]model.Candle, 1000)
	for i := range page2 {
		page2[i] = model.Candle{T: int64(i + 1000), O: 1, H: 1, L: 1, C: 1, V: 1}
	}
	page3 := make([]model.Candle, 237)
	for i := range page3 {
		page3[i] = model.Candle{T: int64(i), O: 1, H: 1, L: 1, C: 1, V: 1}
	}

	fetcher := &fakeKlineFetcher{pages: [][]model.Candle{page1, page2, page3}}
	rs := &recordingSink{}
	l := New(fetcher, rs, zap.NewNop(), model.MarketSpot, "BTCUSDT", model.Timeframe1m)
	l.limiter.SetLimit(1e9) // don't let the test wait on real rate limiting

	l.Run(context.Background(), 0, true)

	if len(rs.progress) != 4 {
		t.Fatalf("got %d progress events, want 4", len(rs.progress))
	}
	wantPages := []int{1, 2, 3, 3}
	wantCandles := []int{1000, 2000, 2237, 2237}
	for i, p := range rs.progress {
		if p.PagesFetched != wantPages[i] {
			t.Errorf("event %d: pagesFetched = %d, want %d", i, p.PagesFetched, wantPages[i])
		}
		if p.CandlesFetched != wantCandles[i] {
			t.Errorf("event %d: candlesFetched = %d, want %d", i, p.CandlesFetched, wantCandles[i])
		}
		wantDone := i == len(rs.progress)-1
		if p.Done != wantDone {
			t.Errorf("event %d: done = %v, want %v", i, p.Done, wantDone)
		}
	}

	if len(rs.bootC) != 1 || len(rs.bootC[0].Candles) != 2237 {
		t.Fatalf("expected one candles_bootstrap with 2237 candles, got %+v", rs.bootC)
	}
	if len(rs.bootD) != 1 || rs.bootD[0].Candles != nil {
		t.Fatalf("delta_candles_bootstrap must always be published empty, got %+v", rs.bootD)
	}
}

func TestLoadSinglePageDoesNotPaginate(t *testing.T) {
	fetcher := &fakeKlineFetcher{pages: [][]model.Candle{candlesAt(1, 2, 3)}}
	rs := &recordingSink{}
	l := New(fetcher, rs, zap.NewNop(), model.MarketSpot, "BTCUSDT", model.Timeframe1m)
	l.limiter.SetLimit(1e9)

	l.Run(context.Background(), 3, false)

	if fetcher.calls != 1 {
		t.Errorf("loadSinglePage made %d fetch calls, want 1", fetcher.calls)
	}
	if len(rs.bootC) != 1 || len(rs.bootC[0].Candles) != 3 {
		t.Fatalf("expected a single bootstrap with 3 candles, got %+v", rs.bootC)
	}
	if len(rs.progress) != 0 {
		t.Errorf("single-page load must not emit pagination progress events, got %d", len(rs.progress))
	}
}

func TestLoadAllStopsOnEmptyPage(t *testing.T) {
	fetcher := &fakeKlineFetcher{pages: [][]model.Candle{{}}}
	rs := &recordingSink{}
	l := New(fetcher, rs, zap.NewNop(), model.MarketSpot, "BTCUSDT", model.Timeframe1m)
	l.limiter.SetLimit(1e9)

	l.Run(context.Background(), 0, true)

	if len(rs.progress) != 2 || rs.progress[0].Done || !rs.progress[1].Done {
		t.Fatalf("expected one page progress event then one done event on empty first page, got %+v", rs.progress)
	}
	if rs.progress[1].CandlesFetched != 0 {
		t.Errorf("candlesFetched = %d, want 0", rs.progress[1].CandlesFetched)
	}
}
