// Package exchange encapsulates the endpoint topology and payload shape
// variance between Binance's Spot and USD-M Futures APIs, the way
// pulseintel's internal/exchanges package isolates per-exchange wire
// detail behind small connector types.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/quantumcastro/marketstream/internal/model"
)

// Client exposes the endpoint operations a Producer, HistoryLoader, and
// ClockSync need, independent of Spot vs FuturesUsdm.
type Client struct {
	marketKind model.MarketKind
	wsHost     string
	restBase   string
	http       *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New builds a Client for the given market kind. The hostnames match
// spec §6's endpoint matrix exactly.
func New(marketKind model.MarketKind) (*Client, error) {
	var wsHost, restBase string
	switch marketKind {
	case model.MarketSpot:
		wsHost = "stream.binance.com:9443"
		restBase = "https://api.binance.com/api/v3"
	case model.MarketFuturesUsdm:
		wsHost = "fstream.binance.com"
		restBase = "https://fapi.binance.com/fapi/v1"
	default:
		return nil, fmt.Errorf("exchange: unrecognized market kind %q", marketKind)
	}

	c := &Client{
		marketKind: marketKind,
		wsHost:     wsHost,
		restBase:   restBase,
		http:       &http.Client{Timeout: 10 * time.Second},
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "exchange-rest-" + string(marketKind),
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return c, nil
}

// WebsocketAggTradeURL returns the aggTrade stream URL for symbol,
// lower-cased as the exchange expects in the path.
func (c *Client) WebsocketAggTradeURL(symbol string) string {
	return fmt.Sprintf("wss://%s/ws/%s@aggTrade", c.wsHost, strings.ToLower(symbol))
}

// retryableError marks failures that should be retried with backoff
// rather than failed fast. 4xx responses are never retryable.
type retryableError struct {
	err error
}

func (r retryableError) Error() string { return r.err.Error() }
func (r retryableError) Unwrap() error { return r.err }

// doREST executes op with exponential backoff and jitter (base 250ms,
// cap 8s, max 5 attempts), wrapped in the client's circuit breaker, per
// spec §4.2's failure semantics.
func (c *Client) doREST(ctx context.Context, op func(context.Context) ([]byte, error)) ([]byte, error) {
	const (
		maxAttempts = 5
		baseDelay   = 250 * time.Millisecond
		capDelay    = 8 * time.Second
	)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := baseDelay << uint(attempt-1)
			if delay > capDelay {
				delay = capDelay
			}
			jitter := time.Duration(float64(delay) * (rand.Float64()*0.4 - 0.2))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay + jitter):
			}
		}

		result, err := c.breaker.Execute(func() (interface{}, error) {
			return op(ctx)
		})
		if err == nil {
			return result.([]byte), nil
		}

		var retry retryableError
		if !asRetryable(err, &retry) {
			return nil, err
		}
		lastErr = retry.err
	}
	return nil, fmt.Errorf("exchange: exhausted %d attempts: %w", maxAttempts, lastErr)
}

func asRetryable(err error, out *retryableError) bool {
	if re, ok := err.(retryableError); ok {
		*out = re
		return true
	}
	return false
}

func (c *Client) getJSON(ctx context.Context, path string) ([]byte, error) {
	return c.doREST(ctx, func(ctx context.Context) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.restBase+path, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, retryableError{err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, retryableError{err}
		}

		switch {
		case resp.StatusCode >= 500:
			return nil, retryableError{fmt.Errorf("exchange: %s returned %d: %s", path, resp.StatusCode, body)}
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("exchange: %s returned %d: %s", path, resp.StatusCode, body)
		}
		return body, nil
	})
}

// FetchServerTime returns the exchange's current time in epoch ms.
func (c *Client) FetchServerTime(ctx context.Context) (int64, error) {
	body, err := c.getJSON(ctx, "/time")
	if err != nil {
		return 0, err
	}
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("exchange: parsing /time response: %w", err)
	}
	return out.ServerTime, nil
}

// FetchLastAggID returns the most recent aggregate trade id for symbol,
// used by the Producer's resync path.
func (c *Client) FetchLastAggID(ctx context.Context, symbol string) (uint64, error) {
	body, err := c.getJSON(ctx, fmt.Sprintf("/aggTrades?symbol=%s&limit=1", strings.ToUpper(symbol)))
	if err != nil {
		return 0, err
	}
	var out []struct {
		AggID uint64 `json:"a"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("exchange: parsing /aggTrades response: %w", err)
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("exchange: empty aggTrades snapshot for %s", symbol)
	}
	return out[0].AggID, nil
}

// FetchSymbols returns the sorted set of tradable symbols for this
// market kind.
func (c *Client) FetchSymbols(ctx context.Context) ([]string, error) {
	body, err := c.getJSON(ctx, "/exchangeInfo")
	if err != nil {
		return nil, err
	}
	var out struct {
		Symbols []struct {
			Symbol string `json:"symbol"`
			Status string `json:"status"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("exchange: parsing /exchangeInfo response: %w", err)
	}

	symbols := make([]string, 0, len(out.Symbols))
	for _, s := range out.Symbols {
		if s.Status == "TRADING" {
			symbols = append(symbols, s.Symbol)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// FetchKlines returns candles for symbol/timeframe. startMs/endMs are
// optional (nil means unbounded on that side); limit caps the page
// size. Klines arrive as positional arrays of heterogeneous scalars;
// Futures responses append trailing fields that are ignored here
// rather than rejected.
func (c *Client) FetchKlines(ctx context.Context, symbol string, tf model.Timeframe, startMs, endMs *int64, limit int) ([]model.Candle, error) {
	path := fmt.Sprintf("/klines?symbol=%s&interval=%s&limit=%d", strings.ToUpper(symbol), tf, limit)
	if startMs != nil {
		path += fmt.Sprintf("&startTime=%d", *startMs)
	}
	if endMs != nil {
		path += fmt.Sprintf("&endTime=%d", *endMs)
	}

	body, err := c.getJSON(ctx, path)
	if err != nil {
		return nil, err
	}

	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("exchange: parsing /klines response: %w", err)
	}

	candles := make([]model.Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		openTime, ok := row[0].(float64)
		if !ok {
			continue
		}
		o, err1 := parseQuotedFloat(row[1])
		h, err2 := parseQuotedFloat(row[2])
		l, err3 := parseQuotedFloat(row[3])
		cl, err4 := parseQuotedFloat(row[4])
		v, err5 := parseQuotedFloat(row[5])
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			continue
		}
		candles = append(candles, model.Candle{
			T: int64(openTime),
			O: o, H: h, L: l, C: cl, V: v,
		})
	}
	return candles, nil
}

func parseQuotedFloat(v interface{}) (float64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("exchange: expected quoted numeric field, got %T", v)
	}
	return strconv.ParseFloat(s, 64)
}
