package model

import "testing"

func TestBucketSeconds(t *testing.T) {
	cases := []struct {
		tf   Timeframe
		want int64
	}{
		{Timeframe1m, 60},
		{Timeframe5m, 300},
		{Timeframe1h, 3600},
		{Timeframe4h, 14400},
		{Timeframe1d, 86400},
		{Timeframe1w, 604800},
		{Timeframe1M, 2_592_000},
		{Timeframe("bogus"), 0},
	}
	for _, c := range cases {
		if got := BucketSeconds(c.tf); got != c.want {
			t.Errorf("BucketSeconds(%q) = %d, want %d", c.tf, got, c.want)
		}
	}
}

func TestTimeframeValid(t *testing.T) {
	if !Timeframe1m.Valid() {
		t.Error("1m should be valid")
	}
	if Timeframe("2m").Valid() {
		t.Error("2m should not be valid")
	}
}

func TestAggTradeDirection(t *testing.T) {
	buy := AggTrade{BuyerIsMaker: false}
	sell := AggTrade{BuyerIsMaker: true}
	if buy.Direction() != 1 {
		t.Errorf("buyer-is-aggressor direction = %d, want 1", buy.Direction())
	}
	if sell.Direction() != -1 {
		t.Errorf("seller-is-aggressor direction = %d, want -1", sell.Direction())
	}
}

func TestAggTradeNotional(t *testing.T) {
	tr := AggTrade{Price: 100.0, Quantity: 2.5}
	if got := tr.Notional(); got != 250.0 {
		t.Errorf("Notional() = %v, want 250.0", got)
	}
}

func TestSessionKey(t *testing.T) {
	a := Session{MarketKind: MarketSpot, Symbol: "BTCUSDT", Timeframe: Timeframe1m}
	b := Session{MarketKind: MarketSpot, Symbol: "BTCUSDT", Timeframe: Timeframe1m, EmitIntervalMs: 16}
	c := Session{MarketKind: MarketSpot, Symbol: "ETHUSDT", Timeframe: Timeframe1m}

	if a.Key() != b.Key() {
		t.Error("sessions differing only by non-key fields must share a Key()")
	}
	if a.Key() == c.Key() {
		t.Error("sessions with different symbols must not share a Key()")
	}
}

func TestMarketKindValid(t *testing.T) {
	if !MarketSpot.Valid() || !MarketFuturesUsdm.Valid() {
		t.Error("spot and futures_usdm must be valid market kinds")
	}
	if MarketKind("dex").Valid() {
		t.Error("unrecognized market kind must not be valid")
	}
}
