package stream

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/quantumcastro/marketstream/internal/model"
)

// aggTradeFrame is the bit-exact field schema of the exchange's
// aggTrade stream object (spec §4.3): e, E, s, a, p, q, T, m. Price and
// quantity arrive as quoted decimal strings and are parsed directly
// into the destination scalar without an intermediate copy of the
// payload buffer.
type aggTradeFrame struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	AggID     uint64 `json:"a"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
	IsMaker   bool   `json:"m"`
}

// parseAggTrade decodes one aggTrade WS payload into model.AggTrade.
func parseAggTrade(raw []byte) (model.AggTrade, error) {
	var frame aggTradeFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return model.AggTrade{}, fmt.Errorf("stream: unmarshal aggTrade frame: %w", err)
	}
	price, err := strconv.ParseFloat(frame.Price, 64)
	if err != nil {
		return model.AggTrade{}, fmt.Errorf("stream: parse price %q: %w", frame.Price, err)
	}
	qty, err := strconv.ParseFloat(frame.Quantity, 64)
	if err != nil {
		return model.AggTrade{}, fmt.Errorf("stream: parse quantity %q: %w", frame.Quantity, err)
	}
	return model.AggTrade{
		AggregateID:  frame.AggID,
		Price:        price,
		Quantity:     qty,
		BuyerIsMaker: frame.IsMaker,
		TradeTimeMs:  frame.TradeTime,
		EventTimeMs:  frame.EventTime,
	}, nil
}
