// Package events defines the market data events emitted by the broadcast
// pipeline and the publisher that puts them on the broker.
package events

import (
	"strings"
	"time"

	"gopherex.com/mdfeed/internal/marketdata/model"
)

type Kind string

const (
	KindPrice     Kind = "price"
	KindOrderBook Kind = "orderbook"
	KindKline     Kind = "kline"
)

// Event 三种事件共用一个结构，按 Kind 区分，只有对应的载荷字段非空
type Event struct {
	Kind       Kind             `json:"kind"`
	ExchangeID string           `json:"exchange_id"`
	Symbol     string           `json:"symbol"`
	Ticker     *model.Ticker    `json:"ticker,omitempty"`
	OrderBook  *model.OrderBook `json:"orderbook,omitempty"`
	Timeframe  model.Timeframe  `json:"timeframe,omitempty"`
	Candles    []model.Candle   `json:"candles,omitempty"`
	EmittedAt  time.Time        `json:"emitted_at"`
}

func PriceUpdated(exchangeID, symbol string, t model.Ticker) Event {
	return Event{Kind: KindPrice, ExchangeID: exchangeID, Symbol: symbol, Ticker: &t, EmittedAt: time.Now().UTC()}
}

func OrderBookUpdated(exchangeID, symbol string, b model.OrderBook) Event {
	return Event{Kind: KindOrderBook, ExchangeID: exchangeID, Symbol: symbol, OrderBook: &b, EmittedAt: time.Now().UTC()}
}

func KlineUpdated(exchangeID, symbol string, tf model.Timeframe, candles []model.Candle) Event {
	return Event{Kind: KindKline, ExchangeID: exchangeID, Symbol: symbol, Timeframe: tf, Candles: candles, EmittedAt: time.Now().UTC()}
}

var symbolReplacer = strings.NewReplacer("/", "-", ".", "-", ":", "-")

// Topic md:{kind}:{exchange}:{symbol}，symbol 里的 "/" 换成 "-"，避免和 NATS 的分隔符冲突
func (e Event) Topic() string {
	return "md:" + string(e.Kind) + ":" + strings.ToLower(e.ExchangeID) + ":" + symbolReplacer.Replace(e.Symbol)
}
