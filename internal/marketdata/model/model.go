// Package model holds the exchange-neutral market data types that flow from
// adapters through the broadcast pipeline onto the event bus.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Ticker 某个交易对当前价格/成交量快照
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Last      decimal.Decimal `json:"last"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Volume    decimal.Decimal `json:"volume"` // base asset volume, 24h
	Timestamp time.Time       `json:"ts"`
}

type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"qty"`
}

// OrderBook 盘口，Bids 价格降序，Asks 价格升序
type OrderBook struct {
	Symbol    string    `json:"symbol"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	Timestamp time.Time `json:"ts"`
}

// Truncate 只保留前 depth 档
func (b OrderBook) Truncate(depth int) OrderBook {
	if depth <= 0 {
		return b
	}
	if len(b.Bids) > depth {
		b.Bids = b.Bids[:depth]
	}
	if len(b.Asks) > depth {
		b.Asks = b.Asks[:depth]
	}
	return b
}

// Candle 一根 OHLCV，OpenTime 是桶起点
type Candle struct {
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// TradingPair 交易对注册表里的一行（只读视图）
type TradingPair struct {
	ID         uint64 `json:"id"`
	ExchangeID string `json:"exchange_id"`
	Symbol     string `json:"symbol"` // "BASE/QUOTE", e.g. BTC/USDT
	IsActive   bool   `json:"is_active"`
}

func (p TradingPair) Target() Target {
	return Target{ExchangeID: p.ExchangeID, Symbol: p.Symbol}
}

// AllSentinel 表示“所有活跃交易对”
const AllSentinel = "all"

// Target 一次广播的目标；零值或任一字段为 "all" 表示全部活跃交易对
type Target struct {
	ExchangeID string `json:"exchange_id,omitempty"`
	Symbol     string `json:"symbol,omitempty"`
}

func (t Target) IsAll() bool {
	if t.ExchangeID == "" || t.Symbol == "" {
		return true
	}
	return strings.EqualFold(t.ExchangeID, AllSentinel) || strings.EqualFold(t.Symbol, AllSentinel)
}

func (t Target) String() string {
	if t.IsAll() {
		return AllSentinel
	}
	return t.ExchangeID + ":" + t.Symbol
}
