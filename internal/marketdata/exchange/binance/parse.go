package binance

import (
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/shopspring/decimal"
	"gopherex.com/mdfeed/internal/marketdata/model"
	"gopherex.com/mdfeed/pkg/xerr"
)

type ticker24h struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	BidPrice  string `json:"bidPrice"`
	AskPrice  string `json:"askPrice"`
	HighPrice string `json:"highPrice"`
	LowPrice  string `json:"lowPrice"`
	Volume    string `json:"volume"`
	CloseTime int64  `json:"closeTime"`
}

func (t ticker24h) toModel(symbol string) (model.Ticker, error) {
	var p decParser
	out := model.Ticker{
		Symbol:    symbol,
		Last:      p.parse(t.LastPrice),
		Bid:       p.parse(t.BidPrice),
		Ask:       p.parse(t.AskPrice),
		High:      p.parse(t.HighPrice),
		Low:       p.parse(t.LowPrice),
		Volume:    p.parse(t.Volume),
		Timestamp: time.UnixMilli(t.CloseTime).UTC(),
	}
	if p.err != nil {
		return model.Ticker{}, xerr.Wrap(xerr.FetchFailed, p.err, "parse ticker")
	}
	return out, nil
}

type depthResp struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

func (d depthResp) toModel(symbol string) (model.OrderBook, error) {
	var p decParser
	levels := func(in [][2]string) []model.Level {
		out := make([]model.Level, 0, len(in))
		for _, lv := range in {
			out = append(out, model.Level{Price: p.parse(lv[0]), Quantity: p.parse(lv[1])})
		}
		return out
	}
	book := model.OrderBook{
		Symbol:    symbol,
		Bids:      levels(d.Bids),
		Asks:      levels(d.Asks),
		Timestamp: time.Now().UTC(), // depth 接口不带时间戳
	}
	if p.err != nil {
		return model.OrderBook{}, xerr.Wrap(xerr.FetchFailed, p.err, "parse depth")
	}
	return book, nil
}

// parseKlines 每行: [openTime, open, high, low, close, volume, closeTime, ...]
func parseKlines(rows [][]json.RawMessage) ([]model.Candle, error) {
	out := make([]model.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, xerr.New(xerr.FetchFailed, fmt.Sprintf("kline row %d has %d fields", i, len(row)))
		}
		openMs, err := strconv.ParseInt(string(row[0]), 10, 64)
		if err != nil {
			return nil, xerr.Wrap(xerr.FetchFailed, err, "parse kline open time")
		}
		var p decParser
		c := model.Candle{
			OpenTime: time.UnixMilli(openMs).UTC(),
			Open:     p.parseRaw(row[1]),
			High:     p.parseRaw(row[2]),
			Low:      p.parseRaw(row[3]),
			Close:    p.parseRaw(row[4]),
			Volume:   p.parseRaw(row[5]),
		}
		if p.err != nil {
			return nil, xerr.Wrap(xerr.FetchFailed, p.err, fmt.Sprintf("parse kline row %d", i))
		}
		out = append(out, c)
	}
	return out, nil
}

// decParser 记住第一个错误，避免每个字段都写 if err
type decParser struct{ err error }

func (p *decParser) parse(s string) decimal.Decimal {
	if p.err != nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		p.err = err
	}
	return d
}

func (p *decParser) parseRaw(raw json.RawMessage) decimal.Decimal {
	if p.err != nil {
		return decimal.Zero
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		p.err = err
		return decimal.Zero
	}
	return p.parse(s)
}
