// Package binance is a REST market-data adapter for the Binance spot API.
package binance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"gopherex.com/mdfeed/internal/marketdata/exchange"
	"gopherex.com/mdfeed/internal/marketdata/model"
	"gopherex.com/mdfeed/pkg/xerr"
)

const ExchangeID = "binance"

// depth 接口只接受这些 limit
var depthLimits = []int{5, 10, 20, 50, 100, 500, 1000, 5000}

type Client struct {
	BaseURL string // e.g. https://api.binance.com
	HTTP    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Ticker(ctx context.Context, symbol string) (model.Ticker, error) {
	q := url.Values{"symbol": {ToBinanceSymbol(symbol)}}
	var raw ticker24h
	if err := c.get(ctx, "/api/v3/ticker/24hr", q, &raw); err != nil {
		return model.Ticker{}, err
	}
	return raw.toModel(symbol)
}

func (c *Client) OrderBook(ctx context.Context, symbol string, depth int) (model.OrderBook, error) {
	q := url.Values{
		"symbol": {ToBinanceSymbol(symbol)},
		"limit":  {strconv.Itoa(depthLimit(depth))},
	}
	var raw depthResp
	if err := c.get(ctx, "/api/v3/depth", q, &raw); err != nil {
		return model.OrderBook{}, err
	}
	book, err := raw.toModel(symbol)
	if err != nil {
		return model.OrderBook{}, err
	}
	return book.Truncate(depth), nil
}

func (c *Client) OHLCV(ctx context.Context, symbol string, tf model.Timeframe, since *time.Time, limit int) ([]model.Candle, error) {
	if !tf.Valid() {
		return nil, xerr.New(xerr.InvalidArgument, "unsupported timeframe "+tf.String())
	}
	q := url.Values{
		"symbol":   {ToBinanceSymbol(symbol)},
		"interval": {tf.String()},
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if since != nil {
		q.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	var rows [][]json.RawMessage
	if err := c.get(ctx, "/api/v3/klines", q, &rows); err != nil {
		return nil, err
	}
	return parseKlines(rows)
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return xerr.Wrap(xerr.InvalidArgument, err, "")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return xerr.Wrap(xerr.FetchFailed, err, "")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return xerr.Wrap(xerr.FetchFailed, err, "")
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return xerr.Wrap(xerr.FetchFailed, err, "decode "+path)
	}
	return nil
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// statusError 把 HTTP 状态/业务码映射到统一错误码
func statusError(status int, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	cause := fmt.Errorf("binance http %d: code=%d msg=%s", status, ae.Code, ae.Msg)

	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return xerr.Wrap(xerr.RateLimited, cause, "")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return xerr.Wrap(xerr.Unauthorized, cause, "")
	case ae.Code == -1121:
		return xerr.Wrap(xerr.SymbolNotFound, cause, "")
	case status >= 400 && status < 500:
		return xerr.Wrap(xerr.InvalidArgument, cause, "")
	default:
		return xerr.Wrap(xerr.FetchFailed, cause, "")
	}
}

// ToBinanceSymbol "BTC/USDT" -> "BTCUSDT"
func ToBinanceSymbol(symbol string) string {
	r := strings.NewReplacer("/", "", "-", "", "_", "")
	return strings.ToUpper(r.Replace(symbol))
}

func depthLimit(depth int) int {
	for _, l := range depthLimits {
		if depth <= l {
			return l
		}
	}
	return depthLimits[len(depthLimits)-1]
}

var _ exchange.Adapter = (*Client)(nil)
