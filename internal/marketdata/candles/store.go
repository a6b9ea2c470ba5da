// Package candles persists OHLCV candles and implements the historical
// fetch-and-save used by the backfill lane.
package candles

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"gopherex.com/mdfeed/internal/marketdata/model"
)

// Series 一个交易对+周期下的一批 K 线
type Series struct {
	ExchangeID string
	Symbol     string
	Timeframe  model.Timeframe
	Candles    []model.Candle
}

type Store interface {
	Save(ctx context.Context, s Series) error
}

type InfluxConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Org     string        `mapstructure:"org"`
	Bucket  string        `mapstructure:"bucket"`
	Timeout time.Duration `mapstructure:"timeout"`
	UseGzip bool          `mapstructure:"use_gzip"`
}

func (c InfluxConfig) String() string {
	return fmt.Sprintf("url=%s org=%s bucket=%s gzip=%v", c.URL, c.Org, c.Bucket, c.UseGzip)
}

// InfluxStore 同步写；backfill 要知道写没写成功，所以不用异步 WriteAPI
type InfluxStore struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

func NewInfluxStore(cfg InfluxConfig) *InfluxStore {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	opt := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.Timeout.Seconds())).
		SetUseGZip(cfg.UseGzip)
	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opt)
	return &InfluxStore{client: c, write: c.WriteAPIBlocking(cfg.Org, cfg.Bucket)}
}

func (s *InfluxStore) Save(ctx context.Context, series Series) error {
	if len(series.Candles) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(series.Candles))
	for _, c := range series.Candles {
		points = append(points, toPoint(series, c))
	}
	return s.write.WritePoint(ctx, points...)
}

func (s *InfluxStore) Close() { s.client.Close() }

// toPoint measurement=kline，tag: exchange/symbol/interval（注意 tag 基数）
func toPoint(s Series, c model.Candle) *write.Point {
	tags := map[string]string{
		"exchange": s.ExchangeID,
		"symbol":   s.Symbol,
		"interval": s.Timeframe.String(),
	}
	fields := map[string]interface{}{
		"o": c.Open.InexactFloat64(),
		"h": c.High.InexactFloat64(),
		"l": c.Low.InexactFloat64(),
		"c": c.Close.InexactFloat64(),
		"v": c.Volume.InexactFloat64(),
	}
	return write.NewPoint("kline", tags, fields, c.OpenTime)
}

var _ Store = (*InfluxStore)(nil)
