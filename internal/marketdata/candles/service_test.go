package candles

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gopherex.com/mdfeed/internal/marketdata/exchange"
	"gopherex.com/mdfeed/internal/marketdata/model"
	"gopherex.com/mdfeed/internal/marketdata/pairs"
	"gopherex.com/mdfeed/pkg/xerr"
)

type stubAdapter struct {
	since *time.Time
	limit int
	err   error
}

func (s *stubAdapter) Ticker(context.Context, string) (model.Ticker, error) { return model.Ticker{}, nil }
func (s *stubAdapter) OrderBook(context.Context, string, int) (model.OrderBook, error) {
	return model.OrderBook{}, nil
}

func (s *stubAdapter) OHLCV(_ context.Context, _ string, tf model.Timeframe, since *time.Time, limit int) ([]model.Candle, error) {
	s.since, s.limit = since, limit
	if s.err != nil {
		return nil, s.err
	}
	out := make([]model.Candle, limit)
	start := time.Unix(1700000000, 0).UTC()
	for i := range out {
		out[i] = model.Candle{OpenTime: start.Add(time.Duration(i) * tf.Duration()), Close: decimal.NewFromInt(int64(100 + i))}
	}
	return out, nil
}

type memStore struct {
	mu     sync.Mutex
	series []Series
	err    error
}

func (m *memStore) Save(_ context.Context, s Series) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.series = append(m.series, s)
	return nil
}

func newService(a exchange.Adapter, st Store) *Service {
	reg := exchange.NewRegistry()
	reg.Register("binance", a)
	p := pairs.NewStaticRegistry([]pairs.PairConfig{
		{ID: 1, Exchange: "binance", Symbol: "BTC/USDT", Active: true},
		{ID: 2, Exchange: "kraken", Symbol: "BTC/USD", Active: true},
	})
	return NewService(p, reg, st, nil)
}

func TestFetchAndSave(t *testing.T) {
	a := &stubAdapter{}
	st := &memStore{}
	n, err := newService(a, st).FetchAndSaveHistoricalData(context.Background(), 1, model.TF1h, nil, 3)
	require.NoError(t, err)

	assert.Equal(t, 3, n)
	assert.Nil(t, a.since)
	assert.Equal(t, 3, a.limit)
	require.Len(t, st.series, 1)
	assert.Equal(t, "BTC/USDT", st.series[0].Symbol)
	assert.Equal(t, model.TF1h, st.series[0].Timeframe)
	assert.Len(t, st.series[0].Candles, 3)
}

func TestFetchAndSave_LogsCoveredWindow(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	reg := exchange.NewRegistry()
	reg.Register("binance", &stubAdapter{})
	p := pairs.NewStaticRegistry([]pairs.PairConfig{{ID: 1, Exchange: "binance", Symbol: "BTC/USDT", Active: true}})
	svc := NewService(p, reg, &memStore{}, zap.New(core))

	_, err := svc.FetchAndSaveHistoricalData(context.Background(), 1, model.TF4h, nil, 3)
	require.NoError(t, err)

	entries := logs.FilterMessage("historical candles saved").All()
	require.Len(t, entries, 1)
	start := time.Unix(1700000000, 0).UTC()
	fields := entries[0].ContextMap()
	from, ok := fields["from"].(time.Time)
	require.True(t, ok)
	to, ok := fields["to"].(time.Time)
	require.True(t, ok)
	assert.True(t, start.Equal(from))
	// 3 根 4h，最后一根收盘在 start+12h
	assert.True(t, start.Add(12*time.Hour).Equal(to), "to=%s", to)
}

func TestFetchAndSave_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := newService(&stubAdapter{}, &memStore{}).FetchAndSaveHistoricalData(ctx, 42, model.TF1m, nil, 1)
	assert.Equal(t, xerr.PairNotFound, xerr.CodeOf(err))

	_, err = newService(&stubAdapter{}, &memStore{}).FetchAndSaveHistoricalData(ctx, 2, model.TF1m, nil, 1)
	assert.Equal(t, xerr.UnknownExchange, xerr.CodeOf(err))

	_, err = newService(&stubAdapter{err: xerr.New(xerr.RateLimited, "429")}, &memStore{}).
		FetchAndSaveHistoricalData(ctx, 1, model.TF1m, nil, 1)
	assert.Equal(t, xerr.RateLimited, xerr.CodeOf(err))

	boom := errors.New("influx unavailable")
	_, err = newService(&stubAdapter{}, &memStore{err: boom}).FetchAndSaveHistoricalData(ctx, 1, model.TF1m, nil, 1)
	assert.ErrorIs(t, err, boom)
}

func TestToPoint(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	p := toPoint(Series{ExchangeID: "binance", Symbol: "BTC/USDT", Timeframe: model.TF5m},
		model.Candle{OpenTime: ts, Open: decimal.RequireFromString("1.5"), Volume: decimal.NewFromInt(10)})

	assert.Equal(t, "kline", p.Name())
	assert.Equal(t, ts, p.Time())
	tags := map[string]string{}
	for _, tg := range p.TagList() {
		tags[tg.Key] = tg.Value
	}
	assert.Equal(t, "5m", tags["interval"])
	fields := map[string]interface{}{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, 1.5, fields["o"])
	assert.Equal(t, 10.0, fields["v"])
}
