package exchange

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopherex.com/mdfeed/internal/marketdata/model"
	"gopherex.com/mdfeed/pkg/ratelimit"
	"gopherex.com/mdfeed/pkg/xerr"
)

type fakeAdapter struct {
	calls     int32
	tickerErr error
}

func (f *fakeAdapter) Ticker(_ context.Context, symbol string) (model.Ticker, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.tickerErr != nil {
		return model.Ticker{}, f.tickerErr
	}
	return model.Ticker{Symbol: symbol, Last: decimal.RequireFromString("64000.5")}, nil
}

func (f *fakeAdapter) OrderBook(_ context.Context, symbol string, depth int) (model.OrderBook, error) {
	atomic.AddInt32(&f.calls, 1)
	return model.OrderBook{Symbol: symbol}, nil
}

func (f *fakeAdapter) OHLCV(_ context.Context, _ string, _ model.Timeframe, _ *time.Time, limit int) ([]model.Candle, error) {
	atomic.AddInt32(&f.calls, 1)
	return make([]model.Candle, limit), nil
}

func TestRegistry_UnknownExchange(t *testing.T) {
	r := NewRegistry()
	r.Register("binance", &fakeAdapter{})

	_, err := r.Get("kraken")
	assert.Equal(t, xerr.UnknownExchange, xerr.CodeOf(err))

	a, err := r.Get("binance")
	require.NoError(t, err)
	assert.NotNil(t, a)
	assert.Equal(t, []string{"binance"}, r.IDs())
}

func TestGuarded_PassesThrough(t *testing.T) {
	next := &fakeAdapter{}
	g := NewGuarded("binance", next, ratelimit.NewStore(ratelimit.Limit{}, nil, time.Minute),
		ratelimit.NewManager(ratelimit.Rule{}, nil))

	tk, err := g.Ticker(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT", tk.Symbol)

	candles, err := g.OHLCV(context.Background(), "BTC/USDT", model.TF1m, nil, 3)
	require.NoError(t, err)
	assert.Len(t, candles, 3)
	assert.EqualValues(t, 2, atomic.LoadInt32(&next.calls))
}

func TestGuarded_BreakerOpensAndShortCircuits(t *testing.T) {
	next := &fakeAdapter{tickerErr: xerr.Wrap(xerr.FetchFailed, errors.New("502 bad gateway"), "")}
	g := NewGuarded("kraken", next, nil, ratelimit.NewManager(ratelimit.Rule{TripConsecutiveFailures: 2, Timeout: time.Hour}, nil))

	for i := 0; i < 2; i++ {
		_, err := g.Ticker(context.Background(), "BTC/USDT")
		assert.Equal(t, xerr.FetchFailed, xerr.CodeOf(err))
	}

	_, err := g.Ticker(context.Background(), "BTC/USDT")
	assert.Equal(t, xerr.BreakerOpen, xerr.CodeOf(err))
	assert.EqualValues(t, 2, atomic.LoadInt32(&next.calls), "熔断后不应再打上游")
}

func TestGuarded_RateLimitWaitCancelled(t *testing.T) {
	limiter := ratelimit.NewStore(ratelimit.Limit{RPS: 0.001, Burst: 1}, nil, time.Minute)
	g := NewGuarded("binance", &fakeAdapter{}, limiter, nil)

	_, err := g.OrderBook(context.Background(), "BTC/USDT", 20)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = g.OrderBook(ctx, "BTC/USDT", 20)
	assert.Equal(t, xerr.RateLimited, xerr.CodeOf(err))
}
