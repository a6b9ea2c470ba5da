package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"gopherex.com/mdfeed/internal/marketdata/model"
	"gopherex.com/mdfeed/pkg/metrics"
	"gopherex.com/mdfeed/pkg/ratelimit"
	"gopherex.com/mdfeed/pkg/xerr"
)

// Guarded 给 Adapter 套上按交易所的令牌桶和熔断器。
// 熔断打开时直接返回 BreakerOpen，不打上游。
type Guarded struct {
	id       string
	next     Adapter
	limiter  *ratelimit.Store
	breakers *ratelimit.Manager
}

func NewGuarded(exchangeID string, next Adapter, limiter *ratelimit.Store, breakers *ratelimit.Manager) *Guarded {
	return &Guarded{id: exchangeID, next: next, limiter: limiter, breakers: breakers}
}

func (g *Guarded) Ticker(ctx context.Context, symbol string) (model.Ticker, error) {
	return call(ctx, g, "ticker", func() (model.Ticker, error) {
		return g.next.Ticker(ctx, symbol)
	})
}

func (g *Guarded) OrderBook(ctx context.Context, symbol string, depth int) (model.OrderBook, error) {
	return call(ctx, g, "orderbook", func() (model.OrderBook, error) {
		return g.next.OrderBook(ctx, symbol, depth)
	})
}

func (g *Guarded) OHLCV(ctx context.Context, symbol string, tf model.Timeframe, since *time.Time, limit int) ([]model.Candle, error) {
	return call(ctx, g, "ohlcv", func() ([]model.Candle, error) {
		return g.next.OHLCV(ctx, symbol, tf, since, limit)
	})
}

func call[T any](ctx context.Context, g *Guarded, kind string, fn func() (T, error)) (T, error) {
	var zero T
	start := time.Now()
	defer func() {
		metrics.FetchDuration.WithLabelValues(g.id, kind).Observe(time.Since(start).Seconds())
	}()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx, g.id); err != nil {
			metrics.FetchTotal.WithLabelValues(g.id, kind, "rate_limited").Inc()
			return zero, xerr.Wrap(xerr.RateLimited, err, "")
		}
	}

	var (
		v   T
		err error
	)
	if g.breakers == nil {
		v, err = fn()
	} else {
		var out any
		out, err = g.breakers.Get(g.id).Execute(func() (any, error) { return fn() })
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CBRejectTotal.WithLabelValues(g.id).Inc()
			metrics.FetchTotal.WithLabelValues(g.id, kind, "breaker_open").Inc()
			return zero, xerr.Wrap(xerr.BreakerOpen, err, "")
		}
		if out != nil {
			v = out.(T)
		}
	}
	if err != nil {
		metrics.FetchTotal.WithLabelValues(g.id, kind, "error").Inc()
		return zero, err
	}
	metrics.FetchTotal.WithLabelValues(g.id, kind, "ok").Inc()
	return v, nil
}

var _ Adapter = (*Guarded)(nil)
