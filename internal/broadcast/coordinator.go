// Package broadcast runs the market data broadcast pipeline: the Coordinator
// executes one cycle, the Scheduler keeps cycles coming on the broadcasts lane.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gopherex.com/mdfeed/internal/marketdata/events"
	"gopherex.com/mdfeed/internal/marketdata/exchange"
	"gopherex.com/mdfeed/internal/marketdata/model"
	"gopherex.com/mdfeed/internal/marketdata/pairs"
	"gopherex.com/mdfeed/pkg/logger"
	"gopherex.com/mdfeed/pkg/safe"
	"gopherex.com/mdfeed/pkg/xerr"
)

const (
	DefaultDepth      = 20
	DefaultKlineLimit = 100
)

// Result 一次 (exchange, symbol, kind) 取数+发布的结果，失败不抛出
type Result struct {
	Target model.Target
	Kind   events.Kind
	Err    error
}

func (r Result) OK() bool { return r.Err == nil }

// CycleOutcome 一个周期的统计。Attempted 是处理过的交易对数，不代表成功
type CycleOutcome struct {
	Attempted  int
	Succeeded  int
	HadFailure bool
}

type Options struct {
	Depth      int `mapstructure:"depth"`
	KlineLimit int `mapstructure:"kline_limit"`

	// KlineTimeframes 非空时 all 周期里每个交易对额外广播这些周期的 K 线
	KlineTimeframes []model.Timeframe `mapstructure:"kline_timeframes"`
}

type Coordinator struct {
	pairs    pairs.Registry
	adapters *exchange.Registry
	pub      events.Publisher
	log      *zap.Logger

	mu   sync.RWMutex
	opts Options
}

func NewCoordinator(p pairs.Registry, adapters *exchange.Registry, pub events.Publisher, opts Options, l *zap.Logger) *Coordinator {
	if l == nil {
		l = zap.NewNop()
	}
	c := &Coordinator{pairs: p, adapters: adapters, pub: pub, log: l}
	c.SetOptions(opts)
	return c
}

// SetOptions 热更新用
func (c *Coordinator) SetOptions(o Options) {
	if o.Depth <= 0 {
		o.Depth = DefaultDepth
	}
	if o.KlineLimit <= 0 {
		o.KlineLimit = DefaultKlineLimit
	}
	// viper 热更新会原地改写 cfg 里的切片，这里必须拷一份
	o.KlineTimeframes = append([]model.Timeframe(nil), o.KlineTimeframes...)
	c.mu.Lock()
	c.opts = o
	c.mu.Unlock()
}

func (c *Coordinator) options() Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts
}

func (c *Coordinator) BroadcastPrice(ctx context.Context, exchangeID, symbol string) Result {
	return c.run(ctx, exchangeID, symbol, events.KindPrice, func(a exchange.Adapter) (events.Event, error) {
		t, err := a.Ticker(ctx, symbol)
		if err != nil {
			return events.Event{}, err
		}
		return events.PriceUpdated(exchangeID, symbol, t), nil
	})
}

// BroadcastOrderBook depth<=0 用配置的默认深度
func (c *Coordinator) BroadcastOrderBook(ctx context.Context, exchangeID, symbol string, depth int) Result {
	if depth <= 0 {
		depth = c.options().Depth
	}
	return c.run(ctx, exchangeID, symbol, events.KindOrderBook, func(a exchange.Adapter) (events.Event, error) {
		b, err := a.OrderBook(ctx, symbol, depth)
		if err != nil {
			return events.Event{}, err
		}
		return events.OrderBookUpdated(exchangeID, symbol, b.Truncate(depth)), nil
	})
}

// BroadcastKlines limit<=0 用配置的默认根数
func (c *Coordinator) BroadcastKlines(ctx context.Context, exchangeID, symbol string, tf model.Timeframe, limit int) Result {
	if limit <= 0 {
		limit = c.options().KlineLimit
	}
	return c.run(ctx, exchangeID, symbol, events.KindKline, func(a exchange.Adapter) (events.Event, error) {
		if !tf.Valid() {
			return events.Event{}, xerr.New(xerr.InvalidArgument, "unsupported timeframe "+tf.String())
		}
		candles, err := a.OHLCV(ctx, symbol, tf, nil, limit)
		if err != nil {
			return events.Event{}, err
		}
		return events.KlineUpdated(exchangeID, symbol, tf, candles), nil
	})
}

// BroadcastAllActivePairs 返回处理过的交易对数（含全部失败的），只有查注册表失败才返回 error
func (c *Coordinator) BroadcastAllActivePairs(ctx context.Context) (int, error) {
	out, err := c.broadcastAll(ctx)
	return out.Attempted, err
}

// Cycle 跑一个周期：具体 target 只广播 price+orderbook，否则广播全部活跃交易对
func (c *Coordinator) Cycle(ctx context.Context, target model.Target) (CycleOutcome, error) {
	if target.IsAll() {
		return c.broadcastAll(ctx)
	}
	var out CycleOutcome
	c.tally(&out, c.broadcastPair(ctx, target.ExchangeID, target.Symbol, nil))
	return out, nil
}

func (c *Coordinator) broadcastAll(ctx context.Context) (CycleOutcome, error) {
	var out CycleOutcome
	active, err := c.pairs.ListActivePairs(ctx)
	if err != nil {
		return out, fmt.Errorf("list active pairs: %w", err)
	}
	tfs := c.options().KlineTimeframes
	for _, p := range active {
		c.tally(&out, c.broadcastPair(ctx, p.ExchangeID, p.Symbol, tfs))
	}
	return out, nil
}

// broadcastPair price 和 orderbook 各自独立，一个失败不影响另一个
func (c *Coordinator) broadcastPair(ctx context.Context, exchangeID, symbol string, tfs []model.Timeframe) []Result {
	res := make([]Result, 0, 2+len(tfs))
	res = append(res,
		c.BroadcastPrice(ctx, exchangeID, symbol),
		c.BroadcastOrderBook(ctx, exchangeID, symbol, 0),
	)
	for _, tf := range tfs {
		res = append(res, c.BroadcastKlines(ctx, exchangeID, symbol, tf, 0))
	}
	return res
}

func (c *Coordinator) tally(out *CycleOutcome, res []Result) {
	out.Attempted++
	ok := true
	for _, r := range res {
		if !r.OK() {
			ok = false
		}
	}
	if ok {
		out.Succeeded++
	} else {
		out.HadFailure = true
	}
}

func (c *Coordinator) run(ctx context.Context, exchangeID, symbol string, kind events.Kind, fetch func(exchange.Adapter) (events.Event, error)) Result {
	r := Result{Target: model.Target{ExchangeID: exchangeID, Symbol: symbol}, Kind: kind}

	// adapter 或 publisher panic 只算这一次失败，不能打断同一周期里的其它交易对
	err := safe.Do(func() error {
		a, err := c.adapters.Get(exchangeID)
		if err != nil {
			return err
		}
		ev, err := fetch(a)
		if err != nil {
			return err
		}
		if err := c.pub.Publish(ctx, ev); err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		return nil
	})
	if err == nil {
		return r
	}

	r.Err = err
	log := logger.Ctx(ctx, c.log).With(
		zap.String("kind", string(kind)),
		zap.String("exchange", exchangeID),
		zap.String("symbol", symbol),
	)
	var pe *safe.PanicError
	if errors.As(err, &pe) {
		log.Error("broadcast panicked", zap.Any("panic", pe.Value), zap.String("stack", pe.Stack))
		return r
	}
	log.Warn("broadcast failed", zap.Int("code", xerr.CodeOf(err)), zap.Error(err))
	return r
}
