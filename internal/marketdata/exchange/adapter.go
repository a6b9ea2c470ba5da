package exchange

import (
	"context"
	"sort"
	"sync"
	"time"

	"gopherex.com/mdfeed/internal/marketdata/model"
	"gopherex.com/mdfeed/pkg/xerr"
)

// Adapter 一个交易所的行情客户端。
// 所有失败统一视为“这次取数失败”，错误码见 pkg/xerr。
type Adapter interface {
	Ticker(ctx context.Context, symbol string) (model.Ticker, error)
	OrderBook(ctx context.Context, symbol string, depth int) (model.OrderBook, error)
	// OHLCV since 为 nil 时取最近 limit 根
	OHLCV(ctx context.Context, symbol string, tf model.Timeframe, since *time.Time, limit int) ([]model.Candle, error)
}

// Registry 交易所 id -> Adapter
type Registry struct {
	mu sync.RWMutex
	m  map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Adapter, 4)}
}

func (r *Registry) Register(exchangeID string, a Adapter) {
	r.mu.Lock()
	r.m[exchangeID] = a
	r.mu.Unlock()
}

func (r *Registry) Get(exchangeID string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.m[exchangeID]
	r.mu.RUnlock()
	if !ok {
		return nil, xerr.New(xerr.UnknownExchange, "no adapter for exchange "+exchangeID)
	}
	return a, nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.m))
	for id := range r.m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
